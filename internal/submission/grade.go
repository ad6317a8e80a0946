package submission

import "regexp"

// NotGraded is returned when no grade can be found in an analysis.
const NotGraded = "Not Graded"

var (
	gradePattern   = regexp.MustCompile(`(?:Grade|GRADE|grade):\s*([A-F][+-]?|[0-9]+/[0-9]+|[0-9]+%)`)
	overallPattern = regexp.MustCompile(`(?:Overall|OVERALL):\s*([A-F][+-]?|[0-9]+/[0-9]+|[0-9]+%)`)
)

// ExtractGrade scans free-form analysis text for a letter, fraction or
// percentage grade. A "Grade:" label takes precedence over "Overall:".
func ExtractGrade(analysis string) string {
	for _, re := range []*regexp.Regexp{gradePattern, overallPattern} {
		if m := re.FindStringSubmatch(analysis); m != nil {
			return m[1]
		}
	}
	return NotGraded
}
