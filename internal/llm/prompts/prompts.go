package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"text/template"

	"github.com/someta/mathhelper/internal/model"
)

// Templates holds the built-in prompt templates.
//
//go:embed templates/*.txt
var Templates embed.FS

const (
	tmplMeta      = "meta_analysis"
	tmplCombined  = "combined_analysis"
	tmplGrading   = "page_grading_system"
	tmplExtension = "extension_tutor"
)

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[string]*template.Template
)

// Load parses prompt templates from fsys (see Templates).
// It uses sync.Once to ensure templates are loaded only once.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		templates = make(map[string]*template.Template)
		for _, name := range []string{tmplMeta, tmplCombined, tmplGrading, tmplExtension} {
			file := "templates/" + name + ".txt"
			content, err := fs.ReadFile(fsys, file)
			if err != nil {
				loadErr = errors.New("failed to read prompt file " + file + ": " + err.Error())
				return
			}
			tmpl, err := template.New(name).Option("missingkey=error").Parse(string(content))
			if err != nil {
				loadErr = errors.New("failed to parse prompt template " + file + ": " + err.Error())
				return
			}
			templates[name] = tmpl
		}
	})
	return loadErr
}

func render(name string, data any) (string, error) {
	if templates == nil {
		return "", errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := templates[name]
	if !ok {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", errors.New("unknown prompt template: " + name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// SystemPrompt returns the content of the first system message, or "".
func SystemPrompt(messages []model.Message) string {
	for _, m := range messages {
		if m.Role == model.RoleSystem {
			return m.Content
		}
	}
	return ""
}

// ProblemRequest is the structured content of a problem generation message.
type ProblemRequest struct {
	Interests           string `json:"interests"`
	Standard            string `json:"standard"`
	StandardDescription string `json:"standardDescription,omitempty"`
}

// BuildProblemPrompt builds the single user prompt for problem generation.
// The description line is appended only when a description is present.
func BuildProblemPrompt(systemPrompt string, req ProblemRequest) string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	sb.WriteString("\n\nGenerate a math problem based on:\n")
	sb.WriteString("Interests: " + req.Interests + "\n")
	sb.WriteString("Math Standard: " + req.Standard)
	if req.StandardDescription != "" {
		sb.WriteString("\nStandard Description: " + req.StandardDescription)
	}
	return sb.String()
}

// MetaData holds template data for the meta-analysis prompt.
type MetaData struct {
	SystemPrompt string
	StudentID    string
	Feedback     string
	Problem      string
	Help         string
}

// BuildMetaPrompt embeds the three conversation histories, serialized as
// indented JSON, into the meta-analysis prompt.
func BuildMetaPrompt(systemPrompt, studentID string, histories model.ConversationHistory) (string, error) {
	data := MetaData{SystemPrompt: systemPrompt, StudentID: studentID}
	for _, target := range model.ChatTargets {
		serialized, err := serializeHistory(histories[target])
		if err != nil {
			return "", fmt.Errorf("serialize %s history: %w", target, err)
		}
		switch target {
		case model.TargetFeedback:
			data.Feedback = serialized
		case model.TargetProblem:
			data.Problem = serialized
		case model.TargetHelp:
			data.Help = serialized
		}
	}
	return render(tmplMeta, data)
}

func serializeHistory(messages []model.Message) (string, error) {
	if messages == nil {
		messages = []model.Message{}
	}
	b, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GradingSystemPrompt returns the fixed system instruction used for page and
// combined submission analysis.
func GradingSystemPrompt() (string, error) {
	return render(tmplGrading, nil)
}

// PageInstruction labels one page of a submission for the grader.
func PageInstruction(page int) string {
	return fmt.Sprintf("This is page %d of a student assignment. Analyze the content:", page)
}

// CombinedData holds template data for the combined analysis prompt.
type CombinedData struct {
	TotalPages int
	Pages      string
}

// BuildCombinedPrompt concatenates page analyses under "--- PAGE i ---"
// headers, numbered by position in analyses, followed by the grading rubric.
func BuildCombinedPrompt(analyses []string, totalPages int) (string, error) {
	return render(tmplCombined, CombinedData{
		TotalPages: totalPages,
		Pages:      PageSections(analyses),
	})
}

// PageSections renders the page analyses block of the combined prompt.
func PageSections(analyses []string) string {
	sections := make([]string, 0, len(analyses))
	for i, a := range analyses {
		sections = append(sections, fmt.Sprintf("--- PAGE %d ---\n%s\n", i+1, a))
	}
	return strings.Join(sections, "\n")
}

// ExtensionData holds template data for the browser extension tutor prompt.
type ExtensionData struct {
	Question string
}

// BuildExtensionPrompt returns the tutoring instruction for extension chats.
// An empty question yields the bare system prompt.
func BuildExtensionPrompt(question string) (string, error) {
	return render(tmplExtension, ExtensionData{Question: strings.TrimSpace(question)})
}
