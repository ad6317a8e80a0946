package prompts

import (
	"strings"
	"testing"

	"github.com/someta/mathhelper/internal/model"
)

func loadTemplates(t *testing.T) {
	t.Helper()
	if err := Load(Templates); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestSystemPrompt(t *testing.T) {
	tests := []struct {
		name     string
		messages []model.Message
		want     string
	}{
		{"empty", nil, ""},
		{"no system", []model.Message{{Role: model.RoleUser, Content: "hi"}}, ""},
		{"first system wins", []model.Message{
			{Role: model.RoleUser, Content: "hi"},
			{Role: model.RoleSystem, Content: "first"},
			{Role: model.RoleSystem, Content: "second"},
		}, "first"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SystemPrompt(tt.messages); got != tt.want {
				t.Errorf("SystemPrompt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildProblemPrompt(t *testing.T) {
	t.Run("without description", func(t *testing.T) {
		got := BuildProblemPrompt("", ProblemRequest{Interests: "soccer", Standard: "7.RP.2"})
		if !strings.HasSuffix(got, "Interests: soccer\nMath Standard: 7.RP.2") {
			t.Errorf("unexpected prompt ending: %q", got)
		}
		if strings.Contains(got, "Standard Description") {
			t.Error("prompt should not contain a description line")
		}
		want := "\n\nGenerate a math problem based on:\nInterests: soccer\nMath Standard: 7.RP.2"
		if got != want {
			t.Errorf("BuildProblemPrompt() = %q, want %q", got, want)
		}
	})

	t.Run("with description", func(t *testing.T) {
		base := BuildProblemPrompt("", ProblemRequest{Interests: "soccer", Standard: "7.RP.2"})
		got := BuildProblemPrompt("", ProblemRequest{Interests: "soccer", Standard: "7.RP.2", StandardDescription: "ratios"})
		if got != base+"\nStandard Description: ratios" {
			t.Errorf("expected exactly one extra line, got %q", got)
		}
	})

	t.Run("system prompt first", func(t *testing.T) {
		got := BuildProblemPrompt("You write word problems.", ProblemRequest{Interests: "music", Standard: "6.EE.1"})
		if !strings.HasPrefix(got, "You write word problems.\n\nGenerate a math problem based on:") {
			t.Errorf("unexpected prompt start: %q", got)
		}
	})
}

func TestBuildMetaPrompt(t *testing.T) {
	loadTemplates(t)

	histories := model.ConversationHistory{
		model.TargetFeedback: {{Role: model.RoleUser, Content: "check my work"}},
		model.TargetProblem:  {{Role: model.RoleAssistant, Content: "Here is a problem"}},
		model.TargetHelp:     nil,
	}
	got, err := BuildMetaPrompt("Summarize progress.", "stu-7", histories)
	if err != nil {
		t.Fatalf("BuildMetaPrompt: %v", err)
	}

	for _, want := range []string{
		"Summarize progress.\n\nStudent ID: stu-7",
		"SOFEEA History (Feedback):\n[\n  {\n    \"role\": \"user\",\n    \"content\": \"check my work\"\n  }\n]",
		"SOPROBY History (Problem Generation):\n[",
		"SOCRATO History (Help):\n[]",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("meta prompt missing %q\n---\n%s", want, got)
		}
	}
	if !strings.HasSuffix(got, "following the format specified in the system prompt.") {
		t.Errorf("meta prompt should end with the formatting instruction: %q", got)
	}

	feedback := strings.Index(got, "SOFEEA")
	problem := strings.Index(got, "SOPROBY")
	help := strings.Index(got, "SOCRATO")
	if !(feedback < problem && problem < help) {
		t.Error("history sections out of order")
	}
}

func TestPromptsAreDeterministic(t *testing.T) {
	loadTemplates(t)

	histories := model.ConversationHistory{
		model.TargetFeedback: {{Role: model.RoleUser, Content: "a"}},
		model.TargetProblem:  {{Role: model.RoleUser, Content: "b"}},
		model.TargetHelp:     {{Role: model.RoleUser, Content: "c"}},
	}
	first, err := BuildMetaPrompt("sys", "s1", histories)
	if err != nil {
		t.Fatalf("BuildMetaPrompt: %v", err)
	}
	combined, err := BuildCombinedPrompt([]string{"x", "y"}, 2)
	if err != nil {
		t.Fatalf("BuildCombinedPrompt: %v", err)
	}
	problem := BuildProblemPrompt("sys", ProblemRequest{Interests: "art", Standard: "5.NF.1"})

	for i := 0; i < 5; i++ {
		again, _ := BuildMetaPrompt("sys", "s1", histories)
		if again != first {
			t.Fatal("meta prompt changed between invocations")
		}
		c, _ := BuildCombinedPrompt([]string{"x", "y"}, 2)
		if c != combined {
			t.Fatal("combined prompt changed between invocations")
		}
		if BuildProblemPrompt("sys", ProblemRequest{Interests: "art", Standard: "5.NF.1"}) != problem {
			t.Fatal("problem prompt changed between invocations")
		}
	}
}

func TestBuildCombinedPrompt(t *testing.T) {
	loadTemplates(t)

	got, err := BuildCombinedPrompt([]string{"first page notes", "third page notes"}, 3)
	if err != nil {
		t.Fatalf("BuildCombinedPrompt: %v", err)
	}
	if n := strings.Count(got, "--- PAGE "); n != 2 {
		t.Errorf("expected 2 page sections, got %d", n)
	}
	if !strings.Contains(got, "--- PAGE 1 ---\nfirst page notes\n") {
		t.Error("missing page 1 section")
	}
	if !strings.Contains(got, "--- PAGE 2 ---\nthird page notes") {
		t.Error("surviving pages should be renumbered")
	}
	if strings.Contains(got, "PAGE 3") {
		t.Error("original page numbers should not appear")
	}
	if !strings.Contains(got, "analyses of 3 pages") {
		t.Error("prompt should mention the submitted page count")
	}
	for _, heading := range []string{"Overall grade", "Summary of student understanding", "Key strengths", "feedback for improvement"} {
		if !strings.Contains(got, heading) {
			t.Errorf("rubric missing %q", heading)
		}
	}
}

func TestPageSections(t *testing.T) {
	got := PageSections([]string{"A", "B"})
	want := "--- PAGE 1 ---\nA\n\n--- PAGE 2 ---\nB\n"
	if got != want {
		t.Errorf("PageSections() = %q, want %q", got, want)
	}
	if PageSections(nil) != "" {
		t.Error("no analyses should render nothing")
	}
}

func TestPageInstruction(t *testing.T) {
	if got := PageInstruction(2); got != "This is page 2 of a student assignment. Analyze the content:" {
		t.Errorf("PageInstruction(2) = %q", got)
	}
}

func TestGradingSystemPrompt(t *testing.T) {
	loadTemplates(t)

	got, err := GradingSystemPrompt()
	if err != nil {
		t.Fatalf("GradingSystemPrompt: %v", err)
	}
	if !strings.Contains(got, "math teacher") {
		t.Errorf("unexpected grading prompt: %q", got)
	}
}

func TestBuildExtensionPrompt(t *testing.T) {
	loadTemplates(t)

	bare, err := BuildExtensionPrompt("")
	if err != nil {
		t.Fatalf("BuildExtensionPrompt: %v", err)
	}
	if strings.Contains(bare, "Student question") {
		t.Error("empty question should not add a question line")
	}

	withQ, err := BuildExtensionPrompt("  how do I solve 2x+3=7? ")
	if err != nil {
		t.Fatalf("BuildExtensionPrompt: %v", err)
	}
	if !strings.HasSuffix(withQ, "Student question: how do I solve 2x+3=7?") {
		t.Errorf("unexpected prompt: %q", withQ)
	}
}
