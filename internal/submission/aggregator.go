package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/someta/mathhelper/internal/i18n"
	"github.com/someta/mathhelper/internal/llm"
	"github.com/someta/mathhelper/internal/llm/prompts"
	"github.com/someta/mathhelper/internal/metrics"
	"github.com/someta/mathhelper/internal/model"
)

// MaxPages is the largest number of page images accepted per submission.
const MaxPages = 3

// SubmissionTypeAssignment tags records produced by Process.
const SubmissionTypeAssignment = "assignment"

// ErrNoImages is returned for a submission without images. It is not a
// processing failure: nothing is analyzed and no session state changes.
var ErrNoImages = errors.New("no images submitted")

var errNoValidPages = errors.New("no valid page analyses")

// PageAnalyzer analyzes one page image.
type PageAnalyzer interface {
	AnalyzePage(ctx context.Context, image string, page int) (string, bool, error)
}

// RecordStore persists submission records.
type RecordStore interface {
	AddSubmission(rec model.SubmissionRecord) (int64, error)
}

// Recorder appends an entry to the interaction log. Implementations must not
// fail the caller.
type Recorder interface {
	Record(ctx context.Context, entry model.LogEntry)
}

// Submission is one set of page images to grade.
type Submission struct {
	SessionID string
	StudentID string
	Images    []string
}

// Result is returned to the client. Analyses holds either the combined
// analysis or a single human-readable warning.
type Result struct {
	SessionID     string
	Analyses      []string
	Grade         string
	PagesAnalyzed int
}

// Aggregator runs the multi-page grading pipeline.
type Aggregator struct {
	pages        PageAnalyzer
	gateway      Sender
	model        string
	store        RecordStore
	recorder     Recorder
	metrics      *metrics.PipelineMetrics
	now          func() time.Time
	newSessionID func() string
}

// NewAggregator wires the grading pipeline. recorder and m may be nil.
func NewAggregator(pages PageAnalyzer, gateway Sender, modelName string, store RecordStore, recorder Recorder, m *metrics.PipelineMetrics) *Aggregator {
	return &Aggregator{
		pages:        pages,
		gateway:      gateway,
		model:        modelName,
		store:        store,
		recorder:     recorder,
		metrics:      m,
		now:          time.Now,
		newSessionID: uuid.NewString,
	}
}

// Process grades a submission page by page, then as a whole. Processing
// failures never surface as errors: they are logged and returned as a
// one-element warning list. Only input problems (ErrNoImages, too many pages)
// are returned as errors.
func (a *Aggregator) Process(ctx context.Context, sub Submission) (Result, error) {
	slog.Info("processing submission", "pages", len(sub.Images), "student_id", sub.StudentID)

	if len(sub.Images) == 0 {
		slog.Warn("no image data provided for submission")
		return Result{SessionID: sub.SessionID}, ErrNoImages
	}
	if len(sub.Images) > MaxPages {
		return Result{SessionID: sub.SessionID}, fmt.Errorf("%w: at most %d pages per submission, got %d", model.ErrValidation, MaxPages, len(sub.Images))
	}

	sessionID := sub.SessionID
	if sessionID == "" {
		sessionID = a.newSessionID()
		slog.Info("session initialized", "session_id", sessionID)
	}
	res := Result{SessionID: sessionID}

	combined, analyzed, err := a.grade(ctx, sub, sessionID)
	res.PagesAnalyzed = analyzed
	if err != nil {
		slog.Error("error processing submission", "session_id", sessionID, "error", err)
		res.Analyses = []string{a.warning(ctx, err)}
		a.metrics.ObserveSubmission("failed")
		return res, nil
	}

	res.Analyses = []string{combined}
	res.Grade = ExtractGrade(combined)
	a.metrics.ObserveSubmission("graded")
	return res, nil
}

func (a *Aggregator) grade(ctx context.Context, sub Submission, sessionID string) (string, int, error) {
	var analyses []string
	for i, img := range sub.Images {
		if strings.TrimSpace(img) == "" {
			a.metrics.ObservePage("skipped")
			continue
		}
		// Pages run one at a time so the combined prompt keeps submission order.
		text, ok, err := a.pages.AnalyzePage(ctx, img, i+1)
		if err != nil {
			slog.Warn("page analysis failed", "page", i+1, "error", err)
			a.metrics.ObservePage("error")
			continue
		}
		if !ok {
			slog.Warn("page analysis empty", "page", i+1)
			a.metrics.ObservePage("empty")
			continue
		}
		a.metrics.ObservePage("ok")
		analyses = append(analyses, text)
	}

	if len(analyses) == 0 {
		return "", 0, errNoValidPages
	}

	system, err := prompts.GradingSystemPrompt()
	if err != nil {
		return "", len(analyses), fmt.Errorf("grading prompt: %w", err)
	}
	prompt, err := prompts.BuildCombinedPrompt(analyses, len(sub.Images))
	if err != nil {
		return "", len(analyses), fmt.Errorf("combined prompt: %w", err)
	}

	slog.Info("generating combined analysis", "pages", len(analyses))
	combined, err := a.gateway.Send(ctx, []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: prompt},
	}, a.model)
	if err != nil {
		return "", len(analyses), fmt.Errorf("combined analysis: %w", err)
	}

	rec := model.SubmissionRecord{
		SessionID:      sessionID,
		StudentID:      sub.StudentID,
		Grade:          ExtractGrade(combined),
		Analysis:       combined,
		PagesSubmitted: len(sub.Images),
		SubmissionType: SubmissionTypeAssignment,
		Timestamp:      a.now(),
	}
	if _, err := a.store.AddSubmission(rec); err != nil {
		return "", len(analyses), fmt.Errorf("save submission: %w", err)
	}

	if a.recorder != nil {
		a.recorder.Record(ctx, model.LogEntry{
			Timestamp:   rec.Timestamp,
			StudentID:   sub.StudentID,
			UserInput:   fmt.Sprintf("[%d page submission]", len(sub.Images)),
			AIResponse:  combined,
			MessageType: model.MessageTypeSubmission,
			ChatTarget:  model.TargetFeedback,
		})
	}
	return combined, len(analyses), nil
}

func (a *Aggregator) warning(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, errNoValidPages):
		return i18n.T(ctx, "SubmissionNoValidPages")
	case errors.Is(err, llm.ErrEmptyResponse):
		return i18n.T(ctx, "SubmissionNoResults")
	default:
		return i18n.Td(ctx, "SubmissionError", map[string]any{"Error": err.Error()})
	}
}
