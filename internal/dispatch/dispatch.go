package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/someta/mathhelper/internal/llm"
	"github.com/someta/mathhelper/internal/llm/prompts"
	"github.com/someta/mathhelper/internal/metrics"
	"github.com/someta/mathhelper/internal/model"
)

// StatusSuccess is the envelope status of a processed message.
const StatusSuccess = "success"

// AnalysisTypeMeta marks meta-analysis envelopes.
const AnalysisTypeMeta = "meta"

// Gateway is the AI gateway contract used by the dispatcher.
type Gateway interface {
	Send(ctx context.Context, messages []model.Message, modelName string) (string, error)
	SendWithImage(ctx context.Context, imageRef, instruction, modelName string) (string, error)
}

// Recorder appends an entry to the interaction log without failing the caller.
type Recorder interface {
	Record(ctx context.Context, entry model.LogEntry)
}

// Request is one inbound message to route.
type Request struct {
	Content     string
	Messages    []model.Message
	Target      model.ChatTarget
	StudentID   string
	MessageType model.MessageType
	Histories   model.ConversationHistory // meta-analysis only
}

// Dispatcher routes a request to the processing strategy for its message type.
type Dispatcher struct {
	gateway  Gateway
	models   llm.Models
	recorder Recorder
	metrics  *metrics.PipelineMetrics
}

// New creates a Dispatcher. recorder and m may be nil.
func New(gateway Gateway, models llm.Models, recorder Recorder, m *metrics.PipelineMetrics) *Dispatcher {
	return &Dispatcher{gateway: gateway, models: models, recorder: recorder, metrics: m}
}

// Process runs the strategy selected by req.MessageType and returns the
// normalized envelope. Errors are logged and returned to the caller.
func (d *Dispatcher) Process(ctx context.Context, req Request) (*model.Envelope, error) {
	env, err := d.process(ctx, req)
	if err != nil {
		slog.Error("error processing message", "message_type", req.MessageType, "target", req.Target, "error", err)
		d.metrics.ObserveDispatch(string(req.MessageType), "error")
		return nil, err
	}
	d.metrics.ObserveDispatch(string(req.MessageType), "ok")

	if d.recorder != nil {
		d.recorder.Record(ctx, model.LogEntry{
			Timestamp:   time.Now(),
			StudentID:   req.StudentID,
			UserInput:   logInput(req),
			AIResponse:  env.Message,
			MessageType: env.MessageType,
			ChatTarget:  env.Target,
		})
	}
	return env, nil
}

func (d *Dispatcher) process(ctx context.Context, req Request) (*model.Envelope, error) {
	if _, err := model.ParseChatTarget(string(req.Target)); err != nil {
		return nil, err
	}
	if err := validateRoles(req); err != nil {
		return nil, err
	}

	var (
		text         string
		err          error
		analysisType string
	)
	switch req.MessageType {
	case model.MessageTypeGeneratedProblem:
		text, err = d.generateProblem(ctx, req)
	case model.MessageTypeImageAnalysis:
		text, err = d.analyzeImage(ctx, req)
	case model.MessageTypeChat, model.MessageTypeHelp, model.MessageTypeFeedback:
		text, err = d.forwardText(ctx, req)
	case model.MessageTypeMetaAnalysis:
		text, err = d.metaAnalysis(ctx, req)
		analysisType = AnalysisTypeMeta
	case model.MessageTypeSubmission:
		err = fmt.Errorf("%w: submissions are graded through the submission endpoint", model.ErrValidation)
	default:
		err = fmt.Errorf("%w: unhandled message type %q", model.ErrValidation, req.MessageType)
	}
	if err != nil {
		return nil, err
	}

	return &model.Envelope{
		Status:       StatusSuccess,
		Message:      text,
		Target:       req.Target,
		MessageType:  req.MessageType,
		StudentID:    req.StudentID,
		AnalysisType: analysisType,
	}, nil
}

// generateProblem sends a fresh single-message exchange; history is not forwarded.
func (d *Dispatcher) generateProblem(ctx context.Context, req Request) (string, error) {
	pr, err := ParseProblemRequest(req.Content)
	if err != nil {
		return "", err
	}
	prompt := prompts.BuildProblemPrompt(prompts.SystemPrompt(req.Messages), pr)
	return d.gateway.Send(ctx, []model.Message{{Role: model.RoleUser, Content: prompt}}, d.models.For(req.MessageType))
}

func (d *Dispatcher) analyzeImage(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Content) == "" {
		return "", fmt.Errorf("%w: image analysis requires an image", model.ErrValidation)
	}
	instruction := prompts.SystemPrompt(req.Messages)
	return d.gateway.SendWithImage(ctx, req.Content, instruction, d.models.For(req.MessageType))
}

func (d *Dispatcher) forwardText(ctx context.Context, req Request) (string, error) {
	msgs := req.Messages
	if len(msgs) == 0 {
		if strings.TrimSpace(req.Content) == "" {
			return "", fmt.Errorf("%w: message history or content is required", model.ErrValidation)
		}
		msgs = []model.Message{{Role: model.RoleUser, Content: req.Content}}
	}
	return d.gateway.Send(ctx, msgs, d.models.For(req.MessageType))
}

func (d *Dispatcher) metaAnalysis(ctx context.Context, req Request) (string, error) {
	for _, target := range model.ChatTargets {
		if _, ok := req.Histories[target]; !ok {
			return "", fmt.Errorf("%w: meta-analysis requires the %s history", model.ErrValidation, target)
		}
	}
	prompt, err := prompts.BuildMetaPrompt(prompts.SystemPrompt(req.Messages), req.StudentID, req.Histories)
	if err != nil {
		return "", fmt.Errorf("build meta-analysis prompt: %w", err)
	}
	return d.gateway.Send(ctx, []model.Message{{Role: model.RoleUser, Content: prompt}}, d.models.For(req.MessageType))
}

// validateRoles rejects any message, in the request or its histories, whose
// role is not system, user or assistant.
func validateRoles(req Request) error {
	check := func(where string, msgs []model.Message) error {
		for i, m := range msgs {
			if !m.Role.Valid() {
				return fmt.Errorf("%w: unknown role %q in %s message %d", model.ErrValidation, m.Role, where, i)
			}
		}
		return nil
	}
	if err := check("request", req.Messages); err != nil {
		return err
	}
	for _, target := range model.ChatTargets {
		if err := check(string(target)+" history", req.Histories[target]); err != nil {
			return err
		}
	}
	return nil
}

// ParseProblemRequest decodes problem generation content. interests may be a
// string or a list of strings; interests and standard are required.
func ParseProblemRequest(content string) (prompts.ProblemRequest, error) {
	var raw struct {
		Interests           json.RawMessage `json:"interests"`
		Standard            string          `json:"standard"`
		StandardDescription string          `json:"standardDescription"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return prompts.ProblemRequest{}, fmt.Errorf("%w: problem generation content is not valid JSON: %v", model.ErrValidation, err)
	}

	interests, err := decodeInterests(raw.Interests)
	if err != nil {
		return prompts.ProblemRequest{}, err
	}
	if strings.TrimSpace(interests) == "" || strings.TrimSpace(raw.Standard) == "" {
		return prompts.ProblemRequest{}, fmt.Errorf("%w: missing interests or standard in problem generation request", model.ErrValidation)
	}
	return prompts.ProblemRequest{
		Interests:           interests,
		Standard:            raw.Standard,
		StandardDescription: raw.StandardDescription,
	}, nil
}

func decodeInterests(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return "", fmt.Errorf("%w: interests must be a string or a list of strings", model.ErrValidation)
	}
	return strings.Join(list, ", "), nil
}

// logInput is the user_input column for a request. Inline image payloads are
// not written to the log.
func logInput(req Request) string {
	switch req.MessageType {
	case model.MessageTypeImageAnalysis:
		ref := strings.ToLower(req.Content)
		if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
			return req.Content
		}
		return "[image]"
	case model.MessageTypeMetaAnalysis:
		return "[meta-analysis]"
	}
	if req.Content != "" {
		return req.Content
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == model.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}
