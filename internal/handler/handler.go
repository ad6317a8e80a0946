package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/someta/mathhelper/internal/dispatch"
	appI18n "github.com/someta/mathhelper/internal/i18n"
	"github.com/someta/mathhelper/internal/llm"
	"github.com/someta/mathhelper/internal/llm/prompts"
	"github.com/someta/mathhelper/internal/model"
	"github.com/someta/mathhelper/internal/store"
	"github.com/someta/mathhelper/internal/submission"
)

// MaxBodyBytes caps request bodies; screenshots arrive inline.
const MaxBodyBytes = 16 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	aggregator *submission.Aggregator
	store      *store.Store
	config     model.ServerConfig
	now        func() time.Time
}

// New creates a new Handler.
func New(d *dispatch.Dispatcher, a *submission.Aggregator, s *store.Store, cfg model.ServerConfig) *Handler {
	return &Handler{dispatcher: d, aggregator: a, store: s, config: cfg, now: time.Now}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Post("/api/message", h.handleMessage)
	r.Post("/api/submissions", h.handleSubmission)
	r.Get("/api/submissions/{sessionID}", h.handleSubmissionHistory)
	r.Post("/{target}/chat", h.handleExtensionChat)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/interactions", h.handleInteractions)
	})
}

func (h *Handler) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   h.config.Version,
		"timestamp": h.timestamp(),
	})
}

// messageRequest is the inbound shape shared by the dispatcher endpoints.
// Content may be a JSON string or a structured object.
type messageRequest struct {
	Message     string                    `json:"message"`
	Screenshot  string                    `json:"screenshot"`
	Content     json.RawMessage           `json:"content"`
	Messages    []model.Message           `json:"messages"`
	StudentID   string                    `json:"student_id"`
	Target      string                    `json:"target"`
	MessageType string                    `json:"message_type"`
	Histories   model.ConversationHistory `json:"histories"`
}

// contentText returns content as text: strings are unquoted, objects are
// passed through as raw JSON. Image analysis falls back to the screenshot
// only; other types fall back to message.
func (req messageRequest) contentText(mt model.MessageType) string {
	raw := bytes.TrimSpace(req.Content)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return string(raw)
	}
	if mt == model.MessageTypeImageAnalysis {
		return req.Screenshot
	}
	return req.Message
}

type messageResponse struct {
	Success bool `json:"success"`
	*model.Envelope
	Timestamp string `json:"timestamp"`
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !h.decode(w, r, &req) {
		return
	}

	mt, err := model.ParseMessageType(req.MessageType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	target, err := model.ParseChatTarget(req.Target)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	env, err := h.dispatcher.Process(r.Context(), dispatch.Request{
		Content:     req.contentText(mt),
		Messages:    req.Messages,
		Target:      target,
		StudentID:   req.StudentID,
		MessageType: mt,
		Histories:   req.Histories,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Envelope: env, Timestamp: h.timestamp()})
}

type chatRequest struct {
	Message    string `json:"message"`
	Screenshot string `json:"screenshot"`
	StudentID  string `json:"student_id"`
}

// handleExtensionChat serves the browser extension. A data:image screenshot
// is analyzed with the question folded into the tutoring instruction;
// anything else is a plain help exchange.
func (h *Handler) handleExtensionChat(w http.ResponseWriter, r *http.Request) {
	target, err := model.ParseChatTarget(chi.URLParam(r, "target"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req chatRequest
	if !h.decode(w, r, &req) {
		return
	}

	dreq := dispatch.Request{Target: target, StudentID: req.StudentID}
	if strings.HasPrefix(req.Screenshot, "data:image") {
		instruction, err := prompts.BuildExtensionPrompt(req.Message)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		dreq.MessageType = model.MessageTypeImageAnalysis
		dreq.Content = req.Screenshot
		dreq.Messages = []model.Message{{Role: model.RoleSystem, Content: instruction}}
	} else {
		if strings.TrimSpace(req.Message) == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: appI18n.T(r.Context(), "ErrorNoData")})
			return
		}
		system, err := prompts.BuildExtensionPrompt("")
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		dreq.MessageType = model.MessageTypeHelp
		dreq.Content = req.Message
		dreq.Messages = []model.Message{
			{Role: model.RoleSystem, Content: system},
			{Role: model.RoleUser, Content: req.Message},
		}
	}

	env, err := h.dispatcher.Process(r.Context(), dreq)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"response":  env.Message,
		"timestamp": h.timestamp(),
	})
}

type submissionRequest struct {
	Images    []any  `json:"images"`
	StudentID string `json:"student_id"`
	SessionID string `json:"session_id"`
}

type submissionResponse struct {
	Success   bool     `json:"success"`
	Analysis  []string `json:"analysis"`
	Grade     string   `json:"grade,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	SessionID string   `json:"session_id"`
	Timestamp string   `json:"timestamp"`
}

func (h *Handler) handleSubmission(w http.ResponseWriter, r *http.Request) {
	var req submissionRequest
	if !h.decode(w, r, &req) {
		return
	}

	// Non-string entries become blank pages, which the aggregator skips.
	images := make([]string, len(req.Images))
	for i, img := range req.Images {
		if s, ok := img.(string); ok {
			images[i] = s
		}
	}

	res, err := h.aggregator.Process(r.Context(), submission.Submission{
		SessionID: req.SessionID,
		StudentID: req.StudentID,
		Images:    images,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var summary string
	if res.PagesAnalyzed > 0 {
		summary = appI18n.Tp(r.Context(), "PagesAnalyzed", res.PagesAnalyzed)
	}
	writeJSON(w, http.StatusOK, submissionResponse{
		Success:   true,
		Analysis:  res.Analyses,
		Grade:     res.Grade,
		Summary:   summary,
		SessionID: res.SessionID,
		Timestamp: h.timestamp(),
	})
}

func (h *Handler) handleSubmissionHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	records, err := h.store.ListSubmissions(sessionID)
	if err != nil {
		slog.Error("failed to list submissions", "session_id", sessionID, "error", err)
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []model.SubmissionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"session_id":  sessionID,
		"submissions": records,
	})
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// decode reads a size-limited JSON body into dst. On failure it writes the
// error response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: appI18n.T(r.Context(), "ErrorBadRequest")})
	case errors.Is(err, io.EOF):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: appI18n.T(r.Context(), "ErrorNoData")})
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("%s: %v", appI18n.T(r.Context(), "ErrorBadRequest"), err)})
	}
	return false
}

// writeError maps err to a status: validation problems are client errors,
// gateway failures and everything else are internal.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var gwErr *llm.GatewayError
	switch {
	case errors.Is(err, submission.ErrNoImages):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: appI18n.T(r.Context(), "ErrorNoImages")})
	case errors.Is(err, model.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &gwErr), errors.Is(err, llm.ErrEmptyResponse):
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: appI18n.T(r.Context(), "ErrorInternal")})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
