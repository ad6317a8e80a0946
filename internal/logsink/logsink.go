package logsink

import (
	"context"
	"log/slog"
	"time"

	"github.com/someta/mathhelper/internal/metrics"
	"github.com/someta/mathhelper/internal/model"
)

// MaxResponseChars is the longest AI response written to the log.
const MaxResponseChars = 50000

// TruncatedSuffix marks a response cut to MaxResponseChars.
const TruncatedSuffix = "... (truncated)"

// Sink appends one entry to an external log.
type Sink interface {
	Name() string
	Append(ctx context.Context, entry model.LogEntry) error
}

// Recorder fans an entry out to every sink. Sink failures are logged and
// discarded so that logging never aborts the primary response.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	metrics *metrics.PipelineMetrics
}

// NewRecorder creates a recorder over sinks. timeout bounds each append.
func NewRecorder(timeout time.Duration, m *metrics.PipelineMetrics, sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks, timeout: timeout, metrics: m}
}

// Record truncates the input and response and appends the entry to every sink.
func (r *Recorder) Record(ctx context.Context, entry model.LogEntry) {
	if r == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.UserInput = Truncate(entry.UserInput)
	entry.AIResponse = Truncate(entry.AIResponse)

	// The request may already be finishing; appends keep their own deadline.
	ctx = context.WithoutCancel(ctx)
	for _, s := range r.sinks {
		r.append(ctx, s, entry)
	}
}

func (r *Recorder) append(ctx context.Context, s Sink, entry model.LogEntry) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := s.Append(ctx, entry); err != nil {
		slog.Warn("error logging interaction", "sink", s.Name(), "error", err)
		r.metrics.ObserveLogWrite(s.Name(), false)
		return
	}
	r.metrics.ObserveLogWrite(s.Name(), true)
	slog.Debug("logged interaction", "sink", s.Name(),
		"message_type", entry.MessageType, "chat_target", entry.ChatTarget, "student_id", entry.StudentID)
}

// Truncate cuts s to MaxResponseChars characters plus TruncatedSuffix.
func Truncate(s string) string {
	if len(s) <= MaxResponseChars {
		return s
	}
	runes := []rune(s)
	if len(runes) <= MaxResponseChars {
		return s
	}
	return string(runes[:MaxResponseChars]) + TruncatedSuffix
}
