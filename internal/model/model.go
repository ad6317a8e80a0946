package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrValidation is wrapped by every client-input error.
var ErrValidation = errors.New("validation error")

// Role represents a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single role-tagged entry of a conversation.
// ImageURL is set only for multimodal user messages.
type Message struct {
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	ImageURL string `json:"image_url,omitempty"`
}

// MessageType tags the purpose of a request.
type MessageType string

const (
	// MessageTypeChat is a plain conversational exchange.
	MessageTypeChat MessageType = "chat"
	// MessageTypeHelp is a help/tutoring exchange.
	MessageTypeHelp MessageType = "help"
	// MessageTypeFeedback is a feedback exchange.
	MessageTypeFeedback MessageType = "feedback"
	// MessageTypeGeneratedProblem asks for a problem built from interests and a standard.
	MessageTypeGeneratedProblem MessageType = "generated_problem"
	// MessageTypeImageAnalysis analyzes a single image.
	MessageTypeImageAnalysis MessageType = "image_analysis"
	// MessageTypeMetaAnalysis analyzes all three conversation histories at once.
	MessageTypeMetaAnalysis MessageType = "meta_analysis"
	// MessageTypeSubmission tags log rows written by the submission grading flow.
	MessageTypeSubmission MessageType = "submission"
)

var messageTypes = map[MessageType]bool{
	MessageTypeChat:             true,
	MessageTypeHelp:             true,
	MessageTypeFeedback:         true,
	MessageTypeGeneratedProblem: true,
	MessageTypeImageAnalysis:    true,
	MessageTypeMetaAnalysis:     true,
	MessageTypeSubmission:       true,
}

// ParseMessageType converts a wire tag to a MessageType. Matching is
// case-insensitive; unknown tags are rejected.
func ParseMessageType(s string) (MessageType, error) {
	mt := MessageType(strings.ToLower(strings.TrimSpace(s)))
	if !messageTypes[mt] {
		return "", fmt.Errorf("%w: unknown message type %q", ErrValidation, s)
	}
	return mt, nil
}

// ChatTarget identifies the assistant persona a conversation belongs to.
type ChatTarget string

const (
	// TargetFeedback is the feedback assistant.
	TargetFeedback ChatTarget = "sofeea"
	// TargetProblem is the problem generation assistant.
	TargetProblem ChatTarget = "soproby"
	// TargetHelp is the help assistant.
	TargetHelp ChatTarget = "socrato"
)

// ChatTargets lists every target in display order.
var ChatTargets = []ChatTarget{TargetFeedback, TargetProblem, TargetHelp}

// ParseChatTarget converts a wire tag to a ChatTarget.
func ParseChatTarget(s string) (ChatTarget, error) {
	t := ChatTarget(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range ChatTargets {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown chat target %q", ErrValidation, s)
}

// ConversationHistory maps each target to its ordered messages.
type ConversationHistory map[ChatTarget][]Message

// Envelope is the normalized result of a dispatched message.
type Envelope struct {
	Status       string      `json:"status"`
	Message      string      `json:"message"`
	Target       ChatTarget  `json:"target"`
	MessageType  MessageType `json:"message_type"`
	StudentID    string      `json:"student_id"`
	AnalysisType string      `json:"analysis_type,omitempty"`
}

// SubmissionRecord is one graded submission, never mutated after creation.
type SubmissionRecord struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	StudentID      string    `json:"student_id"`
	Grade          string    `json:"grade"`
	Analysis       string    `json:"analysis"`
	PagesSubmitted int       `json:"pages_submitted"`
	SubmissionType string    `json:"submission_type"`
	Timestamp      time.Time `json:"timestamp"`
}

// LogEntry is one row of the interaction log.
type LogEntry struct {
	Timestamp   time.Time   `json:"timestamp"`
	StudentID   string      `json:"student_id"`
	UserInput   string      `json:"user_input"`
	AIResponse  string      `json:"ai_response"`
	MessageType MessageType `json:"message_type"`
	ChatTarget  ChatTarget  `json:"chat_target"`
}

// ServerConfig holds HTTP-facing runtime parameters set via CLI flags.
type ServerConfig struct {
	Version       string
	CORSOrigins   []string
	AdminPassHash string // bcrypt hash; empty disables admin routes
}
