package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/someta/mathhelper/internal/metrics"
	"github.com/someta/mathhelper/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyResponse is returned when the model answers with no usable text.
var ErrEmptyResponse = errors.New("AI gateway returned an empty response")

// GatewayError wraps any transport or API failure of an outbound model call.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return "AI gateway failure: " + e.Op + ": " + e.Err.Error()
}

func (e *GatewayError) Unwrap() error { return e.Err }

// chatClient is the subset of the OpenAI client the gateway needs.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Models maps message types to model identifiers.
type Models struct {
	Standard string // multimodal model used for everything but meta-analysis
	Meta     string // high-capability model for meta-analysis
}

// For returns the model for the given message type.
func (m Models) For(mt model.MessageType) string {
	if mt == model.MessageTypeMetaAnalysis {
		return m.Meta
	}
	return m.Standard
}

// Config configures a gateway Client.
type Config struct {
	BaseURL        string
	APIKey         string
	Models         Models
	Timeout        time.Duration // 0 disables the per-call deadline
	ImageMaxTokens int
	Metrics        *metrics.GatewayMetrics
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api            chatClient
	models         Models
	timeout        time.Duration
	imageMaxTokens int
	metrics        *metrics.GatewayMetrics
}

// New creates a new gateway client.
func New(cfg Config) *Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return newWithAPI(openai.NewClientWithConfig(config), cfg)
}

func newWithAPI(api chatClient, cfg Config) *Client {
	return &Client{
		api:            api,
		models:         cfg.Models,
		timeout:        cfg.Timeout,
		imageMaxTokens: cfg.ImageMaxTokens,
		metrics:        cfg.Metrics,
	}
}

// Models returns the configured model mapping.
func (c *Client) Models() Models {
	return c.models
}

// Send forwards a role-tagged message sequence to the named model and returns
// the completion text.
func (c *Client) Send(ctx context.Context, messages []model.Message, modelName string) (string, error) {
	return c.complete(ctx, "send", messages, modelName, 0)
}

// SendWithImage sends a single user message made of an instruction and an
// image. imageRef may be an http(s) URL, a data URI or raw base64 bytes.
func (c *Client) SendWithImage(ctx context.Context, imageRef, instruction, modelName string) (string, error) {
	msgs := []model.Message{{
		Role:     model.RoleUser,
		Content:  instruction,
		ImageURL: ImageDataURI(imageRef),
	}}
	return c.complete(ctx, "send_with_image", msgs, modelName, c.imageMaxTokens)
}

func (c *Client) complete(ctx context.Context, op string, messages []model.Message, modelName string, maxTokens int) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model:    modelName,
		Messages: toChatMessages(messages),
	}
	if maxTokens > 0 {
		req.MaxTokens = maxTokens
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		c.metrics.ObserveCall(modelName, "error", elapsed)
		return "", &GatewayError{Op: op, Err: err}
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		c.metrics.ObserveCall(modelName, "empty", elapsed)
		return "", ErrEmptyResponse
	}

	c.metrics.ObserveCall(modelName, "ok", elapsed)
	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "op", op, "model", modelName, "chars", len(raw))
	return raw, nil
}

func toChatMessages(messages []model.Message) []openai.ChatCompletionMessage {
	chatMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case model.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case model.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}

		if m.ImageURL == "" {
			chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
			continue
		}

		// Content and MultiContent are mutually exclusive.
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{
			Role: role,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: m.Content},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: m.ImageURL}},
			},
		})
	}
	return chatMsgs
}

// ImageDataURI returns ref unchanged when it is already a URL or data URI,
// otherwise wraps it as a base64 JPEG data URI.
func ImageDataURI(ref string) string {
	ref = strings.TrimSpace(ref)
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "data:") {
		return ref
	}
	return "data:image/jpeg;base64," + ref
}
