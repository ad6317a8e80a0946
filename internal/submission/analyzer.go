package submission

import (
	"context"
	"errors"
	"fmt"

	"github.com/someta/mathhelper/internal/llm"
	"github.com/someta/mathhelper/internal/llm/prompts"
	"github.com/someta/mathhelper/internal/model"
)

// Sender is the text half of the AI gateway.
type Sender interface {
	Send(ctx context.Context, messages []model.Message, modelName string) (string, error)
}

// Analyzer grades a single submitted page.
type Analyzer struct {
	gateway Sender
	model   string
}

// NewAnalyzer creates a page analyzer that calls modelName through gateway.
func NewAnalyzer(gateway Sender, modelName string) *Analyzer {
	return &Analyzer{gateway: gateway, model: modelName}
}

// AnalyzePage sends one encoded image with the grading instruction for the
// 1-based page number. ok is false when the model produced no usable text;
// err is reserved for transport and template failures.
func (a *Analyzer) AnalyzePage(ctx context.Context, image string, page int) (text string, ok bool, err error) {
	system, err := prompts.GradingSystemPrompt()
	if err != nil {
		return "", false, fmt.Errorf("grading prompt: %w", err)
	}

	msgs := []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: prompts.PageInstruction(page), ImageURL: llm.ImageDataURI(image)},
	}

	text, err = a.gateway.Send(ctx, msgs, a.model)
	if errors.Is(err, llm.ErrEmptyResponse) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return text, true, nil
}
