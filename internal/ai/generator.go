package ai

import (
	"context"
	"errors"
)

var ErrProviderUnavailable = errors.New("language model provider unavailable")

type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type GenerateRequest struct {
	Model           string
	Instructions    string
	Input           string
	Temperature     float64
	MaxOutputTokens int
	JSONOutput      bool
}

type GenerateResult struct {
	Text    string
	ModelID string
	Usage   TokenUsage
}

// TextGenerator is a chat-completion style provider. Errors carry a
// failure kind so the caller's retry policy can tell them apart.
type TextGenerator interface {
	Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error)
	Available() bool
}
