// Package provider wraps the generative-language back-ends behind a single
// prompt-in, text-out interface.
package provider

import (
	"context"
	"errors"
	"fmt"

	"aicodeview-backend/internal/config"
	"aicodeview-backend/internal/utils"
)

// Provider sends one prompt to a generation endpoint and returns the text of
// the first candidate. An empty string with a nil error means the endpoint
// answered but produced no text.
type Provider interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Name() string
}

var (
	ErrMissingAPIKey     = errors.New("api key is required")
	ErrMalformedResponse = errors.New("malformed response body")
	ErrUnknownProvider   = errors.New("unknown model provider")
)

// RemoteError is a non-success answer from the endpoint. Message carries the
// endpoint's own error detail and may be empty.
type RemoteError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// New builds the provider selected by cfg.Model.Provider.
func New(ctx context.Context, cfg *config.Config) (Provider, error) {
	switch cfg.Model.Provider {
	case "gemini", "":
		return NewGeminiProvider(cfg.Gemini, utils.NewHTTPClient(cfg.Gemini.Timeout))
	case "openai":
		return NewOpenAIProvider(cfg.OpenAI, utils.NewHTTPClient(cfg.OpenAI.Timeout))
	case "doubao":
		return NewDoubaoProvider(ctx, cfg.Doubao)
	case "qwen":
		return NewQwenProvider(ctx, cfg.Qwen, utils.NewHTTPClient(cfg.Qwen.Timeout))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Model.Provider)
	}
}
