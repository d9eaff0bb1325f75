package provider

import (
	"context"
	"fmt"
	"net/http"

	"aicodeview-backend/internal/config"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// EinoProvider adapts any eino chat model to Provider.
type EinoProvider struct {
	name  string
	model einoModel.ChatModel
}

func NewEinoProvider(name string, chatModel einoModel.ChatModel) *EinoProvider {
	return &EinoProvider{name: name, model: chatModel}
}

func (p *EinoProvider) Name() string { return p.name }

func (p *EinoProvider) Generate(ctx context.Context, prompt string) (string, error) {
	msg, err := p.model.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", p.name, err)
	}
	if msg == nil {
		return "", nil
	}
	return msg.Content, nil
}

// NewDoubaoProvider builds a Volcengine Ark (Doubao) chat model.
func NewDoubaoProvider(ctx context.Context, cfg config.DoubaoConfig) (*EinoProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("doubao: %w", ErrMissingAPIKey)
	}

	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		CustomHeader: map[string]string{
			"X-Ark-Thinking-Mode": "disable",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create doubao model: %w", err)
	}

	return NewEinoProvider("doubao", chatModel), nil
}

// NewQwenProvider builds a DashScope (Qwen) chat model.
func NewQwenProvider(ctx context.Context, cfg config.QwenConfig, httpClient *http.Client) (*EinoProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("qwen: %w", ErrMissingAPIKey)
	}

	chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		Timeout:    cfg.Timeout,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("create qwen model: %w", err)
	}

	return NewEinoProvider("qwen", chatModel), nil
}
