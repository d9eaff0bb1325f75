package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"aicodeview-backend/internal/config"
)

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type generateContentRequest struct {
	Contents []geminiContent `json:"contents"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content *geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// GeminiProvider calls the generateContent endpoint, authenticating with the
// key query parameter.
type GeminiProvider struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewGeminiProvider(cfg config.GeminiConfig, client *http.Client) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrMissingAPIKey)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &GeminiProvider{
		apiKey:   cfg.APIKey,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/models/" + cfg.Model + ":generateContent",
		client:   client,
	}, nil
}

func (g *GeminiProvider) Name() string { return "gemini" }

func (g *GeminiProvider) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateContentRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"?key="+url.QueryEscape(g.apiKey), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", redact(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", redact(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gemini read body: %w", err)
	}

	var gr generateContentResponse
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		re := &RemoteError{Provider: g.Name(), StatusCode: resp.StatusCode}
		// the error body is best effort; a bare status still counts as remote
		if json.Unmarshal(raw, &gr) == nil && gr.Error != nil {
			re.Message = gr.Error.Message
		}
		return "", re
	}

	if err := json.Unmarshal(raw, &gr); err != nil {
		return "", fmt.Errorf("gemini decode: %w: %v", ErrMalformedResponse, err)
	}
	if gr.Candidates == nil {
		return "", fmt.Errorf("gemini: %w: no candidates field", ErrMalformedResponse)
	}
	if len(gr.Candidates) == 0 || gr.Candidates[0].Content == nil {
		return "", nil
	}
	// content without a parts array cannot be indexed; an empty array just has no text
	if gr.Candidates[0].Content.Parts == nil {
		return "", fmt.Errorf("gemini: %w: content has no parts", ErrMalformedResponse)
	}
	if len(gr.Candidates[0].Content.Parts) == 0 {
		return "", nil
	}
	return gr.Candidates[0].Content.Parts[0].Text, nil
}

// redact drops the request URL from transport errors so the API key in the
// query string never reaches a log line.
func redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s: %w", ue.Op, ue.Err)
	}
	return err
}
