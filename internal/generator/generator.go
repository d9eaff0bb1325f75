// Package generator turns a natural-language description into formatted code
// through a single provider call.
package generator

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"aicodeview-backend/internal/detector"
	"aicodeview-backend/internal/formatter"
	"aicodeview-backend/internal/provider"
	"aicodeview-backend/pkg/logger"
)

const DefaultMinInputLength = 3

const promptTemplate = "Generate code for: %s\n" +
	"Provide ONLY the raw code without any markdown formatting, backticks, or language identifiers. " +
	"Do not include any explanations or comments."

type Result struct {
	Code     string            `json:"code"`
	Language detector.Language `json:"language"`
}

type Generator struct {
	provider       provider.Provider
	minInputLength int
}

func New(p provider.Provider, minInputLength int) *Generator {
	if minInputLength <= 0 {
		minInputLength = DefaultMinInputLength
	}
	return &Generator{provider: p, minInputLength: minInputLength}
}

// BuildPrompt embeds input verbatim in the generation instructions.
func BuildPrompt(input string) string {
	return fmt.Sprintf(promptTemplate, input)
}

// Validate checks the input length without touching the network.
func (g *Generator) Validate(input string) error {
	if utf8.RuneCountInString(strings.TrimSpace(input)) < g.minInputLength {
		return &Error{Kind: KindValidation, Message: ValidationMessage(g.minInputLength)}
	}
	return nil
}

// Generate validates input, calls the provider once and returns the detected
// language with the cleaned-up code. Failures are *Error values.
func (g *Generator) Generate(ctx context.Context, input string) (*Result, error) {
	if err := g.Validate(input); err != nil {
		return nil, err
	}

	start := time.Now()
	text, err := g.provider.Generate(ctx, BuildPrompt(input))
	if err != nil {
		ge := classify(err)
		logger.WithFields(logger.Fields{
			"provider": g.provider.Name(),
			"kind":     ge.Kind.String(),
			"elapsed":  time.Since(start).String(),
		}).Errorf("generation failed: %v", err)
		return nil, ge
	}

	if text == "" {
		text = NoResponse
	}

	// detection runs on the raw text; the label does not influence formatting
	lang := detector.Detect(text)
	code := formatter.Format(text)

	logger.WithFields(logger.Fields{
		"provider": g.provider.Name(),
		"language": string(lang),
		"bytes":    len(code),
		"elapsed":  time.Since(start).String(),
	}).Debug("generation complete")

	return &Result{Code: code, Language: lang}, nil
}
