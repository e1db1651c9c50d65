// Package insights produces short natural-language summaries of extracted
// text via the OpenAI chat completions API. The stage is optional and
// best-effort: when no API key is configured the summarizer is nil and the
// pipeline skips it entirely.
package insights

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultModel = "gpt-4o-mini"

	systemPrompt = "You summarize extracted document, audio, and video content. " +
		"Reply with a concise summary of at most three sentences. " +
		"Do not add preamble or commentary."
)

// Summarizer wraps an OpenAI client for the insights stage.
type Summarizer struct {
	client openai.Client
	model  string
}

// NewSummarizer returns a Summarizer, or nil when apiKey is empty.
func NewSummarizer(apiKey, model string) *Summarizer {
	if apiKey == "" {
		return nil
	}
	if model == "" {
		model = defaultModel
	}
	return &Summarizer{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (s *Summarizer) Model() string { return s.model }

// Summarize asks the model for a short summary of text.
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from model %s", s.model)
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", fmt.Errorf("empty summary returned from model %s", s.model)
	}
	return summary, nil
}
