// Package llm wraps the OpenAI chat API behind a small interface so the
// supervisor, resolver and specialists can be tested against fakes.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

var ErrNoChoices = errors.New("llm: response contained no choices")

// Client is the surface the orchestration core depends on.
type Client interface {
	// Complete returns the assistant text for a plain chat exchange.
	Complete(ctx context.Context, msgs []openai.ChatCompletionMessage) (string, error)
	// CompleteJSON requests a JSON-mode response and unmarshals it into out.
	CompleteJSON(ctx context.Context, msgs []openai.ChatCompletionMessage, out any) error
	// Step performs one tool-calling round and returns the raw assistant
	// message, which may carry tool calls instead of content.
	Step(ctx context.Context, msgs []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error)
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAI is the production Client backed by the OpenAI chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	oc.HTTPClient = &http.Client{Timeout: timeout}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(oc),
		model:  model,
		logger: logger,
	}
}

func (c *OpenAI) Complete(ctx context.Context, msgs []openai.ChatCompletionMessage) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAI) CompleteJSON(ctx context.Context, msgs []openai.ChatCompletionMessage, out any) error {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return fmt.Errorf("chat completion (json): %w", err)
	}
	if len(resp.Choices) == 0 {
		return ErrNoChoices
	}
	return UnmarshalLoose(resp.Choices[0].Message.Content, out)
}

func (c *OpenAI) Step(ctx context.Context, msgs []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
		Tools:    tools,
	})
	if err != nil {
		return openai.ChatCompletionMessage{}, fmt.Errorf("chat completion (tools): %w", err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, ErrNoChoices
	}
	return resp.Choices[0].Message, nil
}

// UnmarshalLoose unmarshals content into out, tolerating prose or code
// fences around the JSON object. Models occasionally wrap JSON-mode output.
func UnmarshalLoose(content string, out any) error {
	s := strings.TrimSpace(content)
	if err := json.Unmarshal([]byte(s), out); err == nil {
		return nil
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("llm: no JSON object in response")
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), out); err != nil {
		return fmt.Errorf("llm: unmarshal response: %w", err)
	}
	return nil
}
