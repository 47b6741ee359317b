// Package llm implements the executor collaborators on an OpenAI-compatible
// chat completions endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/aretw0/waypoint/internal/logging"
	"github.com/aretw0/waypoint/pkg/domain"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gpt-4o-mini"

// ErrEmptyCompletion is returned when the endpoint answers with no choices.
var ErrEmptyCompletion = errors.New("empty completion")

// Config selects the endpoint and model.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
}

// Client wraps the chat completions API.
type Client struct {
	api    openai.Client
	model  string
	logger *slog.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client.
func New(cfg Config, opts ...Option) *Client {
	reqOpts := []option.RequestOption{option.WithMaxRetries(cfg.MaxRetries)}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(key))
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	c := &Client{
		api:    openai.NewClient(reqOpts...),
		model:  model,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends a system prompt followed by the conversation and returns
// the first choice's content.
func (c *Client) Complete(ctx context.Context, system string, history []domain.Message) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	msgs = append(msgs, openai.SystemMessage(system))
	for _, m := range history {
		switch m.Role {
		case domain.RoleHuman:
			msgs = append(msgs, openai.UserMessage(m.Content))
		case domain.RoleAI:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case domain.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		}
	}

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	c.logger.DebugContext(ctx, "chat completion", "model", c.model, "tokens", resp.Usage.TotalTokens)
	return resp.Choices[0].Message.Content, nil
}
