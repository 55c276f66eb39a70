package llm

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"ragserver/internal/domain"
)

// Client runs chat completions against an OpenAI-compatible endpoint.
type Client struct {
	api     *openai.Client
	timeout time.Duration
}

type Config struct {
	APIBase string
	APIKey  string
	Timeout time.Duration
}

func NewClient(cfg Config) *Client {
	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		conf.BaseURL = cfg.APIBase
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Client{api: openai.NewClientWithConfig(conf), timeout: timeout}
}

func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: req.SystemPrompt,
	})
	for _, m := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrCompletion, req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: %s: no choices returned", domain.ErrCompletion, req.Model)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", fmt.Errorf("%w: %s: response content-filtered", domain.ErrCompletion, req.Model)
	}
	return choice.Message.Content, nil
}

var _ domain.CompletionClient = (*Client)(nil)
