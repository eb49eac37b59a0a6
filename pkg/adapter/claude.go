package adapter

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
)

// ClaudeClient implements LLM on the Anthropic API. Claude offers no
// embedding endpoint, so deployments using it still embed via Gemini.
type ClaudeClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

type ClaudeOption func(*ClaudeClient)

func WithClaudeModel(model string) ClaudeOption {
	return func(c *ClaudeClient) {
		c.model = anthropic.Model(model)
	}
}

func WithMaxTokens(n int64) ClaudeOption {
	return func(c *ClaudeClient) {
		c.maxTokens = n
	}
}

func NewClaude(apiKey string, opts ...ClaudeOption) *ClaudeClient {
	c := &ClaudeClient{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.ModelClaudeSonnet4_20250514,
		maxTokens: 4096,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ClaudeClient) params(msgs []Message) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
	}
	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: msg.Content})
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return params
}

func (c *ClaudeClient) Generate(ctx context.Context, msgs []Message) (string, error) {
	resp, err := c.client.Messages.New(ctx, c.params(msgs))
	if err != nil {
		return "", goerr.Wrap(err, "failed to call claude")
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			parts = append(parts, block.AsText().Text)
		}
	}
	return strings.Join(parts, ""), nil
}

func (c *ClaudeClient) GenerateStream(ctx context.Context, msgs []Message, fn func(string)) (string, error) {
	stream := c.client.Messages.NewStreaming(ctx, c.params(msgs))
	defer stream.Close()

	var full strings.Builder
	for stream.Next() {
		event := stream.Current()
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				full.WriteString(text.Text)
				if fn != nil {
					fn(text.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", goerr.Wrap(err, "failed to stream from claude")
	}
	return full.String(), nil
}
