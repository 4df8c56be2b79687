package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"deepscholar/internal/logging"
)

// AnthropicClient generates text using the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClient creates a Claude-backed text-generation client.
func NewAnthropicClient(apiKey, model string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}
	m := anthropic.Model(model)
	if model == "" {
		m = anthropic.ModelClaude3_5Sonnet20241022
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{client: client, model: m}, nil
}

// Generate implements Client.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (Response, error) {
	timer := logging.StartTimer(logging.CategoryModel, "anthropic.Generate")
	defer timer.Stop()

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic generation failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	truncated := resp.StopReason == "max_tokens"
	logging.ModelDebug("anthropic: model=%s, tier=%s, chars=%d, truncated=%v", c.model, req.Tier, sb.Len(), truncated)

	return Response{Text: sb.String(), Truncated: truncated}, nil
}

// Name implements Client.
func (c *AnthropicClient) Name() string {
	return fmt.Sprintf("anthropic:%s", c.model)
}
