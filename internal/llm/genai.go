package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"deepscholar/internal/logging"
)

// GenAIClient generates text using Google's Gemini API.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient creates a Gemini-backed text-generation client.
func NewGenAIClient(apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIClient{client: client, model: model}, nil
}

// Generate implements Client.
func (c *GenAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	timer := logging.StartTimer(logging.CategoryModel, "genai.Generate")
	defer timer.Stop()

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return Response{}, fmt.Errorf("genai generation failed: %w", err)
	}
	if len(result.Candidates) == 0 {
		return Response{}, fmt.Errorf("genai returned no candidates")
	}

	truncated := result.Candidates[0].FinishReason == genai.FinishReasonMaxTokens
	text := result.Text()
	logging.ModelDebug("genai: model=%s, tier=%s, chars=%d, truncated=%v", c.model, req.Tier, len(text), truncated)

	return Response{Text: text, Truncated: truncated}, nil
}

// Name implements Client.
func (c *GenAIClient) Name() string {
	return fmt.Sprintf("genai:%s", c.model)
}
