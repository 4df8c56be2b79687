// Package llm provides the text-generation capability used across the research
// loop: decomposition, coverage evaluation, sufficiency checking and drafting.
// Every call site is expected to define its own fallback on error; the
// providers here never retry on their own.
package llm

import (
	"context"
	"fmt"
)

// QualityTier selects speed versus depth for a generation call.
type QualityTier string

const (
	TierFast     QualityTier = "fast"     // Short structural calls (query generation)
	TierBalanced QualityTier = "balanced" // Verdict parsing, coverage evaluation
	TierDeep     QualityTier = "deep"     // Drafting and synthesis
)

// Request describes a single text-generation call.
type Request struct {
	Prompt    string
	System    string
	MaxTokens int
	Tier      QualityTier
}

// Response carries the generated text and whether the provider cut it off at
// the token limit.
type Response struct {
	Text      string
	Truncated bool
}

// Client is the text-generation capability consumed by the research core.
type Client interface {
	// Generate produces text for the request. Implementations must honor
	// ctx cancellation; they return an error rather than partial garbage.
	Generate(ctx context.Context, req Request) (Response, error)

	// Name identifies the provider for logs and progress events.
	Name() string
}

// New creates a provider by name.
func New(provider, model, genaiKey, anthropicKey, ollamaEndpoint, ollamaModel string) (Client, error) {
	switch provider {
	case "genai":
		return NewGenAIClient(genaiKey, model)
	case "anthropic":
		return NewAnthropicClient(anthropicKey, model)
	case "ollama":
		return NewOllamaClient(ollamaEndpoint, firstNonEmpty(model, ollamaModel))
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s (use 'genai', 'anthropic' or 'ollama')", provider)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
