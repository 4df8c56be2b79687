package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"deepscholar/internal/llm"
	"deepscholar/internal/logging"
)

// SubQuestion is one facet of the research prompt with its search queries.
type SubQuestion struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Queries []string `json:"queries"`
}

// Plan is the decomposition of a research prompt.
type Plan struct {
	Prompt       string        `json:"prompt"`
	SubQuestions []SubQuestion `json:"sub_questions"`
}

// AllQueries flattens every sub-question's queries, preserving order.
func (p *Plan) AllQueries() []string {
	var out []string
	for _, sq := range p.SubQuestions {
		out = append(out, sq.Queries...)
	}
	return out
}

// Decomposer breaks a research prompt into 3-7 sub-questions, each with
// diversified search queries. Falls back to a single whole-prompt
// sub-question when the model output is unusable.
type Decomposer struct {
	client llm.Client
}

// NewDecomposer creates a decomposer backed by the given model.
func NewDecomposer(client llm.Client) *Decomposer {
	return &Decomposer{client: client}
}

const decomposeSystem = `You decompose research questions for a web research pipeline.
Given a research prompt, produce 3 to 7 sub-questions that together cover it.
For each sub-question produce 1 to 3 concrete web search queries. Diversify the
queries across angles: direct factual, comparative, quantitative/statistics,
case studies, and expert commentary. Respond with ONLY a JSON object:
{"sub_questions":[{"text":"...","queries":["...","..."]}]}`

type decomposeOutput struct {
	SubQuestions []struct {
		Text    string   `json:"text"`
		Queries []string `json:"queries"`
	} `json:"sub_questions"`
}

// Decompose produces the research plan for a prompt.
func (d *Decomposer) Decompose(ctx context.Context, prompt string) (*Plan, error) {
	resp, err := d.client.Generate(ctx, llm.Request{
		Prompt:    fmt.Sprintf("Research prompt:\n%s", prompt),
		System:    decomposeSystem,
		MaxTokens: 1500,
		Tier:      llm.TierFast,
	})
	if err != nil {
		logging.Search("Decomposition model call failed, using whole-prompt fallback: %v", err)
		return fallbackPlan(prompt), nil
	}

	parsed, err := parseDecomposition(resp.Text)
	if err != nil {
		logging.Search("Decomposition output unusable, using whole-prompt fallback: %v", err)
		return fallbackPlan(prompt), nil
	}

	plan := &Plan{Prompt: prompt}
	for _, sq := range parsed.SubQuestions {
		text := strings.TrimSpace(sq.Text)
		if text == "" {
			continue
		}
		queries := make([]string, 0, len(sq.Queries))
		for _, q := range sq.Queries {
			if q = strings.TrimSpace(q); q != "" {
				queries = append(queries, q)
			}
		}
		if len(queries) == 0 {
			queries = []string{text}
		}
		plan.SubQuestions = append(plan.SubQuestions, SubQuestion{
			ID:      uuid.NewString(),
			Text:    text,
			Queries: queries,
		})
	}

	if len(plan.SubQuestions) < 3 || len(plan.SubQuestions) > 7 {
		logging.Search("Decomposition produced %d sub-questions (want 3-7), using whole-prompt fallback", len(plan.SubQuestions))
		return fallbackPlan(prompt), nil
	}

	logging.Search("Decomposed prompt into %d sub-questions, %d queries total",
		len(plan.SubQuestions), len(plan.AllQueries()))
	return plan, nil
}

// RemediationQueries builds follow-up queries for sub-questions the coverage
// evaluator left unanswered. Used to seed later search iterations.
func RemediationQueries(unanswered []SubQuestion) []string {
	var out []string
	for _, sq := range unanswered {
		out = append(out, sq.Queries...)
		// A rephrased angle helps when the original queries came up dry.
		out = append(out, sq.Text+" explained")
	}
	return out
}

// TopicQueries builds targeted queries for topics the post-draft audit found
// missing from the report. Seeds the remediation search wave.
func TopicQueries(topics []string) []string {
	var out []string
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		out = append(out, topic, topic+" explained")
	}
	return out
}

func parseDecomposition(text string) (*decomposeOutput, error) {
	// Models wrap JSON in fences or prose; cut to the outermost object.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in output")
	}

	var out decomposeOutput
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("failed to parse decomposition JSON: %w", err)
	}
	if len(out.SubQuestions) == 0 {
		return nil, fmt.Errorf("decomposition contained no sub-questions")
	}
	return &out, nil
}

func fallbackPlan(prompt string) *Plan {
	return &Plan{
		Prompt: prompt,
		SubQuestions: []SubQuestion{{
			ID:      uuid.NewString(),
			Text:    prompt,
			Queries: []string{prompt},
		}},
	}
}
