package coverage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"deepscholar/internal/llm"
	"deepscholar/internal/logging"
	"deepscholar/internal/search"
)

// remediationThreshold: an insufficient draft only triggers remediation when
// the audit also scores it clearly weak. Above it the caveats go in the
// report instead of buying another search cycle.
const remediationThreshold = 0.7

// SufficiencyVerdict is the one-shot post-draft judgment: a binary verdict
// plus the audit score, the topics the draft never reaches and the claims it
// asserts without real support.
type SufficiencyVerdict struct {
	Sufficient    bool     `json:"sufficient"`
	Score         float64  `json:"score"` // 0..1
	Reason        string   `json:"reason"`
	MissingTopics []string `json:"missing_topics,omitempty"`
	WeakClaims    []string `json:"weak_claims,omitempty"`
}

// SufficiencyChecker judges a finished draft against the original prompt and
// its sub-questions. It runs exactly once per job; the job machine enforces
// the single remediation cycle.
type SufficiencyChecker struct {
	client llm.Client
}

// NewSufficiencyChecker creates the checker.
func NewSufficiencyChecker(client llm.Client) *SufficiencyChecker {
	return &SufficiencyChecker{client: client}
}

const sufficiencySystem = `You audit research reports. Given the original
prompt, its sub-questions and the drafted report, judge whether the report
adequately addresses the prompt. Score it between 0 and 1, list topics the
report should cover but does not, and list claims it makes without adequate
support. Respond with ONLY a JSON object:
{"sufficient":false,"score":0.0,"reason":"one sentence","missing_topics":["..."],"weak_claims":["..."]}`

// Check evaluates the draft. A model or parse failure counts as sufficient:
// the draft ships with whatever coverage caveats the evaluation produced
// rather than burning the remediation cycle on an unjudgeable verdict.
func (c *SufficiencyChecker) Check(ctx context.Context, prompt string, plan *search.Plan, draft string) SufficiencyVerdict {
	resp, err := c.client.Generate(ctx, llm.Request{
		Prompt:    buildSufficiencyPrompt(prompt, plan, draft),
		System:    sufficiencySystem,
		MaxTokens: 600,
		Tier:      llm.TierBalanced,
	})
	if err != nil {
		logging.Coverage("Sufficiency check failed, treating draft as sufficient: %v", err)
		return SufficiencyVerdict{Sufficient: true, Score: 1, Reason: "sufficiency check unavailable"}
	}

	verdict, err := parseSufficiency(resp.Text)
	if err != nil {
		logging.Coverage("Sufficiency output unusable, treating draft as sufficient: %v", err)
		return SufficiencyVerdict{Sufficient: true, Score: 1, Reason: "sufficiency check unavailable"}
	}

	logging.Coverage("Sufficiency check: sufficient=%v score=%.2f missing=%d weak=%d (%s)",
		verdict.Sufficient, verdict.Score, len(verdict.MissingTopics), len(verdict.WeakClaims), verdict.Reason)
	return verdict
}

func buildSufficiencyPrompt(prompt string, plan *search.Plan, draft string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original prompt:\n%s\n", prompt)
	if plan != nil && len(plan.SubQuestions) > 0 {
		sb.WriteString("\nSub-questions the report should address:\n")
		for _, sq := range plan.SubQuestions {
			fmt.Fprintf(&sb, "- %s\n", sq.Text)
		}
	}
	fmt.Fprintf(&sb, "\nDrafted report:\n%s", draft)
	return sb.String()
}

// NeedsRemediation reports whether a failed sufficiency check buys one more
// search cycle: only when the audit scored the draft below the threshold.
func NeedsRemediation(verdict SufficiencyVerdict) bool {
	return !verdict.Sufficient && verdict.Score < remediationThreshold
}

func parseSufficiency(text string) (SufficiencyVerdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return SufficiencyVerdict{}, fmt.Errorf("no JSON object in output")
	}
	var v SufficiencyVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return SufficiencyVerdict{}, fmt.Errorf("failed to parse sufficiency JSON: %w", err)
	}
	if v.Score < 0 || v.Score > 1 {
		return SufficiencyVerdict{}, fmt.Errorf("score %f out of range", v.Score)
	}
	return v, nil
}
