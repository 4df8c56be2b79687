// Package coverage judges how well acquired evidence answers the research
// plan, drives the iteration stopping rule and runs the one-shot post-draft
// sufficiency check.
package coverage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"deepscholar/internal/llm"
	"deepscholar/internal/logging"
	"deepscholar/internal/retrieval"
	"deepscholar/internal/search"
)

// Status classifies one sub-question after evaluation.
type Status string

const (
	StatusAnswered   Status = "answered"
	StatusPartial    Status = "partial"
	StatusUnanswered Status = "unanswered"
)

// Verdict is the per-sub-question outcome.
type Verdict struct {
	SubQuestionID string `json:"sub_question_id"`
	Question      string `json:"question"`
	Status        Status `json:"status"`
}

// Assessment is one evaluation pass over the evidence.
type Assessment struct {
	Score    float64   `json:"score"` // 0..1
	Verdicts []Verdict `json:"verdicts"`
	Method   string    `json:"method"` // "semantic" or "heuristic"
}

// Answered counts fully answered sub-questions.
func (a *Assessment) Answered() int {
	n := 0
	for _, v := range a.Verdicts {
		if v.Status == StatusAnswered {
			n++
		}
	}
	return n
}

// Unanswered returns the sub-questions still lacking evidence, in plan order.
func (a *Assessment) Unanswered(plan *search.Plan) []search.SubQuestion {
	pending := make(map[string]bool)
	for _, v := range a.Verdicts {
		if v.Status == StatusUnanswered {
			pending[v.SubQuestionID] = true
		}
	}
	var out []search.SubQuestion
	for _, sq := range plan.SubQuestions {
		if pending[sq.ID] {
			out = append(out, sq)
		}
	}
	return out
}

// Evidence is what an evaluator sees: the per-sub-question retrieval results
// plus acquisition counters.
type Evidence struct {
	// HitsPerQuestion maps sub-question ID to its top retrieved chunks.
	HitsPerQuestion map[string][]retrieval.Hit

	SourcesAcquired int
	TargetSources   int
}

// Evaluator scores evidence against the plan.
type Evaluator interface {
	Evaluate(ctx context.Context, plan *search.Plan, ev Evidence) (*Assessment, error)
}

// ====== STOPPING RULE ======

// ShouldContinue decides whether another search iteration runs. Coverage
// below 0.85 keeps iterating, except that a score of at least 0.6 with the
// source target met and nothing unanswered is good enough. The iteration
// budget is always a hard stop.
func ShouldContinue(a *Assessment, ev Evidence, iteration, maxIterations int) bool {
	if iteration >= maxIterations {
		return false
	}
	if a.Score >= 0.85 {
		return false
	}
	if a.Score >= 0.6 && ev.SourcesAcquired >= ev.TargetSources && len(a.unansweredIDs()) == 0 {
		return false
	}
	return true
}

func (a *Assessment) unansweredIDs() []string {
	var out []string
	for _, v := range a.Verdicts {
		if v.Status == StatusUnanswered {
			out = append(out, v.SubQuestionID)
		}
	}
	return out
}

// ====== SEMANTIC EVALUATOR ======

// SemanticEvaluator asks the model to judge coverage; on any model or parse
// failure it falls back to the heuristic evaluator.
type SemanticEvaluator struct {
	client   llm.Client
	fallback HeuristicEvaluator
}

// NewSemanticEvaluator creates the model-backed evaluator.
func NewSemanticEvaluator(client llm.Client) *SemanticEvaluator {
	return &SemanticEvaluator{client: client}
}

const evaluateSystem = `You judge research coverage. For each sub-question you
receive evidence excerpts. Classify each as "answered", "partial" or
"unanswered" and give an overall coverage score between 0 and 1. Respond with
ONLY a JSON object:
{"overall_score":0.0,"verdicts":[{"id":"...","status":"answered"}]}`

type semanticOutput struct {
	OverallScore float64 `json:"overall_score"`
	Verdicts     []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"verdicts"`
}

// Evaluate implements Evaluator.
func (e *SemanticEvaluator) Evaluate(ctx context.Context, plan *search.Plan, ev Evidence) (*Assessment, error) {
	prompt := buildEvaluationPrompt(plan, ev)

	resp, err := e.client.Generate(ctx, llm.Request{
		Prompt:    prompt,
		System:    evaluateSystem,
		MaxTokens: 1000,
		Tier:      llm.TierBalanced,
	})
	if err != nil {
		logging.Coverage("Semantic evaluation failed, using heuristic: %v", err)
		return e.fallback.Evaluate(ctx, plan, ev)
	}

	assessment, err := parseSemanticOutput(resp.Text, plan)
	if err != nil {
		logging.Coverage("Semantic evaluation output unusable, using heuristic: %v", err)
		return e.fallback.Evaluate(ctx, plan, ev)
	}

	logging.Coverage("Semantic evaluation: score=%.2f, answered=%d/%d",
		assessment.Score, assessment.Answered(), len(assessment.Verdicts))
	return assessment, nil
}

func buildEvaluationPrompt(plan *search.Plan, ev Evidence) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research prompt: %s\n\n", plan.Prompt)
	for _, sq := range plan.SubQuestions {
		fmt.Fprintf(&sb, "Sub-question (id=%s): %s\n", sq.ID, sq.Text)
		hits := ev.HitsPerQuestion[sq.ID]
		if len(hits) == 0 {
			sb.WriteString("Evidence: (none)\n\n")
			continue
		}
		sb.WriteString("Evidence:\n")
		for i, h := range hits {
			if i >= 3 {
				break
			}
			excerpt := h.Chunk.Text
			// Truncate on rune boundaries; chunks may hold multibyte text.
			if r := []rune(excerpt); len(r) > 500 {
				excerpt = string(r[:500])
			}
			fmt.Fprintf(&sb, "- %s\n", excerpt)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func parseSemanticOutput(text string, plan *search.Plan) (*Assessment, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in output")
	}

	var out semanticOutput
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation JSON: %w", err)
	}
	if out.OverallScore < 0 || out.OverallScore > 1 {
		return nil, fmt.Errorf("overall_score %f out of range", out.OverallScore)
	}

	statusByID := make(map[string]Status, len(out.Verdicts))
	for _, v := range out.Verdicts {
		switch Status(v.Status) {
		case StatusAnswered, StatusPartial, StatusUnanswered:
			statusByID[v.ID] = Status(v.Status)
		}
	}

	assessment := &Assessment{Score: out.OverallScore, Method: "semantic"}
	for _, sq := range plan.SubQuestions {
		status, ok := statusByID[sq.ID]
		if !ok {
			// Model skipped it; treat as unanswered rather than guessing.
			status = StatusUnanswered
		}
		assessment.Verdicts = append(assessment.Verdicts, Verdict{
			SubQuestionID: sq.ID,
			Question:      sq.Text,
			Status:        status,
		})
	}
	return assessment, nil
}

// ====== HEURISTIC EVALUATOR ======

// HeuristicEvaluator scores coverage without a model: per-question keyword
// overlap against its retrieved chunks, weighted by how close acquisition
// came to the source target.
type HeuristicEvaluator struct{}

// Evaluate implements Evaluator. Never returns an error.
func (HeuristicEvaluator) Evaluate(ctx context.Context, plan *search.Plan, ev Evidence) (*Assessment, error) {
	assessment := &Assessment{Method: "heuristic"}

	var total float64
	for _, sq := range plan.SubQuestions {
		qScore := questionScore(sq, ev.HitsPerQuestion[sq.ID])
		total += qScore

		status := StatusUnanswered
		switch {
		case qScore >= 0.6:
			status = StatusAnswered
		case qScore >= 0.25:
			status = StatusPartial
		}
		assessment.Verdicts = append(assessment.Verdicts, Verdict{
			SubQuestionID: sq.ID,
			Question:      sq.Text,
			Status:        status,
		})
	}

	questionCoverage := 0.0
	if len(plan.SubQuestions) > 0 {
		questionCoverage = total / float64(len(plan.SubQuestions))
	}

	sourceRatio := 1.0
	if ev.TargetSources > 0 {
		sourceRatio = float64(ev.SourcesAcquired) / float64(ev.TargetSources)
		if sourceRatio > 1 {
			sourceRatio = 1
		}
	}

	assessment.Score = 0.7*questionCoverage + 0.3*sourceRatio
	logging.Coverage("Heuristic evaluation: score=%.2f (coverage=%.2f, sources=%d/%d)",
		assessment.Score, questionCoverage, ev.SourcesAcquired, ev.TargetSources)
	return assessment, nil
}

// questionScore is the best lexical overlap between the question and its
// retrieved chunks.
func questionScore(sq search.SubQuestion, hits []retrieval.Hit) float64 {
	terms := retrieval.Tokenize(sq.Text)
	best := 0.0
	for _, h := range hits {
		if s := retrieval.LexicalScore(terms, h.Chunk.Text); s > best {
			best = s
		}
	}
	return best
}
