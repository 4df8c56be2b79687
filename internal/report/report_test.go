package report

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepscholar/internal/acquire"
	"deepscholar/internal/coverage"
	"deepscholar/internal/engine"
	"deepscholar/internal/llm"
	"deepscholar/internal/retrieval"
	"deepscholar/internal/search"
	"deepscholar/internal/store"
)

type fakeLLM struct {
	mu        sync.Mutex
	responses []llm.Response
	errs      []error
	calls     int
}

func (f *fakeLLM) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return llm.Response{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return llm.Response{}, fmt.Errorf("no scripted response for call %d", i)
}

func (f *fakeLLM) Name() string { return "fake" }

func TestNumberSources(t *testing.T) {
	t.Parallel()

	cited := NumberSources([]store.SourceRecord{
		{ID: "s1", URL: "https://a.com/x", Title: "A", Outcome: "success"},
		{ID: "s2", URL: "https://b.com/y", Outcome: "timeout"},
		{ID: "s3", URL: "https://c.com/z", Outcome: "success"}, // no title
	})

	require.Len(t, cited, 2, "failed sources get no citation number")
	assert.Equal(t, 1, cited[0].Number)
	assert.Equal(t, "A", cited[0].Title)
	assert.Equal(t, 2, cited[1].Number)
	assert.Equal(t, "https://c.com/z", cited[1].Title, "URL stands in for a missing title")
}

func TestScoreGrounding(t *testing.T) {
	t.Parallel()

	body := `## Findings

Tides are driven by lunar gravity [1]. The tidal range varies widely by coastline [2].
Nobody knows the exact future of coastal erosion.

- Spring tides occur at full moon alignment [1].
`
	g := ScoreGrounding(body, 2)
	assert.Equal(t, 4, g.TotalClaims)
	assert.Equal(t, 3, g.CitedClaims)
	assert.InDelta(t, 0.75, g.Score, 1e-9)
	assert.Empty(t, g.BadMarkers)
	assert.False(t, g.NeedsCaveat())
}

func TestScoreGroundingBadMarkers(t *testing.T) {
	t.Parallel()

	g := ScoreGrounding("The moon influences the tides daily [9].", 2)
	assert.Equal(t, 1, g.TotalClaims)
	assert.Equal(t, 0, g.CitedClaims, "marker with no matching source is not a citation")
	assert.Equal(t, []int{9}, g.BadMarkers)
	assert.True(t, g.NeedsCaveat())
}

func TestScoreGroundingZeroClaims(t *testing.T) {
	t.Parallel()

	g := ScoreGrounding("## Heading only\n\n", 3)
	assert.Equal(t, 0, g.TotalClaims)
	assert.Equal(t, 1.0, g.Score, "nothing asserted means nothing ungrounded")
	assert.False(t, g.NeedsCaveat())
}

func TestSplitClaimsSkipsStructure(t *testing.T) {
	t.Parallel()

	claims := SplitClaims("# Title\n\nA real claim with enough words here. Tiny one.\n- A bulleted claim with enough words [1].")
	require.Len(t, claims, 2)
	assert.Contains(t, claims[0], "A real claim")
	assert.Contains(t, claims[1], "bulleted claim")
}

func testEvidence() (*search.Plan, coverage.Evidence, map[string]int) {
	plan := &search.Plan{
		Prompt: "how do tides work",
		SubQuestions: []search.SubQuestion{
			{ID: "sq1", Text: "What causes tides?"},
			{ID: "sq2", Text: "How do ranges vary?"},
		},
	}
	ev := coverage.Evidence{
		HitsPerQuestion: map[string][]retrieval.Hit{
			"sq1": {{Chunk: store.ChunkRecord{ID: "c1", SourceID: "s1", Text: "The moon's gravity causes tides. They rise twice daily. Coastal shape matters."}}},
		},
	}
	return plan, ev, map[string]int{"s1": 1}
}

func TestComposeUsesModel(t *testing.T) {
	t.Parallel()

	plan, ev, byID := testEvidence()
	f := &fakeLLM{responses: []llm.Response{{Text: "## What causes tides?\n\nLunar gravity drives the tides [1].\n"}}}

	draft := NewDrafter(f).Compose(context.Background(), plan, ev, []CitedSource{{Number: 1, Title: "T", URL: "u"}}, byID)
	assert.False(t, draft.Extractive)
	assert.Contains(t, draft.Body, "[1]")
}

func TestComposeExtractiveFallback(t *testing.T) {
	t.Parallel()

	plan, ev, byID := testEvidence()
	f := &fakeLLM{errs: []error{fmt.Errorf("model down")}}

	draft := NewDrafter(f).Compose(context.Background(), plan, ev, nil, byID)
	assert.True(t, draft.Extractive)
	assert.Contains(t, draft.Body, "moon's gravity")
	assert.Contains(t, draft.Body, "[1]", "extractive draft still cites")
	assert.Contains(t, draft.Body, "No supporting evidence", "empty sub-question is called out")
}

func TestAssemble(t *testing.T) {
	t.Parallel()

	doc := Assemble(Input{
		Prompt: "how do tides work",
		Draft:  Draft{Body: "Tides follow the moon [1]."},
		Grounding: GroundingResult{TotalClaims: 1, CitedClaims: 1, Score: 1.0},
		Assessment: &coverage.Assessment{
			Score: 0.8,
			Verdicts: []coverage.Verdict{
				{Question: "What causes tides?", Status: coverage.StatusAnswered},
				{Question: "How do ranges vary?", Status: coverage.StatusPartial},
			},
		},
		Sufficiency: coverage.SufficiencyVerdict{Sufficient: true},
		Sources:     []CitedSource{{Number: 1, Title: "Tides", URL: "https://ex.com/t"}},
		Health:      acquire.HealthSummary{Succeeded: 1, TimedOut: 1},
		Lanes: []engine.LaneReport{
			{Engine: "duckduckgo", Status: engine.StatusHealthy},
			{Engine: "searxng", Status: engine.StatusFailed},
		},
		Iterations: 2,
	})

	assert.Contains(t, doc, "# Research Report")
	assert.Contains(t, doc, "**Grounding:** 1 of 1 claims cited (100%)")
	assert.Contains(t, doc, "**Coverage:** 80% after 2 iteration(s), 1 of 2 sub-questions answered")
	assert.Contains(t, doc, "**Sources:** 1 acquired, 1 failed")
	assert.Contains(t, doc, "| What causes tides? | answered |")
	assert.Contains(t, doc, "1. [Tides](https://ex.com/t)")
	assert.Contains(t, doc, "searxng (failed)")
	assert.NotContains(t, doc, "Caveats")
}

func TestAssembleCaveats(t *testing.T) {
	t.Parallel()

	doc := Assemble(Input{
		Prompt:    "p",
		Draft:     Draft{Body: "Uncited claim about many things here.", Extractive: true},
		Grounding: GroundingResult{TotalClaims: 1, CitedClaims: 0, Score: 0},
		Sufficiency: coverage.SufficiencyVerdict{
			Sufficient:    false,
			Score:         0.4,
			Reason:        "gaps remain",
			MissingTopics: []string{"disposal protocols", "cost comparisons"},
		},
		Remediated: true,
	})

	assert.Contains(t, doc, "Caveats")
	assert.Contains(t, doc, "Fewer than half of the claims")
	assert.Contains(t, doc, "gaps remain")
	assert.Contains(t, doc, "Topics still uncovered: disposal protocols; cost comparisons")
	assert.Contains(t, doc, "remediation cycle was already spent")
	assert.Contains(t, doc, "stitched from source excerpts")
}

func TestDraftPromptTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	plan, _, byID := testEvidence()
	ev := coverage.Evidence{
		HitsPerQuestion: map[string][]retrieval.Hit{
			"sq1": {{Chunk: store.ChunkRecord{ID: "c1", SourceID: "s1",
				Text: strings.Repeat("潮汐は月の重力で生じる。", 100)}}},
		},
	}

	prompt := buildDraftPrompt(plan, ev, []CitedSource{{Number: 1, Title: "T", URL: "u"}}, byID)
	assert.True(t, utf8.ValidString(prompt), "excerpt truncation must not split a rune")
}

func TestFirstSentences(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "One. Two.", firstSentences("One. Two. Three. Four.", 2))
	assert.Equal(t, "No terminator here", firstSentences("No terminator here", 2))
}
