package search

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"deepscholar/internal/engine"
	"deepscholar/internal/llm"
)

func TestMain(m *testing.M) {
	// The genai dependency starts an opencensus stats worker at init that
	// never exits; it is not ours to stop.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakeLLM returns scripted responses in order.
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

// fakeEngine returns canned results; optionally fails or counts concurrency.
type fakeEngine struct {
	name     string
	results  []engine.Result
	err      error
	calls    int32
	inFlight *int32
	peak     *int32
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Search(ctx context.Context, query string, maxResults int) ([]engine.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.inFlight != nil {
		cur := atomic.AddInt32(f.inFlight, 1)
		for {
			old := atomic.LoadInt32(f.peak)
			if cur <= old || atomic.CompareAndSwapInt32(f.peak, old, cur) {
				break
			}
		}
		defer atomic.AddInt32(f.inFlight, -1)
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]engine.Result, 0, len(f.results))
	for _, r := range f.results {
		r.URL = fmt.Sprintf("%s?src=%s", r.URL, query)
		r.Engine = f.name
		out = append(out, r)
	}
	return out, nil
}

func TestDecomposeParsesModelOutput(t *testing.T) {
	t.Parallel()

	f := &fakeLLM{responses: []llm.Response{{
		Text: "Here you go:\n```json\n" + `{"sub_questions":[
			{"text":"What is X?","queries":["X definition","X overview"]},
			{"text":"How does X compare to Y?","queries":["X vs Y"]},
			{"text":"X adoption statistics","queries":[]}
		]}` + "\n```",
	}}}

	plan, err := NewDecomposer(f).Decompose(context.Background(), "Tell me about X")
	require.NoError(t, err)
	require.Len(t, plan.SubQuestions, 3)

	assert.Equal(t, []string{"X definition", "X overview"}, plan.SubQuestions[0].Queries)
	assert.Equal(t, []string{"X adoption statistics"}, plan.SubQuestions[2].Queries,
		"sub-question with no queries falls back to its own text")
	assert.NotEmpty(t, plan.SubQuestions[0].ID)
	assert.Len(t, plan.AllQueries(), 4)
}

func TestDecomposeFallsBackOnModelError(t *testing.T) {
	t.Parallel()

	f := &fakeLLM{errs: []error{fmt.Errorf("model down")}}
	plan, err := NewDecomposer(f).Decompose(context.Background(), "Tell me about X")
	require.NoError(t, err)
	require.Len(t, plan.SubQuestions, 1)
	assert.Equal(t, "Tell me about X", plan.SubQuestions[0].Text)
	assert.Equal(t, []string{"Tell me about X"}, plan.SubQuestions[0].Queries)
}

func TestDecomposeFallsBackOnGarbage(t *testing.T) {
	t.Parallel()

	f := &fakeLLM{responses: []llm.Response{{Text: "I cannot help with that."}}}
	plan, err := NewDecomposer(f).Decompose(context.Background(), "Tell me about X")
	require.NoError(t, err)
	require.Len(t, plan.SubQuestions, 1)
}

func TestDecomposeFallsBackOnTooFewSubQuestions(t *testing.T) {
	t.Parallel()

	f := &fakeLLM{responses: []llm.Response{{
		Text: `{"sub_questions":[{"text":"only one","queries":["q"]}]}`,
	}}}
	plan, err := NewDecomposer(f).Decompose(context.Background(), "prompt")
	require.NoError(t, err)
	require.Len(t, plan.SubQuestions, 1)
	assert.Equal(t, "prompt", plan.SubQuestions[0].Text)
}

func TestCanonicalURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"HTTPS://Example.COM/Path/", "https://example.com/Path"},
		{"https://example.com:443/page#section", "https://example.com/page"},
		{"http://example.com:80/a?utm_source=x&q=1", "http://example.com/a?q=1"},
		{"https://example.com/a?fbclid=abc", "https://example.com/a"},
		{"not a url", ""},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanonicalURL(tc.in), "input %q", tc.in)
	}
}

func TestDeduperAcrossVariants(t *testing.T) {
	t.Parallel()

	d := NewDeduper()
	assert.True(t, d.Add("https://example.com/page"))
	assert.False(t, d.Add("https://EXAMPLE.com/page/"))
	assert.False(t, d.Add("https://example.com/page?utm_source=feed"))
	assert.True(t, d.Add("https://example.com/other"))
	assert.Equal(t, 2, d.Len())
}

func TestDeduperRestore(t *testing.T) {
	t.Parallel()

	d := NewDeduperFrom([]string{"https://example.com/a", "https://example.com/b"})
	assert.False(t, d.Add("https://example.com/a"))
	assert.True(t, d.Add("https://example.com/c"))
}

func TestOrchestratorIsolatesEngineFailure(t *testing.T) {
	t.Parallel()

	good := &fakeEngine{name: "good", results: []engine.Result{
		{Title: "hit", URL: "https://good.example.com/hit"},
	}}
	bad := &fakeEngine{name: "bad", err: fmt.Errorf("HTTP 503")}

	o := NewOrchestrator([]engine.Adapter{good, bad}, 4, 8)
	candidates, reports := o.Run(context.Background(), []string{"q1", "q2"}, NewDeduper())

	assert.Len(t, candidates, 2, "one hit per query from the healthy engine")

	byEngine := map[string]engine.LaneReport{}
	for _, r := range reports {
		byEngine[r.Engine] = r
	}
	assert.Equal(t, engine.StatusHealthy, byEngine["good"].Status)
	assert.Equal(t, engine.StatusFailed, byEngine["bad"].Status)
}

func TestOrchestratorSkipsNamedLanes(t *testing.T) {
	t.Parallel()

	good := &fakeEngine{name: "good", results: []engine.Result{
		{Title: "hit", URL: "https://good.example.com/hit"},
	}}
	broken := &fakeEngine{name: "broken", err: fmt.Errorf("HTTP 503")}

	o := NewOrchestrator([]engine.Adapter{good, broken}, 4, 8)
	candidates, reports := o.Run(context.Background(), []string{"q"}, NewDeduper(), "broken")

	assert.Len(t, candidates, 1)
	assert.Zero(t, atomic.LoadInt32(&broken.calls), "skipped lane must not be queried")

	byEngine := map[string]engine.LaneReport{}
	for _, r := range reports {
		byEngine[r.Engine] = r
	}
	assert.Equal(t, engine.StatusSkipped, byEngine["broken"].Status)
	assert.Equal(t, engine.StatusHealthy, byEngine["good"].Status)
}

func TestOrchestratorRespectsCandidateCap(t *testing.T) {
	t.Parallel()

	// 30 distinct results per query, 4 queries: far more than the cap.
	var results []engine.Result
	for i := 0; i < 30; i++ {
		results = append(results, engine.Result{
			Title: fmt.Sprintf("r%d", i),
			URL:   fmt.Sprintf("https://site%d.example.com/page", i),
		})
	}
	eng := &fakeEngine{name: "big", results: results}

	o := NewOrchestrator([]engine.Adapter{eng}, 4, 8)
	candidates, _ := o.Run(context.Background(), []string{"a", "b", "c", "d"}, NewDeduper())

	assert.LessOrEqual(t, len(candidates), 32, "cap is targetSources*4")
}

func TestCandidateCapCeiling(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 32, NewOrchestrator(nil, 4, 8).CandidateCap())
	assert.Equal(t, 60, NewOrchestrator(nil, 4, 50).CandidateCap(), "cap never exceeds 60")
}

func TestOrchestratorBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak int32
	engines := []engine.Adapter{
		&fakeEngine{name: "e1", results: []engine.Result{{Title: "t", URL: "https://e1.example.com/p"}}, inFlight: &inFlight, peak: &peak},
		&fakeEngine{name: "e2", results: []engine.Result{{Title: "t", URL: "https://e2.example.com/p"}}, inFlight: &inFlight, peak: &peak},
	}

	o := NewOrchestrator(engines, 3, 20)
	queries := []string{"a", "b", "c", "d", "e", "f"}
	o.Run(context.Background(), queries, NewDeduper())

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestOrchestratorDedupsAcrossWaves(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{name: "e", results: []engine.Result{
		{Title: "same", URL: "https://example.com/stable"},
	}}
	o := NewOrchestrator([]engine.Adapter{eng}, 2, 8)
	d := NewDeduper()

	first, _ := o.Run(context.Background(), []string{"q"}, d)
	require.Len(t, first, 1)

	second, _ := o.Run(context.Background(), []string{"q"}, d)
	assert.Empty(t, second, "same URL must not be re-processed in a later wave")
}

func TestRemediationQueries(t *testing.T) {
	t.Parallel()

	qs := RemediationQueries([]SubQuestion{
		{Text: "open question", Queries: []string{"q1", "q2"}},
	})
	assert.Equal(t, []string{"q1", "q2", "open question explained"}, qs)
}

func TestTopicQueries(t *testing.T) {
	t.Parallel()

	qs := TopicQueries([]string{"disposal protocols", "  ", ""})
	assert.Equal(t, []string{"disposal protocols", "disposal protocols explained"}, qs)
	assert.Empty(t, TopicQueries(nil))
}
