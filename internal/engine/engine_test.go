package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ddgFixture = `<html><body>
<div class="result results_links results_links_deep web-result">
  <h2 class="result__title">
    <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fgo-concurrency&amp;rut=abc">Go Concurrency Patterns</a>
  </h2>
  <a class="result__snippet" href="https://example.com/go-concurrency">Share memory by <b>communicating</b>.</a>
</div>
<div class="result results_links results_links_deep web-result">
  <h2 class="result__title">
    <a class="result__a" href="https://example.org/channels">Channels in depth</a>
  </h2>
  <a class="result__snippet" href="https://example.org/channels">Buffered and unbuffered channels.</a>
</div>
<div class="result results_links">
  <h2 class="result__title"><a class="result__a" href="">No URL result</a></h2>
</div>
</body></html>`

func TestParseDuckDuckGoResults(t *testing.T) {
	t.Parallel()

	results, err := parseDuckDuckGoResults(ddgFixture, 10)
	require.NoError(t, err)
	require.Len(t, results, 2, "result without URL must be dropped")

	assert.Equal(t, "Go Concurrency Patterns", results[0].Title)
	assert.Equal(t, "https://example.com/go-concurrency", results[0].URL, "redirect must be decoded")
	assert.Contains(t, results[0].Snippet, "communicating")

	assert.Equal(t, "https://example.org/channels", results[1].URL)
}

func TestParseDuckDuckGoResultsRespectsMax(t *testing.T) {
	t.Parallel()

	results, err := parseDuckDuckGoResults(ddgFixture, 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestDecodeDDGRedirect(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fblog&rut=xyz", "https://go.dev/blog"},
		{"https://plain.example.com/page", "https://plain.example.com/page"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, decodeDDGRedirect(tc.in))
	}
}

func TestDuckDuckGoSearchAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("q"))
		// The fixture holds literal % escapes, so keep it away from printf.
		io.WriteString(w, ddgFixture)
	}))
	defer srv.Close()

	d := NewDuckDuckGo(srv.URL+"/html/", "test-agent")
	results, err := d.Search(context.Background(), "go concurrency", 10)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, "duckduckgo", results[0].Engine)
}

func TestWikipediaSearch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "opensearch", r.URL.Query().Get("action"))
		fmt.Fprint(w, `["go",["Go (programming language)","Go (game)"],["A language","A board game"],["https://en.wikipedia.org/wiki/Go_(programming_language)","https://en.wikipedia.org/wiki/Go_(game)"]]`)
	}))
	defer srv.Close()

	wiki := NewWikipedia(srv.URL, "test-agent")
	results, err := wiki.Search(context.Background(), "go", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Go (programming language)", results[0].Title)
	assert.Equal(t, "A language", results[0].Snippet)
	assert.Equal(t, "wikipedia", results[0].Engine)
}

func TestWikipediaSearchBadShape(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `["only","two"]`)
	}))
	defer srv.Close()

	wiki := NewWikipedia(srv.URL, "test-agent")
	_, err := wiki.Search(context.Background(), "go", 5)
	require.Error(t, err)
}

func TestSearxNGSearch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		fmt.Fprint(w, `{"results":[{"title":"Result A","url":"https://a.example.com","content":"snippet a"},{"title":"","url":"https://no-title.example.com"},{"title":"Result B","url":"https://b.example.com","content":"snippet b"}]}`)
	}))
	defer srv.Close()

	sx := NewSearxNG(srv.URL, "test-agent")
	results, err := sx.Search(context.Background(), "anything", 10)
	require.NoError(t, err)
	require.Len(t, results, 2, "entry without title must be dropped")
	assert.Equal(t, "Result A", results[0].Title)
	assert.Equal(t, "searxng", results[1].Engine)
}

func TestHealthTableStatuses(t *testing.T) {
	t.Parallel()

	h := NewHealthTable()
	h.RecordSuccess("duckduckgo")
	h.RecordSuccess("duckduckgo")
	h.RecordSuccess("wikipedia")
	h.RecordFailure("wikipedia", fmt.Errorf("timeout"))
	h.RecordFailure("searxng", fmt.Errorf("HTTP 503"))
	h.MarkSkipped("brave")

	byEngine := map[string]LaneReport{}
	for _, r := range h.Reports() {
		byEngine[r.Engine] = r
	}

	assert.Equal(t, StatusHealthy, byEngine["duckduckgo"].Status)
	assert.Equal(t, StatusDegraded, byEngine["wikipedia"].Status)
	assert.Equal(t, StatusFailed, byEngine["searxng"].Status)
	assert.Equal(t, StatusSkipped, byEngine["brave"].Status)
	assert.Equal(t, "HTTP 503", byEngine["searxng"].LastError)
}

func TestHealthTableConcurrentAccess(t *testing.T) {
	t.Parallel()

	h := NewHealthTable()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				h.RecordSuccess("duckduckgo")
			} else {
				h.RecordFailure("duckduckgo", fmt.Errorf("err %d", i))
			}
		}(i)
	}
	wg.Wait()

	reports := h.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, 25, reports[0].Succeeded)
	assert.Equal(t, 25, reports[0].Failed)
}
