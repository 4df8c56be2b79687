package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"deepscholar/internal/logging"
)

// Wikipedia searches article titles via the MediaWiki OpenSearch API.
// Useful as a reliable reference lane alongside general web search.
type Wikipedia struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

// NewWikipedia creates the Wikipedia adapter. baseURL overrides the API
// endpoint for tests.
func NewWikipedia(baseURL, userAgent string) *Wikipedia {
	if baseURL == "" {
		baseURL = "https://en.wikipedia.org/w/api.php"
	}
	return &Wikipedia{
		baseURL:   baseURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: 20 * time.Second},
	}
}

// Name implements Adapter.
func (w *Wikipedia) Name() string { return "wikipedia" }

// Search implements Adapter. OpenSearch returns a four-element array:
// [query, titles, descriptions, urls].
func (w *Wikipedia) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if maxResults <= 0 {
		maxResults = 10
	}

	params := url.Values{}
	params.Set("action", "opensearch")
	params.Set("search", query)
	params.Set("limit", fmt.Sprintf("%d", maxResults))
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, "GET", w.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", w.userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse opensearch response: %w", err)
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("unexpected opensearch response shape: %d elements", len(raw))
	}

	var titles, descriptions, urls []string
	if err := json.Unmarshal(raw[1], &titles); err != nil {
		return nil, fmt.Errorf("failed to parse titles: %w", err)
	}
	if err := json.Unmarshal(raw[2], &descriptions); err != nil {
		return nil, fmt.Errorf("failed to parse descriptions: %w", err)
	}
	if err := json.Unmarshal(raw[3], &urls); err != nil {
		return nil, fmt.Errorf("failed to parse urls: %w", err)
	}

	results := make([]Result, 0, len(titles))
	for i := range titles {
		if i >= len(urls) || urls[i] == "" {
			continue
		}
		r := Result{Title: titles[i], URL: urls[i], Engine: "wikipedia"}
		if i < len(descriptions) {
			r.Snippet = descriptions[i]
		}
		results = append(results, r)
	}

	logging.Engine("wikipedia: %d results for %q", len(results), query)
	return results, nil
}
