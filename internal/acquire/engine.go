// Package acquire fetches candidate URLs under the courtesy policy, converts
// page HTML to markdown and classifies every attempt's outcome. Failures are
// recorded, never retried within a wave; the coverage loop decides whether
// more discovery is needed.
package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"deepscholar/internal/courtesy"
	"deepscholar/internal/engine"
	"deepscholar/internal/logging"
	"deepscholar/internal/search"
)

// Outcome classifies one acquisition attempt.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeBlocked       Outcome = "blocked" // 401/403/429
	OutcomePaywall       Outcome = "paywall" // 402 or paywall marker
	OutcomeTimeout       Outcome = "timeout"
	OutcomeError         Outcome = "error"
	OutcomeCircuitBroken Outcome = "circuit_broken" // rejected without a request
	OutcomeUnsupported   Outcome = "unsupported"    // non-HTML content type
)

// Fetched is the result of one acquisition attempt.
type Fetched struct {
	Candidate    engine.Result
	CanonicalURL string
	Domain       string
	Title        string
	Markdown     string
	ContentHash  string // sha256 of the markdown, empty unless Succeeded
	Outcome      Outcome
	Err          string
	FetchedAt    time.Time
}

// Succeeded reports whether usable content was acquired.
func (f *Fetched) Succeeded() bool { return f.Outcome == OutcomeSuccess }

// HealthSummary counts outcomes across a wave, for progress and the report.
type HealthSummary struct {
	Succeeded     int
	Blocked       int
	Paywalled     int
	TimedOut      int
	Errored       int
	CircuitBroken int
	Unsupported   int
}

// Failed returns the total non-success count.
func (h HealthSummary) Failed() int {
	return h.Blocked + h.Paywalled + h.TimedOut + h.Errored + h.CircuitBroken + h.Unsupported
}

// Config tunes the fetcher.
type Config struct {
	FetchTimeout    time.Duration
	MaxContentBytes int64
	UserAgent       string
}

// Fetcher acquires pages concurrently under the shared courtesy policy.
type Fetcher struct {
	cfg    Config
	policy *courtesy.Policy
	cache  *FetchCache
	client *http.Client
}

// NewFetcher creates an acquisition fetcher.
func NewFetcher(cfg Config, policy *courtesy.Policy, cache *FetchCache) *Fetcher {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 45 * time.Second
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = 2 << 20
	}
	return &Fetcher{
		cfg:    cfg,
		policy: policy,
		cache:  cache,
		client: &http.Client{Timeout: cfg.FetchTimeout},
	}
}

// PoolSize returns the fetch concurrency for n candidate URLs:
// half the URL count, clamped to [4, 15].
func PoolSize(n int) int {
	size := n / 2
	if size < 4 {
		size = 4
	}
	if size > 15 {
		size = 15
	}
	return size
}

// FetchAll acquires every candidate concurrently and returns one Fetched per
// candidate, in candidate order. Individual failures never abort the wave;
// ctx cancellation does.
func (f *Fetcher) FetchAll(ctx context.Context, candidates []engine.Result) ([]Fetched, HealthSummary) {
	results := make([]Fetched, len(candidates))

	sem := semaphore.NewWeighted(int64(PoolSize(len(candidates))))
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var summary HealthSummary

	for i, cand := range candidates {
		i, cand := i, cand
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = Fetched{
					Candidate: cand,
					Outcome:   OutcomeError,
					Err:       err.Error(),
					FetchedAt: time.Now().UTC(),
				}
				return nil
			}
			defer sem.Release(1)

			fetched := f.fetchOne(gctx, cand)
			results[i] = fetched

			mu.Lock()
			summary.count(fetched.Outcome)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	logging.Acquire("Wave fetched %d candidates: %d succeeded, %d failed",
		len(candidates), summary.Succeeded, summary.Failed())
	return results, summary
}

func (h *HealthSummary) count(o Outcome) {
	switch o {
	case OutcomeSuccess:
		h.Succeeded++
	case OutcomeBlocked:
		h.Blocked++
	case OutcomePaywall:
		h.Paywalled++
	case OutcomeTimeout:
		h.TimedOut++
	case OutcomeCircuitBroken:
		h.CircuitBroken++
	case OutcomeUnsupported:
		h.Unsupported++
	default:
		h.Errored++
	}
}

func (f *Fetcher) fetchOne(ctx context.Context, cand engine.Result) Fetched {
	out := Fetched{
		Candidate:    cand,
		CanonicalURL: search.CanonicalURL(cand.URL),
		Domain:       search.Domain(cand.URL),
		FetchedAt:    time.Now().UTC(),
	}
	if out.CanonicalURL == "" || out.Domain == "" {
		out.Outcome = OutcomeError
		out.Err = "unparseable URL"
		return out
	}

	if f.cache != nil {
		if md, title, ok := f.cache.Get(out.CanonicalURL); ok {
			logging.AcquireDebug("Cache hit for %s", out.CanonicalURL)
			out.Markdown, out.Title = md, title
			out.ContentHash = hashContent(md)
			out.Outcome = OutcomeSuccess
			return out
		}
	}

	release, err := f.policy.Acquire(ctx, out.Domain)
	if err != nil {
		switch {
		case errors.Is(err, courtesy.ErrCircuitOpen):
			out.Outcome = OutcomeCircuitBroken
		case errors.Is(err, context.DeadlineExceeded):
			out.Outcome = OutcomeTimeout
		default:
			out.Outcome = OutcomeError
		}
		out.Err = err.Error()
		return out
	}
	defer release()

	outcome, title, markdown, ferr := f.doFetch(ctx, cand.URL)
	out.Outcome = outcome
	out.Title, out.Markdown = title, markdown
	if ferr != nil {
		out.Err = ferr.Error()
	}
	if out.Title == "" {
		out.Title = cand.Title
	}

	f.policy.RecordOutcome(out.Domain, outcome == OutcomeSuccess)

	if outcome == OutcomeSuccess {
		out.ContentHash = hashContent(out.Markdown)
	}
	if outcome == OutcomeSuccess && f.cache != nil {
		f.cache.Put(out.CanonicalURL, out.Markdown, out.Title)
	}
	return out
}

func hashContent(markdown string) string {
	sum := sha256.Sum256([]byte(markdown))
	return hex.EncodeToString(sum[:])
}

func (f *Fetcher) doFetch(ctx context.Context, rawURL string) (Outcome, string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return OutcomeError, "", "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return OutcomeTimeout, "", "", err
		}
		return OutcomeError, "", "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to content handling
	case resp.StatusCode == http.StatusPaymentRequired:
		return OutcomePaywall, "", "", fmt.Errorf("HTTP %d", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusTooManyRequests:
		return OutcomeBlocked, "", "", fmt.Errorf("HTTP %d", resp.StatusCode)
	default:
		return OutcomeError, "", "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	ctype := resp.Header.Get("Content-Type")
	if ctype != "" && !strings.Contains(ctype, "text/html") && !strings.Contains(ctype, "text/plain") && !strings.Contains(ctype, "xhtml") {
		return OutcomeUnsupported, "", "", fmt.Errorf("unsupported content type %q", ctype)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxContentBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return OutcomeTimeout, "", "", err
		}
		return OutcomeError, "", "", fmt.Errorf("failed to read body: %w", err)
	}

	if strings.Contains(ctype, "text/plain") {
		return OutcomeSuccess, "", string(body), nil
	}

	markdown, err := HTMLToMarkdown(string(body))
	if err != nil {
		return OutcomeError, "", "", err
	}
	return OutcomeSuccess, ExtractTitle(string(body)), markdown, nil
}
