package search

import (
	"net/url"
	"strings"
	"sync"
)

// Deduper tracks canonical URLs seen across all search iterations of a job.
// A URL that was searched, fetched or failed once is never processed again.
// Safe for concurrent use.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeduper creates an empty deduper.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]struct{})}
}

// NewDeduperFrom restores a deduper from previously seen URLs, for job resume.
func NewDeduperFrom(urls []string) *Deduper {
	d := NewDeduper()
	for _, u := range urls {
		d.seen[CanonicalURL(u)] = struct{}{}
	}
	return d
}

// Add records the URL and reports whether it was new.
func (d *Deduper) Add(rawURL string) bool {
	key := CanonicalURL(rawURL)
	if key == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// Seen reports whether the URL was already recorded.
func (d *Deduper) Seen(rawURL string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[CanonicalURL(rawURL)]
	return ok
}

// Len returns the number of distinct URLs recorded.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// URLs returns the canonical URLs recorded so far, for checkpointing.
func (d *Deduper) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.seen))
	for u := range d.seen {
		out = append(out, u)
	}
	return out
}

// trackingParams are stripped during canonicalization: they vary per click
// without changing the document.
var trackingParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {},
	"utm_term": {}, "utm_content": {}, "fbclid": {}, "gclid": {},
	"ref": {},
}

// CanonicalURL normalizes a URL for dedup: lowercased scheme and host,
// default ports dropped, fragment dropped, tracking params removed and a
// trailing slash trimmed from the path. Returns "" for unparseable input.
func CanonicalURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""

	q := u.Query()
	for param := range trackingParams {
		q.Del(param)
	}
	u.RawQuery = q.Encode()

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String()
}

// Domain extracts the lowercased host from a URL, for courtesy accounting.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
