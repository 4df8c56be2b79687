package acquire

import (
	"sync"
	"time"
)

// cacheEntry holds one fetched document.
type cacheEntry struct {
	markdown  string
	title     string
	expiresAt time.Time
}

// FetchCache is an in-memory TTL cache keyed by canonical URL. It spares
// repeat fetches when remediation waves rediscover a page through a
// different query.
type FetchCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	maxSize int
	ttl     time.Duration
}

// NewFetchCache creates a cache bounded to maxSize entries with the given TTL.
func NewFetchCache(maxSize int, ttl time.Duration) *FetchCache {
	if maxSize <= 0 {
		maxSize = 500
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &FetchCache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns the cached markdown and title for the URL, if fresh.
func (c *FetchCache) Get(canonicalURL string) (markdown, title string, ok bool) {
	c.mu.RLock()
	entry, found := c.entries[canonicalURL]
	c.mu.RUnlock()

	if !found {
		return "", "", false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, canonicalURL)
		c.mu.Unlock()
		return "", "", false
	}
	return entry.markdown, entry.title, true
}

// Put stores a fetched document. When the cache is full, expired entries are
// evicted first; if none are expired the oldest-expiring entry goes.
func (c *FetchCache) Put(canonicalURL, markdown, title string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictLocked()
	}

	c.entries[canonicalURL] = &cacheEntry{
		markdown:  markdown,
		title:     title,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *FetchCache) evictLocked() {
	now := time.Now()
	var (
		oldestKey string
		oldestExp time.Time
	)
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			continue
		}
		if oldestKey == "" || entry.expiresAt.Before(oldestExp) {
			oldestKey, oldestExp = key, entry.expiresAt
		}
	}
	if len(c.entries) >= c.maxSize && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len returns the number of cached entries, expired or not.
func (c *FetchCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
