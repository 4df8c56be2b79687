// Package engine defines the search engine adapters and the per-engine
// health table. Each adapter wraps one discovery backend behind a common
// interface so the search orchestrator can dispatch queries uniformly and
// degrade per lane instead of failing the whole search wave.
package engine

import (
	"context"
	"sync"
)

// Result is one hit returned by a search engine.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Engine  string `json:"engine"`
}

// Adapter is a single search backend.
type Adapter interface {
	// Search runs one query and returns up to maxResults hits.
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)

	// Name identifies the engine in logs, health entries and results.
	Name() string
}

// Status classifies an engine lane's recent behavior.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded" // some queries failed
	StatusFailed   Status = "failed"   // every query failed
	StatusSkipped  Status = "skipped"  // disabled by configuration
)

// LaneReport is the health entry for one engine over a search wave.
type LaneReport struct {
	Engine    string `json:"engine"`
	Status    Status `json:"status"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}

// HealthTable accumulates per-engine outcomes across a search wave.
// Safe for concurrent use.
type HealthTable struct {
	mu    sync.Mutex
	lanes map[string]*LaneReport
}

// NewHealthTable creates an empty health table.
func NewHealthTable() *HealthTable {
	return &HealthTable{lanes: make(map[string]*LaneReport)}
}

func (h *HealthTable) lane(engine string) *LaneReport {
	lr, ok := h.lanes[engine]
	if !ok {
		lr = &LaneReport{Engine: engine}
		h.lanes[engine] = lr
	}
	return lr
}

// RecordSuccess notes a completed query for the engine.
func (h *HealthTable) RecordSuccess(engine string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lane(engine).Succeeded++
}

// RecordFailure notes a failed query for the engine.
func (h *HealthTable) RecordFailure(engine string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	lr := h.lane(engine)
	lr.Failed++
	if err != nil {
		lr.LastError = err.Error()
	}
}

// MarkSkipped records an engine that was configured off.
func (h *HealthTable) MarkSkipped(engine string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lane(engine).Status = StatusSkipped
}

// Reports finalizes and returns the lane reports. Status derives from the
// counters unless the lane was explicitly skipped.
func (h *HealthTable) Reports() []LaneReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]LaneReport, 0, len(h.lanes))
	for _, lr := range h.lanes {
		r := *lr
		if r.Status != StatusSkipped {
			switch {
			case r.Failed == 0:
				r.Status = StatusHealthy
			case r.Succeeded == 0:
				r.Status = StatusFailed
			default:
				r.Status = StatusDegraded
			}
		}
		out = append(out, r)
	}
	return out
}
