// Package search plans and executes discovery: prompt decomposition, the
// multi-engine query fan-out and cross-iteration URL dedup.
package search

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"deepscholar/internal/engine"
	"deepscholar/internal/logging"
)

// Orchestrator fans queries out across engine lanes. An engine failure
// degrades its lane; it never fails the wave.
type Orchestrator struct {
	engines       []engine.Adapter
	poolSize      int
	targetSources int
	perQuery      int
}

// NewOrchestrator creates the search orchestrator.
// poolSize bounds concurrent engine calls; targetSources drives the
// candidate cap for a wave.
func NewOrchestrator(engines []engine.Adapter, poolSize, targetSources int) *Orchestrator {
	if poolSize <= 0 {
		poolSize = 6
	}
	if targetSources <= 0 {
		targetSources = 8
	}
	return &Orchestrator{
		engines:       engines,
		poolSize:      poolSize,
		targetSources: targetSources,
		perQuery:      10,
	}
}

// CandidateCap is the most URLs a wave may hand to acquisition: four per
// target source, never more than 60.
func (o *Orchestrator) CandidateCap() int {
	limit := o.targetSources * 4
	if limit > 60 {
		limit = 60
	}
	return limit
}

// Run dispatches every query to every engine, dedups against the job-wide
// deduper and returns up to CandidateCap new candidates plus the per-lane
// health reports. Outstanding engine calls are cancelled once the cap is
// reached. Engines named in skip sit the wave out and report Skipped;
// the job machine passes lanes that failed every query in earlier waves.
func (o *Orchestrator) Run(ctx context.Context, queries []string, dedup *Deduper, skip ...string) ([]engine.Result, []engine.LaneReport) {
	health := engine.NewHealthTable()

	skipped := make(map[string]bool, len(skip))
	for _, name := range skip {
		skipped[name] = true
	}
	var active []engine.Adapter
	for _, eng := range o.engines {
		if skipped[eng.Name()] {
			health.MarkSkipped(eng.Name())
			logging.Search("Engine %s excluded this wave after repeated failures", eng.Name())
			continue
		}
		active = append(active, eng)
	}

	if len(queries) == 0 || len(active) == 0 {
		return nil, health.Reports()
	}

	tasks := len(queries) * len(active)
	workers := o.poolSize
	if tasks < workers {
		workers = tasks
	}
	logging.Search("Dispatching %d queries across %d engines (%d tasks, %d workers, cap %d)",
		len(queries), len(active), tasks, workers, o.CandidateCap())

	waveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(workers))
	var (
		mu         sync.Mutex
		candidates []engine.Result
	)
	capReached := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(candidates) >= o.CandidateCap()
	}

	g, gctx := errgroup.WithContext(waveCtx)
	for _, q := range queries {
		for _, eng := range active {
			q, eng := q, eng
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return nil // wave cancelled
				}
				defer sem.Release(1)

				if capReached() {
					return nil
				}

				results, err := eng.Search(gctx, q, o.perQuery)
				if err != nil {
					if gctx.Err() == nil {
						health.RecordFailure(eng.Name(), err)
						logging.Search("Engine %s failed for %q: %v", eng.Name(), q, err)
					}
					return nil
				}
				health.RecordSuccess(eng.Name())

				mu.Lock()
				for _, r := range results {
					if len(candidates) >= o.CandidateCap() {
						break
					}
					if dedup.Add(r.URL) {
						candidates = append(candidates, r)
					}
				}
				full := len(candidates) >= o.CandidateCap()
				mu.Unlock()

				if full {
					cancel()
				}
				return nil
			})
		}
	}
	g.Wait() // workers only return nil; Wait drains them

	mu.Lock()
	out := candidates
	mu.Unlock()

	logging.Search("Wave complete: %d new candidates (%d URLs seen total)", len(out), dedup.Len())
	return out, health.Reports()
}
