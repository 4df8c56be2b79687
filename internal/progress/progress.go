// Package progress defines the event stream a frontend consumes to render
// live research status. Emission is strictly non-blocking: a slow or absent
// consumer never stalls the research loop.
package progress

import (
	"sync"
	"time"
)

// Event is a snapshot of research progress at a moment in time. Fields that
// do not apply to the current phase are zero.
type Event struct {
	JobID     string    `json:"job_id"`
	State     string    `json:"state"`
	Step      string    `json:"step"`
	Timestamp time.Time `json:"timestamp"`

	// Acquisition counters.
	SourcesFound  int `json:"sources_found"`
	SourcesFailed int `json:"sources_failed"`
	TargetSources int `json:"target_sources"`

	// Coverage and iteration status.
	CoverageScore  float64 `json:"coverage_score"`
	Iteration      int     `json:"iteration"`
	MaxIterations  int     `json:"max_iterations"`
	Answered       int     `json:"answered"`
	TotalQuestions int     `json:"total_questions"`

	// Validation status.
	GroundingScore   float64 `json:"grounding_score"`
	Sufficient       bool    `json:"sufficient"`
	SufficiencyScore float64 `json:"sufficiency_score"`

	// Courtesy pool visibility: domains currently waiting on a slot.
	DomainsWaiting int `json:"domains_waiting"`

	// Human-readable log line suitable for direct display.
	Message string `json:"message"`
}

// Emitter fans out events to a buffered channel without ever blocking the
// sender. When the buffer is full the oldest pending delivery is simply
// dropped; progress is advisory, not transactional.
type Emitter struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
	last   Event
}

// NewEmitter creates an emitter with the given buffer size. A size of zero
// or less defaults to 64.
func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &Emitter{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the event stream.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Emit publishes an event, stamping the timestamp. Never blocks: if the
// buffer is full the event is dropped.
func (e *Emitter) Emit(ev Event) {
	ev.Timestamp = time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.last = ev

	select {
	case e.ch <- ev:
	default:
		// Consumer is behind; drop rather than stall the pipeline.
	}
}

// Last returns the most recently emitted event, whether or not it was
// delivered. Useful for status queries on a running job.
func (e *Emitter) Last() Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Close shuts the stream. Emit calls after Close are ignored.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
