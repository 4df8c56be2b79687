// Package courtesy enforces per-domain politeness for outbound web requests:
// bounded concurrent slots per domain, spaced request starts with jitter, and
// a consecutive-failure circuit breaker with a half-open recovery probe.
package courtesy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"deepscholar/internal/logging"
)

// ErrCircuitOpen is returned by Acquire when a domain's breaker is open and
// still cooling down. Callers classify the fetch as CircuitBroken without
// touching the network.
var ErrCircuitOpen = errors.New("courtesy: circuit open for domain")

// Config tunes the politeness policy.
type Config struct {
	// PerDomainSlots bounds concurrent in-flight requests per domain.
	PerDomainSlots int

	// BaseDelay is the minimum spacing between request starts to one domain.
	BaseDelay time.Duration

	// MaxJitter is added on top of BaseDelay, uniformly random in [0, MaxJitter).
	MaxJitter time.Duration

	// FailureLimit is the consecutive-failure count that opens the breaker.
	FailureLimit int

	// BreakerCooldown is how long an open breaker rejects before half-open.
	BreakerCooldown time.Duration
}

// DefaultConfig returns the standard politeness settings.
func DefaultConfig() Config {
	return Config{
		PerDomainSlots:  2,
		BaseDelay:       750 * time.Millisecond,
		MaxJitter:       500 * time.Millisecond,
		FailureLimit:    3,
		BreakerCooldown: 60 * time.Second,
	}
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// domainState tracks one domain's slots, pacing and breaker.
type domainState struct {
	slots         chan struct{}
	nextStart     time.Time
	breaker       breakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// Policy is the process-wide politeness gate. All fetchers share one Policy
// so the per-domain guarantees hold across concurrent jobs.
type Policy struct {
	mu      sync.Mutex
	cfg     Config
	domains map[string]*domainState
	rng     *rand.Rand
	waiting int

	// now is swappable for tests.
	now func() time.Time
}

// NewPolicy creates a politeness policy.
func NewPolicy(cfg Config) *Policy {
	if cfg.PerDomainSlots <= 0 {
		cfg.PerDomainSlots = 2
	}
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = 3
	}
	return &Policy{
		cfg:     cfg,
		domains: make(map[string]*domainState),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

func (p *Policy) state(domain string) *domainState {
	ds, ok := p.domains[domain]
	if !ok {
		ds = &domainState{slots: make(chan struct{}, p.cfg.PerDomainSlots)}
		p.domains[domain] = ds
	}
	return ds
}

// Acquire blocks until the caller may issue a request to the domain, then
// returns a release function that must be called when the request finishes.
// Returns ErrCircuitOpen immediately when the domain's breaker is open, and
// the context error if ctx is cancelled while waiting.
func (p *Policy) Acquire(ctx context.Context, domain string) (release func(), err error) {
	p.mu.Lock()
	ds := p.state(domain)

	switch ds.breaker {
	case breakerOpen:
		if p.now().Sub(ds.openedAt) < p.cfg.BreakerCooldown {
			p.mu.Unlock()
			logging.CourtesyDebug("%s: circuit open, rejecting", domain)
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, domain)
		}
		// Cooldown elapsed: move to half-open and let one probe through.
		ds.breaker = breakerHalfOpen
		ds.probeInFlight = false
		logging.Courtesy("%s: breaker half-open, allowing probe", domain)
		fallthrough
	case breakerHalfOpen:
		if ds.probeInFlight {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s (probe in flight)", ErrCircuitOpen, domain)
		}
		ds.probeInFlight = true
	}

	slots := ds.slots
	p.waiting++
	p.mu.Unlock()

	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		p.mu.Lock()
		p.waiting--
		if ds.breaker == breakerHalfOpen {
			ds.probeInFlight = false
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}

	// Slot held; now pace the request start.
	p.mu.Lock()
	p.waiting--
	now := p.now()
	wait := ds.nextStart.Sub(now)
	if wait < 0 {
		wait = 0
	}
	delay := p.cfg.BaseDelay
	if p.cfg.MaxJitter > 0 {
		delay += time.Duration(p.rng.Int63n(int64(p.cfg.MaxJitter)))
	}
	ds.nextStart = now.Add(wait + delay)
	p.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			p.release(domain)
			p.mu.Lock()
			if ds.breaker == breakerHalfOpen {
				ds.probeInFlight = false
			}
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(func() { p.release(domain) }) }, nil
}

func (p *Policy) release(domain string) {
	p.mu.Lock()
	ds := p.state(domain)
	p.mu.Unlock()
	select {
	case <-ds.slots:
	default:
	}
}

// RecordOutcome feeds a request result into the breaker. Three consecutive
// failures open the breaker; any success closes it and resets the count.
func (p *Policy) RecordOutcome(domain string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ds := p.state(domain)

	if success {
		if ds.breaker != breakerClosed {
			logging.Courtesy("%s: probe succeeded, breaker closed", domain)
		}
		ds.breaker = breakerClosed
		ds.failures = 0
		ds.probeInFlight = false
		return
	}

	ds.failures++
	switch ds.breaker {
	case breakerHalfOpen:
		// Failed probe reopens immediately with a fresh cooldown.
		ds.breaker = breakerOpen
		ds.openedAt = p.now()
		ds.probeInFlight = false
		logging.Courtesy("%s: probe failed, breaker reopened", domain)
	case breakerClosed:
		if ds.failures >= p.cfg.FailureLimit {
			ds.breaker = breakerOpen
			ds.openedAt = p.now()
			logging.Courtesy("%s: %d consecutive failures, breaker opened for %s", domain, ds.failures, p.cfg.BreakerCooldown)
		}
	}
}

// Waiting reports how many callers are currently blocked on a slot, for
// progress events.
func (p *Policy) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting
}

// BreakerOpen reports whether the domain's breaker currently rejects requests.
func (p *Policy) BreakerOpen(domain string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ds, ok := p.domains[domain]
	if !ok {
		return false
	}
	return ds.breaker == breakerOpen && p.now().Sub(ds.openedAt) < p.cfg.BreakerCooldown
}
