package courtesy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		PerDomainSlots:  2,
		BaseDelay:       time.Millisecond,
		MaxJitter:       time.Millisecond,
		FailureLimit:    3,
		BreakerCooldown: 50 * time.Millisecond,
	}
}

func TestAcquireReleaseBoundsConcurrency(t *testing.T) {
	t.Parallel()

	p := NewPolicy(fastConfig())
	ctx := context.Background()

	var inFlight, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := p.Acquire(ctx, "example.com")
			require.NoError(t, err)
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2), "per-domain slots exceeded")
}

func TestDomainsIsolated(t *testing.T) {
	t.Parallel()

	p := NewPolicy(fastConfig())
	ctx := context.Background()

	// Saturate one domain.
	r1, err := p.Acquire(ctx, "a.com")
	require.NoError(t, err)
	r2, err := p.Acquire(ctx, "a.com")
	require.NoError(t, err)
	defer r1()
	defer r2()

	// Another domain is unaffected.
	done := make(chan struct{})
	go func() {
		release, err := p.Acquire(ctx, "b.com")
		assert.NoError(t, err)
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire on independent domain blocked")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	p := NewPolicy(fastConfig())
	ctx := context.Background()

	p.RecordOutcome("bad.com", false)
	p.RecordOutcome("bad.com", false)
	assert.False(t, p.BreakerOpen("bad.com"), "breaker should not open before limit")

	p.RecordOutcome("bad.com", false)
	assert.True(t, p.BreakerOpen("bad.com"))

	_, err := p.Acquire(ctx, "bad.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	p := NewPolicy(fastConfig())

	p.RecordOutcome("flaky.com", false)
	p.RecordOutcome("flaky.com", false)
	p.RecordOutcome("flaky.com", true)
	p.RecordOutcome("flaky.com", false)
	p.RecordOutcome("flaky.com", false)

	assert.False(t, p.BreakerOpen("flaky.com"), "interleaved success must reset the count")
}

func TestHalfOpenProbe(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.BreakerCooldown = 10 * time.Millisecond
	p := NewPolicy(cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p.RecordOutcome("down.com", false)
	}
	_, err := p.Acquire(ctx, "down.com")
	require.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(15 * time.Millisecond)

	// Cooldown elapsed: a single probe is allowed through.
	release, err := p.Acquire(ctx, "down.com")
	require.NoError(t, err)

	// A second caller is rejected while the probe is in flight.
	_, err = p.Acquire(ctx, "down.com")
	require.ErrorIs(t, err, ErrCircuitOpen)

	release()
	p.RecordOutcome("down.com", true)
	assert.False(t, p.BreakerOpen("down.com"))

	release2, err := p.Acquire(ctx, "down.com")
	require.NoError(t, err)
	release2()
}

func TestFailedProbeReopens(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.BreakerCooldown = 10 * time.Millisecond
	p := NewPolicy(cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p.RecordOutcome("down.com", false)
	}
	time.Sleep(15 * time.Millisecond)

	release, err := p.Acquire(ctx, "down.com")
	require.NoError(t, err)
	release()
	p.RecordOutcome("down.com", false)

	assert.True(t, p.BreakerOpen("down.com"), "failed probe must reopen with fresh cooldown")
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	t.Parallel()

	p := NewPolicy(fastConfig())
	ctx := context.Background()

	r1, err := p.Acquire(ctx, "slow.com")
	require.NoError(t, err)
	r2, err := p.Acquire(ctx, "slow.com")
	require.NoError(t, err)
	defer r1()
	defer r2()

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(cctx, "slow.com")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseIdempotent(t *testing.T) {
	t.Parallel()

	p := NewPolicy(fastConfig())
	ctx := context.Background()

	release, err := p.Acquire(ctx, "once.com")
	require.NoError(t, err)
	release()
	release() // must not free a second slot

	r1, err := p.Acquire(ctx, "once.com")
	require.NoError(t, err)
	r2, err := p.Acquire(ctx, "once.com")
	require.NoError(t, err)
	defer r1()
	defer r2()

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(cctx, "once.com")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
