package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethanolivertroy/cvechain/internal/faults"
	"github.com/ethanolivertroy/cvechain/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTokenBucketStartsFullAndDrains(t *testing.T) {
	clock := newFakeClock()
	b := newTokenBucket(1, 3, clock.Now)

	assert.True(t, b.TryAcquire())
	assert.True(t, b.TryAcquire())
	assert.True(t, b.TryAcquire())
	assert.False(t, b.TryAcquire())

	clock.Advance(time.Second)
	assert.True(t, b.TryAcquire())
	assert.False(t, b.TryAcquire())
}

func TestTokenBucketRefillCapsAtCapacity(t *testing.T) {
	clock := newFakeClock()
	b := newTokenBucket(10, 5, clock.Now)
	require.True(t, b.Acquire(5))

	clock.Advance(time.Hour)
	assert.InDelta(t, 5, b.Stats().Available, 1e-9)
	assert.False(t, b.Acquire(6))
	assert.True(t, b.Acquire(5))
}

func TestTokenBucketDefaultCapacity(t *testing.T) {
	clock := newFakeClock()

	assert.InDelta(t, 10, newTokenBucket(5, 0, clock.Now).Stats().Capacity, 1e-9)
	assert.InDelta(t, 1, newTokenBucket(0.16, 0, clock.Now).Stats().Capacity, 1e-9)
}

func TestTokenBucketWaitForTokens(t *testing.T) {
	clock := newFakeClock()
	b := newTokenBucket(2, 2, clock.Now)

	assert.Equal(t, time.Duration(0), b.WaitForTokens(2))
	assert.Equal(t, time.Second, b.WaitForTokens(2))
	assert.InDelta(t, 0, b.Stats().Available, 1e-9, "tokens never go negative")

	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, b.WaitForTokens(2))
}

func TestTokenBucketWaitHonoursContext(t *testing.T) {
	b := NewTokenBucket(0.001, 1)
	require.True(t, b.TryAcquire())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Wait(ctx), context.Canceled)
}

func TestSlidingWindowLimit(t *testing.T) {
	clock := newFakeClock()
	w := newSlidingWindow(0.5, 4*time.Second, clock.Now)

	assert.True(t, w.TryAcquire())
	clock.Advance(time.Second)
	assert.True(t, w.TryAcquire())
	assert.False(t, w.TryAcquire())
	assert.Equal(t, 3*time.Second, w.WaitTime())

	clock.Advance(3 * time.Second)
	assert.Equal(t, time.Duration(0), w.WaitTime())
	assert.True(t, w.TryAcquire())
	assert.False(t, w.TryAcquire())
}

func TestSlidingWindowAllowsAtLeastOneCall(t *testing.T) {
	clock := newFakeClock()
	w := newSlidingWindow(0.01, time.Second, clock.Now)

	assert.True(t, w.TryAcquire())
	assert.False(t, w.TryAcquire())
	assert.Equal(t, 1, w.Stats().InWindow)
}

func TestSlidingWindowWait(t *testing.T) {
	w := NewSlidingWindow(100, 20*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Wait(ctx))
	}
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestAdaptiveRecord(t *testing.T) {
	clock := newFakeClock()
	a := NewAdaptive(newTokenBucket(1, 1, clock.Now), AdaptiveConfig{
		MinRate:        0.25,
		MaxRate:        1.2,
		IncreaseFactor: 1.1,
		BackoffFactor:  0.5,
	})

	a.Record(nil)
	assert.InDelta(t, 1.1, a.Rate(), 1e-9)
	a.Record(nil)
	assert.InDelta(t, 1.2, a.Rate(), 1e-9, "capped at max")

	a.Record(faults.HTTPStatus("op", 429, 0))
	assert.InDelta(t, 0.6, a.Rate(), 1e-9)
	a.Record(faults.Network("op", errors.New("reset")))
	a.Record(faults.Network("op", errors.New("reset")))
	assert.InDelta(t, 0.25, a.Rate(), 1e-9, "floored at min")

	a.Record(faults.Validation("op", errors.New("bad json")))
	assert.InDelta(t, 0.25, a.Rate(), 1e-9, "validation errors leave the rate alone")
}

func TestRegistrySelectsAlgorithm(t *testing.T) {
	cfg := models.DefaultConfig().RateLimit

	r := NewRegistry(cfg)
	_, ok := r.Get("nvd").Limiter.(*SlidingWindow)
	assert.True(t, ok)
	assert.Same(t, r.Get("nvd"), r.Get("nvd"))

	cfg.Burst = 4
	r = NewRegistry(cfg)
	_, ok = r.Get("nvd").Limiter.(*TokenBucket)
	assert.True(t, ok)

	stats := r.Stats()
	require.Contains(t, stats, "nvd")
	assert.Equal(t, "token_bucket", stats["nvd"].Type)
}

func TestRegistryDisableAdaptive(t *testing.T) {
	cfg := models.DefaultConfig().RateLimit
	cfg.DisableAdaptive = true

	l := NewRegistry(cfg).Get("nvd")
	l.Record(nil)
	l.Record(faults.HTTPStatus("op", 429, 0))
	assert.InDelta(t, cfg.CallsPerSecond, l.Rate(), 1e-9)
}
