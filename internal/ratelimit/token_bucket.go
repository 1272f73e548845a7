package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// TokenBucket refills at rate tokens per second up to capacity.
// Refill is computed lazily from the wall-clock time since the last check.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket. A capacity <= 0 defaults to twice the
// rate, with a minimum of one token.
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate float64, capacity int, now func() time.Time) *TokenBucket {
	c := float64(capacity)
	if capacity <= 0 {
		c = math.Max(1, math.Floor(rate*2))
	}
	return &TokenBucket{
		rate:       rate,
		capacity:   c,
		tokens:     c,
		lastUpdate: now(),
		now:        now,
	}
}

// refill adds tokens for the elapsed time. Must be called with lock held.
func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	}
	b.lastUpdate = now
}

// Acquire deducts n tokens if available and reports success. It never waits.
func (b *TokenBucket) Acquire(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// TryAcquire takes a single token without waiting
func (b *TokenBucket) TryAcquire() bool {
	return b.Acquire(1)
}

// WaitForTokens returns how long the caller must wait for n tokens and
// reserves them. The bucket drains to zero, never below.
func (b *TokenBucket) WaitForTokens(n int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	need := float64(n)
	if b.tokens >= need {
		b.tokens -= need
		return 0
	}

	deficit := need - b.tokens
	b.tokens = 0
	return time.Duration(deficit / b.rate * float64(time.Second))
}

// Wait blocks until a token has been reserved for the caller
func (b *TokenBucket) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return sleep(ctx, b.WaitForTokens(1))
}

// Rate returns tokens added per second
func (b *TokenBucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// SetRate changes the refill rate. Tokens accrued so far are kept.
func (b *TokenBucket) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	b.rate = rate
}

// Stats returns the current bucket state
func (b *TokenBucket) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return Stats{
		Type:      "token_bucket",
		Rate:      b.rate,
		Capacity:  b.capacity,
		Available: b.tokens,
	}
}
