// Package ratelimit governs outbound call frequency to remote services.
//
// Two interchangeable algorithms are provided: a token bucket that allows
// bursts up to its capacity, and a sliding window that caps the number of
// calls inside a rolling interval. Adaptive wraps either one and moves the
// effective rate toward what the remote service tolerates.
package ratelimit

import (
	"context"
	"time"
)

// Limiter is implemented by both algorithms
type Limiter interface {
	// TryAcquire takes one permit without waiting
	TryAcquire() bool
	// Wait blocks until a permit is available or ctx is done
	Wait(ctx context.Context) error
	// Rate returns the permitted calls per second
	Rate() float64
	// SetRate changes the permitted calls per second
	SetRate(rate float64)
}

// Stats describes a limiter for status output
type Stats struct {
	Type      string  `json:"type"`
	Rate      float64 `json:"rate"`
	Capacity  float64 `json:"capacity,omitempty"`
	Available float64 `json:"available,omitempty"`
	InWindow  int     `json:"in_window,omitempty"`
	Window    string  `json:"window,omitempty"`
}

// minPoll bounds busy waiting when a limiter reports no wait but still refuses
const minPoll = 5 * time.Millisecond

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
