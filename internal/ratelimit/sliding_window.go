package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// SlidingWindow admits at most rate*window calls in any rolling window
type SlidingWindow struct {
	mu       sync.Mutex
	rate     float64
	window   time.Duration
	requests []time.Time // ascending
	now      func() time.Time
}

// NewSlidingWindow creates a window limiter allowing rate calls per second
// averaged over window
func NewSlidingWindow(rate float64, window time.Duration) *SlidingWindow {
	return newSlidingWindow(rate, window, time.Now)
}

func newSlidingWindow(rate float64, window time.Duration, now func() time.Time) *SlidingWindow {
	if window <= 0 {
		window = time.Second
	}
	return &SlidingWindow{
		rate:   rate,
		window: window,
		now:    now,
	}
}

// limit is the number of calls allowed per window, never below one
func (w *SlidingWindow) limit() int {
	return int(math.Max(1, math.Floor(w.rate*w.window.Seconds())))
}

// prune drops timestamps that left the window. Must be called with lock held.
func (w *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.requests) && !w.requests[i].After(cutoff) {
		i++
	}
	w.requests = w.requests[i:]
}

// TryAcquire records a call if the window has room
func (w *SlidingWindow) TryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)
	if len(w.requests) < w.limit() {
		w.requests = append(w.requests, now)
		return true
	}
	return false
}

// WaitTime returns how long until the window has room, 0 if it has room now
func (w *SlidingWindow) WaitTime() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)
	if len(w.requests) < w.limit() {
		return 0
	}
	return w.requests[0].Add(w.window).Sub(now)
}

// Wait blocks until a call has been recorded for the caller
func (w *SlidingWindow) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.TryAcquire() {
			return nil
		}
		d := w.WaitTime()
		if d < minPoll {
			d = minPoll
		}
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
}

// Rate returns the permitted calls per second
func (w *SlidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rate
}

// SetRate changes the permitted calls per second
func (w *SlidingWindow) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rate = rate
}

// Stats returns the current window state
func (w *SlidingWindow) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(w.now())
	return Stats{
		Type:     "sliding_window",
		Rate:     w.rate,
		Capacity: float64(w.limit()),
		InWindow: len(w.requests),
		Window:   w.window.String(),
	}
}
