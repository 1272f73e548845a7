package ratelimit

import (
	"sort"
	"sync"
	"time"

	"github.com/ethanolivertroy/cvechain/internal/models"
)

// Registry hands out one limiter per named resource
type Registry struct {
	mu       sync.Mutex
	cfg      models.RateLimitConfig
	limiters map[string]*Adaptive
	now      func() time.Time
}

// NewRegistry creates a registry building limiters from cfg
func NewRegistry(cfg models.RateLimitConfig) *Registry {
	return &Registry{
		cfg:      cfg,
		limiters: make(map[string]*Adaptive),
		now:      time.Now,
	}
}

// Get returns the limiter for name, creating it on first use. A positive
// Burst selects a token bucket, otherwise a sliding window.
func (r *Registry) Get(name string) *Adaptive {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[name]; ok {
		return l
	}

	var inner Limiter
	if r.cfg.Burst > 0 {
		inner = newTokenBucket(r.cfg.CallsPerSecond, r.cfg.Burst, r.now)
	} else {
		inner = newSlidingWindow(r.cfg.CallsPerSecond, r.cfg.Window, r.now)
	}

	cfg := AdaptiveConfig{
		MinRate:        r.cfg.MinCallsPerSec,
		MaxRate:        r.cfg.MaxCallsPerSec,
		IncreaseFactor: r.cfg.IncreaseFactor,
		BackoffFactor:  r.cfg.BackoffFactor,
	}
	if r.cfg.DisableAdaptive {
		rate := r.cfg.CallsPerSecond
		cfg = AdaptiveConfig{MinRate: rate, MaxRate: rate, IncreaseFactor: 1, BackoffFactor: 0.5}
	}

	l := NewAdaptive(inner, cfg)
	r.limiters[name] = l
	return l
}

// Stats returns the state of every limiter created so far, keyed by name
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	names := make([]string, 0, len(r.limiters))
	for name := range r.limiters {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]Stats, len(names))
	for _, name := range names {
		switch l := r.Get(name).Limiter.(type) {
		case *TokenBucket:
			out[name] = l.Stats()
		case *SlidingWindow:
			out[name] = l.Stats()
		}
	}
	return out
}
