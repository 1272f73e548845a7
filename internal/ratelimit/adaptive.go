package ratelimit

import (
	"math"
	"sync"

	"github.com/ethanolivertroy/cvechain/internal/faults"
)

// AdaptiveConfig bounds how an Adaptive limiter moves its rate
type AdaptiveConfig struct {
	MinRate        float64
	MaxRate        float64
	IncreaseFactor float64 // applied after a success
	BackoffFactor  float64 // applied after a rate-limit or network failure
}

// Adaptive wraps a Limiter and adjusts its rate from call outcomes
type Adaptive struct {
	Limiter

	mu  sync.Mutex
	cfg AdaptiveConfig
}

// NewAdaptive wraps inner. Zero factors default to 1.1 and 0.5.
func NewAdaptive(inner Limiter, cfg AdaptiveConfig) *Adaptive {
	if cfg.IncreaseFactor <= 0 {
		cfg.IncreaseFactor = 1.1
	}
	if cfg.BackoffFactor <= 0 || cfg.BackoffFactor >= 1 {
		cfg.BackoffFactor = 0.5
	}
	if cfg.MinRate <= 0 {
		cfg.MinRate = inner.Rate()
	}
	if cfg.MaxRate < cfg.MinRate {
		cfg.MaxRate = cfg.MinRate
	}
	return &Adaptive{Limiter: inner, cfg: cfg}
}

// Record feeds the outcome of a call back into the limiter. Nil speeds up,
// network and rate-limit failures slow down, anything else is ignored.
func (a *Adaptive) Record(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rate := a.Limiter.Rate()
	switch {
	case err == nil:
		rate = math.Min(a.cfg.MaxRate, rate*a.cfg.IncreaseFactor)
	case faults.IsNetwork(err):
		rate = math.Max(a.cfg.MinRate, rate*a.cfg.BackoffFactor)
	default:
		return
	}
	a.Limiter.SetRate(rate)
}

