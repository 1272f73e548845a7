// Package resilience provides the retry manager, circuit breakers and the
// Guard chain that composes them around remote calls.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/ethanolivertroy/cvechain/internal/faults"
	"github.com/ethanolivertroy/cvechain/internal/models"
)

// Strategy names accepted in RetryConfig.Strategy
const (
	StrategyFixed       = "fixed"
	StrategyExponential = "exponential"
	StrategyLinear      = "linear"
	StrategyRandom      = "random"
)

// jitterFraction is the +/- share of a delay added as noise
const jitterFraction = 0.1

// RetryConfig tunes a RetryManager
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
	Strategy    string
}

// RetryConfigFrom converts the TOML retry section
func RetryConfigFrom(c models.RetryConfig) RetryConfig {
	return RetryConfig{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Multiplier:  c.Multiplier,
		Jitter:      c.Jitter,
		Strategy:    c.Strategy,
	}
}

// Delay returns the pause after the given failed attempt (1-indexed), before
// jitter, capped at MaxDelay. The random strategy draws from [0, base*2^(a-1)].
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(c.BaseDelay)

	var d float64
	switch c.Strategy {
	case StrategyFixed:
		d = base
	case StrategyLinear:
		d = base * float64(attempt)
	case StrategyRandom:
		d = rand.Float64() * base * math.Pow(2, float64(attempt-1))
	default:
		mult := c.Multiplier
		if mult < 1 {
			mult = 1
		}
		d = base * math.Pow(mult, float64(attempt-1))
	}
	return capDelay(d, c.MaxDelay)
}

func capDelay(d float64, max time.Duration) time.Duration {
	if max > 0 && d > float64(max) {
		return max
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// strategyBackOff adapts RetryConfig to backoff.BackOff
type strategyBackOff struct {
	cfg     RetryConfig
	attempt int
}

func (b *strategyBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := b.cfg.Delay(b.attempt)
	if b.cfg.Jitter && d > 0 {
		noise := (rand.Float64()*2 - 1) * jitterFraction * float64(d)
		d = capDelay(float64(d)+noise, b.cfg.MaxDelay)
	}
	return d
}

func (b *strategyBackOff) Reset() {
	b.attempt = 0
}

// RetryManager re-executes failed operations with a configured backoff
type RetryManager struct {
	cfg     RetryConfig
	logger  *zap.Logger
	onRetry func(op string)
}

// RetryOption configures a RetryManager
type RetryOption func(*RetryManager)

// OnRetry registers a hook called once per scheduled retry, e.g. for metrics
func OnRetry(fn func(op string)) RetryOption {
	return func(m *RetryManager) { m.onRetry = fn }
}

// NewRetryManager creates a retry manager. MaxAttempts below one is treated as one.
func NewRetryManager(cfg RetryConfig, logger *zap.Logger, opts ...RetryOption) *RetryManager {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &RetryManager{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the manager's settings
func (m *RetryManager) Config() RetryConfig {
	return m.cfg
}

// Do runs fn up to MaxAttempts times. Errors that faults.IsRetryable rejects,
// and circuit-open rejections, end the loop at once. The last error is
// returned unchanged once attempts are exhausted; after cancellation it is
// joined with the context error.
func (m *RetryManager) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// WithMaxRetries treats zero as unlimited
	var b backoff.BackOff = &backoff.StopBackOff{}
	if m.cfg.MaxAttempts > 1 {
		b = backoff.WithMaxRetries(&strategyBackOff{cfg: m.cfg}, uint64(m.cfg.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if faults.IsCircuitOpen(err) || !faults.IsRetryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		m.logger.Warn("Retrying after failure",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.MaxAttempts),
			zap.Duration("delay", next),
			zap.Error(err),
		)
		if m.onRetry != nil {
			m.onRetry(name)
		}
	}

	err := backoff.RetryNotify(operation, b, notify)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}
