package resilience

import (
	"context"

	"github.com/ethanolivertroy/cvechain/internal/metrics"
)

// Guard composes a retry manager around a circuit breaker: every attempt
// made by the retry loop passes through the breaker, so an open circuit ends
// the loop immediately.
type Guard struct {
	retry   *RetryManager
	breaker *CircuitBreaker
}

// NewGuard builds the chain. Either part may be nil.
func NewGuard(retry *RetryManager, breaker *CircuitBreaker) *Guard {
	return &Guard{retry: retry, breaker: breaker}
}

// Breaker returns the inner breaker
func (g *Guard) Breaker() *CircuitBreaker {
	return g.breaker
}

// Do runs fn as the innermost call: retry(breaker(fn))
func (g *Guard) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	inner := fn
	if g.breaker != nil {
		inner = func(ctx context.Context) error {
			return g.breaker.Execute(ctx, fn)
		}
	}
	if g.retry == nil {
		return inner(ctx)
	}
	return g.retry.Do(ctx, name, inner)
}

// MetricsObserver reports breaker transitions and rejections to m
type MetricsObserver struct {
	M *metrics.Metrics
}

// StateChanged sets the circuit state gauge
func (o MetricsObserver) StateChanged(name string, state CircuitState) {
	o.M.CircuitState.WithLabelValues(name).Set(float64(state))
}

// Rejected counts a fail-fast rejection
func (o MetricsObserver) Rejected(name string) {
	o.M.CircuitRejections.WithLabelValues(name).Inc()
}
