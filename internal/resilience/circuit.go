package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ethanolivertroy/cvechain/internal/faults"
	"github.com/ethanolivertroy/cvechain/internal/models"
)

// CircuitState is the breaker state
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a CircuitBreaker
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// BreakerConfigFrom converts the TOML circuit_breaker section
func BreakerConfigFrom(c models.CircuitBreakerConfig) BreakerConfig {
	return BreakerConfig{
		FailureThreshold: c.FailureThreshold,
		RecoveryTimeout:  c.RecoveryTimeout,
	}
}

// BreakerStats is a snapshot for status output
type BreakerStats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	LastFailure     time.Time `json:"last_failure,omitzero"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
}

// StateObserver is told about transitions and rejections, e.g. for metrics
type StateObserver interface {
	StateChanged(name string, state CircuitState)
	Rejected(name string)
}

// CircuitBreaker fails fast once FailureThreshold consecutive failures have
// been seen, then admits a single trial call after RecoveryTimeout.
// Safe for concurrent use; one instance is shared by every caller of a
// guarded operation class.
type CircuitBreaker struct {
	name     string
	cfg      BreakerConfig
	logger   *zap.Logger
	observer StateObserver
	now      func() time.Time

	mu            sync.Mutex
	state         CircuitState
	failures      int
	lastFailure   time.Time
	trialInFlight bool

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Name returns the guarded operation class
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// allow decides whether a call may proceed. trial is true for the single
// half-open trial call.
func (cb *CircuitBreaker) allow() (ok bool, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	switch cb.state {
	case StateClosed:
		return true, false
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.cfg.RecoveryTimeout {
			cb.transition(StateHalfOpen)
			cb.trialInFlight = true
			return true, true
		}
	case StateHalfOpen:
		if !cb.trialInFlight {
			cb.trialInFlight = true
			return true, true
		}
	}

	cb.totalRejections++
	if cb.observer != nil {
		cb.observer.Rejected(cb.name)
	}
	return false, false
}

// record applies the outcome of an admitted call
func (cb *CircuitBreaker) record(err error, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialInFlight = false
	}

	if err == nil {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
		}
		return
	}

	cb.totalFailures++
	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen)
	case StateClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
	}
}

// transition changes state. Must be called with lock held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to

	cb.logger.Info("Circuit breaker state change",
		zap.String("breaker", cb.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("failures", cb.failures),
	)
	if cb.observer != nil {
		cb.observer.StateChanged(cb.name, to)
	}
}

// Execute runs fn unless the breaker is open, in which case it returns
// faults.ErrCircuitOpen without calling fn. Context cancellation is not
// counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	ok, trial := cb.allow()
	if !ok {
		return faults.ErrCircuitOpen
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		cb.mu.Lock()
		if trial {
			cb.trialInFlight = false
		}
		cb.mu.Unlock()
		return err
	}
	cb.record(err, trial)
	return err
}

// Stats returns a snapshot of the breaker
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerStats{
		Name:            cb.name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		LastFailure:     cb.lastFailure,
		TotalCalls:      cb.totalCalls,
		TotalFailures:   cb.totalFailures,
		TotalRejections: cb.totalRejections,
	}
}

// Reset closes the breaker and clears its failure count
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.lastFailure = time.Time{}
	cb.trialInFlight = false
	cb.transition(StateClosed)
}

// BreakerRegistry hands out one breaker per operation class
type BreakerRegistry struct {
	cfg      BreakerConfig
	logger   *zap.Logger
	observer StateObserver
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates an empty registry. observer may be nil.
func NewBreakerRegistry(cfg BreakerConfig, logger *zap.Logger, observer StateObserver) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg,
		logger:   logger,
		observer: observer,
		now:      time.Now,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, r.cfg, r.logger)
	cb.observer = r.observer
	cb.now = r.now
	if r.observer != nil {
		r.observer.StateChanged(name, StateClosed)
	}
	r.breakers[name] = cb
	return cb
}

// Stats returns a snapshot of every breaker, ordered by name
func (r *BreakerRegistry) Stats() []BreakerStats {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	sort.Slice(breakers, func(i, j int) bool { return breakers[i].name < breakers[j].name })
	out := make([]BreakerStats, len(breakers))
	for i, cb := range breakers {
		out[i] = cb.Stats()
	}
	return out
}
