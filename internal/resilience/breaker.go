// Package resilience provides the failure-handling primitives shared by the
// relay's remote call paths: a circuit breaker and a classifying retry
// manager. Both are explicitly constructed and injected; there are no
// package-level instances.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/tjfontaine/memchat-relay/internal/domain"
)

// BreakerState is the current mode of a circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the
	// breaker.
	FailureThreshold int `koanf:"failure_threshold"`

	// OpenTimeout is how long the breaker rejects calls before allowing a
	// half-open probe.
	OpenTimeout time.Duration `koanf:"open_timeout"`

	// HalfOpenProbes is the consecutive success count that closes the
	// breaker again.
	HalfOpenProbes int `koanf:"half_open_probes"`
}

// DefaultBreakerConfig returns the stock breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		HalfOpenProbes:   3,
	}
}

// Operation is a guarded remote call.
type Operation func(ctx context.Context) (any, error)

// Fallback produces a degraded result when the breaker rejects a call.
type Fallback func(ctx context.Context) (any, error)

// Breaker is a per-dependency failure tracker shared across concurrent
// requests. State transitions are atomic under the internal mutex; the
// guarded operation itself runs outside the lock so in-flight calls never
// serialize behind each other.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time

	// now is swapped in tests to control the open-timeout clock.
	now func() time.Time
}

// NewBreaker creates a closed breaker guarding the named dependency.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 3
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// State reports the current state. Open breakers whose timeout has elapsed
// still report open until the next call attempt flips them to half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op under the breaker. While open, the wrapped operation is not
// invoked: the fallback result is returned if one is provided, otherwise a
// CircuitOpenError. The first call after OpenTimeout elapses moves the
// breaker to half-open and is allowed through as a probe.
func (b *Breaker) Execute(ctx context.Context, op Operation, fallback Fallback) (any, error) {
	if !b.allow() {
		if fallback != nil {
			return fallback(ctx)
		}
		return nil, &domain.CircuitOpenError{Dependency: b.name}
	}

	result, err := op(ctx)
	if err != nil {
		b.recordFailure()
		return nil, err
	}

	b.recordSuccess()
	return result, nil
}

// allow decides whether a call may proceed, applying the open -> half_open
// transition when the timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.OpenTimeout {
			b.state = StateHalfOpen
			b.successCount = 0
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		// Probe failed: back to open with a fresh timer.
		b.state = StateOpen
		b.successCount = 0
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenProbes {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	}
}
