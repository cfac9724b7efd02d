// Package resiliency wraps calls to external collaborators with a circuit
// breaker and bounded retries so a degraded downstream cannot cascade into
// the orchestrator.
package resiliency

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting the downstream.
var ErrCircuitOpen = errors.New("resiliency: circuit breaker open")

// CircuitBreaker trips open after a threshold of consecutive failures,
// fails fast during a cooldown, then half-opens to probe recovery.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        BreakerState
	clock        func() time.Time
	onTransition func(name string, state BreakerState)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		clock:        time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// OnTransition registers a callback fired on every state change, used for
// metrics.
func (cb *CircuitBreaker) OnTransition(fn func(name string, state BreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTransition = fn
}

// Name returns the breaker's collaborator name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow reports whether a call may proceed. An open breaker past its
// cooldown moves to half-open and admits a single probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.clock().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.transition(StateHalfOpen)
			return true
		}
		return false
	}
	return true
}

// Success records a successful call, closing the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
	cb.failureCount = 0
}

// Failure records a failed call. A half-open probe failure re-opens
// immediately; otherwise the breaker opens at the failure threshold.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.clock()
	if cb.state == StateHalfOpen || cb.failureCount >= cb.threshold {
		if cb.state != StateOpen {
			cb.transition(StateOpen)
		}
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(next BreakerState) {
	cb.state = next
	if cb.onTransition != nil {
		cb.onTransition(cb.name, next)
	}
}
