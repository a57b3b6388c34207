package rails

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker implements a simple state machine for failure detection.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        BreakerState
	probing      bool // a half-open trial call is in flight
	clock        func() time.Time
}

// NewCircuitBreaker opens after threshold consecutive failures and lets a
// single trial call through once resetTimeout has passed.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
		clock:        time.Now,
	}
}

// Allow reports whether a call may proceed. While half-open only one caller
// at a time is admitted; it must report Success, Failure or Abandon.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.clock().Sub(cb.lastFailure) <= cb.resetTimeout {
			return false
		}
		cb.state = BreakerHalfOpen
		cb.probing = true
		return true
	case BreakerHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failureCount = 0
	cb.probing = false
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	cb.failureCount++
	cb.lastFailure = cb.clock()
	if cb.state == BreakerHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = BreakerOpen
	}
}

// Abandon gives up an admitted call that never reached the rail or whose
// outcome says nothing about rail health. A half-open breaker admits the
// next caller.
func (cb *CircuitBreaker) Abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
