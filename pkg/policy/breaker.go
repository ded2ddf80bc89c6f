// Package policy gates actions through an external declarative policy
// evaluator. The gate is the single fail-closed chokepoint of the
// pipeline: a failure to reach the evaluator is always translated into a
// denying decision, never an error.
package policy

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker's explicit three-state machine.
// A boolean flag cannot express half-open, which must admit exactly one
// probing call rather than a burst.
type BreakerState int

const (
	// BreakerClosed is normal operation; evaluator calls flow through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls locally until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen admits a single probe to test recovery.
	BreakerHalfOpen
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Breaker tracks consecutive evaluator failures. closed -> open after
// FailureThreshold consecutive failures; open -> half-open after
// Cooldown; half-open -> closed on the probe's success, half-open ->
// open on its failure. Process-wide state behind a single mutex; inject
// one shared Gate rather than constructing per caller.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	failureThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	probeInFlight    bool
	clock            func() time.Time
}

// NewBreaker creates a closed breaker. threshold <= 0 defaults to 5;
// cooldown <= 0 defaults to 30s.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		state:            BreakerClosed,
		failureThreshold: threshold,
		cooldown:         cooldown,
		clock:            time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// Allow reports whether a call may proceed. In half-open it admits
// exactly one probe; concurrent callers are rejected until the probe
// resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.clock().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probeInFlight = true
		return true
	case BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess resets the breaker after a well-formed evaluator
// response.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probeInFlight = false
}

// RecordFailure counts a transport error, timeout, or malformed
// response. The half-open probe failing reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.clock()
		b.probeInFlight = false
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.clock()
		}
	case BreakerOpen:
		// Already open; nothing to count.
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
