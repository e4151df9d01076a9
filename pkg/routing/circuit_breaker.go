// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"sync"
	"time"

	"github.com/stacklok/svcgateway/pkg/logger"
)

// CircuitState represents the state of a circuit breaker
type CircuitState string

const (
	// CircuitClosed indicates normal operation - requests pass through
	CircuitClosed CircuitState = "closed"
	// CircuitOpen indicates failing state - requests fail immediately
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen indicates recovery testing - one trial request allowed
	CircuitHalfOpen CircuitState = "half_open"
)

// circuitBreaker manages circuit breaker state for a single route.
// Closed → Open → HalfOpen → Closed
//
// While open, nothing is let through until the reset window has elapsed,
// including health probes, so a healthy probe cannot close an open breaker early.
type circuitBreaker struct {
	mu sync.Mutex

	name string
	now  func() time.Time

	state            CircuitState
	failureCount     int
	failureThreshold int
	timeout          time.Duration

	lastStateChange time.Time
	lastFailureTime time.Time

	halfOpenTestInProgress bool
}

// A non-positive threshold disables the breaker.
func newCircuitBreaker(failureThreshold int, timeout time.Duration, name string, now func() time.Time) *circuitBreaker {
	return &circuitBreaker{
		name:             name,
		now:              now,
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		timeout:          timeout,
		lastStateChange:  now(),
	}
}

func (cb *circuitBreaker) enabled() bool {
	return cb.failureThreshold > 0
}

// RecordSuccess resets the failure count and closes the breaker.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	previousState := cb.state
	cb.failureCount = 0
	cb.halfOpenTestInProgress = false

	if cb.state != CircuitClosed {
		cb.state = CircuitClosed
		cb.lastStateChange = cb.now()

		if previousState == CircuitHalfOpen {
			logger.Infof("Circuit breaker for service %s CLOSED (recovery successful)", cb.name)
		}
	}
}

// RecordFailure increments the failure count and opens the breaker once the
// threshold is reached. A failed half-open trial re-opens it.
func (cb *circuitBreaker) RecordFailure() {
	if !cb.enabled() {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()
	cb.halfOpenTestInProgress = false

	switch {
	case cb.state == CircuitClosed && cb.failureCount >= cb.failureThreshold:
		cb.state = CircuitOpen
		cb.lastStateChange = cb.now()
		logger.Warnf("Circuit breaker for service %s OPENED (threshold exceeded)", cb.name)
	case cb.state == CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.lastStateChange = cb.now()
		logger.Warnf("Circuit breaker for service %s returned to OPEN from half-open (recovery failed)", cb.name)
	}
}

// CanAttempt reports whether an operation may proceed. Once the reset window
// of an open breaker has elapsed, the first caller gets the half-open trial.
func (cb *circuitBreaker) CanAttempt() bool {
	if !cb.enabled() {
		return true
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if cb.now().Sub(cb.lastStateChange) >= cb.timeout {
			cb.state = CircuitHalfOpen
			cb.lastStateChange = cb.now()
			cb.halfOpenTestInProgress = true
			return true
		}
		return false

	case CircuitHalfOpen:
		if cb.halfOpenTestInProgress {
			return false
		}
		cb.halfOpenTestInProgress = true
		return true

	default:
		return false
	}
}

// Rejecting reports whether the breaker would refuse an attempt right now,
// without consuming the half-open trial.
func (cb *circuitBreaker) Rejecting() bool {
	if !cb.enabled() {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		return cb.now().Sub(cb.lastStateChange) < cb.timeout
	case CircuitHalfOpen:
		return cb.halfOpenTestInProgress
	default:
		return false
	}
}

// abandonTrial frees a half-open trial that ended without an outcome.
func (cb *circuitBreaker) abandonTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.halfOpenTestInProgress = false
	}
}

// Snapshot returns an immutable copy of the breaker state.
func (cb *circuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerSnapshot{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		LastStateChange: cb.lastStateChange,
		LastFailureTime: cb.lastFailureTime,
	}
}

// BreakerSnapshot is an immutable snapshot of circuit breaker state.
type BreakerSnapshot struct {
	State           CircuitState `json:"state"`
	FailureCount    int          `json:"failureCount"`
	LastStateChange time.Time    `json:"lastStateChange"`
	LastFailureTime time.Time    `json:"lastFailureTime,omitempty"`
}
