// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCircuitBreaker_InitialState(t *testing.T) {
	t.Parallel()

	cb := newCircuitBreaker(5, time.Minute, "billing", time.Now)

	assert.Equal(t, CircuitClosed, cb.Snapshot().State)
	assert.True(t, cb.CanAttempt())
	assert.False(t, cb.Rejecting())
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := newCircuitBreaker(3, time.Minute, "billing", clock.Now)

	for range 2 {
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.Snapshot().State)
	}
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.Snapshot().State)
	assert.True(t, cb.Rejecting())
	assert.False(t, cb.CanAttempt())

	clock.Advance(59 * time.Second)
	assert.False(t, cb.CanAttempt())

	clock.Advance(time.Second)
	assert.False(t, cb.Rejecting(), "peeking must not consume the trial")
	assert.True(t, cb.CanAttempt())
	assert.Equal(t, CircuitHalfOpen, cb.Snapshot().State)
	assert.False(t, cb.CanAttempt(), "only one trial at a time")

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.Snapshot().State)

	clock.Advance(time.Minute)
	assert.True(t, cb.CanAttempt())
	cb.RecordSuccess()
	snap := cb.Snapshot()
	assert.Equal(t, CircuitClosed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()

	cb := newCircuitBreaker(3, time.Minute, "billing", time.Now)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.Snapshot().State)
}

func TestCircuitBreaker_AbandonTrial(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := newCircuitBreaker(1, time.Second, "billing", clock.Now)
	cb.RecordFailure()
	clock.Advance(time.Second)

	assert.True(t, cb.CanAttempt())
	cb.abandonTrial()
	assert.Equal(t, CircuitHalfOpen, cb.Snapshot().State)
	assert.True(t, cb.CanAttempt(), "abandoned trial is handed to the next caller")
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	t.Parallel()

	cb := newCircuitBreaker(0, time.Minute, "billing", time.Now)
	for range 10 {
		cb.RecordFailure()
	}
	assert.True(t, cb.CanAttempt())
	assert.Equal(t, CircuitClosed, cb.Snapshot().State)
}

func TestCircuitBreaker_ConcurrentHalfOpen(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := newCircuitBreaker(1, time.Second, "billing", clock.Now)
	cb.RecordFailure()
	clock.Advance(time.Second)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.CanAttempt() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), allowed.Load())
}
