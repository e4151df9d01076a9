// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-caller, per-service admission control with
// fixed-window counters and sticky blocks.
//
// Two stores satisfy the same Limiter contract: MemoryStore for a single
// gateway instance and RedisStore for a fleet sharing one Redis. FailoverLimiter
// composes them so that an unreachable shared store never takes the gateway down.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NearLimitThreshold is the remaining budget at or below which callers are
// considered close to being blocked.
const NearLimitThreshold = 5

var (
	// ErrInvalidPolicy is returned when a policy has a non-positive window or limit.
	ErrInvalidPolicy = errors.New("invalid rate limit policy")

	// ErrRecordNotFound is returned by Get when no record exists for a key.
	ErrRecordNotFound = errors.New("rate limit record not found")
)

// Policy describes the budget for one key.
type Policy struct {
	// Window is the counting period. The counter resets once it elapses.
	Window time.Duration

	// MaxRequests is the number of requests admitted per window.
	MaxRequests int

	// BlockDuration is how long a key stays blocked after exceeding the limit.
	// Zero means requests are rejected only until the window resets.
	BlockDuration time.Duration
}

// Validate reports whether the policy can be enforced.
func (p Policy) Validate() error {
	if p.Window <= 0 || p.MaxRequests <= 0 || p.BlockDuration < 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// Decision is the outcome of one admission check.
type Decision struct {
	Blocked   bool
	Count     int
	Limit     int
	Remaining int

	// ResetAt is when the budget next becomes available: the end of the
	// window, or the end of the block while blocked.
	ResetAt time.Time

	// RetryAfter is only set when Blocked.
	RetryAfter time.Duration
}

// NearLimit reports whether an admitted request left the caller with
// NearLimitThreshold or fewer requests in the window.
func (d Decision) NearLimit() bool {
	return !d.Blocked && d.Remaining <= NearLimitThreshold
}

func newDecision(p Policy, count int, resetAt time.Time, blocked bool, retryAfter time.Duration) Decision {
	remaining := p.MaxRequests - count
	if remaining < 0 || blocked {
		remaining = 0
	}
	return Decision{
		Blocked:    blocked,
		Count:      count,
		Limit:      p.MaxRequests,
		Remaining:  remaining,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}
}

// Record is a snapshot of the state kept for one key.
type Record struct {
	Key          string    `json:"key"`
	WindowStart  time.Time `json:"windowStart"`
	WindowEnd    time.Time `json:"windowEnd"`
	Count        int       `json:"count"`
	Blocked      bool      `json:"blocked"`
	BlockedUntil time.Time `json:"blockedUntil,omitempty"`
}

// Limiter admits or rejects requests for a key.
type Limiter interface {
	// CheckAndIncrement counts one request against key and reports whether it
	// is admitted. A key that is currently blocked is rejected without being
	// counted.
	CheckAndIncrement(ctx context.Context, key string, policy Policy) (Decision, error)
}

// Store is a Limiter whose state can be inspected and cleared.
type Store interface {
	Limiter

	// Get returns the current record for key or ErrRecordNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// Reset clears the counter and any block for key.
	Reset(ctx context.Context, key string) error
}

// Key builds the limiter key for a caller and a service, optionally narrowed
// to an endpoint.
func Key(callerID, service string, endpoint ...string) string {
	parts := append([]string{callerID, service}, endpoint...)
	return strings.Join(parts, "_")
}

// ExceededError carries the decision that rejected a request so that the
// response layer can render the budget headers.
type ExceededError struct {
	Decision Decision
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: retry after %ds", RetryAfterSeconds(e.Decision))
}
