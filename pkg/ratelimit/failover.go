// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/stacklok/svcgateway/pkg/logger"
)

// FailoverLimiter consults a primary limiter and degrades when it fails.
// Degraded requests are either admitted outright (fail open) or counted by the
// fallback limiter.
type FailoverLimiter struct {
	primary    Limiter
	fallback   Limiter
	failOpen   bool
	onDegraded func(error)
	now        func() time.Time

	degraded atomic.Bool
}

var _ Store = (*FailoverLimiter)(nil)

// ErrNotInspectable is returned by Get and Reset when the wrapped limiters
// keep no inspectable state.
var ErrNotInspectable = errors.New("rate limiter state cannot be inspected")

// FailoverOption configures a FailoverLimiter.
type FailoverOption func(*FailoverLimiter)

// WithFallback counts degraded requests in fallback instead of admitting them.
func WithFallback(fallback Limiter) FailoverOption {
	return func(f *FailoverLimiter) {
		f.fallback = fallback
		f.failOpen = false
	}
}

// WithDegradedHook is called for every request served while degraded.
func WithDegradedHook(hook func(error)) FailoverOption {
	return func(f *FailoverLimiter) {
		f.onDegraded = hook
	}
}

// NewFailoverLimiter wraps primary. Without WithFallback it fails open.
func NewFailoverLimiter(primary Limiter, opts ...FailoverOption) *FailoverLimiter {
	f := &FailoverLimiter{
		primary:  primary,
		failOpen: true,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Degraded reports whether the last primary call failed.
func (f *FailoverLimiter) Degraded() bool {
	return f.degraded.Load()
}

// CheckAndIncrement implements Limiter.
func (f *FailoverLimiter) CheckAndIncrement(ctx context.Context, key string, policy Policy) (Decision, error) {
	d, err := f.primary.CheckAndIncrement(ctx, key, policy)
	if err == nil {
		if f.degraded.CompareAndSwap(true, false) {
			logger.Infof("Rate limiter store recovered")
		}
		return d, nil
	}
	if errors.Is(err, ErrInvalidPolicy) || ctx.Err() != nil {
		return Decision{}, err
	}

	if f.degraded.CompareAndSwap(false, true) {
		logger.Warnf("Rate limiter store unavailable, running degraded: %v", err)
	} else {
		logger.Debugf("Rate limiter store still unavailable: %v", err)
	}
	if f.onDegraded != nil {
		f.onDegraded(err)
	}

	if f.failOpen || f.fallback == nil {
		return newDecision(policy, 0, f.now().Add(policy.Window), false, 0), nil
	}
	return f.fallback.CheckAndIncrement(ctx, key, policy)
}

// Get implements Store. The fallback record is returned only while the
// primary store cannot be read.
func (f *FailoverLimiter) Get(ctx context.Context, key string) (*Record, error) {
	primary, ok := f.primary.(Store)
	if !ok {
		return nil, ErrNotInspectable
	}
	rec, err := primary.Get(ctx, key)
	if err == nil || errors.Is(err, ErrRecordNotFound) {
		return rec, err
	}
	if fallback, ok := f.fallback.(Store); ok {
		return fallback.Get(ctx, key)
	}
	return nil, err
}

// Reset implements Store. Both stores are cleared so that a key unblocked
// during an outage stays unblocked once the primary recovers.
func (f *FailoverLimiter) Reset(ctx context.Context, key string) error {
	primary, ok := f.primary.(Store)
	if !ok {
		return ErrNotInspectable
	}
	var errs []error
	if err := primary.Reset(ctx, key); err != nil {
		errs = append(errs, err)
	}
	if fallback, ok := f.fallback.(Store); ok {
		if err := fallback.Reset(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
