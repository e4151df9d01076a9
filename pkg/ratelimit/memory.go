// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often MemoryStore sweeps stale entries.
const DefaultCleanupInterval = time.Minute

type memoryEntry struct {
	count        int
	windowStart  time.Time
	resetAt      time.Time
	blockedUntil time.Time
}

// MemoryStore keeps counters in process memory. It is correct for a single
// gateway instance only.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a MemoryStore and starts its background cleanup goroutine.
// Call Close to stop it.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:         make(map[string]*memoryEntry),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes entries whose window and block have both elapsed.
func (s *MemoryStore) cleanupExpired() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if now.After(e.resetAt) && !now.Before(e.blockedUntil) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// CheckAndIncrement implements Limiter.
func (s *MemoryStore) CheckAndIncrement(_ context.Context, key string, policy Policy) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if ok && now.Before(e.blockedUntil) {
		return newDecision(policy, e.count, e.blockedUntil, true, e.blockedUntil.Sub(now)), nil
	}
	if !ok || now.After(e.resetAt) {
		e = &memoryEntry{windowStart: now, resetAt: now.Add(policy.Window)}
		s.entries[key] = e
	}

	e.count++
	if e.count <= policy.MaxRequests {
		return newDecision(policy, e.count, e.resetAt, false, 0), nil
	}

	if policy.BlockDuration > 0 {
		e.blockedUntil = now.Add(policy.BlockDuration)
		return newDecision(policy, e.count, e.blockedUntil, true, policy.BlockDuration), nil
	}
	return newDecision(policy, e.count, e.resetAt, true, e.resetAt.Sub(now)), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || (now.After(e.resetAt) && !now.Before(e.blockedUntil)) {
		return nil, ErrRecordNotFound
	}
	rec := &Record{
		Key:         key,
		WindowStart: e.windowStart,
		WindowEnd:   e.resetAt,
		Count:       e.count,
		Blocked:     now.Before(e.blockedUntil),
	}
	if rec.Blocked {
		rec.BlockedUntil = e.blockedUntil
	}
	return rec, nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
