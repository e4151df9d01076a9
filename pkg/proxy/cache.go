// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok/svcgateway/pkg/routing"
)

// Builder constructs the forwarding handler of a route.
type Builder func(route *routing.Route) (http.Handler, error)

// EntryInfo describes one cached handler.
type EntryInfo struct {
	Service   string    `json:"service"`
	CreatedAt time.Time `json:"createdAt"`
}

type generation struct {
	flushes   uint64
	evictions uint64
}

type cacheEntry struct {
	route     *routing.Route
	handler   http.Handler
	createdAt time.Time
}

// Cache memoizes one forwarding handler per service. Concurrent misses for
// the same service share a single build.
type Cache struct {
	build Builder
	ttl   time.Duration
	now   func() time.Time

	// onBuild is called after every successful build.
	onBuild func(service string)

	mu      sync.RWMutex
	entries map[string]*cacheEntry

	// flushes and evictions are bumped by Flush and by Evict of one service.
	// A build is stored only if neither moved while it ran.
	flushes   uint64
	evictions map[string]uint64

	group singleflight.Group
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL expires entries after ttl. Zero keeps entries until evicted.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithCacheClock replaces the clock used for entry expiry.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// WithBuildHook registers fn to run after each handler build.
func WithBuildHook(fn func(service string)) CacheOption {
	return func(c *Cache) {
		c.onBuild = fn
	}
}

// NewCache creates a Cache that builds handlers with build.
func NewCache(build Builder, opts ...CacheOption) *Cache {
	c := &Cache{
		build:   build,
		now:     time.Now,
		entries:   make(map[string]*cacheEntry),
		evictions: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// lookup returns the live entry for route and the generation of its service.
func (c *Cache) lookup(route *routing.Route) (http.Handler, generation) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	gen := generation{flushes: c.flushes, evictions: c.evictions[route.Name]}
	entry, ok := c.entries[route.Name]
	if !ok || entry.route != route {
		return nil, gen
	}
	if c.ttl > 0 && c.now().Sub(entry.createdAt) >= c.ttl {
		return nil, gen
	}
	return entry.handler, gen
}

// Get returns the handler of route, building it on a miss. A cached handler
// built for a previous registration of the same name is replaced.
func (c *Cache) Get(route *routing.Route) (http.Handler, error) {
	if handler, _ := c.lookup(route); handler != nil {
		return handler, nil
	}

	key := fmt.Sprintf("%s@%p", route.Name, route)
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have stored it while we waited.
		handler, gen := c.lookup(route)
		if handler != nil {
			return handler, nil
		}

		slog.Debug("building proxy handler", "service", route.Name)
		handler, err := c.build(route)
		if err != nil {
			return nil, fmt.Errorf("building handler for %s: %w", route.Name, err)
		}
		if c.onBuild != nil {
			c.onBuild(route.Name)
		}

		c.mu.Lock()
		if c.flushes == gen.flushes && c.evictions[route.Name] == gen.evictions {
			c.entries[route.Name] = &cacheEntry{route: route, handler: handler, createdAt: c.now()}
		}
		c.mu.Unlock()
		return handler, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(http.Handler), nil
}

// Evict drops the handler of service and reports whether one was cached.
func (c *Cache) Evict(service string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[service]
	delete(c.entries, service)
	c.evictions[service]++
	return ok
}

// Flush drops every cached handler and returns how many were dropped.
func (c *Cache) Flush() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*cacheEntry)
	c.evictions = make(map[string]uint64)
	c.flushes++
	return n
}

// Entries lists the cached handlers ordered by service.
func (c *Cache) Entries() []EntryInfo {
	c.mu.RLock()
	out := make([]EntryInfo, 0, len(c.entries))
	for name, entry := range c.entries {
		out = append(out, EntryInfo{Service: name, CreatedAt: entry.createdAt})
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
