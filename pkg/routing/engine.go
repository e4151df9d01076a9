// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package routing owns the service registry: route lookup, target selection,
// upstream health and per-route circuit breaking.
//
// The registry is copy-on-write. Readers load an immutable snapshot through an
// atomic pointer and never block on writers; a request that already resolved
// a route keeps using it even if the route is replaced mid-flight.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrRouteNotFound is returned when no route matches.
	ErrRouteNotFound = errors.New("route not found")

	// ErrMethodNotAllowed is returned when the route does not accept the method.
	ErrMethodNotAllowed = errors.New("method not allowed")

	// ErrServiceUnavailable is returned when the route is unhealthy, disabled or its breaker is open.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrInvalidRoute is returned when a route cannot be registered.
	ErrInvalidRoute = errors.New("invalid route")
)

// TargetHealth is the probe state of one target.
type TargetHealth struct {
	URL      string `json:"url"`
	Healthy  bool   `json:"healthy"`
	InFlight int64  `json:"inFlight"`
}

// HealthState is the observed health of a route.
type HealthState struct {
	Healthy             bool            `json:"healthy"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	LastCheckedAt       time.Time       `json:"lastCheckedAt,omitempty"`
	Targets             []TargetHealth  `json:"targets"`
	Breaker             BreakerSnapshot `json:"breaker"`
}

type routeEntry struct {
	route   *Route
	breaker *circuitBreaker

	rr       atomic.Uint64
	inflight []atomic.Int64

	mu            sync.Mutex
	healthy       bool
	targetHealthy []bool
	failures      int
	lastCheckedAt time.Time
}

func newRouteEntry(r *Route, now func() time.Time) *routeEntry {
	e := &routeEntry{
		route:         r,
		breaker:       newCircuitBreaker(r.CircuitBreaker.Threshold, r.CircuitBreaker.ResetWindow, r.Name, now),
		inflight:      make([]atomic.Int64, len(r.Targets)),
		healthy:       true,
		targetHealthy: make([]bool, len(r.Targets)),
	}
	for i := range e.targetHealthy {
		e.targetHealthy[i] = true
	}
	return e
}

// candidates returns the indexes of targets eligible for selection.
func (e *routeEntry) candidates() []int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.healthy {
		return nil
	}
	out := make([]int, 0, len(e.targetHealthy))
	for i, ok := range e.targetHealthy {
		if ok {
			out = append(out, i)
		}
	}
	return out
}

func (e *routeEntry) isHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

func (e *routeEntry) snapshot() HealthState {
	e.mu.Lock()
	state := HealthState{
		Healthy:             e.healthy,
		ConsecutiveFailures: e.failures,
		LastCheckedAt:       e.lastCheckedAt,
		Targets:             make([]TargetHealth, len(e.route.Targets)),
	}
	for i, t := range e.route.Targets {
		state.Targets[i] = TargetHealth{
			URL:      t.URL.String(),
			Healthy:  e.targetHealthy[i],
			InFlight: e.inflight[i].Load(),
		}
	}
	e.mu.Unlock()

	state.Breaker = e.breaker.Snapshot()
	return state
}

type registry struct {
	byName map[string]*routeEntry

	// ordered is sorted by descending prefix length, then name, so the first
	// match is the longest prefix.
	ordered []*routeEntry
}

func newRegistry(entries map[string]*routeEntry) *registry {
	ordered := make([]*routeEntry, 0, len(entries))
	for _, e := range entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		pi, pj := ordered[i].route.PathPrefix, ordered[j].route.PathPrefix
		if len(pi) != len(pj) {
			return len(pi) > len(pj)
		}
		return ordered[i].route.Name < ordered[j].route.Name
	})
	return &registry{byName: entries, ordered: ordered}
}

// Engine is the routing registry.
type Engine struct {
	// mu serialises writers; readers only load reg.
	mu  sync.Mutex
	reg atomic.Pointer[registry]

	listeners []func([]*Route)

	now  func() time.Time
	intN func(int) int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source used by circuit breakers and health state.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithRandom overrides the source used by weighted selection. intN must return
// a value in [0, n).
func WithRandom(intN func(n int) int) EngineOption {
	return func(e *Engine) {
		e.intN = intN
	}
}

// NewEngine creates an empty Engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		now:  time.Now,
		intN: rand.IntN,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.reg.Store(newRegistry(map[string]*routeEntry{}))
	return e
}

// Subscribe registers fn to receive the full route set after every change.
func (e *Engine) Subscribe(fn func([]*Route)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func validateRoute(r *Route) error {
	if r == nil || r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRoute)
	}
	if len(r.Targets) == 0 {
		return fmt.Errorf("%w: service %s has no targets", ErrInvalidRoute, r.Name)
	}
	if r.Strategy == StrategySingle && len(r.Targets) > 1 {
		return fmt.Errorf("%w: service %s uses strategy single with %d targets", ErrInvalidRoute, r.Name, len(r.Targets))
	}
	for _, t := range r.Targets {
		if t.URL == nil || t.URL.Host == "" {
			return fmt.Errorf("%w: service %s has a target without host", ErrInvalidRoute, r.Name)
		}
		if r.Strategy == StrategyWeighted && t.Weight < 1 {
			return fmt.Errorf("%w: service %s has a target with weight %d", ErrInvalidRoute, r.Name, t.Weight)
		}
	}
	return nil
}

// swap installs next and notifies listeners. Caller holds e.mu.
func (e *Engine) swap(next map[string]*routeEntry) {
	reg := newRegistry(next)
	e.reg.Store(reg)

	routes := routesOf(reg)
	for _, fn := range e.listeners {
		fn(routes)
	}
}

// AddRoute registers r, replacing any route with the same name together with
// its health and breaker state.
func (e *Engine) AddRoute(r *Route) error {
	if err := validateRoute(r); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.reg.Load()
	next := make(map[string]*routeEntry, len(current.byName)+1)
	for name, entry := range current.byName {
		next[name] = entry
	}
	next[r.Name] = newRouteEntry(r, e.now)
	e.swap(next)
	return nil
}

// RemoveRoute unregisters the route called name.
func (e *Engine) RemoveRoute(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.reg.Load()
	if _, ok := current.byName[name]; !ok {
		return fmt.Errorf("%w: %s", ErrRouteNotFound, name)
	}
	next := make(map[string]*routeEntry, len(current.byName))
	for n, entry := range current.byName {
		if n != name {
			next[n] = entry
		}
	}
	e.swap(next)
	return nil
}

// ReplaceRoutes atomically replaces the whole registry. Routes passed back
// unchanged (the same pointer) keep their health and breaker state.
func (e *Engine) ReplaceRoutes(routes []*Route) error {
	for _, r := range routes {
		if err := validateRoute(r); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.reg.Load()
	next := make(map[string]*routeEntry, len(routes))
	for _, r := range routes {
		if _, dup := next[r.Name]; dup {
			return fmt.Errorf("%w: duplicate service %s", ErrInvalidRoute, r.Name)
		}
		if existing, ok := current.byName[r.Name]; ok && existing.route == r {
			next[r.Name] = existing
			continue
		}
		next[r.Name] = newRouteEntry(r, e.now)
	}
	e.swap(next)
	return nil
}

func routesOf(reg *registry) []*Route {
	routes := make([]*Route, 0, len(reg.byName))
	for _, entry := range reg.byName {
		routes = append(routes, entry.route)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Name < routes[j].Name })
	return routes
}

// Routes returns the registered routes ordered by name.
func (e *Engine) Routes() []*Route {
	return routesOf(e.reg.Load())
}

// Lookup returns the route registered under slug.
func (e *Engine) Lookup(slug string) (*Route, error) {
	entry, ok := e.reg.Load().byName[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, slug)
	}
	return entry.route, nil
}

// FindRoute returns the enabled route with the longest prefix matching path.
func (e *Engine) FindRoute(method, path string) (*Route, error) {
	for _, entry := range e.reg.Load().ordered {
		r := entry.route
		if !r.Enabled || !r.matches(path) {
			continue
		}
		if !r.AllowsMethod(method) {
			return nil, fmt.Errorf("%w: %s %s", ErrMethodNotAllowed, method, r.Name)
		}
		if !entry.isHealthy() || entry.breaker.Rejecting() {
			return nil, fmt.Errorf("%w: %s", ErrServiceUnavailable, r.Name)
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, path)
}

// Lease is a selected target. Release must be called exactly once when the
// upstream exchange is over.
type Lease struct {
	URL *url.URL

	entry    *routeEntry
	index    int
	released atomic.Bool
}

// Release returns the target and reports the outcome to the route breaker.
// A nil err counts as success; a cancelled context is neither.
func (l *Lease) Release(err error) {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	l.entry.inflight[l.index].Add(-1)

	switch {
	case err == nil:
		l.entry.breaker.RecordSuccess()
	case errors.Is(err, context.Canceled):
		l.entry.breaker.abandonTrial()
	default:
		l.entry.breaker.RecordFailure()
	}
}

// SelectTarget picks a target of route according to its strategy. Selection
// uses the current registration of the route name.
func (e *Engine) SelectTarget(route *Route) (*Lease, error) {
	entry, ok := e.reg.Load().byName[route.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, route.Name)
	}
	if !entry.route.Enabled {
		return nil, fmt.Errorf("%w: %s is disabled", ErrServiceUnavailable, route.Name)
	}

	candidates := entry.candidates()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s has no healthy target", ErrServiceUnavailable, route.Name)
	}
	if !entry.breaker.CanAttempt() {
		return nil, fmt.Errorf("%w: circuit open for %s", ErrServiceUnavailable, route.Name)
	}

	idx := e.pick(entry, candidates)
	entry.inflight[idx].Add(1)
	return &Lease{URL: entry.route.Targets[idx].URL, entry: entry, index: idx}, nil
}

func (e *Engine) pick(entry *routeEntry, candidates []int) int {
	switch entry.route.Strategy {
	case StrategyRoundRobin:
		n := entry.rr.Add(1) - 1
		return candidates[n%uint64(len(candidates))]

	case StrategyWeighted:
		total := 0
		for _, i := range candidates {
			total += entry.route.Targets[i].Weight
		}
		draw := e.intN(total)
		for _, i := range candidates {
			draw -= entry.route.Targets[i].Weight
			if draw < 0 {
				return i
			}
		}
		return candidates[len(candidates)-1]

	case StrategyLeastConnections:
		best := candidates[0]
		bestLoad := entry.inflight[best].Load()
		for _, i := range candidates[1:] {
			if load := entry.inflight[i].Load(); load < bestLoad {
				best, bestLoad = i, load
			}
		}
		return best

	default:
		return candidates[0]
	}
}

// HealthSnapshot returns the health of every route keyed by name.
func (e *Engine) HealthSnapshot() map[string]HealthState {
	reg := e.reg.Load()
	out := make(map[string]HealthState, len(reg.byName))
	for name, entry := range reg.byName {
		out[name] = entry.snapshot()
	}
	return out
}

// probeResult is the outcome of probing every target of a route once.
type probeResult struct {
	healthyTargets []bool
}

func (p probeResult) anyHealthy() bool {
	for _, ok := range p.healthyTargets {
		if ok {
			return true
		}
	}
	return false
}

// recordProbe applies a probe round to route. It reports the route health
// before and after, and ok=false if route is no longer registered.
func (e *Engine) recordProbe(route *Route, res probeResult) (was, now bool, failures int, ok bool) {
	entry, found := e.reg.Load().byName[route.Name]
	if !found || entry.route != route {
		return false, false, 0, false
	}

	healthy := res.anyHealthy()
	if healthy {
		entry.breaker.RecordSuccess()
	} else {
		entry.breaker.RecordFailure()
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	was = entry.healthy
	copy(entry.targetHealthy, res.healthyTargets)
	entry.healthy = healthy
	entry.lastCheckedAt = e.now()
	if healthy {
		entry.failures = 0
	} else {
		entry.failures++
	}
	return was, healthy, entry.failures, true
}

// allowProbe reports whether the route breaker lets a probe through.
func (e *Engine) allowProbe(route *Route) bool {
	entry, found := e.reg.Load().byName[route.Name]
	if !found || entry.route != route {
		return false
	}
	return entry.breaker.CanAttempt()
}

// abandonProbe frees a breaker trial taken by a probe that was cancelled.
func (e *Engine) abandonProbe(route *Route) {
	if entry, found := e.reg.Load().byName[route.Name]; found && entry.route == route {
		entry.breaker.abandonTrial()
	}
}
