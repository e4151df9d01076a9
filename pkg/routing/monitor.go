// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/stacklok/svcgateway/pkg/versions"
)

// MonitorConfig contains configuration for the health monitor.
type MonitorConfig struct {
	// CheckInterval is how often each route is probed. Must be > 0.
	CheckInterval time.Duration

	// ProbeTimeout bounds a single probe request. Must be > 0.
	ProbeTimeout time.Duration

	// Client is used for probes. Defaults to a client without redirects.
	Client *http.Client
}

// DefaultMonitorConfig returns sensible default configuration values.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// Monitor periodically probes the health endpoint of every route that has
// one. Each route is probed from its own goroutine so a slow backend never
// delays the others. The monitor follows registry changes while running.
type Monitor struct {
	engine        *Engine
	client        *http.Client
	checkInterval time.Duration
	probeTimeout  time.Duration

	// routesMu protects routes and activeChecks.
	routesMu     sync.Mutex
	routes       map[string]*Route
	activeChecks map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu protects the started and stopped flags.
	mu      sync.Mutex
	started bool
	stopped bool
}

// NewMonitor creates a health monitor for the routes of engine.
func NewMonitor(engine *Engine, cfg MonitorConfig) (*Monitor, error) {
	if cfg.CheckInterval <= 0 {
		return nil, fmt.Errorf("check interval must be > 0, got %v", cfg.CheckInterval)
	}
	if cfg.ProbeTimeout <= 0 {
		return nil, fmt.Errorf("probe timeout must be > 0, got %v", cfg.ProbeTimeout)
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	m := &Monitor{
		engine:        engine,
		client:        client,
		checkInterval: cfg.CheckInterval,
		probeTimeout:  cfg.ProbeTimeout,
		routes:        make(map[string]*Route),
		activeChecks:  make(map[string]context.CancelFunc),
	}
	engine.Subscribe(m.UpdateRoutes)
	return m, nil
}

// Start begins probing. Returns an error if the monitor is already started
// or has been stopped; a stopped monitor cannot be restarted.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return fmt.Errorf("monitor has been stopped and cannot be restarted")
	}
	if m.started {
		return fmt.Errorf("monitor already started")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	routes := m.engine.Routes()
	slog.Info("Starting health monitor", "services", len(routes), "interval", m.checkInterval)
	m.syncRoutesLocked(routes)
	return nil
}

// Stop cancels all probe goroutines and waits for them to finish.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return fmt.Errorf("monitor not started")
	}
	slog.Info("Stopping health monitor")
	m.cancel()
	m.started = false
	m.stopped = true
	m.mu.Unlock()

	m.wg.Wait()
	slog.Info("Health monitor stopped")
	return nil
}

// UpdateRoutes starts probing new or replaced routes and stops probing
// removed ones. It is a no-op unless the monitor is running.
func (m *Monitor) UpdateRoutes(routes []*Route) {
	// Hold m.mu throughout to prevent race with Stop()
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.stopped {
		return
	}
	m.syncRoutesLocked(routes)
}

func (m *Monitor) syncRoutesLocked(routes []*Route) {
	m.routesMu.Lock()
	defer m.routesMu.Unlock()

	next := make(map[string]*Route, len(routes))
	for _, r := range routes {
		if r.HealthCheckPath != "" {
			next[r.Name] = r
		}
	}

	for name, old := range m.routes {
		if r, ok := next[name]; ok && r == old {
			continue
		}
		slog.Debug("Stopping health monitoring for service", "service", name)
		if cancel, ok := m.activeChecks[name]; ok {
			cancel()
			delete(m.activeChecks, name)
		}
		delete(m.routes, name)
	}

	for name, r := range next {
		if _, running := m.routes[name]; running {
			continue
		}
		routeCtx, cancel := context.WithCancel(m.ctx)
		m.routes[name] = r
		m.activeChecks[name] = cancel
		m.wg.Add(1)
		go m.monitorRoute(routeCtx, r)
	}
}

func (m *Monitor) monitorRoute(ctx context.Context, route *Route) {
	defer m.wg.Done()

	slog.Debug("Starting health monitoring for service", "service", route.Name)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.checkRoute(ctx, route)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkRoute(ctx, route)
		}
	}
}

// CheckNow probes every route with a health endpoint once and waits for the results.
func (m *Monitor) CheckNow(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range m.engine.Routes() {
		if r.HealthCheckPath == "" {
			continue
		}
		wg.Add(1)
		go func(route *Route) {
			defer wg.Done()
			m.checkRoute(ctx, route)
		}(r)
	}
	wg.Wait()
}

func (m *Monitor) checkRoute(ctx context.Context, route *Route) {
	if !m.engine.allowProbe(route) {
		slog.Debug("Skipping health check, circuit open", "service", route.Name)
		return
	}

	res := probeResult{healthyTargets: make([]bool, len(route.Targets))}
	var wg sync.WaitGroup
	for i, t := range route.Targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.healthyTargets[i] = m.probe(ctx, t, route.HealthCheckPath) == nil
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		m.engine.abandonProbe(route)
		return
	}

	was, now, failures, ok := m.engine.recordProbe(route, res)
	if !ok {
		return
	}
	switch {
	case was && !now:
		slog.Warn("Service became unhealthy", "service", route.Name, "consecutive_failures", failures)
	case !was && now:
		slog.Info("Service recovered", "service", route.Name)
	}
}

func (m *Monitor) probe(ctx context.Context, target Target, path string) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target.URL.JoinPath(path).String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", versions.UserAgent())

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
