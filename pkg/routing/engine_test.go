// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/svcgateway/pkg/config"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func testRoute(t *testing.T, name, prefix string, strategy Strategy, targets ...string) *Route {
	t.Helper()
	r := &Route{
		Name:           name,
		DisplayName:    name,
		PathPrefix:     prefix,
		Strategy:       strategy,
		AllowedMethods: []string{"GET", "POST"},
		Timeout:        time.Second,
		CircuitBreaker: BreakerPolicy{Threshold: 3, ResetWindow: time.Minute},
		Enabled:        true,
	}
	for _, raw := range targets {
		r.Targets = append(r.Targets, Target{URL: mustURL(t, raw), Weight: 1})
	}
	return r
}

func TestEngine_FindRoute(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	require.NoError(t, e.ReplaceRoutes([]*Route{
		testRoute(t, "api", "/api", StrategySingle, "http://api:8080"),
		testRoute(t, "billing", "/api/billing", StrategySingle, "http://billing:8080"),
		testRoute(t, "root", "/", StrategySingle, "http://root:8080"),
	}))

	tests := []struct {
		name    string
		method  string
		path    string
		want    string
		wantErr error
	}{
		{"longest prefix wins", "GET", "/api/billing/invoices", "billing", nil},
		{"exact prefix", "GET", "/api/billing", "billing", nil},
		{"segment boundary", "GET", "/api/billingx", "api", nil},
		{"shorter prefix", "POST", "/api/users", "api", nil},
		{"catch all", "GET", "/other", "root", nil},
		{"method not allowed", "DELETE", "/api/billing/1", "", ErrMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := e.FindRoute(tt.method, tt.path)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Name)
		})
	}
}

func TestEngine_FindRoute_NotFoundAndDisabled(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	disabled := testRoute(t, "crm", "/crm", StrategySingle, "http://crm")
	disabled.Enabled = false
	require.NoError(t, e.AddRoute(disabled))

	_, err := e.FindRoute("GET", "/crm/contacts")
	assert.ErrorIs(t, err, ErrRouteNotFound)

	_, err = e.Lookup("missing")
	assert.ErrorIs(t, err, ErrRouteNotFound)

	r, err := e.Lookup("crm")
	require.NoError(t, err)
	_, err = e.SelectTarget(r)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestEngine_RoundRobinUnderConcurrency(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	r := testRoute(t, "billing", "/billing", StrategyRoundRobin, "http://a", "http://b", "http://c")
	require.NoError(t, e.AddRoute(r))

	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for range 300 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := e.SelectTarget(r)
			if err != nil {
				return
			}
			mu.Lock()
			counts[lease.URL.Host]++
			mu.Unlock()
			lease.Release(nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"a": 100, "b": 100, "c": 100}, counts)
}

func TestEngine_Weighted(t *testing.T) {
	t.Parallel()

	draws := []int{0, 1, 2, 3}
	i := 0
	e := NewEngine(WithRandom(func(n int) int {
		require.Equal(t, 4, n)
		d := draws[i%len(draws)]
		i++
		return d
	}))
	r := testRoute(t, "billing", "/billing", StrategyWeighted, "http://light", "http://heavy")
	r.Targets[1].Weight = 3
	require.NoError(t, e.AddRoute(r))

	var hosts []string
	for range draws {
		lease, err := e.SelectTarget(r)
		require.NoError(t, err)
		hosts = append(hosts, lease.URL.Host)
		lease.Release(nil)
	}
	assert.Equal(t, []string{"light", "heavy", "heavy", "heavy"}, hosts)
}

func TestEngine_LeastConnections(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	r := testRoute(t, "billing", "/billing", StrategyLeastConnections, "http://a", "http://b")
	require.NoError(t, e.AddRoute(r))

	first, err := e.SelectTarget(r)
	require.NoError(t, err)
	assert.Equal(t, "a", first.URL.Host, "ties go to the first target")

	second, err := e.SelectTarget(r)
	require.NoError(t, err)
	assert.Equal(t, "b", second.URL.Host)

	third, err := e.SelectTarget(r)
	require.NoError(t, err)
	assert.Equal(t, "a", third.URL.Host)

	first.Release(nil)
	third.Release(nil)
	first.Release(nil) // double release is ignored

	fourth, err := e.SelectTarget(r)
	require.NoError(t, err)
	assert.Equal(t, "a", fourth.URL.Host)

	snap := e.HealthSnapshot()["billing"]
	assert.Equal(t, int64(1), snap.Targets[0].InFlight)
	assert.Equal(t, int64(1), snap.Targets[1].InFlight)
}

func TestEngine_BreakerOpensOnUpstreamFailures(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	e := NewEngine(WithClock(clock.Now))
	r := testRoute(t, "billing", "/billing", StrategySingle, "http://billing")
	require.NoError(t, e.AddRoute(r))

	for range 3 {
		lease, err := e.SelectTarget(r)
		require.NoError(t, err)
		lease.Release(errors.New("connection refused"))
	}

	_, err := e.SelectTarget(r)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	_, err = e.FindRoute("GET", "/billing/x")
	assert.ErrorIs(t, err, ErrServiceUnavailable)

	clock.Advance(time.Minute)
	lease, err := e.SelectTarget(r)
	require.NoError(t, err, "reset window elapsed, trial allowed")
	_, err = e.SelectTarget(r)
	assert.ErrorIs(t, err, ErrServiceUnavailable, "second request waits for the trial")

	lease.Release(context.Canceled)
	lease, err = e.SelectTarget(r)
	require.NoError(t, err, "cancelled trial frees the slot")
	lease.Release(nil)

	assert.Equal(t, CircuitClosed, e.HealthSnapshot()["billing"].Breaker.State)
}

func TestEngine_CopyOnWrite(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	var notified [][]*Route
	e.Subscribe(func(routes []*Route) { notified = append(notified, routes) })

	v1 := testRoute(t, "billing", "/billing", StrategySingle, "http://v1")
	require.NoError(t, e.AddRoute(v1))

	resolved, err := e.Lookup("billing")
	require.NoError(t, err)

	v2 := testRoute(t, "billing", "/billing", StrategySingle, "http://v2")
	require.NoError(t, e.AddRoute(v2))

	assert.Equal(t, "v1", resolved.Targets[0].URL.Host, "resolved route is never mutated")
	current, err := e.Lookup("billing")
	require.NoError(t, err)
	assert.Same(t, v2, current)

	require.NoError(t, e.RemoveRoute("billing"))
	assert.ErrorIs(t, e.RemoveRoute("billing"), ErrRouteNotFound)
	assert.Empty(t, e.Routes())
	assert.Len(t, notified, 3)
}

func TestEngine_ReplaceRoutesKeepsStateOfUnchangedRoutes(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	kept := testRoute(t, "billing", "/billing", StrategySingle, "http://billing")
	require.NoError(t, e.ReplaceRoutes([]*Route{kept}))

	lease, err := e.SelectTarget(kept)
	require.NoError(t, err)
	lease.Release(errors.New("boom"))

	require.NoError(t, e.ReplaceRoutes([]*Route{kept, testRoute(t, "crm", "/crm", StrategySingle, "http://crm")}))
	assert.Equal(t, 1, e.HealthSnapshot()["billing"].Breaker.FailureCount)

	err = e.ReplaceRoutes([]*Route{kept, kept})
	assert.ErrorIs(t, err, ErrInvalidRoute)
}

func TestEngine_RejectsInvalidRoutes(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	assert.ErrorIs(t, e.AddRoute(&Route{Name: "empty"}), ErrInvalidRoute)

	multi := testRoute(t, "multi", "/multi", StrategySingle, "http://a", "http://b")
	assert.ErrorIs(t, e.AddRoute(multi), ErrInvalidRoute)

	weighted := testRoute(t, "weighted", "/weighted", StrategyWeighted, "http://a")
	weighted.Targets[0].Weight = 0
	assert.ErrorIs(t, e.AddRoute(weighted), ErrInvalidRoute)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Services: []config.ServiceConfig{{
			Name:           "billing",
			AllowedMethods: []string{"get", "post"},
			Targets:        []config.TargetConfig{{URL: "http://a:8080"}, {URL: "http://b:8080", Weight: 2}},
			Strategy:       config.StrategyWeighted,
		}},
	}
	cfg.EnsureDefaults()

	r, err := FromConfig(cfg.Services[0], cfg.RateLimit)
	require.NoError(t, err)
	assert.Equal(t, "/billing", r.PathPrefix)
	assert.Equal(t, []string{"GET", "POST"}, r.AllowedMethods)
	assert.Equal(t, StrategyWeighted, r.Strategy)
	assert.Equal(t, 2, r.Targets[1].Weight)
	assert.Equal(t, 3, r.MaxRetries)
	assert.True(t, r.Enabled)
	require.NotNil(t, r.RateLimit)
	assert.Equal(t, 100, r.RateLimit.MaxRequests)
	assert.True(t, r.AllowsMethod("get"))
	assert.False(t, r.AllowsMethod("DELETE"))

	_, err = FromConfig(config.ServiceConfig{Name: "bad", Targets: []config.TargetConfig{{URL: "nohost"}}}, cfg.RateLimit)
	assert.ErrorIs(t, err, ErrInvalidRoute)
}
