// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/stacklok/svcgateway/pkg/config"
	"github.com/stacklok/svcgateway/pkg/ratelimit"
)

func newAdminRouter(f *apiFixture) http.Handler {
	return AdminRouter(AdminDeps{
		Engine:   f.engine,
		Cache:    f.dispatcher.Cache(),
		Metrics:  f.recorder,
		Settings: config.DefaultConfig(),
	})
}

func TestAdminRouter_RouteLifecycle(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	router := newAdminRouter(f)

	rec := serve(t, router, http.MethodPost, "/routes", "", config.ServiceConfig{
		Name:    "CRM",
		Targets: []config.TargetConfig{{URL: "http://crm-1.internal:9000"}, {URL: "http://crm-2.internal:9000"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[map[string]any](t, rec)
	assert.Equal(t, "crm", created["name"])
	assert.Equal(t, "/crm", created["pathPrefix"])
	assert.Equal(t, "round-robin", created["strategy"])

	route, err := f.engine.Lookup("crm")
	require.NoError(t, err)
	assert.Len(t, route.Targets, 2)
	assert.NotNil(t, route.RateLimit, "the gateway default policy applies")

	rec = serve(t, router, http.MethodGet, "/routes", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[map[string][]map[string]any](t, rec)
	assert.Len(t, listed["routes"], 2)

	rec = serve(t, router, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[map[string]map[string]any](t, rec)
	assert.Contains(t, health["services"], "crm")

	rec = serve(t, router, http.MethodDelete, "/routes/crm", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = serve(t, router, http.MethodDelete, "/routes/crm", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err = f.engine.Lookup("crm")
	assert.Error(t, err)
}

func TestAdminRouter_RejectsInvalidRoutes(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	router := newAdminRouter(f)

	tests := []struct {
		name string
		svc  config.ServiceConfig
	}{
		{name: "no targets", svc: config.ServiceConfig{Name: "crm"}},
		{name: "bad slug", svc: config.ServiceConfig{Name: "c r m", Targets: []config.TargetConfig{{URL: "http://crm:1"}}}},
		{name: "relative target", svc: config.ServiceConfig{Name: "crm", Targets: []config.TargetConfig{{URL: "/crm"}}}},
		{name: "unknown strategy", svc: config.ServiceConfig{Name: "crm", Strategy: "random", Targets: []config.TargetConfig{{URL: "http://crm:1"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(t, router, http.MethodPost, "/routes", "", tt.svc)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/routes", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRouter_CacheMetricsAndAudit(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	router := newAdminRouter(f)

	rec := serve(t, router, http.MethodGet, "/cache", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":[]}`, rec.Body.String())

	rec = serve(t, router, http.MethodDelete, "/cache", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"flushed":0}`, rec.Body.String())

	rec = serve(t, router, http.MethodDelete, "/cache/billing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.recorder.RecordRequest(t.Context(), "billing", http.StatusOK, 10*time.Millisecond)
	rec = serve(t, router, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snapshot := decode[map[string]any](t, rec)
	assert.Len(t, snapshot["services"], 1)

	rec = serve(t, router, http.MethodDelete, "/metrics", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, f.recorder.Snapshot().Services)

	rec = serve(t, router, http.MethodPost, "/health/check", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no monitor is configured")

	rec = serve(t, router, http.MethodGet, "/audit", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no audit store is configured")
}

func TestRequireAdminToken(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name       string
		configured string
		header     string
		value      string
		wantCode   int
	}{
		{name: "bearer", configured: "s3cret", header: "Authorization", value: "Bearer s3cret", wantCode: http.StatusNoContent},
		{name: "admin header", configured: "s3cret", header: HeaderAdminToken, value: "s3cret", wantCode: http.StatusNoContent},
		{name: "wrong token", configured: "s3cret", header: HeaderAdminToken, value: "guess", wantCode: http.StatusUnauthorized},
		{name: "missing token", configured: "s3cret", wantCode: http.StatusUnauthorized},
		{name: "not configured", configured: "", header: HeaderAdminToken, value: "", wantCode: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/routes", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			RequireAdminToken(tt.configured)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestThrottle(t *testing.T) {
	t.Parallel()

	handler := Throttle(rate.NewLimiter(rate.Every(time.Hour), 1))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestAdminRouter_RateLimitState(t *testing.T) {
	t.Parallel()

	newRedis := func(t *testing.T) *ratelimit.RedisStore {
		t.Helper()
		client := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return ratelimit.NewRedisStore(client, "test:")
	}
	newMemory := func(t *testing.T) *ratelimit.MemoryStore {
		t.Helper()
		s := ratelimit.NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	tests := []struct {
		name  string
		store func(t *testing.T) ratelimit.Store
	}{
		{name: "memory", store: func(t *testing.T) ratelimit.Store { return newMemory(t) }},
		{name: "redis", store: func(t *testing.T) ratelimit.Store { return newRedis(t) }},
		{name: "failover", store: func(t *testing.T) ratelimit.Store {
			return ratelimit.NewFailoverLimiter(newRedis(t), ratelimit.WithFallback(newMemory(t)))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newAPIFixture(t)
			store := tt.store(t)
			router := AdminRouter(AdminDeps{
				Engine:     f.engine,
				Cache:      f.dispatcher.Cache(),
				Metrics:    f.recorder,
				Settings:   config.DefaultConfig(),
				RateLimits: store,
			})

			rec := serve(t, router, http.MethodGet, "/ratelimit/u2/billing", "", nil)
			require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

			policy := ratelimit.Policy{Window: time.Minute, MaxRequests: 1, BlockDuration: 15 * time.Minute}
			for range 2 {
				_, err := store.CheckAndIncrement(t.Context(), ratelimit.Key("u2", "billing"), policy)
				require.NoError(t, err)
			}

			rec = serve(t, router, http.MethodGet, "/ratelimit/u2/billing", "", nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			state := decode[map[string]any](t, rec)
			assert.Equal(t, true, state["blocked"])
			assert.Equal(t, "u2_billing", state["key"])

			rec = serve(t, router, http.MethodDelete, "/ratelimit/u2/billing", "", nil)
			assert.Equal(t, http.StatusNoContent, rec.Code)

			rec = serve(t, router, http.MethodGet, "/ratelimit/u2/billing", "", nil)
			assert.Equal(t, http.StatusNotFound, rec.Code)

			d, err := store.CheckAndIncrement(t.Context(), ratelimit.Key("u2", "billing"), policy)
			require.NoError(t, err)
			assert.False(t, d.Blocked, "reset lifts the block")
		})
	}

	t.Run("unavailable without a store", func(t *testing.T) {
		t.Parallel()

		router := newAdminRouter(newAPIFixture(t))
		rec := serve(t, router, http.MethodGet, "/ratelimit/u2/billing", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		rec = serve(t, router, http.MethodDelete, "/ratelimit/u2/billing", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
