// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics records per-service gateway metrics. Every measurement is
// exported through OpenTelemetry meters and also kept in process so the admin
// API can report it without a metrics backend.
package metrics

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/stacklok/svcgateway/pkg/metrics"

// LatencyBuckets are the histogram boundaries, in seconds, for upstream latency.
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// ServiceStats is the in-process view of one service.
type ServiceStats struct {
	Service         string         `json:"service"`
	Requests        int64          `json:"requests"`
	Errors          int64          `json:"errors"`
	AverageLatency  float64        `json:"averageLatencyMs"`
	MaxLatency      float64        `json:"maxLatencyMs"`
	StatusCodes     map[string]int `json:"statusCodes"`
	LastRequestedAt time.Time      `json:"lastRequestedAt"`
}

// Snapshot is a point-in-time copy of every recorded value.
type Snapshot struct {
	Services          []ServiceStats `json:"services"`
	RateLimitDegraded int64          `json:"rateLimitDegraded"`
	CacheBuilds       int64          `json:"cacheBuilds"`
	CapturedAt        time.Time      `json:"capturedAt"`
}

type serviceStats struct {
	requests    int64
	errors      int64
	totalMillis float64
	maxMillis   float64
	statusCodes map[int]int
	last        time.Time
}

// Recorder records gateway metrics. The zero value is not usable; call New.
type Recorder struct {
	requests    metric.Int64Counter
	errors      metric.Int64Counter
	latency     metric.Float64Histogram
	degraded    metric.Int64Counter
	cacheBuilds metric.Int64Counter

	degradedCount atomic.Int64
	buildCount    atomic.Int64

	mu       sync.Mutex
	services map[string]*serviceStats
	now      func() time.Time
}

// New creates a Recorder whose instruments come from mp.
func New(mp metric.MeterProvider) *Recorder {
	meter := mp.Meter(meterName)

	requests, _ := meter.Int64Counter(
		"gateway_proxy_requests", // The exporter adds the _total suffix automatically
		metric.WithDescription("Total number of proxied requests per service"),
	)
	errorsCounter, _ := meter.Int64Counter(
		"gateway_proxy_errors",
		metric.WithDescription("Total number of proxied requests that ended in an error status"),
	)
	latency, _ := meter.Float64Histogram(
		"gateway_proxy_request_duration",
		metric.WithDescription("Upstream request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(LatencyBuckets...),
	)
	degraded, _ := meter.Int64Counter(
		"gateway_ratelimit_degraded",
		metric.WithDescription("Rate limit checks that could not reach the primary store"),
	)
	cacheBuilds, _ := meter.Int64Counter(
		"gateway_proxy_cache_builds",
		metric.WithDescription("Proxy handlers built after a cache miss"),
	)

	return &Recorder{
		requests:    requests,
		errors:      errorsCounter,
		latency:     latency,
		degraded:    degraded,
		cacheBuilds: cacheBuilds,
		services:    make(map[string]*serviceStats),
		now:         time.Now,
	}
}

// RecordRequest records one proxied request to service.
func (r *Recorder) RecordRequest(ctx context.Context, service string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	isError := status >= 400
	attrs := metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("status_code", strconv.Itoa(status)),
	)
	r.requests.Add(ctx, 1, attrs)
	r.latency.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("service", service)))
	if isError {
		r.errors.Add(ctx, 1, attrs)
	}

	millis := float64(duration.Microseconds()) / 1000

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[service]
	if !ok {
		s = &serviceStats{statusCodes: make(map[int]int)}
		r.services[service] = s
	}
	s.requests++
	if isError {
		s.errors++
	}
	s.totalMillis += millis
	if millis > s.maxMillis {
		s.maxMillis = millis
	}
	s.statusCodes[status]++
	s.last = r.now()
}

// RecordRateLimitDegraded counts a failed primary limiter check. Its
// signature matches ratelimit.WithDegradedHook.
func (r *Recorder) RecordRateLimitDegraded(_ error) {
	if r == nil {
		return
	}
	r.degradedCount.Add(1)
	r.degraded.Add(context.Background(), 1)
}

// RecordCacheBuild counts a proxy handler construction for service.
func (r *Recorder) RecordCacheBuild(service string) {
	if r == nil {
		return
	}
	r.buildCount.Add(1)
	r.cacheBuilds.Add(context.Background(), 1, metric.WithAttributes(attribute.String("service", service)))
}

// Snapshot returns the in-process values ordered by service name.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	services := make([]ServiceStats, 0, len(r.services))
	for name, s := range r.services {
		codes := make(map[string]int, len(s.statusCodes))
		for code, n := range s.statusCodes {
			codes[strconv.Itoa(code)] = n
		}
		var avg float64
		if s.requests > 0 {
			avg = s.totalMillis / float64(s.requests)
		}
		services = append(services, ServiceStats{
			Service:         name,
			Requests:        s.requests,
			Errors:          s.errors,
			AverageLatency:  avg,
			MaxLatency:      s.maxMillis,
			StatusCodes:     codes,
			LastRequestedAt: s.last,
		})
	}
	r.mu.Unlock()

	sort.Slice(services, func(i, j int) bool { return services[i].Service < services[j].Service })
	return Snapshot{
		Services:          services,
		RateLimitDegraded: r.degradedCount.Load(),
		CacheBuilds:       r.buildCount.Load(),
		CapturedAt:        r.now(),
	}
}

// Reset clears the in-process values. Exported instruments are unaffected.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = make(map[string]*serviceStats)
	r.degradedCount.Store(0)
	r.buildCount.Store(0)
}
