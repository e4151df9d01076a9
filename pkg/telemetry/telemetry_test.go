// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/svcgateway/pkg/config"
)

func TestFromConfig(t *testing.T) {
	t.Parallel()

	cfg := FromConfig(config.TelemetryConfig{
		Endpoint:           "collector:4318",
		ServiceName:        "svcgateway",
		SamplingRate:       0.5,
		Headers:            map[string]string{"x-api-key": "k"},
		Insecure:           true,
		EnableMetricsPath:  true,
		ResourceAttributes: map[string]string{"deployment.environment": "test"},
	})

	assert.Equal(t, "collector:4318", cfg.Endpoint)
	assert.Equal(t, "svcgateway", cfg.ServiceName)
	assert.NotEmpty(t, cfg.ServiceVersion)
	assert.InDelta(t, 0.5, cfg.SamplingRate, 0.0001)
	assert.True(t, cfg.Insecure)
	assert.True(t, cfg.EnablePrometheusMetricsPath)
	assert.Equal(t, "test", cfg.ResourceAttributes["deployment.environment"])
}

func TestNewProvider_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing service name", cfg: Config{SamplingRate: 0.1}},
		{name: "negative sampling rate", cfg: Config{ServiceName: "gw", SamplingRate: -0.1}},
		{name: "sampling rate above one", cfg: Config{ServiceName: "gw", SamplingRate: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewProvider(context.Background(), tt.cfg)
			assert.Error(t, err)
		})
	}
}

//nolint:paralleltest // NewProvider installs OpenTelemetry globals
func TestNewProvider_NoopWithoutExporters(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{ServiceName: "gw", SamplingRate: 0.1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	assert.Nil(t, p.PrometheusHandler())
	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

//nolint:paralleltest // NewProvider installs OpenTelemetry globals
func TestNewProvider_PrometheusHandler(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{
		ServiceName:                 "gw",
		ServiceVersion:              "v0.0.1",
		SamplingRate:                1,
		EnablePrometheusMetricsPath: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	require.NotNil(t, p.PrometheusHandler())

	mw := NewHTTPMiddleware(p.TracerProvider(), p.MeterProvider())
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	rec := httptest.NewRecorder()
	p.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gateway_http_requests_total")
	assert.Contains(t, string(body), `status_code="418"`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestHTTPMiddleware_SpansAndMetrics(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	router := chi.NewRouter()
	router.Use(NewHTTPMiddleware(tp, mp).Handler)
	router.Get("/sso/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	router.Get("/boom", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sso/sessions/abc", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "GET /sso/sessions/{id}", spans[0].Name())
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
	assert.Contains(t, spans[0].Attributes(), attribute.Int("http.status_code", http.StatusOK))
	assert.Contains(t, spans[1].Attributes(), attribute.String("error.type", "502"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "gateway_http_requests" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), total)
}

//nolint:paralleltest // installs the global propagator
func TestInjectTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	header := http.Header{}
	InjectTraceContext(ctx, header)
	assert.Contains(t, header.Get("traceparent"), span.SpanContext().TraceID().String())
}
