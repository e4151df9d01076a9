// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/svcgateway/pkg/config"
	"github.com/stacklok/svcgateway/pkg/logger"
	"github.com/stacklok/svcgateway/pkg/versions"
)

// instrumentationName is the meter and tracer name used by the gateway.
const instrumentationName = "github.com/stacklok/svcgateway"

// Config holds the configuration for OpenTelemetry instrumentation.
type Config struct {
	// Endpoint is the OTLP/HTTP collector endpoint, e.g. "localhost:4318".
	// Empty disables OTLP export.
	Endpoint string

	ServiceName    string
	ServiceVersion string

	// SamplingRate is the trace sampling ratio (0.0-1.0).
	SamplingRate float64

	// Headers are sent with every OTLP request.
	Headers map[string]string

	// Insecure uses HTTP instead of HTTPS for the OTLP endpoint.
	Insecure bool

	// EnablePrometheusMetricsPath exposes the meters on a Prometheus handler.
	EnablePrometheusMetricsPath bool

	// ResourceAttributes are attached to every span and metric.
	ResourceAttributes map[string]string
}

// FromConfig converts the gateway telemetry configuration.
func FromConfig(cfg config.TelemetryConfig) Config {
	return Config{
		Endpoint:                    cfg.Endpoint,
		ServiceName:                 cfg.ServiceName,
		ServiceVersion:              versions.GetVersionInfo().Version,
		SamplingRate:                cfg.SamplingRate,
		Headers:                     maps.Clone(cfg.Headers),
		Insecure:                    cfg.Insecure,
		EnablePrometheusMetricsPath: cfg.EnableMetricsPath,
		ResourceAttributes:          maps.Clone(cfg.ResourceAttributes),
	}
}

// Provider encapsulates OpenTelemetry providers and configuration.
type Provider struct {
	config            Config
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

// NewProvider creates the providers selected by cfg and installs them as the
// OpenTelemetry globals. With no endpoint and no metrics path every provider
// is a no-op.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("telemetry service name is required")
	}
	if cfg.SamplingRate < 0 || cfg.SamplingRate > 1 {
		return nil, fmt.Errorf("sampling rate %v is outside [0, 1]", cfg.SamplingRate)
	}

	p := &Provider{
		config:         cfg,
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}

	if cfg.Endpoint == "" && !cfg.EnablePrometheusMetricsPath {
		logger.Infof("No telemetry configured, using no-op providers")
	} else {
		res, err := newResource(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := p.buildMeterProvider(ctx, res); err != nil {
			return nil, err
		}
		if err := p.buildTracerProvider(ctx, res); err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
		logger.Infof("Telemetry providers created successfully")
	}

	otel.SetLogger(logger.NewLogr())
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	for k, v := range cfg.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource with service name '%s' and version '%s': %w",
			cfg.ServiceName, cfg.ServiceVersion, err)
	}
	return res, nil
}

// TracerProvider returns the configured tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the configured meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the /metrics handler, or nil when disabled.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Shutdown flushes and stops every provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	for i, shutdown := range p.shutdownFuncs {
		if err := shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("provider %d shutdown failed: %w", i, err))
		}
	}
	p.shutdownFuncs = nil
	return errors.Join(errs...)
}
