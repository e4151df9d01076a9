// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware provides OpenTelemetry instrumentation for the gateway's
// HTTP server.
type HTTPMiddleware struct {
	tracer trace.Tracer

	requestCounter    metric.Int64Counter
	requestDuration   metric.Float64Histogram
	activeConnections metric.Int64UpDownCounter
}

// NewHTTPMiddleware creates the server middleware from the given providers.
func NewHTTPMiddleware(tracerProvider trace.TracerProvider, meterProvider metric.MeterProvider) *HTTPMiddleware {
	meter := meterProvider.Meter(instrumentationName)

	requestCounter, _ := meter.Int64Counter(
		"gateway_http_requests", // The exporter adds the _total suffix automatically
		metric.WithDescription("Total number of HTTP requests served by the gateway"),
	)
	requestDuration, _ := meter.Float64Histogram(
		"gateway_http_request_duration", // The exporter adds the _seconds suffix automatically
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
	)
	activeConnections, _ := meter.Int64UpDownCounter(
		"gateway_http_active_requests",
		metric.WithDescription("Number of in-flight HTTP requests"),
	)

	return &HTTPMiddleware{
		tracer:            tracerProvider.Tracer(instrumentationName),
		requestCounter:    requestCounter,
		requestDuration:   requestDuration,
		activeConnections: activeConnections,
	}
}

// Handler wraps next with a server span and request metrics.
func (m *HTTPMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		m.activeConnections.Add(ctx, 1)
		defer m.activeConnections.Add(ctx, -1)

		ctx, span := m.tracer.Start(ctx, fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		addHTTPAttributes(span, r)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r.WithContext(ctx))
		duration := time.Since(start)

		route := routePattern(r)
		if route != "" {
			span.SetName(fmt.Sprintf("%s %s", r.Method, route))
			span.SetAttributes(attribute.String("http.route", route))
		}
		finalizeSpan(span, rw, duration)

		status := "success"
		if rw.statusCode >= 400 {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", route),
			attribute.String("status_code", strconv.Itoa(rw.statusCode)),
			attribute.String("status", status),
		)
		m.requestCounter.Add(ctx, 1, attrs)
		m.requestDuration.Record(ctx, duration.Seconds(), attrs)
	})
}

// InjectTraceContext writes the current trace context into outbound headers.
func InjectTraceContext(ctx context.Context, header http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

// routePattern returns the matched chi route pattern, if any.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}

func addHTTPAttributes(span trace.Span, r *http.Request) {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", r.Method),
		attribute.String("http.target", r.URL.Path),
		attribute.String("http.scheme", scheme(r)),
		attribute.String("http.host", r.Host),
		attribute.String("http.user_agent", r.UserAgent()),
	}
	if r.ContentLength > 0 {
		attrs = append(attrs, attribute.Int64("http.request_content_length", r.ContentLength))
	}
	if host, port, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		attrs = append(attrs, attribute.String("client.address", host))
		if p, err := strconv.Atoi(port); err == nil {
			attrs = append(attrs, attribute.Int("client.port", p))
		}
	}
	span.SetAttributes(attrs...)
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func finalizeSpan(span trace.Span, rw *responseWriter, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("http.status_code", rw.statusCode),
		attribute.Int64("http.response_content_length", rw.bytesWritten),
		attribute.Float64("http.duration_ms", float64(duration.Nanoseconds())/1e6),
	)
	if rw.statusCode >= 500 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rw.statusCode))
		span.SetAttributes(attribute.String("error.type", strconv.Itoa(rw.statusCode)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

// responseWriter wraps http.ResponseWriter to capture response details.
type responseWriter struct {
	http.ResponseWriter
	statusCode    int
	bytesWritten  int64
	headerWritten bool
}

// WriteHeader captures the status code. Duplicate calls are ignored.
func (rw *responseWriter) WriteHeader(statusCode int) {
	if rw.headerWritten {
		return
	}
	rw.headerWritten = true
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the number of bytes written. A Write before WriteHeader
// fixes the status at 200.
func (rw *responseWriter) Write(data []byte) (int, error) {
	if !rw.headerWritten {
		rw.headerWritten = true
		rw.statusCode = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(data)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
