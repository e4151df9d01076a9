// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry configures OpenTelemetry for the gateway: OTLP trace and
// metric export, a Prometheus /metrics endpoint fed by the same meters, W3C
// trace context propagation and an HTTP server middleware.
package telemetry
