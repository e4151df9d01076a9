// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api assembles the HTTP surface of the gateway: the proxy mount, the
// SSO protocol, the admin API and the operational endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	v1 "github.com/stacklok/svcgateway/pkg/api/v1"
	"github.com/stacklok/svcgateway/pkg/audit"
	"github.com/stacklok/svcgateway/pkg/config"
	"github.com/stacklok/svcgateway/pkg/logger"
	"github.com/stacklok/svcgateway/pkg/metrics"
	"github.com/stacklok/svcgateway/pkg/proxy"
	"github.com/stacklok/svcgateway/pkg/ratelimit"
	"github.com/stacklok/svcgateway/pkg/routing"
	"github.com/stacklok/svcgateway/pkg/sso"
	"github.com/stacklok/svcgateway/pkg/telemetry"
)

const (
	middlewareTimeout = 60 * time.Second
	adminBurst        = 10
)

// Config wires the gateway router. SSO, Monitor, Auditor, RateLimits,
// Telemetry and MetricsHandler are optional.
type Config struct {
	Settings   *config.Config
	Dispatcher *proxy.Dispatcher
	Engine     *routing.Engine
	Metrics    *metrics.Recorder

	SSO        *sso.Service
	Monitor    *routing.Monitor
	Auditor    *audit.Auditor
	RateLimits ratelimit.Store

	Telemetry      *telemetry.HTTPMiddleware
	MetricsHandler http.Handler
}

// NewRouter builds the gateway handler.
func NewRouter(cfg Config) (http.Handler, error) {
	switch {
	case cfg.Settings == nil:
		return nil, errors.New("settings are required")
	case cfg.Dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case cfg.Engine == nil:
		return nil, errors.New("routing engine is required")
	case cfg.Metrics == nil:
		return nil, errors.New("metrics recorder is required")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if cfg.Telemetry != nil {
		r.Use(cfg.Telemetry.Handler)
	}

	r.Mount("/health", v1.HealthcheckRouter(cfg.Engine))
	r.Mount("/version", v1.VersionRouter())
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(
			middleware.RequestID,
			middleware.Timeout(middlewareTimeout),
			requestBodySizeLimitMiddleware(maxRequestBodySize),
		)

		if cfg.SSO != nil {
			r.Mount("/sso", v1.SSORouter(cfg.SSO, cfg.Dispatcher))
		}

		server := cfg.Settings.Server
		if server.AdminToken == "" {
			logger.Infof("Admin API disabled: no admin token configured")
			return
		}
		limiter := rate.NewLimiter(rate.Limit(server.AdminRequestsPerSecond), adminBurst)
		r.With(v1.Throttle(limiter), v1.RequireAdminToken(server.AdminToken)).
			Mount("/admin", v1.AdminRouter(v1.AdminDeps{
				Engine:     cfg.Engine,
				Cache:      cfg.Dispatcher.Cache(),
				Monitor:    cfg.Monitor,
				Metrics:    cfg.Metrics,
				Auditor:    cfg.Auditor,
				RateLimits: cfg.RateLimits,
				Settings:   cfg.Settings,
			}))
	})

	prefix := cfg.Settings.Server.ProxyPrefix
	r.Handle(prefix, cfg.Dispatcher)
	r.Handle(prefix+"/*", cfg.Dispatcher)
	return r, nil
}

// Serve runs srv until ctx is cancelled, then drains it for at most
// shutdownTimeout.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}
	return ServeListener(ctx, srv, listener, shutdownTimeout)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, srv *http.Server, listener net.Listener, shutdownTimeout time.Duration) error {
	if srv.BaseContext == nil {
		srv.BaseContext = func(net.Listener) context.Context { return ctx }
	}

	logger.Infof("starting HTTP server on %s", listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server stopped with error: %w", err)
	case <-ctx.Done():
	}

	// ctx is already done; shut down on a fresh deadline.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Infof("HTTP server stopped")
	return nil
}
