// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/svcgateway/pkg/api"
	"github.com/stacklok/svcgateway/pkg/audit"
	"github.com/stacklok/svcgateway/pkg/config"
	"github.com/stacklok/svcgateway/pkg/identity"
	"github.com/stacklok/svcgateway/pkg/logger"
	"github.com/stacklok/svcgateway/pkg/metrics"
	"github.com/stacklok/svcgateway/pkg/proxy"
	"github.com/stacklok/svcgateway/pkg/ratelimit"
	"github.com/stacklok/svcgateway/pkg/routing"
	"github.com/stacklok/svcgateway/pkg/signing"
	"github.com/stacklok/svcgateway/pkg/sso"
	"github.com/stacklok/svcgateway/pkg/store"
	"github.com/stacklok/svcgateway/pkg/telemetry"
)

// gateway holds every long-lived component of a running gateway.
type gateway struct {
	settings  *config.Config
	telemetry *telemetry.Provider
	recorder  *metrics.Recorder
	redis     redis.UniversalClient
	memory    *ratelimit.MemoryStore
	limiter   ratelimit.Store
	storage   sso.Storage
	directory identity.Directory
	auditor   *audit.Auditor
	engine    *routing.Engine
	monitor   *routing.Monitor
	sso       *sso.Service
	handler   http.Handler

	closers []func() error
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(viper.GetString("config"))
	if err != nil {
		return err
	}

	gw, err := newGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer gw.close()

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           gw.handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Std(),
	}

	if err := gw.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	if err := gw.sso.Start(ctx); err != nil {
		_ = gw.monitor.Stop()
		return fmt.Errorf("failed to start SSO janitor: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Serve(gctx, srv, cfg.Server.ShutdownTimeout.Std())
	})
	g.Go(func() error {
		<-gctx.Done()
		gw.sso.Stop()
		return gw.monitor.Stop()
	})

	logger.Infof("Gateway started with %d services", len(gw.engine.Routes()))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("gateway stopped: %w", err)
	}
	logger.Infof("Gateway stopped")
	return nil
}

// newGateway builds the component graph for cfg. On error every component
// created so far is released.
func newGateway(ctx context.Context, cfg *config.Config) (_ *gateway, err error) {
	gw := &gateway{settings: cfg}
	defer func() {
		if err != nil {
			gw.close()
		}
	}()

	if err = gw.initTelemetry(ctx); err != nil {
		return nil, err
	}
	if err = gw.initStores(ctx); err != nil {
		return nil, err
	}

	gw.directory, err = identity.NewFromConfig(ctx, cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity directory: %w", err)
	}
	gw.closers = append(gw.closers, gw.directory.Close)

	gw.auditor, err = audit.NewAuditor(ctx, cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("failed to create auditor: %w", err)
	}
	if gw.auditor != nil {
		gw.closers = append(gw.closers, gw.auditor.Close)
	}

	tokens, err := identity.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}
	signer, err := signing.NewSigner(cfg.Auth.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create header signer: %w", err)
	}

	if err = gw.initRoutes(); err != nil {
		return nil, err
	}

	gw.sso, err = sso.NewService(
		gw.storage, gw.engine, gw.directory, tokens, gw.limiter,
		sso.OptionsFromConfig(cfg.SSO, cfg.SSO.CallbackURL),
		sso.WithAuditor(gw.auditor),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSO service: %w", err)
	}

	dispatcher, err := proxy.New(proxy.Config{
		Tokens:     tokens,
		Identities: gw.directory,
		Routes:     gw.engine,
		Signer:     signer,
		Sessions:   gw.sso,
		Limiter:    gw.limiter,
		Metrics:    gw.recorder,
		Auditor:    gw.auditor,
		Prefix:     cfg.Server.ProxyPrefix,
		Credentials: proxy.CredentialNames{
			SecureCookie: cfg.Auth.SecureCookieName,
			LegacyCookie: cfg.Auth.LegacyCookieName,
			Header:       cfg.Auth.TokenHeaderName,
		},
		CacheTTL: cfg.ProxyCache.TTL.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	gw.handler, err = api.NewRouter(api.Config{
		Settings:       cfg,
		Dispatcher:     dispatcher,
		Engine:         gw.engine,
		Metrics:        gw.recorder,
		SSO:            gw.sso,
		Monitor:        gw.monitor,
		Auditor:        gw.auditor,
		RateLimits:     gw.limiter,
		Telemetry:      telemetry.NewHTTPMiddleware(gw.telemetry.TracerProvider(), gw.telemetry.MeterProvider()),
		MetricsHandler: gw.telemetry.PrometheusHandler(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	return gw, nil
}

func (gw *gateway) initTelemetry(ctx context.Context) error {
	provider, err := telemetry.NewProvider(ctx, telemetry.FromConfig(gw.settings.Telemetry))
	if err != nil {
		return fmt.Errorf("failed to create telemetry provider: %w", err)
	}
	gw.telemetry = provider
	gw.closers = append(gw.closers, func() error {
		return provider.Shutdown(context.WithoutCancel(ctx))
	})
	gw.recorder = metrics.New(provider.MeterProvider())
	return nil
}

// initStores selects the shared Redis store when configured and the
// in-process implementations otherwise.
func (gw *gateway) initStores(ctx context.Context) error {
	cfg := gw.settings
	gw.memory = ratelimit.NewMemoryStore()
	gw.closers = append(gw.closers, gw.memory.Close)

	if !cfg.Redis.Enabled() {
		logger.Infof("No shared store configured, using in-process rate limiting and SSO storage")
		gw.limiter = gw.memory
		gw.storage = sso.NewMemoryStorage()
		return nil
	}

	client, err := store.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	gw.redis = client
	gw.closers = append(gw.closers, client.Close)

	opts := []ratelimit.FailoverOption{ratelimit.WithDegradedHook(gw.recorder.RecordRateLimitDegraded)}
	if !cfg.RateLimit.IsFailOpen() {
		opts = append(opts, ratelimit.WithFallback(gw.memory))
	}
	gw.limiter = ratelimit.NewFailoverLimiter(ratelimit.NewRedisStore(client, cfg.Redis.KeyPrefix), opts...)
	gw.storage = sso.NewRedisStorage(client, cfg.Redis.KeyPrefix)
	logger.Infof("Using redis at %s for rate limiting and SSO storage", cfg.Redis.Addr)
	return nil
}

func (gw *gateway) initRoutes() error {
	cfg := gw.settings
	routes := make([]*routing.Route, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		route, err := routing.FromConfig(svc, cfg.ServiceRateLimit(svc))
		if err != nil {
			return fmt.Errorf("invalid service %s: %w", svc.Name, err)
		}
		routes = append(routes, route)
	}

	gw.engine = routing.NewEngine()
	if err := gw.engine.ReplaceRoutes(routes); err != nil {
		return fmt.Errorf("failed to register routes: %w", err)
	}

	monitor, err := routing.NewMonitor(gw.engine, routing.MonitorConfig{
		CheckInterval: cfg.Health.CheckInterval.Std(),
		ProbeTimeout:  cfg.Health.ProbeTimeout.Std(),
	})
	if err != nil {
		return fmt.Errorf("failed to create health monitor: %w", err)
	}
	gw.monitor = monitor
	return nil
}

// close releases components in reverse creation order.
func (gw *gateway) close() {
	for i := len(gw.closers) - 1; i >= 0; i-- {
		if err := gw.closers[i](); err != nil {
			logger.Warnf("Error during shutdown: %v", err)
		}
	}
	gw.closers = nil
}
