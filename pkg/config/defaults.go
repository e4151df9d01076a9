// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"net/http"
	"strings"
	"time"

	"dario.cat/mergo"
)

// Default constants for gateway configuration.
const (
	defaultAddress           = ":8080"
	defaultProxyPrefix       = "/api/v1/proxy"
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 15 * time.Second
	defaultAdminRPS          = 20

	defaultIssuer           = "svcgateway"
	defaultSecureCookieName = "__Secure-gateway_token"
	defaultLegacyCookieName = "gateway_token"
	defaultTokenHeaderName  = "X-Gateway-Token"

	defaultRedisKeyPrefix    = "gateway:"
	defaultRedisDialTimeout  = 5 * time.Second
	defaultRedisReadTimeout  = 3 * time.Second
	defaultRedisWriteTimeout = 3 * time.Second

	defaultRateLimitWindow   = 15 * time.Minute
	defaultRateLimitMax      = 100
	defaultRateLimitBlock    = 15 * time.Minute
	defaultAuthorizeWindow   = time.Minute
	defaultAuthorizeMax      = 10
	defaultAuthorizeBlock    = 5 * time.Minute
	defaultCodeTTL           = 5 * time.Minute
	defaultSessionTTL        = time.Hour
	defaultAutoSessionTTL    = 24 * time.Hour
	defaultCleanupInterval   = 10 * time.Minute
	defaultCheckInterval     = 30 * time.Second
	defaultProbeTimeout      = 5 * time.Second
	defaultServiceName       = "svcgateway"
	defaultSamplingRate      = 0.05
	defaultServiceTimeout    = 30 * time.Second
	defaultMaxRetries        = 3
	defaultBreakerThreshold  = 5
	defaultBreakerReset      = 60 * time.Second
	defaultHealthCheckPath   = "/health"
	defaultWeight            = 1
)

// DefaultAllowedMethods are the methods a service accepts unless configured otherwise.
var DefaultAllowedMethods = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch,
}

// DefaultScopes are granted when an SSO request names none.
var DefaultScopes = []string{"profile", "email"}

// DefaultConfig returns a configuration with every default populated and no services.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:                defaultAddress,
			ProxyPrefix:            defaultProxyPrefix,
			ReadHeaderTimeout:      Duration(defaultReadHeaderTimeout),
			ShutdownTimeout:        Duration(defaultShutdownTimeout),
			AdminRequestsPerSecond: defaultAdminRPS,
		},
		Auth: AuthConfig{
			Issuer:           defaultIssuer,
			SecureCookieName: defaultSecureCookieName,
			LegacyCookieName: defaultLegacyCookieName,
			TokenHeaderName:  defaultTokenHeaderName,
		},
		Redis: RedisConfig{
			KeyPrefix:    defaultRedisKeyPrefix,
			DialTimeout:  Duration(defaultRedisDialTimeout),
			ReadTimeout:  Duration(defaultRedisReadTimeout),
			WriteTimeout: Duration(defaultRedisWriteTimeout),
		},
		RateLimit: RateLimitConfig{
			Window:        Duration(defaultRateLimitWindow),
			MaxRequests:   defaultRateLimitMax,
			BlockDuration: Duration(defaultRateLimitBlock),
		},
		SSO: SSOConfig{
			CodeTTL:         Duration(defaultCodeTTL),
			SessionTTL:      Duration(defaultSessionTTL),
			CleanupInterval: Duration(defaultCleanupInterval),
			AutoSessionTTL:  Duration(defaultAutoSessionTTL),
			AuthorizeRateLimit: RateLimitConfig{
				Window:        Duration(defaultAuthorizeWindow),
				MaxRequests:   defaultAuthorizeMax,
				BlockDuration: Duration(defaultAuthorizeBlock),
			},
		},
		Health: HealthConfig{
			CheckInterval: Duration(defaultCheckInterval),
			ProbeTimeout:  Duration(defaultProbeTimeout),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  defaultServiceName,
			SamplingRate: defaultSamplingRate,
		},
		Identity: IdentityConfig{
			Type: IdentityTypeStatic,
		},
	}
}

// defaultService returns the per-service defaults for a service named name.
func defaultService(name string) ServiceConfig {
	maxRetries := defaultMaxRetries
	return ServiceConfig{
		DisplayName:    name,
		PathPrefix:     "/" + name,
		Strategy:       StrategySingle,
		AllowedMethods: DefaultAllowedMethods,
		Timeout:        Duration(defaultServiceTimeout),
		MaxRetries:     &maxRetries,
		CircuitBreaker: CircuitBreakerConfig{
			Threshold:   defaultBreakerThreshold,
			ResetWindow: Duration(defaultBreakerReset),
		},
		AllowedScopes: DefaultScopes,
	}
}

// EnsureDefaults fills every zero value with its default while preserving
// user-provided values.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}

	_ = mergo.Merge(c, DefaultConfig())

	for i := range c.Services {
		c.applyServiceDefaults(&c.Services[i])
	}
}

// ServiceWithDefaults returns svc with every zero value defaulted, as if it
// had been listed in the configuration file.
func (c *Config) ServiceWithDefaults(svc ServiceConfig) ServiceConfig {
	c.applyServiceDefaults(&svc)
	return svc
}

func (c *Config) applyServiceDefaults(svc *ServiceConfig) {
	svc.Name = strings.ToLower(strings.TrimSpace(svc.Name))
	_ = mergo.Merge(svc, defaultService(svc.Name))

	if svc.HealthCheckPath == "" && len(svc.Targets) > 0 {
		svc.HealthCheckPath = defaultHealthCheckPath
	}
	if len(svc.Targets) > 1 && svc.Strategy == StrategySingle {
		svc.Strategy = StrategyRoundRobin
	}
	for j := range svc.Targets {
		if svc.Targets[j].Weight <= 0 {
			svc.Targets[j].Weight = defaultWeight
		}
	}
	if svc.RateLimit != nil {
		_ = mergo.Merge(svc.RateLimit, c.RateLimit)
	}
}

// ServiceRateLimit returns the effective rate limit policy for svc.
func (c *Config) ServiceRateLimit(svc ServiceConfig) RateLimitConfig {
	if svc.RateLimit != nil {
		return *svc.RateLimit
	}
	return c.RateLimit
}
