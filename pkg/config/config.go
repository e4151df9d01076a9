// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config provides the configuration model for the service gateway.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a wrapper around time.Duration that marshals/unmarshals as a duration string.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete gateway configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `json:"server" yaml:"server"`

	// Auth configures credential verification and header signing.
	Auth AuthConfig `json:"auth" yaml:"auth"`

	// Redis configures the shared store. When Addr is empty every shared
	// structure falls back to its in-process implementation.
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// RateLimit is the default per-caller, per-service policy.
	RateLimit RateLimitConfig `json:"rateLimit" yaml:"rateLimit"`

	// SSO configures the authorization handshake.
	SSO SSOConfig `json:"sso" yaml:"sso"`

	// Health configures the upstream health monitor.
	Health HealthConfig `json:"health" yaml:"health"`

	// ProxyCache configures memoization of per-service forwarding handlers.
	ProxyCache ProxyCacheConfig `json:"proxyCache" yaml:"proxyCache"`

	// Telemetry configures tracing export and the Prometheus endpoint.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Identity configures the caller directory.
	Identity IdentityConfig `json:"identity" yaml:"identity"`

	// Audit configures the audit event sink.
	Audit AuditConfig `json:"audit" yaml:"audit"`

	// Services are the backends reachable through the gateway.
	Services []ServiceConfig `json:"services" yaml:"services"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address           string   `json:"address,omitempty" yaml:"address,omitempty"`
	ProxyPrefix       string   `json:"proxyPrefix,omitempty" yaml:"proxyPrefix,omitempty"`
	ReadHeaderTimeout Duration `json:"readHeaderTimeout,omitempty" yaml:"readHeaderTimeout,omitempty"`
	ShutdownTimeout   Duration `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout,omitempty"`

	// AdminToken protects the /admin endpoints. Admin routes are disabled when empty.
	AdminToken string `json:"adminToken,omitempty" yaml:"adminToken,omitempty"`

	// AdminRequestsPerSecond throttles the admin API as a whole.
	AdminRequestsPerSecond float64 `json:"adminRequestsPerSecond,omitempty" yaml:"adminRequestsPerSecond,omitempty"`
}

// AuthConfig configures credential verification and header signing.
type AuthConfig struct {
	// JWTSecret verifies HS256 caller tokens and signs SSO session tokens.
	JWTSecret string `json:"jwtSecret,omitempty" yaml:"jwtSecret,omitempty"`

	// Issuer is stamped into and required on gateway issued tokens.
	Issuer string `json:"issuer,omitempty" yaml:"issuer,omitempty"`

	// SigningSecret is the shared HMAC secret for forwarded identity headers.
	SigningSecret string `json:"signingSecret,omitempty" yaml:"signingSecret,omitempty"`

	SecureCookieName string `json:"secureCookieName,omitempty" yaml:"secureCookieName,omitempty"`
	LegacyCookieName string `json:"legacyCookieName,omitempty" yaml:"legacyCookieName,omitempty"`
	TokenHeaderName  string `json:"tokenHeaderName,omitempty" yaml:"tokenHeaderName,omitempty"`
}

// RedisConfig configures the shared store connection.
type RedisConfig struct {
	Addr         string   `json:"addr,omitempty" yaml:"addr,omitempty"`
	Username     string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password     string   `json:"password,omitempty" yaml:"password,omitempty"`
	DB           int      `json:"db,omitempty" yaml:"db,omitempty"`
	TLS          bool     `json:"tls,omitempty" yaml:"tls,omitempty"`
	KeyPrefix    string   `json:"keyPrefix,omitempty" yaml:"keyPrefix,omitempty"`
	DialTimeout  Duration `json:"dialTimeout,omitempty" yaml:"dialTimeout,omitempty"`
	ReadTimeout  Duration `json:"readTimeout,omitempty" yaml:"readTimeout,omitempty"`
	WriteTimeout Duration `json:"writeTimeout,omitempty" yaml:"writeTimeout,omitempty"`
}

// Enabled reports whether a shared store is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// RateLimitConfig is a rate limiting policy.
type RateLimitConfig struct {
	// Enabled is a pointer so an explicit false survives default merging.
	Enabled       *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Window        Duration `json:"window,omitempty" yaml:"window,omitempty"`
	MaxRequests   int      `json:"maxRequests,omitempty" yaml:"maxRequests,omitempty"`
	BlockDuration Duration `json:"blockDuration,omitempty" yaml:"blockDuration,omitempty"`

	// FailOpen admits requests while the shared store is unreachable. When
	// false the in-process limiter is consulted.
	FailOpen *bool `json:"failOpen,omitempty" yaml:"failOpen,omitempty"`
}

// IsEnabled reports whether rate limiting applies.
func (r RateLimitConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// IsFailOpen reports whether store failures admit requests.
func (r RateLimitConfig) IsFailOpen() bool {
	return r.FailOpen == nil || *r.FailOpen
}

// SSOConfig configures the authorization handshake.
type SSOConfig struct {
	CodeTTL         Duration `json:"codeTTL,omitempty" yaml:"codeTTL,omitempty"`
	SessionTTL      Duration `json:"sessionTTL,omitempty" yaml:"sessionTTL,omitempty"`
	CleanupInterval Duration `json:"cleanupInterval,omitempty" yaml:"cleanupInterval,omitempty"`

	// AutoCreateSessions creates a session on the first proxied request of a
	// caller that has none for the service.
	AutoCreateSessions bool     `json:"autoCreateSessions,omitempty" yaml:"autoCreateSessions,omitempty"`
	AutoSessionTTL     Duration `json:"autoSessionTTL,omitempty" yaml:"autoSessionTTL,omitempty"`

	// AuthorizeRateLimit throttles code issuance per caller.
	AuthorizeRateLimit RateLimitConfig `json:"authorizeRateLimit,omitempty" yaml:"authorizeRateLimit,omitempty"`

	// CallbackURL is the public address of the /sso/callback endpoint handed
	// to frontends during initiation.
	CallbackURL string `json:"callbackURL,omitempty" yaml:"callbackURL,omitempty"`
}

// HealthConfig configures the upstream health monitor.
type HealthConfig struct {
	CheckInterval Duration `json:"checkInterval,omitempty" yaml:"checkInterval,omitempty"`
	ProbeTimeout  Duration `json:"probeTimeout,omitempty" yaml:"probeTimeout,omitempty"`
}

// ProxyCacheConfig configures handler memoization. Zero TTL keeps entries until flushed.
type ProxyCacheConfig struct {
	TTL Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// TelemetryConfig configures tracing export and the Prometheus endpoint.
type TelemetryConfig struct {
	Endpoint          string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	ServiceName       string            `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`
	Insecure          bool              `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	SamplingRate      float64           `json:"samplingRate,omitempty" yaml:"samplingRate,omitempty"`
	Headers           map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	EnableMetricsPath bool              `json:"enableMetricsPath,omitempty" yaml:"enableMetricsPath,omitempty"`

	// ResourceAttributes are added to every exported span and metric.
	ResourceAttributes map[string]string `json:"resourceAttributes,omitempty" yaml:"resourceAttributes,omitempty"`
}

// Identity directory types
const (
	IdentityTypeStatic = "static"
	IdentityTypeSQLite = "sqlite"
)

// IdentityConfig configures the caller directory.
type IdentityConfig struct {
	Type       string       `json:"type,omitempty" yaml:"type,omitempty"`
	SQLitePath string       `json:"sqlitePath,omitempty" yaml:"sqlitePath,omitempty"`
	Users      []UserConfig `json:"users,omitempty" yaml:"users,omitempty"`
}

// UserConfig is a statically configured caller.
type UserConfig struct {
	ID          string   `json:"id" yaml:"id"`
	Email       string   `json:"email" yaml:"email"`
	Role        string   `json:"role" yaml:"role"`
	Permissions []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Inactive    bool     `json:"inactive,omitempty" yaml:"inactive,omitempty"`
}

// AuditConfig configures the audit event sink.
type AuditConfig struct {
	Enabled    bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	SQLitePath string `json:"sqlitePath,omitempty" yaml:"sqlitePath,omitempty"`

	// EventTypes restricts auditing to the listed types. Empty audits everything.
	EventTypes []string `json:"eventTypes,omitempty" yaml:"eventTypes,omitempty"`

	// ExcludeEventTypes are never audited. Takes precedence over EventTypes.
	ExcludeEventTypes []string `json:"excludeEventTypes,omitempty" yaml:"excludeEventTypes,omitempty"`
}

// Load balancing strategies
const (
	StrategySingle           = "single"
	StrategyRoundRobin       = "round-robin"
	StrategyWeighted         = "weighted"
	StrategyLeastConnections = "least-connections"
)

// ServiceConfig describes one backend service.
type ServiceConfig struct {
	// Name is the service slug used in proxy paths.
	Name string `json:"name" yaml:"name"`

	// DisplayName is forwarded as X-Service-Name.
	DisplayName string `json:"displayName,omitempty" yaml:"displayName,omitempty"`

	// PathPrefix is matched by route lookup. Defaults to "/<name>".
	PathPrefix string `json:"pathPrefix,omitempty" yaml:"pathPrefix,omitempty"`

	// UpstreamPathPrefix replaces the stripped proxy selector on the way out.
	UpstreamPathPrefix string `json:"upstreamPathPrefix,omitempty" yaml:"upstreamPathPrefix,omitempty"`

	Targets  []TargetConfig `json:"targets" yaml:"targets"`
	Strategy string         `json:"strategy,omitempty" yaml:"strategy,omitempty"`

	AllowedMethods      []string `json:"allowedMethods,omitempty" yaml:"allowedMethods,omitempty"`
	RequiredPermissions []string `json:"requiredPermissions,omitempty" yaml:"requiredPermissions,omitempty"`
	AllowedRoles        []string `json:"allowedRoles,omitempty" yaml:"allowedRoles,omitempty"`

	HealthCheckPath string               `json:"healthCheckPath,omitempty" yaml:"healthCheckPath,omitempty"`
	Timeout         Duration             `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries      *int                 `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	CircuitBreaker  CircuitBreakerConfig `json:"circuitBreaker,omitempty" yaml:"circuitBreaker,omitempty"`

	// FrontendURL is the only host SSO redirects may target.
	FrontendURL   string   `json:"frontendURL,omitempty" yaml:"frontendURL,omitempty"`
	AllowedScopes []string `json:"allowedScopes,omitempty" yaml:"allowedScopes,omitempty"`

	// RateLimit overrides the gateway default policy for this service.
	RateLimit *RateLimitConfig `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
}

// TargetConfig is one upstream instance.
type TargetConfig struct {
	URL    string `json:"url" yaml:"url"`
	Weight int    `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// CircuitBreakerConfig configures the per-route breaker.
type CircuitBreakerConfig struct {
	Threshold   int      `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	ResetWindow Duration `json:"resetWindow,omitempty" yaml:"resetWindow,omitempty"`
}
