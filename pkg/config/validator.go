// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/stacklok/svcgateway/pkg/signing"
)

// ErrInvalidConfig is returned when the configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

var serviceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

var validStrategies = []string{
	StrategySingle, StrategyRoundRobin, StrategyWeighted, StrategyLeastConnections,
}

// Validator validates gateway configuration.
type Validator interface {
	Validate(cfg *Config) error
}

// DefaultValidator implements comprehensive configuration validation.
type DefaultValidator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// Validate performs comprehensive validation of the configuration. Every
// problem found is reported, not only the first.
func (v *DefaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", ErrInvalidConfig)
	}

	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	collect(v.validateServer(cfg.Server))
	collect(v.validateAuth(cfg.Auth))
	collect(v.validateRateLimit("rateLimit", cfg.RateLimit))
	collect(v.validateRateLimit("sso.authorizeRateLimit", cfg.SSO.AuthorizeRateLimit))
	collect(v.validateIdentity(cfg.Identity))
	collect(v.validateTelemetry(cfg.Telemetry))

	seen := make(map[string]bool, len(cfg.Services))
	for i, svc := range cfg.Services {
		if seen[svc.Name] {
			errs = append(errs, fmt.Sprintf("services[%d]: duplicate service name %q", i, svc.Name))
		}
		seen[svc.Name] = true
		for _, err := range v.validateService(svc) {
			errs = append(errs, fmt.Sprintf("services[%d] (%s): %s", i, svc.Name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func (*DefaultValidator) validateServer(s ServerConfig) error {
	if s.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if !strings.HasPrefix(s.ProxyPrefix, "/") {
		return fmt.Errorf("server.proxyPrefix must start with '/'")
	}
	return nil
}

func (*DefaultValidator) validateAuth(a AuthConfig) error {
	if a.SigningSecret == "" {
		return fmt.Errorf("auth.signingSecret is required")
	}
	if len(a.SigningSecret) < signing.MinSecretLength {
		return fmt.Errorf("auth.signingSecret must be at least %d bytes", signing.MinSecretLength)
	}
	if a.JWTSecret == "" {
		return fmt.Errorf("auth.jwtSecret is required")
	}
	return nil
}

func (*DefaultValidator) validateRateLimit(field string, r RateLimitConfig) error {
	if !r.IsEnabled() {
		return nil
	}
	if r.Window <= 0 {
		return fmt.Errorf("%s.window must be positive", field)
	}
	if r.MaxRequests <= 0 {
		return fmt.Errorf("%s.maxRequests must be positive", field)
	}
	if r.BlockDuration < 0 {
		return fmt.Errorf("%s.blockDuration must not be negative", field)
	}
	return nil
}

func (*DefaultValidator) validateIdentity(i IdentityConfig) error {
	switch i.Type {
	case IdentityTypeStatic:
		return nil
	case IdentityTypeSQLite:
		if i.SQLitePath == "" {
			return fmt.Errorf("identity.sqlitePath is required for the sqlite directory")
		}
		return nil
	default:
		return fmt.Errorf("identity.type must be one of %q or %q", IdentityTypeStatic, IdentityTypeSQLite)
	}
}

func (*DefaultValidator) validateTelemetry(t TelemetryConfig) error {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		return fmt.Errorf("telemetry.samplingRate must be between 0 and 1")
	}
	return nil
}

// ValidateService validates a single defaulted service definition.
func (v *DefaultValidator) ValidateService(svc ServiceConfig) error {
	if errs := v.validateService(svc); len(errs) > 0 {
		return fmt.Errorf("%w: service %q: %s", ErrInvalidConfig, svc.Name, strings.Join(errs, "; "))
	}
	return nil
}

func (v *DefaultValidator) validateService(svc ServiceConfig) []string {
	var errs []string

	if !serviceNamePattern.MatchString(svc.Name) {
		errs = append(errs, "name must be a lowercase slug")
	}
	if len(svc.Targets) == 0 {
		errs = append(errs, "at least one target is required")
	}
	for j, target := range svc.Targets {
		u, err := url.Parse(target.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("targets[%d]: %q is not an absolute http(s) URL", j, target.URL))
		}
	}
	if !slices.Contains(validStrategies, svc.Strategy) {
		errs = append(errs, fmt.Sprintf("strategy must be one of %s", strings.Join(validStrategies, ", ")))
	}
	if svc.Strategy == StrategySingle && len(svc.Targets) > 1 {
		errs = append(errs, "strategy single allows exactly one target")
	}
	if svc.Timeout <= 0 {
		errs = append(errs, "timeout must be positive")
	}
	if svc.MaxRetries != nil && *svc.MaxRetries < 0 {
		errs = append(errs, "maxRetries must not be negative")
	}
	if svc.FrontendURL != "" {
		if u, err := url.Parse(svc.FrontendURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Sprintf("frontendURL %q is not an absolute URL", svc.FrontendURL))
		}
	}
	if svc.RateLimit != nil {
		if err := v.validateRateLimit("rateLimit", *svc.RateLimit); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
