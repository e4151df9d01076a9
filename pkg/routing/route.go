// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/stacklok/svcgateway/pkg/config"
	"github.com/stacklok/svcgateway/pkg/ratelimit"
)

// Strategy selects one target among several.
type Strategy string

// Load balancing strategies
const (
	StrategySingle           Strategy = config.StrategySingle
	StrategyRoundRobin       Strategy = config.StrategyRoundRobin
	StrategyWeighted         Strategy = config.StrategyWeighted
	StrategyLeastConnections Strategy = config.StrategyLeastConnections
)

// Target is one upstream instance of a route.
type Target struct {
	URL    *url.URL
	Weight int
}

// MarshalJSON renders the target with its URL as a string.
func (t Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		URL    string `json:"url"`
		Weight int    `json:"weight"`
	}{URL: t.URL.String(), Weight: t.Weight})
}

// BreakerPolicy configures the circuit breaker of a route.
type BreakerPolicy struct {
	Threshold   int           `json:"threshold"`
	ResetWindow time.Duration `json:"resetWindow"`
}

// Route describes one backend service. A registered route is never mutated;
// updates replace it.
type Route struct {
	Name               string   `json:"name"`
	DisplayName        string   `json:"displayName"`
	PathPrefix         string   `json:"pathPrefix"`
	UpstreamPathPrefix string   `json:"upstreamPathPrefix,omitempty"`
	Targets            []Target `json:"targets"`
	Strategy           Strategy `json:"strategy"`

	AllowedMethods      []string `json:"allowedMethods"`
	RequiredPermissions []string `json:"requiredPermissions,omitempty"`
	AllowedRoles        []string `json:"allowedRoles,omitempty"`

	HealthCheckPath string        `json:"healthCheckPath,omitempty"`
	Timeout         time.Duration `json:"timeout"`
	MaxRetries      int           `json:"maxRetries"`
	CircuitBreaker  BreakerPolicy `json:"circuitBreaker"`

	FrontendURL   string   `json:"frontendURL,omitempty"`
	AllowedScopes []string `json:"allowedScopes,omitempty"`

	// RateLimit is nil when the service is not rate limited.
	RateLimit *ratelimit.Policy `json:"rateLimit,omitempty"`

	Enabled bool `json:"enabled"`
}

// AllowsMethod reports whether method may be forwarded to the route.
func (r *Route) AllowsMethod(method string) bool {
	if len(r.AllowedMethods) == 0 {
		return true
	}
	return slices.Contains(r.AllowedMethods, strings.ToUpper(method))
}

// matches reports whether path falls under the route prefix on a segment boundary.
func (r *Route) matches(path string) bool {
	if r.PathPrefix == "/" {
		return true
	}
	return path == r.PathPrefix || strings.HasPrefix(path, r.PathPrefix+"/")
}

// FromConfig builds a route from a defaulted service configuration. gatewayLimit
// is the gateway wide policy used when the service has none of its own.
func FromConfig(svc config.ServiceConfig, gatewayLimit config.RateLimitConfig) (*Route, error) {
	if svc.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRoute)
	}
	if len(svc.Targets) == 0 {
		return nil, fmt.Errorf("%w: service %s has no targets", ErrInvalidRoute, svc.Name)
	}

	targets := make([]Target, 0, len(svc.Targets))
	for _, t := range svc.Targets {
		u, err := url.Parse(t.URL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: service %s target %q is not an absolute URL", ErrInvalidRoute, svc.Name, t.URL)
		}
		weight := t.Weight
		if weight <= 0 {
			weight = 1
		}
		targets = append(targets, Target{URL: u, Weight: weight})
	}

	methods := make([]string, 0, len(svc.AllowedMethods))
	for _, m := range svc.AllowedMethods {
		methods = append(methods, strings.ToUpper(m))
	}

	prefix := svc.PathPrefix
	if prefix == "" {
		prefix = "/" + svc.Name
	}
	if len(prefix) > 1 {
		prefix = strings.TrimSuffix(prefix, "/")
	}

	strategy := Strategy(svc.Strategy)
	if strategy == "" {
		strategy = StrategySingle
	}

	maxRetries := 0
	if svc.MaxRetries != nil {
		maxRetries = *svc.MaxRetries
	}

	route := &Route{
		Name:                svc.Name,
		DisplayName:         svc.DisplayName,
		PathPrefix:          prefix,
		UpstreamPathPrefix:  svc.UpstreamPathPrefix,
		Targets:             targets,
		Strategy:            strategy,
		AllowedMethods:      methods,
		RequiredPermissions: svc.RequiredPermissions,
		AllowedRoles:        svc.AllowedRoles,
		HealthCheckPath:     svc.HealthCheckPath,
		Timeout:             svc.Timeout.Std(),
		MaxRetries:          maxRetries,
		CircuitBreaker: BreakerPolicy{
			Threshold:   svc.CircuitBreaker.Threshold,
			ResetWindow: svc.CircuitBreaker.ResetWindow.Std(),
		},
		FrontendURL:   svc.FrontendURL,
		AllowedScopes: svc.AllowedScopes,
		Enabled:       true,
	}
	if route.DisplayName == "" {
		route.DisplayName = svc.Name
	}

	limit := gatewayLimit
	if svc.RateLimit != nil {
		limit = *svc.RateLimit
	}
	if limit.IsEnabled() {
		route.RateLimit = &ratelimit.Policy{
			Window:        limit.Window.Std(),
			MaxRequests:   limit.MaxRequests,
			BlockDuration: limit.BlockDuration.Std(),
		}
	}

	return route, nil
}
