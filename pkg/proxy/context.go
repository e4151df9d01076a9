// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/stacklok/svcgateway/pkg/identity"
	"github.com/stacklok/svcgateway/pkg/ratelimit"
	"github.com/stacklok/svcgateway/pkg/routing"
	"github.com/stacklok/svcgateway/pkg/sso"
)

// RequestContext carries what the dispatch stages resolve for one request.
// Each stage reads the fields set by the stages before it.
type RequestContext struct {
	RequestID string
	StartedAt time.Time

	// ServicePath is the request path below the proxy prefix.
	ServicePath string

	Credential       string
	CredentialSource CredentialSource
	Claims           *identity.Claims
	Identity         *identity.Identity
	Route            *routing.Route
	Session          *sso.Session
	Decision         *ratelimit.Decision
	SignedHeaders    http.Header
	Handler          http.Handler

	// Set while forwarding.
	Attempts    int
	Upstream    string
	UpstreamErr error
}

type requestContextKey struct{}

// WithRequestContext stores rc in ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext returns the RequestContext stored in ctx, or nil.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// SessionID returns the id of the resolved SSO session, if any.
func (rc *RequestContext) SessionID() string {
	if rc.Session == nil {
		return ""
	}
	return rc.Session.ID
}

// ServiceName returns the name of the resolved route, if any.
func (rc *RequestContext) ServiceName() string {
	if rc.Route == nil {
		return ""
	}
	return rc.Route.Name
}
