// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	apierrors "github.com/stacklok/svcgateway/pkg/api/errors"
	gwerrors "github.com/stacklok/svcgateway/pkg/errors"
	"github.com/stacklok/svcgateway/pkg/identity"
	"github.com/stacklok/svcgateway/pkg/proxy"
)

// HeaderAdminToken carries the admin API token when no bearer token is sent.
const HeaderAdminToken = "X-Admin-Token"

// CallerAuthenticator authenticates the caller of a gateway endpoint with the
// same credentials the proxy accepts.
type CallerAuthenticator interface {
	Authenticate(r *http.Request) (*proxy.RequestContext, error)
}

type callerContextKey struct{}

// RequireCaller rejects requests without a valid caller credential and stores
// the authenticated request context for the handlers.
func RequireCaller(auth CallerAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, err := auth.Authenticate(r)
			if err != nil {
				apierrors.WriteError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), callerContextKey{}, rc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerFromContext returns the request context stored by RequireCaller.
func CallerFromContext(ctx context.Context) (*proxy.RequestContext, bool) {
	rc, ok := ctx.Value(callerContextKey{}).(*proxy.RequestContext)
	return rc, ok && rc != nil && rc.Identity != nil
}

func caller(r *http.Request) (*proxy.RequestContext, error) {
	rc, ok := CallerFromContext(r.Context())
	if !ok {
		return nil, gwerrors.NewAuthenticationError("authentication required", identity.ErrNoToken)
	}
	return rc, nil
}

// RequireAdminToken protects the admin API with a static token sent either
// as a bearer token or in X-Admin-Token.
func RequireAdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(HeaderAdminToken)
			if presented == "" {
				if scheme, value, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
					presented = strings.TrimSpace(value)
				}
			}
			if token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				apierrors.WriteError(w, gwerrors.NewAuthenticationError("invalid admin token", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Throttle rejects requests beyond the limiter budget with 429.
func Throttle(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				apierrors.WriteError(w, gwerrors.NewRateLimitError("too many admin requests", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
