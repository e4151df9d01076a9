// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"context"
	"net/http"

	apierrors "github.com/stacklok/svcgateway/pkg/api/errors"
	gwerrors "github.com/stacklok/svcgateway/pkg/errors"
)

type payloadContextKey struct{}

// PayloadFromContext returns the verified payload stored by RequireSignedHeaders.
func PayloadFromContext(ctx context.Context) (Payload, bool) {
	p, ok := ctx.Value(payloadContextKey{}).(Payload)
	return p, ok
}

// RequireSignedHeaders is middleware for services sitting behind the gateway.
// Requests without a valid signed header set are rejected as unauthenticated.
// When serviceID is not empty the signature must also be addressed to it.
func (s *Signer) RequireSignedHeaders(serviceID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := s.VerifySignedHeaders(r.Header)
			if err == nil && serviceID != "" && p.ServiceID != serviceID {
				err = ErrSignatureInvalid
			}
			if err != nil {
				apierrors.WriteError(w, gwerrors.New(gwerrors.KindSignature, err.Error(), err))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), payloadContextKey{}, p)))
		})
	}
}
