// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok/toolhive-core/httperr"
)

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with cause",
			err:  New(KindBadGateway, "upstream failed", errors.New("connection reset")),
			want: "bad_gateway: upstream failed: connection reset",
		},
		{
			name: "without cause",
			err:  New(KindNotFound, "unknown service", nil),
			want: "not_found: unknown service",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_IsMatchesKind(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("dispatch: %w", NewAuthenticationError("token expired", errors.New("exp")))

	assert.ErrorIs(t, err, ErrAuthentication)
	assert.NotErrorIs(t, err, ErrAuthorization)
	assert.Equal(t, KindAuthentication, KindOf(err))
}

func TestKind_Status(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want int
	}{
		{KindAuthentication, http.StatusUnauthorized},
		{KindAuthorization, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindRateLimitExceeded, http.StatusTooManyRequests},
		{KindServiceUnavailable, http.StatusServiceUnavailable},
		{KindBadGateway, http.StatusBadGateway},
		{KindGatewayTimeout, http.StatusGatewayTimeout},
		{KindValidation, http.StatusBadRequest},
		{KindInvalidGrant, http.StatusBadRequest},
		{KindSignature, http.StatusUnauthorized},
		{Kind("made_up"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.kind.Status())
		})
	}
}

func TestKind_Retryable(t *testing.T) {
	t.Parallel()

	assert.True(t, KindServiceUnavailable.Retryable())
	assert.True(t, KindBadGateway.Retryable())
	assert.True(t, KindGatewayTimeout.Retryable())
	assert.False(t, KindAuthentication.Retryable())
	assert.False(t, KindSignature.Retryable())
	assert.False(t, KindAuthorization.Retryable())
}

func TestStatusCodeAndPublicMessage(t *testing.T) {
	t.Parallel()

	t.Run("classified error hides cause", func(t *testing.T) {
		t.Parallel()
		err := New(KindServiceUnavailable, "service unavailable", errors.New("dial tcp 10.0.0.7:8080: connect: connection refused"))
		assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
		assert.Equal(t, "service unavailable", PublicMessage(err))
	})

	t.Run("httperr code is honoured", func(t *testing.T) {
		t.Parallel()
		err := fmt.Errorf("lookup: %w", httperr.WithCode(errors.New("session not found"), http.StatusNotFound))
		assert.Equal(t, http.StatusNotFound, StatusCode(err))
		assert.Equal(t, KindNotFound, KindOf(err))
	})

	t.Run("plain error is internal", func(t *testing.T) {
		t.Parallel()
		err := errors.New("boom at 10.0.0.7")
		assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
		assert.Equal(t, KindInternal, KindOf(err))
		assert.NotContains(t, PublicMessage(err), "10.0.0.7")
	})
}
