// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the gateway error taxonomy and its mapping to HTTP.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

// Kind identifies a class of gateway failure. It is also the "code" field of
// the JSON error body.
type Kind string

// Error kinds
const (
	// KindAuthentication is a missing, invalid or expired credential.
	KindAuthentication Kind = "authentication_error"

	// KindAuthorization is a valid identity lacking permission or session.
	KindAuthorization Kind = "authorization_error"

	// KindNotFound is an unknown service, route or session.
	KindNotFound Kind = "not_found"

	// KindMethodNotAllowed is a method outside the route's allowed set.
	KindMethodNotAllowed Kind = "method_not_allowed"

	// KindRateLimitExceeded is a caller over its allowance or currently blocked.
	KindRateLimitExceeded Kind = "rate_limit_exceeded"

	// KindServiceUnavailable is an unhealthy route or an unreachable upstream.
	KindServiceUnavailable Kind = "service_unavailable"

	// KindBadGateway is an unclassified upstream failure.
	KindBadGateway Kind = "bad_gateway"

	// KindGatewayTimeout is an upstream that did not answer in time.
	KindGatewayTimeout Kind = "gateway_timeout"

	// KindValidation is malformed caller input.
	KindValidation Kind = "validation_error"

	// KindInvalidGrant is an unknown, expired or already redeemed authorization code.
	KindInvalidGrant Kind = "invalid_grant"

	// KindSignature is an expired, invalid or missing trust signature.
	KindSignature Kind = "signature_error"

	// KindInternal is everything else.
	KindInternal Kind = "internal_error"
)

var kindStatus = map[Kind]int{
	KindAuthentication:     http.StatusUnauthorized,
	KindAuthorization:      http.StatusForbidden,
	KindNotFound:           http.StatusNotFound,
	KindMethodNotAllowed:   http.StatusMethodNotAllowed,
	KindRateLimitExceeded:  http.StatusTooManyRequests,
	KindServiceUnavailable: http.StatusServiceUnavailable,
	KindBadGateway:         http.StatusBadGateway,
	KindGatewayTimeout:     http.StatusGatewayTimeout,
	KindValidation:         http.StatusBadRequest,
	KindInvalidGrant:       http.StatusBadRequest,
	KindSignature:          http.StatusUnauthorized,
	KindInternal:           http.StatusInternalServerError,
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a failure of this kind may be retried against
// another attempt of the same upstream.
func (k Kind) Retryable() bool {
	switch k {
	case KindServiceUnavailable, KindBadGateway, KindGatewayTimeout:
		return true
	default:
		return false
	}
}

// Error is a classified gateway error.
type Error struct {
	// Kind is the error class
	Kind Kind

	// Message is safe to show to callers
	Message string

	// Cause is the underlying error, never shown to callers
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is checks. Each matches every *Error of its kind.
var (
	ErrAuthentication     = &Error{Kind: KindAuthentication, Message: "authentication required"}
	ErrAuthorization      = &Error{Kind: KindAuthorization, Message: "access denied"}
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "not found"}
	ErrMethodNotAllowed   = &Error{Kind: KindMethodNotAllowed, Message: "method not allowed"}
	ErrRateLimitExceeded  = &Error{Kind: KindRateLimitExceeded, Message: "too many requests"}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable, Message: "service unavailable"}
	ErrBadGateway         = &Error{Kind: KindBadGateway, Message: "bad gateway"}
	ErrGatewayTimeout     = &Error{Kind: KindGatewayTimeout, Message: "gateway timeout"}
	ErrValidation         = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrInvalidGrant       = &Error{Kind: KindInvalidGrant, Message: "invalid grant"}
	ErrSignature          = &Error{Kind: KindSignature, Message: "invalid signature"}
	ErrInternal           = &Error{Kind: KindInternal, Message: "internal error"}
)

// New creates a classified error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(message string, cause error) *Error {
	return New(KindAuthentication, message, cause)
}

// NewAuthorizationError creates a new authorization error
func NewAuthorizationError(message string, cause error) *Error {
	return New(KindAuthorization, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return New(KindNotFound, message, cause)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return New(KindValidation, message, cause)
}

// NewRateLimitError creates a new rate limit error
func NewRateLimitError(message string, cause error) *Error {
	return New(KindRateLimitExceeded, message, cause)
}

// KindOf returns the kind of err, or KindInternal if it is not classified.
// Errors carrying only an httperr code are mapped back to the nearest kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch httperr.Code(err) {
	case http.StatusBadRequest:
		return KindValidation
	case http.StatusUnauthorized:
		return KindAuthentication
	case http.StatusForbidden:
		return KindAuthorization
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusTooManyRequests:
		return KindRateLimitExceeded
	default:
		return KindInternal
	}
}

// StatusCode returns the HTTP status for err.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Status()
	}
	return httperr.Code(err)
}

// PublicMessage returns the message safe to expose to callers. Server-side
// failures never leak their cause.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if code := httperr.Code(err); code < http.StatusInternalServerError {
		return err.Error()
	}
	return http.StatusText(http.StatusInternalServerError)
}
