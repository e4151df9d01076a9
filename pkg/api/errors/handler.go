// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides HTTP error handling utilities for the gateway API.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	gwerrors "github.com/stacklok/svcgateway/pkg/errors"
	"github.com/stacklok/svcgateway/pkg/logger"
	"github.com/stacklok/svcgateway/pkg/ratelimit"
)

// Body is the JSON error body returned for every terminal failure.
type Body struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HandlerWithError is an HTTP handler that can return an error.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// ErrorHandler wraps a HandlerWithError and converts a returned error into a
// structured JSON response.
//
//	r.Post("/exchange", apierrors.ErrorHandler(routes.exchange))
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			WriteError(w, err)
		}
	}
}

// WriteError writes err as a JSON body with the status of its kind. Server-side
// failures are logged in full and answered with a generic message. A rate
// limit rejection also carries the budget headers.
func WriteError(w http.ResponseWriter, err error) {
	code := gwerrors.StatusCode(err)
	if code >= http.StatusInternalServerError {
		logger.Errorf("Request failed: %v", err)
	}

	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		ratelimit.SetHeaders(w.Header(), exceeded.Decision)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Body{
		Code:      string(gwerrors.KindOf(err)),
		Message:   gwerrors.PublicMessage(err),
		Timestamp: time.Now().UTC(),
	})
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
