// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
)

// maxRequestBodySize bounds the bodies accepted by the SSO and admin APIs.
const maxRequestBodySize = 1 << 20

// requestBodySizeLimitMiddleware rejects bodies larger than limit with 413.
// The body is read up front so a lying Content-Length cannot slip a larger
// payload past the handler.
func requestBodySizeLimitMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				tooLarge(w)
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
				_ = r.Body.Close()
				var maxErr *http.MaxBytesError
				switch {
				case errors.As(err, &maxErr):
					tooLarge(w)
					return
				case err != nil:
					http.Error(w, "Failed to read request body", http.StatusBadRequest)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(data))
				r.ContentLength = int64(len(data))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tooLarge(w http.ResponseWriter) {
	http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
}
