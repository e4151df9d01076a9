// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"math"
	"net/http"
	"strconv"
)

// Response headers describing the caller's budget.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// SetHeaders writes the budget headers for d. Retry-After is only set on a
// blocked decision and is rounded up to whole seconds.
func SetHeaders(h http.Header, d Decision) {
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if d.Blocked {
		h.Set(HeaderRetryAfter, strconv.Itoa(RetryAfterSeconds(d)))
	}
}

// RetryAfterSeconds returns the whole seconds a blocked caller should wait, at least one.
func RetryAfterSeconds(d Decision) int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
