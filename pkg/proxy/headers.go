// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"net/http"
	"strings"

	"github.com/stacklok/svcgateway/pkg/signing"
)

// Injected request and response headers
const (
	HeaderRequestID    = "X-Request-Id"
	HeaderSessionID    = "X-Session-Id"
	HeaderServiceName  = "X-Service-Name"
	HeaderResponseTime = "X-Response-Time"
)

// allowedHeaders are forwarded from the caller. Keys are canonical.
var allowedHeaders = map[string]bool{
	"Content-Type":   true,
	"Content-Length": true,
	"User-Agent":     true,
}

// alwaysDropped never reach an upstream, whatever the allow-list says.
// Keys are canonical.
var alwaysDropped = map[string]bool{
	"Authorization":       true,
	"Cookie":              true,
	"X-Api-Key":           true,
	"Proxy-Authorization": true,
}

// isForwardable reports whether an inbound header may be copied upstream.
func isForwardable(name string, extraDropped map[string]bool) bool {
	canonical := http.CanonicalHeaderKey(name)
	if alwaysDropped[canonical] || extraDropped[canonical] {
		return false
	}
	return allowedHeaders[canonical] || strings.HasPrefix(canonical, "Accept")
}

// FilterHeaders returns the subset of in that may be forwarded. Headers named
// in drop are removed on top of the fixed deny list.
func FilterHeaders(in http.Header, drop ...string) http.Header {
	extra := make(map[string]bool, len(drop)+len(signing.HeaderNames))
	for _, name := range signing.HeaderNames {
		extra[http.CanonicalHeaderKey(name)] = true
	}
	for _, name := range drop {
		extra[http.CanonicalHeaderKey(name)] = true
	}

	out := make(http.Header, len(in))
	for name, values := range in {
		if isForwardable(name, extra) {
			out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
	return out
}

// StripPrefix removes prefix from path on a segment boundary. The result
// always starts with "/".
func StripPrefix(path, prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return ensureLeadingSlash(path)
	}
	if path == prefix {
		return "/"
	}
	if rest, ok := strings.CutPrefix(path, prefix+"/"); ok {
		return "/" + rest
	}
	return ensureLeadingSlash(path)
}

func ensureLeadingSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// joinURLPath joins a base path and a request path with exactly one slash.
func joinURLPath(base, path string) string {
	switch {
	case base == "" || base == "/":
		return ensureLeadingSlash(path)
	case path == "" || path == "/":
		return ensureLeadingSlash(base)
	}
	return strings.TrimSuffix(ensureLeadingSlash(base), "/") + ensureLeadingSlash(path)
}
