// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"net/http"
	"strings"
)

// CredentialSource names where a bearer credential was found.
type CredentialSource string

// Credential sources in lookup order
const (
	SourceSecureCookie  CredentialSource = "secure_cookie"
	SourceAuthorization CredentialSource = "authorization_header"
	SourceLegacyCookie  CredentialSource = "legacy_cookie"
	SourceCustomHeader  CredentialSource = "custom_header"
)

// CredentialNames configures the cookie and header names checked for a token.
type CredentialNames struct {
	SecureCookie string
	LegacyCookie string
	Header       string
}

// ExtractCredential returns the first credential present on r. Sources are
// checked in order: secure cookie, Authorization bearer, legacy cookie, then
// the custom header.
func ExtractCredential(r *http.Request, names CredentialNames) (string, CredentialSource, bool) {
	if token := cookieValue(r, names.SecureCookie); token != "" {
		return token, SourceSecureCookie, true
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token, SourceAuthorization, true
	}
	if token := cookieValue(r, names.LegacyCookie); token != "" {
		return token, SourceLegacyCookie, true
	}
	if names.Header != "" {
		if token := strings.TrimSpace(r.Header.Get(names.Header)); token != "" {
			return token, SourceCustomHeader, true
		}
	}
	return "", "", false
}

func cookieValue(r *http.Request, name string) string {
	if name == "" {
		return ""
	}
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
