// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sso

import (
	"crypto/rand"
	"encoding/hex"
	"slices"
	"time"
)

// Service authorization lifetimes
const (
	AccessTokenTTL  = 30 * 24 * time.Hour
	RefreshTokenTTL = 90 * 24 * time.Hour
)

// Revocation reasons
const (
	RevokedReasonUser    = "revoked_by_user"
	RevokedReasonExpired = "expired"
)

// Session binds a user to one backend service. Tokens minted by the exchange
// carry its id and stop working as soon as it is deleted.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	ServiceID   string    `json:"serviceId"`
	Scopes      []string  `json:"scopes"`
	RedirectURL string    `json:"redirectUrl,omitempty"`
	State       string    `json:"state,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// IsExpired reports whether the session is expired at now. A zero expiry is expired.
func (s *Session) IsExpired(now time.Time) bool {
	return s.ExpiresAt.IsZero() || !now.Before(s.ExpiresAt)
}

func (s *Session) clone() *Session {
	c := *s
	c.Scopes = slices.Clone(s.Scopes)
	return &c
}

// AuthorizationCode is a single use grant issued by Authorize.
type AuthorizationCode struct {
	Code        string    `json:"code"`
	UserID      string    `json:"userId"`
	ServiceID   string    `json:"serviceId"`
	RedirectURL string    `json:"redirectUrl"`
	Scopes      []string  `json:"scopes"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Used        bool      `json:"used"`
}

// IsExpired reports whether the code is expired at now. A zero expiry is expired.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return c.ExpiresAt.IsZero() || !now.Before(c.ExpiresAt)
}

func (c *AuthorizationCode) clone() *AuthorizationCode {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// ServiceAuthorization is the long lived grant of a user to a service.
// It is deactivated, never deleted.
type ServiceAuthorization struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	ServiceID        string     `json:"serviceId"`
	AccessToken      string     `json:"accessToken"`
	RefreshToken     string     `json:"refreshToken"`
	Scopes           []string   `json:"scopes"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	RefreshExpiresAt time.Time  `json:"refreshExpiresAt"`
	IsActive         bool       `json:"isActive"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastUsedAt       time.Time  `json:"lastUsedAt"`
	RevokedAt        *time.Time `json:"revokedAt,omitempty"`
	RevokedReason    string     `json:"revokedReason,omitempty"`
}

// Renew issues a new access token valid for AccessTokenTTL from now.
func (a *ServiceAuthorization) Renew(now time.Time) {
	a.AccessToken = randomToken()
	a.ExpiresAt = now.Add(AccessTokenTTL)
	a.LastUsedAt = now
}

// IsExpired reports whether the access token is expired at now.
func (a *ServiceAuthorization) IsExpired(now time.Time) bool {
	return a.ExpiresAt.IsZero() || !now.Before(a.ExpiresAt)
}

// IsRefreshExpired reports whether the refresh token is expired at now.
func (a *ServiceAuthorization) IsRefreshExpired(now time.Time) bool {
	return a.RefreshExpiresAt.IsZero() || !now.Before(a.RefreshExpiresAt)
}

func (a *ServiceAuthorization) deactivate(now time.Time, reason string) {
	a.IsActive = false
	a.RevokedAt = &now
	a.RevokedReason = reason
}

func (a *ServiceAuthorization) clone() *ServiceAuthorization {
	c := *a
	c.Scopes = slices.Clone(a.Scopes)
	if a.RevokedAt != nil {
		t := *a.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}

// randomToken returns 32 random bytes, hex encoded.
func randomToken() string {
	b := make([]byte, 32)
	// crypto/rand.Read never returns an error
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
