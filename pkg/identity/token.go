// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors
var (
	ErrNoToken       = errors.New("no token provided")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrMissingSecret = errors.New("token secret is required")
)

// TokenVerifier issues and verifies HS256 gateway tokens.
type TokenVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// TokenOption configures a TokenVerifier.
type TokenOption func(*TokenVerifier)

// WithTokenClock overrides the time source used for issuing and validation.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(v *TokenVerifier) {
		v.now = now
	}
}

// NewTokenVerifier creates a verifier for tokens signed with secret.
func NewTokenVerifier(secret, issuer string, opts ...TokenOption) (*TokenVerifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	v := &TokenVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Issue signs claims as a token that expires after ttl. The issuer, issue time,
// expiry and token id are always set by the verifier.
func (v *TokenVerifier) Issue(claims Claims, ttl time.Duration) (string, error) {
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}
	now := v.now()
	claims.Issuer = v.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses token and validates its signature, issuer and expiry.
// Tokens without an expiry are rejected.
func (v *TokenVerifier) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
