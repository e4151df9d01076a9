// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package signing issues and verifies the HMAC-signed identity headers the
// gateway attaches to every forwarded request.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/svcgateway/pkg/logger"
)

const (
	// MinSecretLength is the minimum shared secret size in bytes.
	MinSecretLength = 32

	// ValidityWindow is how long a signature stays valid after its timestamp.
	ValidityWindow = 5 * time.Minute

	// FutureTolerance is how far ahead of the verifier's clock a timestamp may be.
	FutureTolerance = time.Minute

	fieldSeparator = "|"
)

// Signing errors
var (
	ErrSecretMissing    = errors.New("signing secret is not configured")
	ErrSecretTooShort   = errors.New("signing secret must be at least 32 bytes")
	ErrSignatureExpired = errors.New("signature expired")
	ErrSignatureFuture  = errors.New("signature timestamp is in the future")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrSignatureMissing = errors.New("signed headers missing")
	ErrMarkerMismatch   = errors.New("request was not signed by the gateway")
	ErrFieldSeparator   = errors.New("signed field contains the field separator")
)

// Payload is the set of fields covered by a signature.
type Payload struct {
	SubjectID    string
	SubjectEmail string
	SubjectRole  string
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64
	ServiceID string
}

// validate rejects fields that would make the canonical form ambiguous.
func (p Payload) validate() error {
	for _, field := range []string{p.SubjectID, p.SubjectEmail, p.SubjectRole, p.ServiceID} {
		if strings.Contains(field, fieldSeparator) {
			return ErrFieldSeparator
		}
	}
	return nil
}

// canonical joins the payload fields in their fixed order.
func (p Payload) canonical() string {
	return strings.Join([]string{
		p.SubjectID,
		p.SubjectEmail,
		p.SubjectRole,
		strconv.FormatInt(p.Timestamp, 10),
		p.ServiceID,
	}, fieldSeparator)
}

// Signer signs and verifies payloads with a shared secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock overrides the clock used for timestamps and verification.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// NewSigner validates the secret and returns a Signer.
func NewSigner(secret string, opts ...Option) (*Signer, error) {
	if secret == "" {
		return nil, ErrSecretMissing
	}
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}

	s := &Signer{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign returns the hex encoded HMAC-SHA256 of the payload.
func (s *Signer) Sign(p Payload) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(p.canonical()))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the payload timestamp against the validity window and then
// compares the signature in constant time.
func (s *Signer) Verify(signature string, p Payload) error {
	age := s.now().UnixMilli() - p.Timestamp

	if age > ValidityWindow.Milliseconds() {
		logger.Warnw("signature expired",
			"service", p.ServiceID,
			"age", time.Duration(age)*time.Millisecond)
		return ErrSignatureExpired
	}
	if age < -FutureTolerance.Milliseconds() {
		logger.Warnw("signature timestamp in the future",
			"service", p.ServiceID,
			"skew", time.Duration(-age)*time.Millisecond)
		return ErrSignatureFuture
	}

	given, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureInvalid
	}
	expected, _ := hex.DecodeString(s.Sign(p))

	if !hmac.Equal(given, expected) {
		logger.Warnw("signature mismatch", "service", p.ServiceID)
		return ErrSignatureInvalid
	}
	return nil
}
