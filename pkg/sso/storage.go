// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sso

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by storage when the entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCodeUsed is returned when an authorization code has already been consumed.
	ErrCodeUsed = errors.New("authorization code already used")
)

// Storage persists SSO state. Implementations must be safe for concurrent use
// and must return copies, never references to stored values.
type Storage interface {
	// SaveCode stores a new authorization code.
	SaveCode(ctx context.Context, code *AuthorizationCode) error
	// ConsumeCode marks the code used and returns it. Exactly one caller wins;
	// every later call returns ErrCodeUsed.
	ConsumeCode(ctx context.Context, code string) (*AuthorizationCode, error)

	SaveSession(ctx context.Context, session *Session) error
	// UpdateSession overwrites an existing session. It returns ErrNotFound and
	// writes nothing when the session has been deleted.
	UpdateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns every stored session of userID, expired ones included.
	ListSessions(ctx context.Context, userID string) ([]*Session, error)
	// DeleteSession reports whether a session was deleted.
	DeleteSession(ctx context.Context, id string) (bool, error)
	// DeleteUserSessions deletes every session of userID and returns how many there were.
	DeleteUserSessions(ctx context.Context, userID string) (int, error)

	// SaveAuthorization upserts by (UserID, ServiceID).
	SaveAuthorization(ctx context.Context, authz *ServiceAuthorization) error
	GetAuthorization(ctx context.Context, userID, serviceID string) (*ServiceAuthorization, error)
	GetAuthorizationByRefreshToken(ctx context.Context, refreshToken string) (*ServiceAuthorization, error)
	// ListAuthorizations returns the authorizations of userID, or all of them when userID is empty.
	ListAuthorizations(ctx context.Context, userID string) ([]*ServiceAuthorization, error)

	// DeleteExpired removes sessions and codes expired at now.
	DeleteExpired(ctx context.Context, now time.Time) (sessions int, codes int, err error)

	Close() error
}
