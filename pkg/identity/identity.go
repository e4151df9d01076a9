// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves gateway credentials into caller identities.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

//go:generate mockgen -destination=mocks/mock_resolver.go -package=mocks -source=identity.go Resolver

var (
	// ErrNotFound is returned when no account exists for the credential subject.
	ErrNotFound = errors.New("identity not found")

	// ErrInactive is returned when the account exists but has been deactivated.
	ErrInactive = errors.New("identity is inactive")
)

// Identity is a resolved caller.
type Identity struct {
	ID          string
	Email       string
	Role        string
	Permissions []string
	Active      bool
}

// String returns a representation safe for logs.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Identity{ID:%q, Role:%q}", i.ID, i.Role)
}

// MarshalJSON uses lowercase field names.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}
	type safeIdentity struct {
		ID          string   `json:"id"`
		Email       string   `json:"email"`
		Role        string   `json:"role"`
		Permissions []string `json:"permissions"`
		Active      bool     `json:"active"`
	}
	return json.Marshal(safeIdentity{
		ID:          i.ID,
		Email:       i.Email,
		Role:        i.Role,
		Permissions: i.Permissions,
		Active:      i.Active,
	})
}

// HasPermission reports whether the identity holds permission.
func (i *Identity) HasPermission(permission string) bool {
	return slices.Contains(i.Permissions, permission)
}

// Authorized reports whether the identity may use a resource that requires
// any of required and, when roles is not empty, one of roles.
func (i *Identity) Authorized(required, roles []string) bool {
	if len(roles) > 0 && !slices.Contains(roles, i.Role) {
		return false
	}
	if len(required) == 0 {
		return true
	}
	for _, p := range required {
		if i.HasPermission(p) {
			return true
		}
	}
	return false
}

// Claims are the gateway token claims. SessionID and ServiceID are only set on
// tokens minted by the SSO exchange.
type Claims struct {
	jwt.RegisteredClaims

	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"sid,omitempty"`
	ServiceID string `json:"svc,omitempty"`
}

// Resolver loads the identity a set of verified claims refers to.
type Resolver interface {
	// Resolve returns ErrNotFound or ErrInactive when the subject cannot act.
	Resolve(ctx context.Context, claims Claims) (*Identity, error)
}

// Directory is a Resolver that holds resources.
type Directory interface {
	Resolver
	io.Closer
}
