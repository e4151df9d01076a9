// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"fmt"
	"slices"

	"github.com/stacklok/svcgateway/pkg/config"
)

// StaticResolver resolves identities from the users listed in configuration.
type StaticResolver struct {
	users map[string]*Identity
}

var _ Directory = (*StaticResolver)(nil)

// NewStaticResolver indexes users by id.
func NewStaticResolver(users []config.UserConfig) (*StaticResolver, error) {
	r := &StaticResolver{users: make(map[string]*Identity, len(users))}
	for _, u := range users {
		if u.ID == "" {
			return nil, fmt.Errorf("user %q has no id", u.Email)
		}
		if _, dup := r.users[u.ID]; dup {
			return nil, fmt.Errorf("duplicate user id %q", u.ID)
		}
		r.users[u.ID] = fromConfig(u)
	}
	return r, nil
}

func fromConfig(u config.UserConfig) *Identity {
	return &Identity{
		ID:          u.ID,
		Email:       u.Email,
		Role:        u.Role,
		Permissions: slices.Clone(u.Permissions),
		Active:      !u.Inactive,
	}
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, claims Claims) (*Identity, error) {
	id, ok := r.users[claims.Subject]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, claims.Subject)
	}
	if !id.Active {
		return nil, fmt.Errorf("%w: %s", ErrInactive, claims.Subject)
	}
	clone := *id
	clone.Permissions = slices.Clone(id.Permissions)
	return &clone, nil
}

// Close implements io.Closer.
func (*StaticResolver) Close() error {
	return nil
}

// NewFromConfig builds the directory selected by cfg.
func NewFromConfig(ctx context.Context, cfg config.IdentityConfig) (Directory, error) {
	switch cfg.Type {
	case "", config.IdentityTypeStatic:
		return NewStaticResolver(cfg.Users)
	case config.IdentityTypeSQLite:
		dir, err := OpenSQLiteDirectory(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := dir.Seed(ctx, cfg.Users); err != nil {
			_ = dir.Close()
			return nil, err
		}
		return dir, nil
	default:
		return nil, fmt.Errorf("unsupported identity type %q", cfg.Type)
	}
}
