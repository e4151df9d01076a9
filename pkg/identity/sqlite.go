// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stacklok/svcgateway/pkg/config"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// ErrEmailTaken is returned when another user already owns the email.
var ErrEmailTaken = errors.New("email already in use")

// SQLiteDirectory resolves identities from a SQLite users table.
type SQLiteDirectory struct {
	db *sql.DB
}

var _ Directory = (*SQLiteDirectory)(nil)

// OpenSQLiteDirectory opens the database at path and applies pending migrations.
func OpenSQLiteDirectory(ctx context.Context, path string) (*SQLiteDirectory, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening identity database: %w", err)
	}
	// sqlite serialises writers; one connection avoids SQLITE_BUSY between them.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteDirectory{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}

// Resolve implements Resolver.
func (d *SQLiteDirectory) Resolve(ctx context.Context, claims Claims) (*Identity, error) {
	id, err := d.Get(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if !id.Active {
		return nil, fmt.Errorf("%w: %s", ErrInactive, claims.Subject)
	}
	return id, nil
}

// Get returns the user with the given id, active or not.
func (d *SQLiteDirectory) Get(ctx context.Context, userID string) (*Identity, error) {
	var (
		id          Identity
		permissions string
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT id, email, role, permissions, active FROM users WHERE id = ?`, userID,
	).Scan(&id.ID, &id.Email, &id.Role, &permissions, &id.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	if err := json.Unmarshal([]byte(permissions), &id.Permissions); err != nil {
		return nil, fmt.Errorf("decoding permissions of %s: %w", userID, err)
	}
	return &id, nil
}

// Upsert creates or replaces the user with id.ID.
func (d *SQLiteDirectory) Upsert(ctx context.Context, id *Identity) error {
	if id == nil || id.ID == "" {
		return errors.New("user id is required")
	}
	perms := id.Permissions
	if perms == nil {
		perms = []string{}
	}
	encoded, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO users (id, email, role, permissions, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			role = excluded.role,
			permissions = excluded.permissions,
			active = excluded.active,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		id.ID, id.Email, id.Role, string(encoded), id.Active,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrEmailTaken, id.Email)
		}
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

// SetActive activates or deactivates a user.
func (d *SQLiteDirectory) SetActive(ctx context.Context, userID string, active bool) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE users SET active = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE id = ?`,
		active, userID,
	)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return nil
}

// Seed upserts every configured user inside one transaction.
func (d *SQLiteDirectory) Seed(ctx context.Context, users []config.UserConfig) error {
	if len(users) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	for _, u := range users {
		perms := u.Permissions
		if perms == nil {
			perms = []string{}
		}
		encoded, err := json.Marshal(perms)
		if err != nil {
			return fmt.Errorf("encoding permissions: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (id, email, role, permissions, active)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				email = excluded.email,
				role = excluded.role,
				permissions = excluded.permissions,
				active = excluded.active`,
			u.ID, u.Email, u.Role, string(encoded), !u.Inactive,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrEmailTaken, u.Email)
			}
			return fmt.Errorf("seeding user %s: %w", u.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
