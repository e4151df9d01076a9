// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Query filters stored events. Zero fields match everything.
type Query struct {
	UserID    string
	ServiceID string
	Type      string
	Since     time.Time
	Limit     int
}

// Store persists audit events.
type Store interface {
	Save(ctx context.Context, event *Event) error
	// List returns matching events, newest first.
	List(ctx context.Context, q Query) ([]*Event, error)
	Close() error
}

const defaultListLimit = 100

// SQLiteStore is a Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens the database at path and applies pending migrations.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	db.SetMaxOpenConns(1)

	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create sub filesystem: %w", err)
	}
	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, outcome, component, user_id, service_id, logged_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Metadata.AuditID,
		event.Type,
		event.Outcome,
		event.Component,
		event.Subjects[SubjectKeyUserID],
		event.Target[TargetKeyServiceID],
		event.LoggedAt.UTC().Format(time.RFC3339Nano),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]*Event, error) {
	query := `SELECT payload FROM audit_events WHERE 1 = 1`
	var args []any
	if q.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, q.UserID)
	}
	if q.ServiceID != "" {
		query += ` AND service_id = ?`
		args = append(args, q.ServiceID)
	}
	if q.Type != "" {
		query += ` AND type = ?`
		args = append(args, q.Type)
	}
	if !q.Since.IsZero() {
		query += ` AND logged_at >= ?`
		args = append(args, q.Since.UTC().Format(time.RFC3339Nano))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY logged_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		var e Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decoding audit event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
