// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LevelAudit is the slog level audit records are written at.
const LevelAudit = slog.Level(2)

// Outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Source types
const (
	SourceTypeNetwork = "network"
	SourceTypeLocal   = "local"
)

// EventSource describes where the audited action came from.
type EventSource struct {
	Type  string         `json:"type"`
	Value string         `json:"value"`
	Extra map[string]any `json:"extra,omitempty"`
}

// EventMetadata holds the audit id and free form details.
type EventMetadata struct {
	AuditID string         `json:"auditId"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// Event is one audit record.
type Event struct {
	Metadata  EventMetadata     `json:"metadata"`
	Type      string            `json:"type"`
	LoggedAt  time.Time         `json:"loggedAt"`
	Source    EventSource       `json:"source"`
	Outcome   string            `json:"outcome"`
	Subjects  map[string]string `json:"subjects"`
	Component string            `json:"component"`
	Target    map[string]string `json:"target,omitempty"`
	Data      *json.RawMessage  `json:"data,omitempty"`
}

// NewAuditEvent creates an event with a fresh audit id.
func NewAuditEvent(eventType string, source EventSource, outcome string, subjects map[string]string, component string) *Event {
	return &Event{
		Metadata:  EventMetadata{AuditID: uuid.NewString()},
		Type:      eventType,
		LoggedAt:  time.Now().UTC(),
		Source:    source,
		Outcome:   outcome,
		Subjects:  subjects,
		Component: component,
	}
}

// WithTarget sets the event target.
func (e *Event) WithTarget(target map[string]string) *Event {
	e.Target = target
	return e
}

// WithData attaches raw payload data.
func (e *Event) WithData(data *json.RawMessage) *Event {
	e.Data = data
	return e
}

// LogTo writes the event to logger at level.
func (e *Event) LogTo(ctx context.Context, logger *slog.Logger, level slog.Level) {
	attrs := []slog.Attr{
		slog.Any("metadata", e.Metadata),
		slog.String("type", e.Type),
		slog.Time("logged_at", e.LoggedAt),
		slog.Any("source", e.Source),
		slog.String("outcome", e.Outcome),
		slog.Any("subjects", e.Subjects),
		slog.String("component", e.Component),
	}
	if len(e.Target) > 0 {
		attrs = append(attrs, slog.Any("target", e.Target))
	}
	if e.Data != nil {
		attrs = append(attrs, slog.Any("data", e.Data))
	}
	logger.LogAttrs(ctx, level, "audit_event", attrs...)
}

// NewAuditLogger returns a JSON logger that emits audit level records to w.
func NewAuditLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: LevelAudit}))
}
