// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/stacklok/svcgateway/pkg/config"
	gwerrors "github.com/stacklok/svcgateway/pkg/errors"
	"github.com/stacklok/svcgateway/pkg/logger"
)

// Component is the component name written on every gateway event.
const Component = "svcgateway"

// Source describes the network origin of a request.
type Source struct {
	RemoteAddr string
	UserAgent  string
	RequestID  string
}

type sourceKey struct{}

// WithSource stores the request origin in ctx.
func WithSource(ctx context.Context, src Source) context.Context {
	return context.WithValue(ctx, sourceKey{}, src)
}

// SourceFromContext returns the request origin stored in ctx, if any.
func SourceFromContext(ctx context.Context) (Source, bool) {
	src, ok := ctx.Value(sourceKey{}).(Source)
	return src, ok
}

// Actor identifies who performed an audited action.
type Actor struct {
	UserID string
	Email  string
	Role   string
}

// ProxyRecord is the outcome of one proxied request.
type ProxyRecord struct {
	Actor     Actor
	ServiceID string
	SessionID string
	Method    string
	Path      string
	Upstream  string
	Status    int
	Attempts  int
	Duration  time.Duration
	Err       error
}

// Auditor writes gateway audit events. A nil *Auditor discards everything.
type Auditor struct {
	auditLogger *slog.Logger
	store       Store
	include     []string
	exclude     []string
}

// AuditorOption configures an Auditor.
type AuditorOption func(*Auditor)

// WithWriter sends audit lines to w instead of stdout.
func WithWriter(w io.Writer) AuditorOption {
	return func(a *Auditor) {
		a.auditLogger = NewAuditLogger(w)
	}
}

// WithStore also persists every event to store.
func WithStore(store Store) AuditorOption {
	return func(a *Auditor) {
		a.store = store
	}
}

// NewAuditor creates an auditor from configuration. When cfg.SQLitePath is set
// the events are also persisted there. Returns nil when auditing is disabled.
func NewAuditor(ctx context.Context, cfg config.AuditConfig, opts ...AuditorOption) (*Auditor, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	a := &Auditor{
		auditLogger: NewAuditLogger(os.Stdout),
		include:     cfg.EventTypes,
		exclude:     cfg.ExcludeEventTypes,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.store == nil && cfg.SQLitePath != "" {
		store, err := OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.store = store
	}
	return a, nil
}

// Close releases the persistent store, if any.
func (a *Auditor) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	return a.store.Close()
}

// Store returns the persistent store, or nil.
func (a *Auditor) Store() Store {
	if a == nil {
		return nil
	}
	return a.store
}

// ShouldAuditEvent reports whether events of eventType are recorded.
func (a *Auditor) ShouldAuditEvent(eventType string) bool {
	if a == nil {
		return false
	}
	if slices.Contains(a.exclude, eventType) {
		return false
	}
	return len(a.include) == 0 || slices.Contains(a.include, eventType)
}

// Record writes event and persists it when a store is configured.
func (a *Auditor) Record(ctx context.Context, event *Event) {
	if !a.ShouldAuditEvent(event.Type) {
		return
	}
	event.LogTo(ctx, a.auditLogger, LevelAudit)

	if a.store == nil {
		return
	}
	// Persist even if the request is already cancelled.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := a.store.Save(storeCtx, event); err != nil {
		logger.Warnf("Failed to persist audit event %s: %v", event.Metadata.AuditID, err)
	}
}

// LogSSO records an SSO protocol step. err is the outcome of the step.
func (a *Auditor) LogSSO(ctx context.Context, eventType string, actor Actor, serviceID, sessionID string, err error) {
	if !a.ShouldAuditEvent(eventType) {
		return
	}
	event := NewAuditEvent(eventType, extractSource(ctx), outcomeOf(err), subjectsOf(actor), Component)
	target := map[string]string{
		TargetKeyType:      TargetTypeService,
		TargetKeyServiceID: serviceID,
	}
	if sessionID != "" {
		target[TargetKeySessionID] = sessionID
	}
	event.WithTarget(target)
	if err != nil {
		event.Metadata.Extra = map[string]any{MetadataExtraKeyReason: gwerrors.PublicMessage(err)}
	}
	a.Record(ctx, event)
}

// LogSessionRevoked records the revocation of one or more sessions.
func (a *Auditor) LogSessionRevoked(ctx context.Context, actor Actor, sessionID string, count int) {
	eventType := EventTypeSessionRevoked
	if sessionID == "" {
		eventType = EventTypeSessionsRevokedAll
	}
	if !a.ShouldAuditEvent(eventType) {
		return
	}
	event := NewAuditEvent(eventType, extractSource(ctx), OutcomeSuccess, subjectsOf(actor), Component)
	target := map[string]string{TargetKeyType: TargetTypeSession}
	if sessionID != "" {
		target[TargetKeySessionID] = sessionID
	}
	event.WithTarget(target)
	event.Metadata.Extra = map[string]any{MetadataExtraKeyCount: count}
	a.Record(ctx, event)
}

// LogProxyRequest records a proxied request.
func (a *Auditor) LogProxyRequest(ctx context.Context, rec ProxyRecord) {
	if !a.ShouldAuditEvent(EventTypeProxyRequest) {
		return
	}
	event := NewAuditEvent(EventTypeProxyRequest, extractSource(ctx), outcomeOf(rec.Err), subjectsOf(rec.Actor), Component)
	target := map[string]string{
		TargetKeyType:      TargetTypeService,
		TargetKeyServiceID: rec.ServiceID,
		TargetKeyMethod:    rec.Method,
		TargetKeyPath:      rec.Path,
	}
	if rec.Upstream != "" {
		target[TargetKeyUpstream] = rec.Upstream
	}
	if rec.SessionID != "" {
		target[TargetKeySessionID] = rec.SessionID
	}
	event.WithTarget(target)
	event.Metadata.Extra = map[string]any{
		MetadataExtraKeyDuration:   rec.Duration.Milliseconds(),
		MetadataExtraKeyStatusCode: rec.Status,
		MetadataExtraKeyAttempts:   rec.Attempts,
	}
	if rec.Err != nil {
		event.Metadata.Extra[MetadataExtraKeyReason] = gwerrors.PublicMessage(rec.Err)
	}
	a.Record(ctx, event)
}

// LogRouteChange records an administrative route change.
func (a *Auditor) LogRouteChange(ctx context.Context, eventType string, actor Actor, serviceID string, err error) {
	if !a.ShouldAuditEvent(eventType) {
		return
	}
	event := NewAuditEvent(eventType, extractSource(ctx), outcomeOf(err), subjectsOf(actor), Component)
	event.WithTarget(map[string]string{
		TargetKeyType:      TargetTypeRoute,
		TargetKeyServiceID: serviceID,
	})
	a.Record(ctx, event)
}

// LogRateLimitReset records an administrative unblock of userID on serviceID.
func (a *Auditor) LogRateLimitReset(ctx context.Context, actor Actor, userID, serviceID string, err error) {
	if !a.ShouldAuditEvent(EventTypeRateLimitReset) {
		return
	}
	event := NewAuditEvent(EventTypeRateLimitReset, extractSource(ctx), outcomeOf(err), subjectsOf(actor), Component)
	event.WithTarget(map[string]string{
		TargetKeyType:      TargetTypeRateLimit,
		TargetKeyUserID:    userID,
		TargetKeyServiceID: serviceID,
	})
	a.Record(ctx, event)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, gwerrors.ErrAuthorization),
		errors.Is(err, gwerrors.ErrAuthentication),
		errors.Is(err, gwerrors.ErrRateLimitExceeded):
		return OutcomeDenied
	default:
		return OutcomeFailure
	}
}

func extractSource(ctx context.Context) EventSource {
	src, ok := SourceFromContext(ctx)
	if !ok {
		return EventSource{Type: SourceTypeLocal, Value: Component}
	}
	extra := map[string]any{}
	if src.UserAgent != "" {
		extra[SourceExtraKeyUserAgent] = src.UserAgent
	}
	if src.RequestID != "" {
		extra[SourceExtraKeyRequestID] = src.RequestID
	}
	return EventSource{Type: SourceTypeNetwork, Value: src.RemoteAddr, Extra: extra}
}

func subjectsOf(actor Actor) map[string]string {
	subjects := make(map[string]string)
	if actor.UserID != "" {
		subjects[SubjectKeyUserID] = actor.UserID
	}
	if actor.Email != "" {
		subjects[SubjectKeyUser] = actor.Email
	}
	if actor.Role != "" {
		subjects[SubjectKeyRole] = actor.Role
	}
	if subjects[SubjectKeyUser] == "" {
		subjects[SubjectKeyUser] = "anonymous"
	}
	return subjects
}
