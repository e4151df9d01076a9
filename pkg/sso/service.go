// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sso

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/svcgateway/pkg/audit"
	"github.com/stacklok/svcgateway/pkg/config"
	gwerrors "github.com/stacklok/svcgateway/pkg/errors"
	"github.com/stacklok/svcgateway/pkg/identity"
	"github.com/stacklok/svcgateway/pkg/logger"
	"github.com/stacklok/svcgateway/pkg/ratelimit"
	"github.com/stacklok/svcgateway/pkg/routing"
)

// DefaultCallbackRedirect is where Callback sends the browser when the request
// names no acceptable destination.
const DefaultCallbackRedirect = "/dashboard"

// Services looks up registered backend services by slug.
type Services interface {
	Lookup(slug string) (*routing.Route, error)
}

// Options tunes the protocol.
type Options struct {
	CodeTTL            time.Duration
	SessionTTL         time.Duration
	AutoCreateSessions bool
	AutoSessionTTL     time.Duration
	CleanupInterval    time.Duration

	// AuthorizeLimit throttles Authorize per caller. A zero policy disables it.
	AuthorizeLimit ratelimit.Policy

	// CallbackURL is the gateway callback handed to frontends by Initiate.
	CallbackURL string
}

// OptionsFromConfig converts a defaulted SSO configuration.
func OptionsFromConfig(cfg config.SSOConfig, callbackURL string) Options {
	opts := Options{
		CodeTTL:            cfg.CodeTTL.Std(),
		SessionTTL:         cfg.SessionTTL.Std(),
		AutoCreateSessions: cfg.AutoCreateSessions,
		AutoSessionTTL:     cfg.AutoSessionTTL.Std(),
		CleanupInterval:    cfg.CleanupInterval.Std(),
		CallbackURL:        callbackURL,
	}
	if cfg.AuthorizeRateLimit.IsEnabled() {
		opts.AuthorizeLimit = ratelimit.Policy{
			Window:        cfg.AuthorizeRateLimit.Window.Std(),
			MaxRequests:   cfg.AuthorizeRateLimit.MaxRequests,
			BlockDuration: cfg.AuthorizeRateLimit.BlockDuration.Std(),
		}
	}
	return opts
}

// Service runs the SSO handshake between the gateway and backend services.
type Service struct {
	storage  Storage
	services Services
	resolver identity.Resolver
	tokens   *identity.TokenVerifier
	limiter  ratelimit.Limiter
	auditor  *audit.Auditor
	opts     Options
	now      func() time.Time

	autoCreate singleflight.Group

	janitorMu   sync.Mutex
	stopJanitor chan struct{}
	janitorDone chan struct{}
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// WithAuditor records protocol events on a.
func WithAuditor(a *audit.Auditor) ServiceOption {
	return func(s *Service) {
		s.auditor = a
	}
}

// NewService creates the SSO service. limiter may be nil when Authorize is not
// rate limited.
func NewService(
	storage Storage,
	services Services,
	resolver identity.Resolver,
	tokens *identity.TokenVerifier,
	limiter ratelimit.Limiter,
	opts Options,
	options ...ServiceOption,
) (*Service, error) {
	if storage == nil || services == nil || resolver == nil || tokens == nil {
		return nil, errors.New("storage, services, resolver and token verifier are required")
	}
	if opts.CodeTTL <= 0 || opts.SessionTTL <= 0 {
		return nil, errors.New("code and session TTLs must be positive")
	}
	if opts.AutoCreateSessions && opts.AutoSessionTTL <= 0 {
		return nil, errors.New("auto session TTL must be positive")
	}
	if opts.AuthorizeLimit != (ratelimit.Policy{}) {
		if err := opts.AuthorizeLimit.Validate(); err != nil {
			return nil, fmt.Errorf("authorize rate limit: %w", err)
		}
		if limiter == nil {
			return nil, errors.New("authorize rate limit requires a limiter")
		}
	}

	s := &Service{
		storage:  storage,
		services: services,
		resolver: resolver,
		tokens:   tokens,
		limiter:  limiter,
		opts:     opts,
		now:      time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// ExchangeResult is the outcome of a successful code exchange.
type ExchangeResult struct {
	Token         string                `json:"token"`
	ExpiresAt     time.Time             `json:"expiresAt"`
	Session       *Session              `json:"session"`
	User          *identity.Identity    `json:"user"`
	Authorization *ServiceAuthorization `json:"-"`
}

// InitiateResult is where the browser is sent to start a handshake.
type InitiateResult struct {
	URL       string
	SessionID string
	State     string
}

// CallbackResult is the outcome of a validated frontend callback.
type CallbackResult struct {
	UserID      string
	SessionID   string
	RedirectURL string
}

func actorOf(caller *identity.Identity) audit.Actor {
	if caller == nil {
		return audit.Actor{}
	}
	return audit.Actor{UserID: caller.ID, Email: caller.Email, Role: caller.Role}
}

func (s *Service) lookup(serviceID string) (*routing.Route, error) {
	if serviceID == "" {
		return nil, gwerrors.NewValidationError("service id is required", nil)
	}
	route, err := s.services.Lookup(serviceID)
	if err != nil {
		return nil, gwerrors.NewNotFoundError(fmt.Sprintf("service %s not found", serviceID), err)
	}
	return route, nil
}

// validateRedirect returns the redirect to use for route. An empty redirect
// defaults to the service frontend. Any other must be on the frontend host.
func validateRedirect(route *routing.Route, redirectURL string) (string, error) {
	if route.FrontendURL == "" {
		return "", gwerrors.NewValidationError(fmt.Sprintf("service %s has no frontend URL", route.Name), nil)
	}
	frontend, err := url.Parse(route.FrontendURL)
	if err != nil || frontend.Host == "" {
		return "", gwerrors.NewValidationError(fmt.Sprintf("service %s has an invalid frontend URL", route.Name), err)
	}
	if redirectURL == "" {
		return route.FrontendURL, nil
	}
	u, err := url.Parse(redirectURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", gwerrors.NewValidationError("redirect URL must be an absolute http(s) URL", err)
	}
	if !strings.EqualFold(u.Host, frontend.Host) {
		return "", gwerrors.NewValidationError("redirect URL does not match service", nil)
	}
	return redirectURL, nil
}

// grantScopes returns the requested scopes, or DefaultScopes when none are
// requested. Each must be allowed by the route.
func grantScopes(route *routing.Route, requested []string) ([]string, error) {
	allowed := route.AllowedScopes
	if len(allowed) == 0 {
		allowed = config.DefaultScopes
	}
	if len(requested) == 0 {
		return slices.Clone(config.DefaultScopes), nil
	}
	granted := make([]string, 0, len(requested))
	for _, scope := range requested {
		if !slices.Contains(allowed, scope) {
			return nil, gwerrors.NewValidationError(fmt.Sprintf("scope %q is not allowed for service %s", scope, route.Name), nil)
		}
		if !slices.Contains(granted, scope) {
			granted = append(granted, scope)
		}
	}
	return granted, nil
}

func (s *Service) checkAuthorizeLimit(ctx context.Context, callerID string) error {
	if s.opts.AuthorizeLimit == (ratelimit.Policy{}) {
		return nil
	}
	decision, err := s.limiter.CheckAndIncrement(ctx, ratelimit.Key(callerID, "sso", "authorize"), s.opts.AuthorizeLimit)
	if err != nil {
		return fmt.Errorf("checking authorize rate limit: %w", err)
	}
	if decision.Blocked {
		return gwerrors.NewRateLimitError("too many authorization attempts", &ratelimit.ExceededError{Decision: decision})
	}
	return nil
}

// Authorize issues a single use code for caller and serviceID. Every attempt
// is audited whatever its outcome.
func (s *Service) Authorize(
	ctx context.Context,
	caller *identity.Identity,
	serviceID, redirectURL string,
	scopes []string,
) (code string, expiresIn time.Duration, err error) {
	defer func() {
		s.auditor.LogSSO(ctx, audit.EventTypeSSOAuthorize, actorOf(caller), serviceID, "", err)
		if err != nil {
			logger.Infow("SSO authorization refused", "service", serviceID, "error", err)
		}
	}()

	if caller == nil {
		return "", 0, gwerrors.NewAuthenticationError("authentication required", nil)
	}
	if err := s.checkAuthorizeLimit(ctx, caller.ID); err != nil {
		return "", 0, err
	}
	route, err := s.lookup(serviceID)
	if err != nil {
		return "", 0, err
	}
	redirect, err := validateRedirect(route, redirectURL)
	if err != nil {
		return "", 0, err
	}
	granted, err := grantScopes(route, scopes)
	if err != nil {
		return "", 0, err
	}

	now := s.now()
	ac := &AuthorizationCode{
		Code:        randomToken(),
		UserID:      caller.ID,
		ServiceID:   route.Name,
		RedirectURL: redirect,
		Scopes:      granted,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.CodeTTL),
	}
	if err := s.storage.SaveCode(ctx, ac); err != nil {
		return "", 0, fmt.Errorf("saving authorization code: %w", err)
	}
	logger.Debugw("SSO authorization code issued", "user", caller.ID, "service", route.Name)
	return ac.Code, s.opts.CodeTTL, nil
}

func (s *Service) resolveUser(ctx context.Context, userID string) (*identity.Identity, error) {
	user, err := s.resolver.Resolve(ctx, identity.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: userID}})
	switch {
	case errors.Is(err, identity.ErrNotFound), errors.Is(err, identity.ErrInactive):
		return nil, gwerrors.NewAuthenticationError("user not found or inactive", err)
	case err != nil:
		return nil, fmt.Errorf("resolving user %s: %w", userID, err)
	}
	return user, nil
}

func (s *Service) issueToken(user *identity.Identity, session *Session) (string, error) {
	ttl := session.ExpiresAt.Sub(s.now())
	token, err := s.tokens.Issue(identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: user.ID},
		Email:            user.Email,
		Role:             user.Role,
		SessionID:        session.ID,
		ServiceID:        session.ServiceID,
	}, ttl)
	if err != nil {
		return "", fmt.Errorf("issuing session token: %w", err)
	}
	return token, nil
}

// Exchange redeems a code for a session bound token. A code redeems once;
// later attempts fail with an invalid grant.
func (s *Service) Exchange(ctx context.Context, code string) (res *ExchangeResult, err error) {
	var ac *AuthorizationCode
	defer func() {
		actor, serviceID, sessionID := audit.Actor{}, "", ""
		if ac != nil {
			actor.UserID, serviceID = ac.UserID, ac.ServiceID
		}
		if res != nil {
			actor = actorOf(res.User)
			sessionID = res.Session.ID
		}
		s.auditor.LogSSO(ctx, audit.EventTypeSSOExchange, actor, serviceID, sessionID, err)
	}()

	if code == "" {
		return nil, gwerrors.NewValidationError("authorization code is required", nil)
	}
	ac, err = s.storage.ConsumeCode(ctx, code)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCodeUsed):
		return nil, gwerrors.New(gwerrors.KindInvalidGrant, "authorization code is invalid or already used", err)
	case err != nil:
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}
	now := s.now()
	if ac.IsExpired(now) {
		return nil, gwerrors.New(gwerrors.KindInvalidGrant, "authorization code expired", nil)
	}

	user, err := s.resolveUser(ctx, ac.UserID)
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		ServiceID:   ac.ServiceID,
		Scopes:      ac.Scopes,
		RedirectURL: ac.RedirectURL,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.SessionTTL),
	}
	if err := s.storage.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	token, err := s.issueToken(user, session)
	if err != nil {
		s.discardSession(ctx, session.ID)
		return nil, err
	}
	authz, err := s.upsertAuthorization(ctx, user.ID, ac.ServiceID, ac.Scopes)
	if err != nil {
		s.discardSession(ctx, session.ID)
		return nil, err
	}

	logger.Infow("SSO code exchanged", "user", user.ID, "service", ac.ServiceID, "session", session.ID)
	return &ExchangeResult{
		Token:         token,
		ExpiresAt:     session.ExpiresAt,
		Session:       session,
		User:          user,
		Authorization: authz,
	}, nil
}

// discardSession removes a session whose handshake failed after it was stored.
func (s *Service) discardSession(ctx context.Context, id string) {
	if _, err := s.storage.DeleteSession(context.WithoutCancel(ctx), id); err != nil {
		logger.Warnw("Failed to discard SSO session", "session", id, "error", err)
	}
}

// upsertAuthorization creates the user's grant to serviceID, or renews and
// reactivates the existing one.
func (s *Service) upsertAuthorization(ctx context.Context, userID, serviceID string, scopes []string) (*ServiceAuthorization, error) {
	now := s.now()
	authz, err := s.storage.GetAuthorization(ctx, userID, serviceID)
	switch {
	case errors.Is(err, ErrNotFound):
		authz = &ServiceAuthorization{
			ID:               uuid.NewString(),
			UserID:           userID,
			ServiceID:        serviceID,
			RefreshToken:     randomToken(),
			CreatedAt:        now,
			RefreshExpiresAt: now.Add(RefreshTokenTTL),
		}
	case err != nil:
		return nil, fmt.Errorf("loading service authorization: %w", err)
	case !authz.IsActive || authz.IsRefreshExpired(now):
		authz.RefreshToken = randomToken()
		authz.RefreshExpiresAt = now.Add(RefreshTokenTTL)
	}
	authz.Renew(now)
	authz.Scopes = slices.Clone(scopes)
	authz.IsActive = true
	authz.RevokedAt = nil
	authz.RevokedReason = ""
	if err := s.storage.SaveAuthorization(ctx, authz); err != nil {
		return nil, fmt.Errorf("saving service authorization: %w", err)
	}
	return authz, nil
}

// Refresh extends a live session and issues a new token for it.
func (s *Service) Refresh(ctx context.Context, sessionID, serviceID string) (token string, expiresAt time.Time, err error) {
	var session *Session
	defer func() {
		actor := audit.Actor{}
		if session != nil {
			actor.UserID = session.UserID
		}
		s.auditor.LogSSO(ctx, audit.EventTypeSSORefresh, actor, serviceID, sessionID, err)
	}()

	now := s.now()
	session, err = s.storage.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		return "", time.Time{}, gwerrors.NewAuthenticationError("session not found", err)
	case err != nil:
		return "", time.Time{}, fmt.Errorf("loading session: %w", err)
	case session.IsExpired(now):
		return "", time.Time{}, gwerrors.NewAuthenticationError("session expired", nil)
	case serviceID != "" && session.ServiceID != serviceID:
		return "", time.Time{}, gwerrors.NewAuthorizationError("session does not belong to this service", nil)
	}

	user, err := s.resolveUser(ctx, session.UserID)
	if err != nil {
		return "", time.Time{}, err
	}
	session.ExpiresAt = now.Add(s.opts.SessionTTL)
	err = s.storage.UpdateSession(ctx, session)
	switch {
	case errors.Is(err, ErrNotFound):
		return "", time.Time{}, gwerrors.NewAuthenticationError("session revoked", err)
	case err != nil:
		return "", time.Time{}, fmt.Errorf("saving session: %w", err)
	}
	token, err = s.issueToken(user, session)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, session.ExpiresAt, nil
}

// Revoke deletes sessionID. When userID is set the session must belong to
// that user. Tokens bound to the session stop authenticating at once.
func (s *Service) Revoke(ctx context.Context, userID, sessionID string) error {
	if userID != "" {
		session, err := s.storage.GetSession(ctx, sessionID)
		if errors.Is(err, ErrNotFound) || (err == nil && session.UserID != userID) {
			return gwerrors.NewNotFoundError("session not found", err)
		}
		if err != nil {
			return fmt.Errorf("loading session: %w", err)
		}
	}
	deleted, err := s.storage.DeleteSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if !deleted {
		return gwerrors.NewNotFoundError("session not found", nil)
	}
	s.auditor.LogSessionRevoked(ctx, audit.Actor{UserID: userID}, sessionID, 1)
	logger.Infow("SSO session revoked", "session", sessionID, "user", userID)
	return nil
}

// RevokeAll deletes every session of userID and deactivates the user's
// service authorizations. It returns the number of sessions deleted.
func (s *Service) RevokeAll(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, gwerrors.NewValidationError("user id is required", nil)
	}
	count, err := s.storage.DeleteUserSessions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("deleting sessions: %w", err)
	}
	authzs, err := s.storage.ListAuthorizations(ctx, userID)
	if err != nil {
		return count, fmt.Errorf("listing service authorizations: %w", err)
	}
	now := s.now()
	for _, authz := range authzs {
		if !authz.IsActive {
			continue
		}
		authz.deactivate(now, RevokedReasonUser)
		if err := s.storage.SaveAuthorization(ctx, authz); err != nil {
			return count, fmt.Errorf("deactivating service authorization: %w", err)
		}
	}
	s.auditor.LogSessionRevoked(ctx, audit.Actor{UserID: userID}, "", count)
	logger.Infow("SSO sessions revoked", "user", userID, "count", count)
	return count, nil
}

// ListSessions returns the unexpired sessions of userID, oldest first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	sessions, err := s.storage.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	now := s.now()
	active := sessions[:0]
	for _, session := range sessions {
		if !session.IsExpired(now) {
			active = append(active, session)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
	return active, nil
}

// ValidateSessionToken verifies an SSO token and the session it is bound to.
func (s *Service) ValidateSessionToken(ctx context.Context, token string) (*identity.Claims, *Session, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, nil, gwerrors.NewAuthenticationError("invalid or expired token", err)
	}
	if claims.SessionID == "" {
		return nil, nil, gwerrors.NewAuthenticationError("token is not bound to a session", nil)
	}
	session, err := s.liveSession(ctx, claims.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if session.UserID != claims.Subject {
		return nil, nil, gwerrors.NewAuthenticationError("token does not match its session", nil)
	}
	return claims, session, nil
}

func (s *Service) liveSession(ctx context.Context, sessionID string) (*Session, error) {
	session, err := s.storage.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, gwerrors.NewAuthenticationError("session revoked or expired", err)
	case err != nil:
		return nil, fmt.Errorf("loading session: %w", err)
	case session.IsExpired(s.now()):
		return nil, gwerrors.NewAuthenticationError("session revoked or expired", nil)
	}
	return session, nil
}

// ResolveSession finds the session that authorizes user to call serviceID.
// An explicit sessionID must be live and belong to the user and the service.
// Without one, any live session of the user for the service is used and,
// when enabled, one is created.
func (s *Service) ResolveSession(ctx context.Context, user *identity.Identity, serviceID, sessionID string) (*Session, error) {
	if sessionID != "" {
		session, err := s.storage.GetSession(ctx, sessionID)
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, gwerrors.NewAuthorizationError("no valid SSO session for this service", err)
		case err != nil:
			return nil, fmt.Errorf("loading session: %w", err)
		case session.IsExpired(s.now()), session.UserID != user.ID, session.ServiceID != serviceID:
			return nil, gwerrors.NewAuthorizationError("no valid SSO session for this service", nil)
		}
		return session, nil
	}

	if session, err := s.activeSession(ctx, user.ID, serviceID); err != nil || session != nil {
		return session, err
	}
	if !s.opts.AutoCreateSessions {
		return nil, gwerrors.NewAuthorizationError("no valid SSO session for this service", nil)
	}

	v, err, _ := s.autoCreate.Do(user.ID+"|"+serviceID, func() (any, error) {
		// Another caller may have created it while we waited.
		if session, err := s.activeSession(ctx, user.ID, serviceID); err != nil || session != nil {
			return session, err
		}
		now := s.now()
		session := &Session{
			ID:        uuid.NewString(),
			UserID:    user.ID,
			ServiceID: serviceID,
			Scopes:    slices.Clone(config.DefaultScopes),
			CreatedAt: now,
			ExpiresAt: now.Add(s.opts.AutoSessionTTL),
		}
		if err := s.storage.SaveSession(ctx, session); err != nil {
			return nil, fmt.Errorf("saving session: %w", err)
		}
		s.auditor.LogSSO(ctx, audit.EventTypeSessionAutoCreated, actorOf(user), serviceID, session.ID, nil)
		logger.Infow("SSO session created automatically", "user", user.ID, "service", serviceID, "session", session.ID)
		return session, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (s *Service) activeSession(ctx context.Context, userID, serviceID string) (*Session, error) {
	sessions, err := s.storage.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	now := s.now()
	var best *Session
	for _, session := range sessions {
		if session.ServiceID != serviceID || session.IsExpired(now) {
			continue
		}
		if best == nil || session.ExpiresAt.After(best.ExpiresAt) {
			best = session
		}
	}
	return best, nil
}

// Initiate starts a browser handshake with serviceID. It creates a pending
// session and returns the frontend URL carrying a session token and a state.
func (s *Service) Initiate(ctx context.Context, caller *identity.Identity, serviceID, redirectURL string) (res *InitiateResult, err error) {
	defer func() {
		sessionID := ""
		if res != nil {
			sessionID = res.SessionID
		}
		s.auditor.LogSSO(ctx, audit.EventTypeSSOInitiate, actorOf(caller), serviceID, sessionID, err)
	}()

	if caller == nil {
		return nil, gwerrors.NewAuthenticationError("authentication required", nil)
	}
	route, err := s.lookup(serviceID)
	if err != nil {
		return nil, err
	}
	frontend, err := validateRedirect(route, "")
	if err != nil {
		return nil, err
	}
	if redirectURL == "" {
		redirectURL = s.opts.CallbackURL
	}

	now := s.now()
	session := &Session{
		ID:          uuid.NewString(),
		UserID:      caller.ID,
		ServiceID:   route.Name,
		Scopes:      slices.Clone(config.DefaultScopes),
		RedirectURL: redirectURL,
		State:       randomToken(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.SessionTTL),
	}
	if err := s.storage.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	token, err := s.issueToken(caller, session)
	if err != nil {
		s.discardSession(ctx, session.ID)
		return nil, err
	}

	u, err := url.Parse(frontend)
	if err != nil {
		return nil, gwerrors.NewValidationError("invalid frontend URL", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("state", session.State)
	q.Set("redirect_uri", redirectURL)
	q.Set("client_id", route.Name)
	q.Set("scope", strings.Join(session.Scopes, " "))
	u.RawQuery = q.Encode()

	return &InitiateResult{URL: u.String(), SessionID: session.ID, State: session.State}, nil
}

// Callback validates the return leg of a handshake started by Initiate and
// picks where to send the browser. redirectURL is honoured only when it is a
// local path or lies on the service frontend host.
func (s *Service) Callback(ctx context.Context, token, state, serviceID, redirectURL string) (res *CallbackResult, err error) {
	var claims *identity.Claims
	defer func() {
		actor, sessionID := audit.Actor{}, ""
		if claims != nil {
			actor = audit.Actor{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}
			sessionID = claims.SessionID
		}
		s.auditor.LogSSO(ctx, audit.EventTypeSSOCallback, actor, serviceID, sessionID, err)
	}()

	if token == "" || state == "" || serviceID == "" {
		return nil, gwerrors.NewValidationError("token, state and service_id are required", nil)
	}
	claims, session, err := s.ValidateSessionToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.ServiceID != serviceID || claims.ServiceID != serviceID ||
		subtle.ConstantTimeCompare([]byte(session.State), []byte(state)) != 1 {
		return nil, gwerrors.NewAuthenticationError("invalid SSO callback", nil)
	}

	final := DefaultCallbackRedirect
	if redirectURL != "" {
		if strings.HasPrefix(redirectURL, "/") && !strings.HasPrefix(redirectURL, "//") {
			final = redirectURL
		} else if route, lerr := s.lookup(serviceID); lerr == nil {
			if ok, verr := validateRedirect(route, redirectURL); verr == nil {
				final = ok
			}
		}
	}
	return &CallbackResult{UserID: session.UserID, SessionID: session.ID, RedirectURL: final}, nil
}

// CleanupExpired removes expired sessions and codes and returns how many.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	sessions, codes, err := s.storage.DeleteExpired(ctx, s.now())
	if err != nil {
		return sessions + codes, fmt.Errorf("deleting expired SSO state: %w", err)
	}
	if sessions+codes > 0 {
		logger.Debugw("Expired SSO state removed", "sessions", sessions, "codes", codes)
	}
	return sessions + codes, nil
}

// CleanupExpiredAuthorizations deactivates authorizations whose refresh token
// has expired and returns how many.
func (s *Service) CleanupExpiredAuthorizations(ctx context.Context) (int, error) {
	authzs, err := s.storage.ListAuthorizations(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("listing service authorizations: %w", err)
	}
	now := s.now()
	count := 0
	for _, authz := range authzs {
		if !authz.IsActive || !authz.IsRefreshExpired(now) {
			continue
		}
		authz.deactivate(now, RevokedReasonExpired)
		if err := s.storage.SaveAuthorization(ctx, authz); err != nil {
			return count, fmt.Errorf("deactivating service authorization: %w", err)
		}
		count++
	}
	return count, nil
}

// RenewAuthorization issues a new access token on the active authorization of
// userID for serviceID.
func (s *Service) RenewAuthorization(ctx context.Context, userID, serviceID string) (*ServiceAuthorization, error) {
	authz, err := s.storage.GetAuthorization(ctx, userID, serviceID)
	if errors.Is(err, ErrNotFound) {
		return nil, gwerrors.NewNotFoundError("service authorization not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("loading service authorization: %w", err)
	}
	return s.renew(ctx, authz)
}

// RefreshAuthorization renews the authorization identified by refreshToken.
func (s *Service) RefreshAuthorization(ctx context.Context, refreshToken string) (*ServiceAuthorization, error) {
	if refreshToken == "" {
		return nil, gwerrors.New(gwerrors.KindInvalidGrant, "refresh token is required", nil)
	}
	authz, err := s.storage.GetAuthorizationByRefreshToken(ctx, refreshToken)
	if errors.Is(err, ErrNotFound) {
		return nil, gwerrors.New(gwerrors.KindInvalidGrant, "refresh token is invalid", err)
	}
	if err != nil {
		return nil, fmt.Errorf("loading service authorization: %w", err)
	}
	return s.renew(ctx, authz)
}

func (s *Service) renew(ctx context.Context, authz *ServiceAuthorization) (*ServiceAuthorization, error) {
	now := s.now()
	if !authz.IsActive {
		return nil, gwerrors.New(gwerrors.KindInvalidGrant, "service authorization was revoked", nil)
	}
	if authz.IsRefreshExpired(now) {
		return nil, gwerrors.New(gwerrors.KindInvalidGrant, "service authorization expired", nil)
	}
	authz.Renew(now)
	if err := s.storage.SaveAuthorization(ctx, authz); err != nil {
		return nil, fmt.Errorf("saving service authorization: %w", err)
	}
	return authz, nil
}

// HasActiveAuthorization reports whether userID holds an active, unexpired
// grant to serviceID.
func (s *Service) HasActiveAuthorization(ctx context.Context, userID, serviceID string) (bool, error) {
	authz, err := s.storage.GetAuthorization(ctx, userID, serviceID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading service authorization: %w", err)
	}
	return authz.IsActive && !authz.IsExpired(s.now()), nil
}

// ListAuthorizations returns the authorizations of userID.
func (s *Service) ListAuthorizations(ctx context.Context, userID string) ([]*ServiceAuthorization, error) {
	return s.storage.ListAuthorizations(ctx, userID)
}

// Start runs the cleanup janitor until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	if s.opts.CleanupInterval <= 0 {
		return errors.New("cleanup interval must be positive")
	}
	s.janitorMu.Lock()
	defer s.janitorMu.Unlock()
	if s.stopJanitor != nil {
		return errors.New("SSO janitor already started")
	}
	s.stopJanitor = make(chan struct{})
	s.janitorDone = make(chan struct{})
	go s.janitorLoop(ctx, s.stopJanitor, s.janitorDone)
	return nil
}

// Stop halts the janitor and waits for it to exit.
func (s *Service) Stop() {
	s.janitorMu.Lock()
	stop, done := s.stopJanitor, s.janitorDone
	s.stopJanitor = nil
	s.janitorMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Service) janitorLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.CleanupExpired(ctx); err != nil {
				logger.Warnf("SSO cleanup failed: %v", err)
			}
			if n, err := s.CleanupExpiredAuthorizations(ctx); err != nil {
				logger.Warnf("SSO authorization cleanup failed: %v", err)
			} else if n > 0 {
				logger.Infof("Deactivated %d expired service authorizations", n)
			}
		}
	}
}
