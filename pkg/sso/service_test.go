// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sso

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/svcgateway/pkg/audit"
	"github.com/stacklok/svcgateway/pkg/config"
	gwerrors "github.com/stacklok/svcgateway/pkg/errors"
	"github.com/stacklok/svcgateway/pkg/identity"
	"github.com/stacklok/svcgateway/pkg/identity/mocks"
	"github.com/stacklok/svcgateway/pkg/ratelimit"
	"github.com/stacklok/svcgateway/pkg/routing"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const testSecret = "0123456789abcdef0123456789abcdef"

var alice = &identity.Identity{ID: "u1", Email: "alice@example.com", Role: "user", Active: true}

type testEnv struct {
	svc     *Service
	storage *MemoryStorage
	clock   *fakeClock
	tokens  *identity.TokenVerifier
}

type envOption func(*Options)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	return newTestEnvWithStorage(t, nil, opts...)
}

// newTestEnvWithStorage builds a test env whose service talks to wrap(storage)
// instead of the memory storage directly.
func newTestEnvWithStorage(t *testing.T, wrap func(*MemoryStorage) Storage, opts ...envOption) *testEnv {
	t.Helper()

	engine := routing.NewEngine()
	target, err := url.Parse("http://billing.internal:8080")
	require.NoError(t, err)
	require.NoError(t, engine.AddRoute(&routing.Route{
		Name:          "billing",
		PathPrefix:    "/billing",
		Targets:       []routing.Target{{URL: target, Weight: 1}},
		Strategy:      routing.StrategySingle,
		FrontendURL:   "https://billing.example.com/sso",
		AllowedScopes: []string{"profile", "email", "invoices:read"},
		Enabled:       true,
	}))
	require.NoError(t, engine.AddRoute(&routing.Route{
		Name:       "headless",
		PathPrefix: "/headless",
		Targets:    []routing.Target{{URL: target, Weight: 1}},
		Strategy:   routing.StrategySingle,
		Enabled:    true,
	}))

	resolver, err := identity.NewStaticResolver([]config.UserConfig{
		{ID: "u1", Email: "alice@example.com", Role: "user"},
		{ID: "u2", Email: "bob@example.com", Role: "user", Inactive: true},
	})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Now()}
	tokens, err := identity.NewTokenVerifier(testSecret, "svcgateway", identity.WithTokenClock(clock.Now))
	require.NoError(t, err)

	o := Options{
		CodeTTL:            5 * time.Minute,
		SessionTTL:         time.Hour,
		AutoCreateSessions: true,
		AutoSessionTTL:     24 * time.Hour,
		CleanupInterval:    time.Minute,
		CallbackURL:        "https://gateway.example.com/sso/callback",
	}
	for _, opt := range opts {
		opt(&o)
	}

	limiter := ratelimit.NewMemoryStore(ratelimit.WithClock(clock.Now))
	t.Cleanup(func() { _ = limiter.Close() })

	storage := NewMemoryStorage()
	var backend Storage = storage
	if wrap != nil {
		backend = wrap(storage)
	}
	svc, err := NewService(backend, engine, resolver, tokens, limiter, o, WithClock(clock.Now))
	require.NoError(t, err)
	return &testEnv{svc: svc, storage: storage, clock: clock, tokens: tokens}
}

func TestNewService_Validation(t *testing.T) {
	t.Parallel()

	engine := routing.NewEngine()
	resolver, err := identity.NewStaticResolver(nil)
	require.NoError(t, err)
	tokens, err := identity.NewTokenVerifier(testSecret, "svcgateway")
	require.NoError(t, err)
	good := Options{CodeTTL: time.Minute, SessionTTL: time.Hour}

	_, err = NewService(nil, engine, resolver, tokens, nil, good)
	assert.Error(t, err)

	_, err = NewService(NewMemoryStorage(), engine, resolver, tokens, nil, Options{SessionTTL: time.Hour})
	assert.Error(t, err)

	limited := good
	limited.AuthorizeLimit = ratelimit.Policy{Window: time.Minute, MaxRequests: 1}
	_, err = NewService(NewMemoryStorage(), engine, resolver, tokens, nil, limited)
	assert.Error(t, err, "a rate limit needs a limiter")

	_, err = NewService(NewMemoryStorage(), engine, resolver, tokens, nil, good)
	assert.NoError(t, err)
}

func TestService_Authorize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		caller     *identity.Identity
		serviceID  string
		redirect   string
		scopes     []string
		wantKind   gwerrors.Kind
		wantScopes []string
	}{
		{
			name:       "defaults",
			caller:     alice,
			serviceID:  "billing",
			wantScopes: []string{"profile", "email"},
		},
		{
			name:       "allowed scopes on frontend host",
			caller:     alice,
			serviceID:  "billing",
			redirect:   "https://billing.example.com/after",
			scopes:     []string{"invoices:read", "invoices:read"},
			wantScopes: []string{"invoices:read"},
		},
		{
			name:      "foreign redirect host",
			caller:    alice,
			serviceID: "billing",
			redirect:  "https://evil.example.com/after",
			wantKind:  gwerrors.KindValidation,
		},
		{
			name:      "relative redirect",
			caller:    alice,
			serviceID: "billing",
			redirect:  "/after",
			wantKind:  gwerrors.KindValidation,
		},
		{
			name:      "scope not allowed",
			caller:    alice,
			serviceID: "billing",
			scopes:    []string{"admin"},
			wantKind:  gwerrors.KindValidation,
		},
		{
			name:      "service without frontend",
			caller:    alice,
			serviceID: "headless",
			wantKind:  gwerrors.KindValidation,
		},
		{
			name:      "unknown service",
			caller:    alice,
			serviceID: "nope",
			wantKind:  gwerrors.KindNotFound,
		},
		{
			name:      "anonymous",
			serviceID: "billing",
			wantKind:  gwerrors.KindAuthentication,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			ctx := context.Background()

			code, expiresIn, err := env.svc.Authorize(ctx, tt.caller, tt.serviceID, tt.redirect, tt.scopes)
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, gwerrors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Len(t, code, 64)
			assert.Equal(t, 5*time.Minute, expiresIn)

			res, err := env.svc.Exchange(ctx, code)
			require.NoError(t, err)
			assert.Equal(t, tt.wantScopes, res.Session.Scopes)
		})
	}
}

func TestService_AuthorizeRateLimited(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(o *Options) {
		o.AuthorizeLimit = ratelimit.Policy{Window: time.Minute, MaxRequests: 2, BlockDuration: 5 * time.Minute}
	})
	ctx := context.Background()

	for range 2 {
		_, _, err := env.svc.Authorize(ctx, alice, "billing", "", nil)
		require.NoError(t, err)
	}
	_, _, err := env.svc.Authorize(ctx, alice, "billing", "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gwerrors.ErrRateLimitExceeded)

	var exceeded *ratelimit.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 5*time.Minute, exceeded.Decision.RetryAfter)

	// Another caller has its own budget.
	bob := &identity.Identity{ID: "u3", Active: true}
	_, _, err = env.svc.Authorize(ctx, bob, "billing", "", nil)
	assert.NoError(t, err)
}

func TestService_ExchangeIsSingleUse(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	code, _, err := env.svc.Authorize(ctx, alice, "billing", "", nil)
	require.NoError(t, err)

	res, err := env.svc.Exchange(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "u1", res.User.ID)
	assert.Equal(t, "billing", res.Session.ServiceID)
	assert.Equal(t, env.clock.Now().Add(time.Hour), res.ExpiresAt)
	require.NotNil(t, res.Authorization)
	assert.True(t, res.Authorization.IsActive)
	assert.Equal(t, env.clock.Now().Add(AccessTokenTTL), res.Authorization.ExpiresAt)
	assert.Equal(t, env.clock.Now().Add(RefreshTokenTTL), res.Authorization.RefreshExpiresAt)

	claims, err := env.tokens.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.Session.ID, claims.SessionID)
	assert.Equal(t, "billing", claims.ServiceID)

	_, err = env.svc.Exchange(ctx, code)
	assert.ErrorIs(t, err, gwerrors.ErrInvalidGrant)

	_, err = env.svc.Exchange(ctx, "unknown")
	assert.ErrorIs(t, err, gwerrors.ErrInvalidGrant)
}

func TestService_ExchangeExpiredCode(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	code, _, err := env.svc.Authorize(ctx, alice, "billing", "", nil)
	require.NoError(t, err)
	env.clock.Advance(5 * time.Minute)

	_, err = env.svc.Exchange(ctx, code)
	assert.ErrorIs(t, err, gwerrors.ErrInvalidGrant)
}

func TestService_ExchangeInactiveUser(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	code, _, err := env.svc.Authorize(ctx, &identity.Identity{ID: "u2", Active: true}, "billing", "", nil)
	require.NoError(t, err)
	_, err = env.svc.Exchange(ctx, code)
	assert.ErrorIs(t, err, gwerrors.ErrAuthentication)
}

func TestService_ExchangeRenewsAuthorization(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	exchange := func() *ExchangeResult {
		code, _, err := env.svc.Authorize(ctx, alice, "billing", "", nil)
		require.NoError(t, err)
		res, err := env.svc.Exchange(ctx, code)
		require.NoError(t, err)
		return res
	}

	first := exchange()
	env.clock.Advance(time.Hour)
	second := exchange()

	assert.Equal(t, first.Authorization.ID, second.Authorization.ID, "one authorization per user and service")
	assert.Equal(t, first.Authorization.RefreshToken, second.Authorization.RefreshToken)
	assert.NotEqual(t, first.Authorization.AccessToken, second.Authorization.AccessToken)

	_, err := env.svc.RevokeAll(ctx, "u1")
	require.NoError(t, err)
	third := exchange()
	assert.True(t, third.Authorization.IsActive)
	assert.Nil(t, third.Authorization.RevokedAt)
	assert.NotEqual(t, first.Authorization.RefreshToken, third.Authorization.RefreshToken, "reactivation rotates the refresh token")
}

func TestService_RevokeInvalidatesTokens(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	code, _, err := env.svc.Authorize(ctx, alice, "billing", "", nil)
	require.NoError(t, err)
	res, err := env.svc.Exchange(ctx, code)
	require.NoError(t, err)

	claims, session, err := env.svc.ValidateSessionToken(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, res.Session.ID, session.ID)

	err = env.svc.Revoke(ctx, "someone-else", res.Session.ID)
	assert.ErrorIs(t, err, gwerrors.ErrNotFound, "only the owner can revoke")

	require.NoError(t, env.svc.Revoke(ctx, "u1", res.Session.ID))

	_, _, err = env.svc.ValidateSessionToken(ctx, res.Token)
	assert.ErrorIs(t, err, gwerrors.ErrAuthentication)

	err = env.svc.Revoke(ctx, "", res.Session.ID)
	assert.ErrorIs(t, err, gwerrors.ErrNotFound)
}

func TestService_RevokeAll(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	var tokens []string
	for range 3 {
		code, _, err := env.svc.Authorize(ctx, alice, "billing", "", nil)
		require.NoError(t, err)
		res, err := env.svc.Exchange(ctx, code)
		require.NoError(t, err)
		tokens = append(tokens, res.Token)
	}

	n, err := env.svc.RevokeAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, token := range tokens {
		_, _, err := env.svc.ValidateSessionToken(ctx, token)
		assert.ErrorIs(t, err, gwerrors.ErrAuthentication)
	}

	authz, err := env.storage.GetAuthorization(ctx, "u1", "billing")
	require.NoError(t, err)
	assert.False(t, authz.IsActive)
	assert.Equal(t, RevokedReasonUser, authz.RevokedReason)
	require.NotNil(t, authz.RevokedAt)

	active, err := env.svc.HasActiveAuthorization(ctx, "u1", "billing")
	require.NoError(t, err)
	assert.False(t, active)

	_, err = env.svc.RevokeAll(ctx, "")
	assert.ErrorIs(t, err, gwerrors.ErrValidation)
}

func TestService_Refresh(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	code, _, err := env.svc.Authorize(ctx, alice, "billing", "", nil)
	require.NoError(t, err)
	res, err := env.svc.Exchange(ctx, code)
	require.NoError(t, err)

	env.clock.Advance(30 * time.Minute)
	token, expiresAt, err := env.svc.Refresh(ctx, res.Session.ID, "billing")
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now().Add(time.Hour), expiresAt)
	_, _, err = env.svc.ValidateSessionToken(ctx, token)
	require.NoError(t, err)

	_, _, err = env.svc.Refresh(ctx, res.Session.ID, "crm")
	assert.ErrorIs(t, err, gwerrors.ErrAuthorization)

	_, _, err = env.svc.Refresh(ctx, "missing", "billing")
	assert.ErrorIs(t, err, gwerrors.ErrAuthentication)

	env.clock.Advance(time.Hour)
	_, _, err = env.svc.Refresh(ctx, res.Session.ID, "billing")
	assert.ErrorIs(t, err, gwerrors.ErrAuthentication)
}

// revokeOnReadStorage deletes a session right after the first armed read,
// as a revoke landing between Refresh's read and write would.
type revokeOnReadStorage struct {
	*MemoryStorage
	armed atomic.Bool
}

func (s *revokeOnReadStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	session, err := s.MemoryStorage.GetSession(ctx, id)
	if err == nil && s.armed.CompareAndSwap(true, false) {
		_, _ = s.MemoryStorage.DeleteSession(ctx, id)
	}
	return session, err
}

func TestService_RefreshDoesNotResurrectRevokedSession(t *testing.T) {
	t.Parallel()

	var racing *revokeOnReadStorage
	env := newTestEnvWithStorage(t, func(m *MemoryStorage) Storage {
		racing = &revokeOnReadStorage{MemoryStorage: m}
		return racing
	})
	ctx := context.Background()

	code, _, err := env.svc.Authorize(ctx, alice, "billing", "", nil)
	require.NoError(t, err)
	res, err := env.svc.Exchange(ctx, code)
	require.NoError(t, err)

	racing.armed.Store(true)
	_, _, err = env.svc.Refresh(ctx, res.Session.ID, "billing")
	assert.ErrorIs(t, err, gwerrors.ErrAuthentication)

	_, err = env.storage.GetSession(ctx, res.Session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = env.svc.ValidateSessionToken(ctx, res.Token)
	assert.ErrorIs(t, err, gwerrors.ErrAuthentication)
}

// failingAuthorizationStorage rejects every authorization write.
type failingAuthorizationStorage struct {
	*MemoryStorage
}

func (failingAuthorizationStorage) SaveAuthorization(context.Context, *ServiceAuthorization) error {
	return errors.New("storage unavailable")
}

func TestService_ExchangeFailureLeavesNoSession(t *testing.T) {
	t.Parallel()

	env := newTestEnvWithStorage(t, func(m *MemoryStorage) Storage {
		return failingAuthorizationStorage{MemoryStorage: m}
	})
	ctx := context.Background()

	code, _, err := env.svc.Authorize(ctx, alice, "billing", "", nil)
	require.NoError(t, err)
	_, err = env.svc.Exchange(ctx, code)
	require.Error(t, err)

	sessions, err := env.storage.ListSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestService_ValidateSessionToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	plain, err := env.tokens.Issue(identity.Claims{}, time.Hour)
	require.Error(t, err, "subject is required")
	assert.Empty(t, plain)

	unbound, err := env.tokens.Issue(identity.Claims{Email: "alice@example.com", RegisteredClaims: subject("u1")}, time.Hour)
	require.NoError(t, err)
	_, _, err = env.svc.ValidateSessionToken(ctx, unbound)
	assert.ErrorIs(t, err, gwerrors.ErrAuthentication)

	_, _, err = env.svc.ValidateSessionToken(ctx, "garbage")
	assert.ErrorIs(t, err, gwerrors.ErrAuthentication)

	require.NoError(t, env.storage.SaveSession(ctx, &Session{
		ID: "s1", UserID: "u2", ServiceID: "billing", ExpiresAt: env.clock.Now().Add(time.Hour),
	}))
	forged, err := env.tokens.Issue(identity.Claims{RegisteredClaims: subject("u1"), SessionID: "s1"}, time.Hour)
	require.NoError(t, err)
	_, _, err = env.svc.ValidateSessionToken(ctx, forged)
	assert.ErrorIs(t, err, gwerrors.ErrAuthentication, "session of another user")
}

func TestService_ResolveSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("explicit session must match", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		now := env.clock.Now()
		require.NoError(t, env.storage.SaveSession(ctx, &Session{ID: "s1", UserID: "u1", ServiceID: "billing", ExpiresAt: now.Add(time.Hour)}))

		got, err := env.svc.ResolveSession(ctx, alice, "billing", "s1")
		require.NoError(t, err)
		assert.Equal(t, "s1", got.ID)

		_, err = env.svc.ResolveSession(ctx, alice, "crm", "s1")
		assert.ErrorIs(t, err, gwerrors.ErrAuthorization)
		_, err = env.svc.ResolveSession(ctx, alice, "billing", "missing")
		assert.ErrorIs(t, err, gwerrors.ErrAuthorization)

		env.clock.Advance(time.Hour)
		_, err = env.svc.ResolveSession(ctx, alice, "billing", "s1")
		assert.ErrorIs(t, err, gwerrors.ErrAuthorization)
	})

	t.Run("existing session is reused", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		now := env.clock.Now()
		require.NoError(t, env.storage.SaveSession(ctx, &Session{ID: "s1", UserID: "u1", ServiceID: "billing", ExpiresAt: now.Add(time.Hour)}))

		got, err := env.svc.ResolveSession(ctx, alice, "billing", "")
		require.NoError(t, err)
		assert.Equal(t, "s1", got.ID)
	})

	t.Run("auto creation disabled", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, func(o *Options) { o.AutoCreateSessions = false })

		_, err := env.svc.ResolveSession(ctx, alice, "billing", "")
		assert.ErrorIs(t, err, gwerrors.ErrAuthorization)
	})

	t.Run("concurrent first requests create one session", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		ids := make(chan string, 50)
		var wg sync.WaitGroup
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, err := env.svc.ResolveSession(ctx, alice, "billing", "")
				if assert.NoError(t, err) {
					ids <- s.ID
				}
			}()
		}
		wg.Wait()
		close(ids)

		seen := map[string]struct{}{}
		for id := range ids {
			seen[id] = struct{}{}
		}
		assert.Len(t, seen, 1)

		sessions, err := env.svc.ListSessions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, env.clock.Now().Add(24*time.Hour), sessions[0].ExpiresAt)
	})
}

func TestService_InitiateAndCallback(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Initiate(ctx, alice, "billing", "")
	require.NoError(t, err)

	u, err := url.Parse(res.URL)
	require.NoError(t, err)
	assert.Equal(t, "billing.example.com", u.Host)
	assert.Equal(t, "/sso", u.Path)
	q := u.Query()
	assert.Equal(t, res.State, q.Get("state"))
	assert.Equal(t, "https://gateway.example.com/sso/callback", q.Get("redirect_uri"))
	assert.Equal(t, "billing", q.Get("client_id"))
	assert.Equal(t, "profile email", q.Get("scope"))
	token := q.Get("token")
	require.NotEmpty(t, token)

	tests := []struct {
		name         string
		token        string
		state        string
		service      string
		redirect     string
		wantErr      error
		wantRedirect string
	}{
		{"wrong state", token, "nope", "billing", "", gwerrors.ErrAuthentication, ""},
		{"wrong service", token, res.State, "crm", "", gwerrors.ErrAuthentication, ""},
		{"missing params", "", res.State, "billing", "", gwerrors.ErrValidation, ""},
		{"default redirect", token, res.State, "billing", "", nil, DefaultCallbackRedirect},
		{"local redirect", token, res.State, "billing", "/apps", nil, "/apps"},
		{"frontend redirect", token, res.State, "billing", "https://billing.example.com/home", nil, "https://billing.example.com/home"},
		{"foreign redirect ignored", token, res.State, "billing", "https://evil.example.com/", nil, DefaultCallbackRedirect},
		{"protocol relative ignored", token, res.State, "billing", "//evil.example.com/", nil, DefaultCallbackRedirect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := env.svc.Callback(ctx, tt.token, tt.state, tt.service, tt.redirect)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "u1", got.UserID)
			assert.Equal(t, res.SessionID, got.SessionID)
			assert.Equal(t, tt.wantRedirect, got.RedirectURL)
		})
	}
}

func TestService_InitiateRequiresFrontend(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	_, err := env.svc.Initiate(context.Background(), alice, "headless", "")
	assert.ErrorIs(t, err, gwerrors.ErrValidation)
}

func TestService_Cleanup(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.svc.Authorize(ctx, alice, "billing", "", nil)
	require.NoError(t, err)
	code, _, err := env.svc.Authorize(ctx, alice, "billing", "", nil)
	require.NoError(t, err)
	_, err = env.svc.Exchange(ctx, code)
	require.NoError(t, err)

	n, err := env.svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(2 * time.Hour)
	n, err = env.svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "two codes and one session")

	n, err = env.svc.CleanupExpiredAuthorizations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(RefreshTokenTTL)
	n, err = env.svc.CleanupExpiredAuthorizations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	authz, err := env.storage.GetAuthorization(ctx, "u1", "billing")
	require.NoError(t, err)
	assert.False(t, authz.IsActive)
	assert.Equal(t, RevokedReasonExpired, authz.RevokedReason)
}

func TestService_AuthorizationLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.RenewAuthorization(ctx, "u1", "billing")
	assert.ErrorIs(t, err, gwerrors.ErrNotFound)

	code, _, err := env.svc.Authorize(ctx, alice, "billing", "", nil)
	require.NoError(t, err)
	res, err := env.svc.Exchange(ctx, code)
	require.NoError(t, err)
	refresh := res.Authorization.RefreshToken

	active, err := env.svc.HasActiveAuthorization(ctx, "u1", "billing")
	require.NoError(t, err)
	assert.True(t, active)

	env.clock.Advance(AccessTokenTTL)
	active, err = env.svc.HasActiveAuthorization(ctx, "u1", "billing")
	require.NoError(t, err)
	assert.False(t, active, "access token expired")

	renewed, err := env.svc.RefreshAuthorization(ctx, refresh)
	require.NoError(t, err)
	assert.NotEqual(t, res.Authorization.AccessToken, renewed.AccessToken)
	assert.Equal(t, env.clock.Now().Add(AccessTokenTTL), renewed.ExpiresAt)

	active, err = env.svc.HasActiveAuthorization(ctx, "u1", "billing")
	require.NoError(t, err)
	assert.True(t, active)

	again, err := env.svc.RenewAuthorization(ctx, "u1", "billing")
	require.NoError(t, err)
	assert.NotEqual(t, renewed.AccessToken, again.AccessToken)

	_, err = env.svc.RefreshAuthorization(ctx, "bogus")
	assert.ErrorIs(t, err, gwerrors.ErrInvalidGrant)

	env.clock.Advance(RefreshTokenTTL)
	_, err = env.svc.RefreshAuthorization(ctx, refresh)
	assert.ErrorIs(t, err, gwerrors.ErrInvalidGrant)

	list, err := env.svc.ListAuthorizations(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestService_Janitor(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(o *Options) { o.CleanupInterval = 10 * time.Millisecond })
	ctx := context.Background()

	require.NoError(t, env.storage.SaveSession(ctx, &Session{ID: "old", UserID: "u1", ExpiresAt: env.clock.Now().Add(time.Second)}))
	env.clock.Advance(time.Minute)

	require.NoError(t, env.svc.Start(ctx))
	assert.Error(t, env.svc.Start(ctx), "already started")

	assert.Eventually(t, func() bool {
		_, err := env.storage.GetSession(ctx, "old")
		return err != nil
	}, time.Second, 10*time.Millisecond)

	env.svc.Stop()
	env.svc.Stop()
}

func TestService_AuditsWithMockResolver(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockResolver(ctrl)
	resolver.EXPECT().
		Resolve(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, claims identity.Claims) (*identity.Identity, error) {
			assert.Equal(t, "u1", claims.Subject)
			return alice, nil
		})

	env := newTestEnv(t)
	auditor, err := audit.NewAuditor(context.Background(), config.AuditConfig{Enabled: true}, audit.WithWriter(&discard{}))
	require.NoError(t, err)

	svc, err := NewService(env.storage, env.svc.services, resolver, env.tokens, nil, env.svc.opts,
		WithClock(env.clock.Now), WithAuditor(auditor))
	require.NoError(t, err)

	code, _, err := svc.Authorize(context.Background(), alice, "billing", "", nil)
	require.NoError(t, err)
	_, err = svc.Exchange(context.Background(), code)
	require.NoError(t, err)
}

func subject(id string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: id}
}

type discard struct{}

func (*discard) Write(p []byte) (int, error) { return len(p), nil }
