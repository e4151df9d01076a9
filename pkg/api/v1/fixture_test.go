// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/stacklok/svcgateway/pkg/config"
	"github.com/stacklok/svcgateway/pkg/identity"
	"github.com/stacklok/svcgateway/pkg/metrics"
	"github.com/stacklok/svcgateway/pkg/proxy"
	"github.com/stacklok/svcgateway/pkg/routing"
	"github.com/stacklok/svcgateway/pkg/signing"
	"github.com/stacklok/svcgateway/pkg/sso"
)

const (
	testJWTSecret     = "jwt-secret-jwt-secret-jwt-secret"
	testSigningSecret = "signing-secret-signing-secret-0123456789"
)

var testNames = proxy.CredentialNames{
	SecureCookie: "__Secure-gateway_token",
	LegacyCookie: "gateway_token",
	Header:       "X-Gateway-Token",
}

type apiFixture struct {
	engine     *routing.Engine
	tokens     *identity.TokenVerifier
	dispatcher *proxy.Dispatcher
	sso        *sso.Service
	recorder   *metrics.Recorder
}

func newAPIFixture(t *testing.T) *apiFixture {
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
		AllowedScopes: []string{"profile", "email", "invoices"},
		Timeout:       time.Second,
		Enabled:       true,
	}))

	resolver, err := identity.NewStaticResolver([]config.UserConfig{
		{ID: "u1", Email: "alice@example.com", Role: AdminRole},
		{ID: "u2", Email: "bob@example.com", Role: "user"},
	})
	require.NoError(t, err)
	tokens, err := identity.NewTokenVerifier(testJWTSecret, "svcgateway")
	require.NoError(t, err)
	signer, err := signing.NewSigner(testSigningSecret)
	require.NoError(t, err)
	recorder := metrics.New(noop.NewMeterProvider())

	service, err := sso.NewService(sso.NewMemoryStorage(), engine, resolver, tokens, nil, sso.Options{
		CodeTTL:     5 * time.Minute,
		SessionTTL:  time.Hour,
		CallbackURL: "https://gateway.example.com/sso/callback",
	})
	require.NoError(t, err)

	dispatcher, err := proxy.New(proxy.Config{
		Tokens:      tokens,
		Identities:  resolver,
		Routes:      engine,
		Signer:      signer,
		Sessions:    service,
		Metrics:     recorder,
		Prefix:      "/api/v1/proxy",
		Credentials: testNames,
	})
	require.NoError(t, err)

	return &apiFixture{engine: engine, tokens: tokens, dispatcher: dispatcher, sso: service, recorder: recorder}
}

func (f *apiFixture) token(t *testing.T, subject string) string {
	t.Helper()
	token, err := f.tokens.Issue(identity.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: subject}}, time.Hour)
	require.NoError(t, err)
	return token
}

func serve(t *testing.T, h http.Handler, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}
