// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the gateway request dispatcher. A request passes
// through ordered stages (credential, identity, service, session,
// permissions, rate limit and handler) before it is forwarded upstream with a
// rewritten header set.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/stacklok/svcgateway/pkg/api/errors"
	"github.com/stacklok/svcgateway/pkg/audit"
	gwerrors "github.com/stacklok/svcgateway/pkg/errors"
	"github.com/stacklok/svcgateway/pkg/identity"
	"github.com/stacklok/svcgateway/pkg/logger"
	"github.com/stacklok/svcgateway/pkg/metrics"
	"github.com/stacklok/svcgateway/pkg/ratelimit"
	"github.com/stacklok/svcgateway/pkg/routing"
	"github.com/stacklok/svcgateway/pkg/signing"
	"github.com/stacklok/svcgateway/pkg/sso"
	"github.com/stacklok/svcgateway/pkg/telemetry"
)

// MaxReplayableBody is the largest request body buffered so it can be
// resent on retry. Larger or unsized bodies are sent once.
const MaxReplayableBody = 1 << 20

// TokenVerifier decodes a gateway bearer token.
type TokenVerifier interface {
	Verify(token string) (*identity.Claims, error)
}

// RouteFinder resolves and leases routes.
type RouteFinder interface {
	TargetSelector
	FindRoute(method, path string) (*routing.Route, error)
}

// SessionResolver validates SSO bound tokens and finds the session that
// authorizes a caller for a service.
type SessionResolver interface {
	ValidateSessionToken(ctx context.Context, token string) (*identity.Claims, *sso.Session, error)
	ResolveSession(ctx context.Context, user *identity.Identity, serviceID, sessionID string) (*sso.Session, error)
}

// Config wires a Dispatcher.
type Config struct {
	Tokens     TokenVerifier
	Identities identity.Resolver
	Routes     RouteFinder
	Signer     *signing.Signer

	// Sessions is optional. When nil no SSO session is required.
	Sessions SessionResolver

	// Limiter is optional. When nil requests are never throttled.
	Limiter ratelimit.Limiter

	Metrics *metrics.Recorder
	Auditor *audit.Auditor

	// Prefix is the path under which the dispatcher is mounted, e.g. "/api/v1/proxy".
	Prefix      string
	Credentials CredentialNames

	// Transport performs upstream round trips. Defaults to http.DefaultTransport.
	Transport   http.RoundTripper
	BackoffUnit time.Duration
	CacheTTL    time.Duration
}

// Dispatcher authenticates, authorizes and forwards gateway requests.
type Dispatcher struct {
	cfg    Config
	cache  *Cache
	stages []stage
	now    func() time.Time
}

// stage is one ordered dispatch step. A non-nil error ends the request.
type stage struct {
	name string
	run  func(ctx context.Context, r *http.Request, rc *RequestContext) error
}

// New validates cfg and creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Tokens == nil:
		return nil, errors.New("token verifier is required")
	case cfg.Identities == nil:
		return nil, errors.New("identity resolver is required")
	case cfg.Routes == nil:
		return nil, errors.New("route finder is required")
	case cfg.Signer == nil:
		return nil, errors.New("signer is required")
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = DefaultBackoffUnit
	}
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, "/")

	d := &Dispatcher{cfg: cfg, now: time.Now}
	d.cache = NewCache(d.buildHandler, WithTTL(cfg.CacheTTL), WithBuildHook(cfg.Metrics.RecordCacheBuild))
	d.stages = []stage{
		{name: "credential", run: d.extractCredential},
		{name: "token", run: d.verifyToken},
		{name: "identity", run: d.resolveIdentity},
		{name: "service", run: d.resolveService},
		{name: "session", run: d.resolveSession},
		{name: "permissions", run: d.checkPermissions},
		{name: "signing", run: d.signIdentity},
		{name: "ratelimit", run: d.checkRateLimit},
		{name: "handler", run: d.loadHandler},
	}
	return d, nil
}

// Cache returns the handler cache.
func (d *Dispatcher) Cache() *Cache {
	return d.cache
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := &RequestContext{
		RequestID:   requestID(r),
		StartedAt:   d.now(),
		ServicePath: StripPrefix(r.URL.Path, d.cfg.Prefix),
	}
	ctx := WithRequestContext(r.Context(), rc)
	ctx = audit.WithSource(ctx, audit.Source{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		RequestID:  rc.RequestID,
	})
	r = r.WithContext(ctx)

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	sw.Header().Set(HeaderRequestID, rc.RequestID)

	err := d.run(ctx, r, rc)
	if err == nil {
		err = prepareBody(r, rc.Route)
	}
	if err != nil {
		d.setResponseHeaders(sw.Header(), rc)
		apierrors.WriteError(sw, err)
	} else {
		rc.Handler.ServeHTTP(sw, r)
		err = rc.UpstreamErr
	}
	d.finish(ctx, r, rc, sw.status, err)
}

// authStages is the number of leading stages that authenticate the caller.
const authStages = 3

// Authenticate runs only the credential, token and identity stages against
// r. It lets other gateway endpoints accept the same credentials as the proxy.
func (d *Dispatcher) Authenticate(r *http.Request) (*RequestContext, error) {
	rc := &RequestContext{RequestID: requestID(r), StartedAt: d.now()}
	if err := d.runStages(r.Context(), r, rc, d.stages[:authStages]); err != nil {
		return nil, err
	}
	return rc, nil
}

func (d *Dispatcher) run(ctx context.Context, r *http.Request, rc *RequestContext) error {
	return d.runStages(ctx, r, rc, d.stages)
}

func (*Dispatcher) runStages(ctx context.Context, r *http.Request, rc *RequestContext, stages []stage) error {
	for _, s := range stages {
		if err := s.run(ctx, r, rc); err != nil {
			logger.Debugw("dispatch stage rejected request",
				"stage", s.name,
				"request_id", rc.RequestID,
				"error", err)
			return err
		}
	}
	return nil
}

func (d *Dispatcher) extractCredential(_ context.Context, r *http.Request, rc *RequestContext) error {
	token, source, ok := ExtractCredential(r, d.cfg.Credentials)
	if !ok {
		return gwerrors.NewAuthenticationError("authentication required", identity.ErrNoToken)
	}
	rc.Credential = token
	rc.CredentialSource = source
	return nil
}

func (d *Dispatcher) verifyToken(ctx context.Context, _ *http.Request, rc *RequestContext) error {
	claims, err := d.cfg.Tokens.Verify(rc.Credential)
	if err != nil {
		return gwerrors.NewAuthenticationError("invalid or expired token", err)
	}
	if claims.SessionID != "" && d.cfg.Sessions != nil {
		sessionClaims, session, err := d.cfg.Sessions.ValidateSessionToken(ctx, rc.Credential)
		if err != nil {
			return err
		}
		claims = sessionClaims
		rc.Session = session
	}
	rc.Claims = claims
	return nil
}

func (d *Dispatcher) resolveIdentity(ctx context.Context, _ *http.Request, rc *RequestContext) error {
	user, err := d.cfg.Identities.Resolve(ctx, *rc.Claims)
	switch {
	case errors.Is(err, identity.ErrNotFound), errors.Is(err, identity.ErrInactive):
		return gwerrors.NewAuthenticationError("account not found or inactive", err)
	case err != nil:
		return fmt.Errorf("resolving identity: %w", err)
	}
	rc.Identity = user
	return nil
}

func (d *Dispatcher) resolveService(_ context.Context, r *http.Request, rc *RequestContext) error {
	route, err := d.cfg.Routes.FindRoute(r.Method, rc.ServicePath)
	if err != nil {
		return routeError(err)
	}
	rc.Route = route
	return nil
}

func (d *Dispatcher) resolveSession(ctx context.Context, _ *http.Request, rc *RequestContext) error {
	if d.cfg.Sessions == nil {
		return nil
	}
	if rc.Claims.ServiceID != "" && rc.Claims.ServiceID != rc.Route.Name {
		return gwerrors.NewAuthorizationError("token was issued for another service", nil)
	}
	session, err := d.cfg.Sessions.ResolveSession(ctx, rc.Identity, rc.Route.Name, rc.SessionID())
	if err != nil {
		return err
	}
	rc.Session = session
	return nil
}

func (*Dispatcher) checkPermissions(_ context.Context, _ *http.Request, rc *RequestContext) error {
	if !rc.Identity.Authorized(rc.Route.RequiredPermissions, rc.Route.AllowedRoles) {
		return gwerrors.NewAuthorizationError("insufficient permissions for this service", nil)
	}
	return nil
}

func (d *Dispatcher) signIdentity(_ context.Context, _ *http.Request, rc *RequestContext) error {
	user := rc.Identity
	headers, err := d.cfg.Signer.CreateSignedHeaders(user.ID, user.Email, user.Role, rc.Route.Name)
	if err != nil {
		return gwerrors.New(gwerrors.KindSignature, "identity cannot be signed", err)
	}
	rc.SignedHeaders = headers
	return nil
}

func (d *Dispatcher) checkRateLimit(ctx context.Context, _ *http.Request, rc *RequestContext) error {
	if d.cfg.Limiter == nil || rc.Route.RateLimit == nil {
		return nil
	}
	key := ratelimit.Key(rc.Identity.ID, rc.Route.Name)
	decision, err := d.cfg.Limiter.CheckAndIncrement(ctx, key, *rc.Route.RateLimit)
	if err != nil {
		// Limiter outages never fail the request.
		logger.Warnw("rate limit check failed, admitting request",
			"service", rc.Route.Name,
			"error", err)
		return nil
	}
	rc.Decision = &decision
	if decision.Blocked {
		return gwerrors.NewRateLimitError("rate limit exceeded", &ratelimit.ExceededError{Decision: decision})
	}
	if decision.NearLimit() {
		logger.Warnw("caller is close to its rate limit",
			"user", rc.Identity.ID,
			"service", rc.Route.Name,
			"remaining", decision.Remaining)
	}
	return nil
}

func (d *Dispatcher) loadHandler(_ context.Context, _ *http.Request, rc *RequestContext) error {
	handler, err := d.cache.Get(rc.Route)
	if err != nil {
		return err
	}
	rc.Handler = handler
	return nil
}

// buildHandler creates the reverse proxy of route.
func (d *Dispatcher) buildHandler(route *routing.Route) (http.Handler, error) {
	if len(route.Targets) == 0 {
		return nil, fmt.Errorf("%w: service %s has no targets", routing.ErrInvalidRoute, route.Name)
	}
	return &httputil.ReverseProxy{
		Rewrite: d.rewrite,
		Transport: &upstreamTransport{
			base:        d.cfg.Transport,
			targets:     d.cfg.Routes,
			route:       route,
			backoffUnit: d.cfg.BackoffUnit,
		},
		ModifyResponse: func(resp *http.Response) error {
			if rc := FromContext(resp.Request.Context()); rc != nil {
				d.setResponseHeaders(resp.Header, rc)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			rc := FromContext(r.Context())
			classified := ClassifyUpstreamError(route.Name, err)
			if rc != nil {
				rc.UpstreamErr = classified
				d.setResponseHeaders(w.Header(), rc)
			}
			apierrors.WriteError(w, classified)
		},
	}, nil
}

// rewrite builds the outbound request: allow-listed caller headers, the
// signed identity set, tracing headers and the path below the route prefix.
func (d *Dispatcher) rewrite(pr *httputil.ProxyRequest) {
	rc := FromContext(pr.In.Context())
	route := rc.Route

	pr.Out.Header = FilterHeaders(pr.In.Header, d.cfg.Credentials.Header)
	pr.SetXForwarded()

	for name, values := range rc.SignedHeaders {
		pr.Out.Header[name] = values
	}
	pr.Out.Header.Set(HeaderRequestID, rc.RequestID)
	pr.Out.Header.Set(HeaderServiceName, route.Name)
	if id := rc.SessionID(); id != "" {
		pr.Out.Header.Set(HeaderSessionID, id)
	}
	telemetry.InjectTraceContext(pr.Out.Context(), pr.Out.Header)

	pr.Out.URL.Path = joinURLPath(route.UpstreamPathPrefix, StripPrefix(rc.ServicePath, route.PathPrefix))
	pr.Out.URL.RawPath = ""
}

func (d *Dispatcher) setResponseHeaders(h http.Header, rc *RequestContext) {
	h.Set(HeaderResponseTime, strconv.FormatInt(d.now().Sub(rc.StartedAt).Milliseconds(), 10)+"ms")
	h.Set(signing.HeaderProxiedBy, signing.GatewayMarker)
	h.Set(HeaderRequestID, rc.RequestID)
	if rc.Decision != nil {
		ratelimit.SetHeaders(h, *rc.Decision)
	}
}

// finish records metrics and the audit event once the response is written.
func (d *Dispatcher) finish(ctx context.Context, r *http.Request, rc *RequestContext, status int, err error) {
	duration := d.now().Sub(rc.StartedAt)
	service := rc.ServiceName()
	if service != "" {
		d.cfg.Metrics.RecordRequest(ctx, service, status, duration)
	}

	var actor audit.Actor
	if rc.Identity != nil {
		actor = audit.Actor{UserID: rc.Identity.ID, Email: rc.Identity.Email, Role: rc.Identity.Role}
	}
	d.cfg.Auditor.LogProxyRequest(ctx, audit.ProxyRecord{
		Actor:     actor,
		ServiceID: service,
		SessionID: rc.SessionID(),
		Method:    r.Method,
		Path:      r.URL.Path,
		Upstream:  rc.Upstream,
		Status:    status,
		Attempts:  rc.Attempts,
		Duration:  duration,
		Err:       err,
	})
}

// prepareBody buffers small bodies so retries can resend them.
func prepareBody(r *http.Request, route *routing.Route) error {
	if route.MaxRetries == 0 || r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if r.ContentLength <= 0 || r.ContentLength > MaxReplayableBody {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxReplayableBody))
	_ = r.Body.Close()
	if err != nil {
		return gwerrors.NewValidationError("failed to read request body", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

// routeError maps routing failures to gateway errors.
func routeError(err error) error {
	switch {
	case errors.Is(err, routing.ErrRouteNotFound):
		return gwerrors.NewNotFoundError("service not found", err)
	case errors.Is(err, routing.ErrMethodNotAllowed):
		return gwerrors.New(gwerrors.KindMethodNotAllowed, "method not allowed for this service", err)
	case errors.Is(err, routing.ErrServiceUnavailable):
		return gwerrors.New(gwerrors.KindServiceUnavailable, "service temporarily unavailable", err)
	default:
		return err
	}
}

// requestID reuses a caller supplied UUID or mints a new one.
func requestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" {
		if parsed, err := uuid.Parse(id); err == nil {
			return parsed.String()
		}
	}
	return uuid.NewString()
}

// statusWriter records the status code written to the caller.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
