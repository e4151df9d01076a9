// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	gwerrors "github.com/stacklok/svcgateway/pkg/errors"
	"github.com/stacklok/svcgateway/pkg/logger"
	"github.com/stacklok/svcgateway/pkg/routing"
)

// DefaultBackoffUnit is the linear retry step: attempt n waits n units.
const DefaultBackoffUnit = time.Second

// errUpstreamStatus marks a 5xx answer for the route breaker.
var errUpstreamStatus = errors.New("upstream returned a server error")

// TargetSelector leases a target of a route.
type TargetSelector interface {
	SelectTarget(route *routing.Route) (*routing.Lease, error)
}

// ClassifyUpstreamError maps a transport failure to a gateway error kind.
// Refused connections and DNS failures mean the service is unavailable,
// timeouts mean the gateway gave up waiting, anything else is a bad gateway.
func ClassifyUpstreamError(service string, err error) error {
	var gwErr *gwerrors.Error
	if errors.As(err, &gwErr) {
		return err
	}

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED), errors.As(err, &dnsErr):
		return gwerrors.New(gwerrors.KindServiceUnavailable,
			fmt.Sprintf("service %s is unavailable", service), err)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return gwerrors.New(gwerrors.KindGatewayTimeout,
			fmt.Sprintf("service %s did not respond in time", service), err)
	default:
		return gwerrors.New(gwerrors.KindBadGateway,
			fmt.Sprintf("bad response from service %s", service), err)
	}
}

// linearBackOff waits unit × attempt between tries.
type linearBackOff struct {
	unit    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.unit * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// upstreamTransport selects a target for every attempt, bounds each attempt
// with the route timeout and retries transport failures.
type upstreamTransport struct {
	base        http.RoundTripper
	targets     TargetSelector
	route       *routing.Route
	backoffUnit time.Duration
}

// RoundTrip implements http.RoundTripper.
func (t *upstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rc := FromContext(req.Context())

	maxTries := 1
	if replayable(req) && t.route.MaxRetries > 0 {
		maxTries += t.route.MaxRetries
	}

	attempt := 0
	operation := func() (*http.Response, error) {
		attempt++
		if rc != nil {
			rc.Attempts = attempt
		}

		body := req.Body
		if attempt > 1 && req.GetBody != nil {
			fresh, err := req.GetBody()
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			body = fresh
		}

		resp, err := t.attempt(req, body, rc)
		switch {
		case err == nil:
			return resp, nil
		case req.Context().Err() != nil,
			errors.Is(err, routing.ErrServiceUnavailable),
			errors.Is(err, routing.ErrRouteNotFound):
			return nil, backoff.Permanent(err)
		case gwerrors.KindOf(err).Retryable():
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}

	return backoff.Retry(req.Context(), operation,
		backoff.WithBackOff(&linearBackOff{unit: t.backoffUnit}),
		backoff.WithMaxTries(uint(maxTries)), // #nosec G115 -- maxTries is at least 1
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warnw("retrying upstream request",
				"service", t.route.Name,
				"attempt", attempt,
				"wait", wait,
				"error", err)
		}),
	)
}

func (t *upstreamTransport) attempt(req *http.Request, body io.ReadCloser, rc *RequestContext) (*http.Response, error) {
	lease, err := t.targets.SelectTarget(t.route)
	if err != nil {
		return nil, gwerrors.New(gwerrors.KindServiceUnavailable,
			fmt.Sprintf("service %s is unavailable", t.route.Name), err)
	}

	ctx, cancel := req.Context(), context.CancelFunc(func() {})
	if t.route.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.route.Timeout)
	}

	out := req.Clone(ctx)
	out.Body = body
	out.URL.Scheme = lease.URL.Scheme
	out.URL.Host = lease.URL.Host
	out.URL.Path = joinURLPath(lease.URL.Path, req.URL.Path)
	out.URL.RawPath = ""
	out.Host = lease.URL.Host
	if rc != nil {
		rc.Upstream = lease.URL.Host
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		cancel()
		lease.Release(err)
		return nil, ClassifyUpstreamError(t.route.Name, err)
	}

	var outcome error
	if resp.StatusCode >= http.StatusInternalServerError {
		outcome = errUpstreamStatus
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: func() {
		cancel()
		lease.Release(outcome)
	}}
	return resp, nil
}

// replayable reports whether the body of req can be sent again.
func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// releasingBody returns the lease once the response body is closed.
type releasingBody struct {
	io.ReadCloser
	release func()
	closed  bool
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	if !b.closed {
		b.closed = true
		b.release()
	}
	return err
}
