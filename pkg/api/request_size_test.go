// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/svcgateway/pkg/identity"
)

// trackingBody records whether it was closed and fails reads after close.
type trackingBody struct {
	r      io.Reader
	closed atomic.Bool
}

func (b *trackingBody) Read(p []byte) (int, error) {
	if b.closed.Load() {
		return 0, errors.New("read after close")
	}
	return b.r.Read(p)
}

func (b *trackingBody) Close() error {
	b.closed.Store(true)
	return nil
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestRequestBodySizeLimit_BuffersBody(t *testing.T) {
	t.Parallel()

	const limit = 64
	payload := strings.Repeat("a", 40)
	original := &trackingBody{r: strings.NewReader(payload)}
	req := httptest.NewRequest(http.MethodPost, "/sso/authorize", original)
	// The caller under-reports the length.
	req.ContentLength = 3

	var seenLength int64
	var seenBody string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, original.closed.Load(), "the inbound body is drained before the handler runs")
		seenLength = r.ContentLength
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seenBody = string(data)
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	requestBodySizeLimitMiddleware(limit)(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(len(payload)), seenLength, "content length reflects the bytes actually read")
	assert.Equal(t, payload, seenBody)
}

func TestRequestBodySizeLimit_Rejections(t *testing.T) {
	t.Parallel()

	const limit = 64

	tests := []struct {
		name          string
		body          io.Reader
		contentLength int64
		wantStatus    int
	}{
		{
			name:          "declared length over limit",
			body:          errReader{},
			contentLength: limit + 1,
			wantStatus:    http.StatusRequestEntityTooLarge,
		},
		{
			name:          "under-declared oversized body",
			body:          bytes.NewReader(make([]byte, limit+1)),
			contentLength: limit - 1,
			wantStatus:    http.StatusRequestEntityTooLarge,
		},
		{
			name:          "unknown length oversized body",
			body:          bytes.NewReader(make([]byte, 2*limit)),
			contentLength: -1,
			wantStatus:    http.StatusRequestEntityTooLarge,
		},
		{
			name:          "read failure",
			body:          errReader{},
			contentLength: -1,
			wantStatus:    http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var called atomic.Bool
			next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called.Store(true) })

			req := httptest.NewRequest(http.MethodPost, "/admin/routes", tt.body)
			req.ContentLength = tt.contentLength
			rec := httptest.NewRecorder()
			requestBodySizeLimitMiddleware(limit)(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.False(t, called.Load(), "the handler never runs")
		})
	}
}

func TestRequestBodySizeLimit_EmptyBodyPassesThrough(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/sso/sessions", nil)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Empty(t, data)
		assert.Zero(t, r.ContentLength)
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	requestBodySizeLimitMiddleware(16)(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRouter_BodyLimitScope(t *testing.T) {
	t.Parallel()

	var upstreamBytes atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		upstreamBytes.Store(n)
		_, _ = io.WriteString(w, strconv.FormatInt(n, 10))
	}))
	t.Cleanup(upstream.Close)

	g := newGateway(t, "admin-secret", upstream.URL)
	token, err := g.tokens.Issue(identity.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"}}, time.Hour)
	require.NoError(t, err)

	oversized := func() io.Reader { return bytes.NewReader(make([]byte, maxRequestBodySize+1)) }

	tests := []struct {
		name       string
		path       string
		header     http.Header
		wantStatus int
	}{
		{
			name:       "sso",
			path:       "/sso/authorize",
			header:     http.Header{"Authorization": {"Bearer " + token}},
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name:       "admin",
			path:       "/admin/routes",
			header:     http.Header{"X-Admin-Token": {"admin-secret"}},
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name:       "proxy",
			path:       "/api/v1/proxy/billing/uploads",
			header:     http.Header{"Authorization": {"Bearer " + token}},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, oversized())
			for k, v := range tt.header {
				req.Header[k] = v
			}
			rec := httptest.NewRecorder()
			g.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}

	assert.Equal(t, int64(maxRequestBodySize+1), upstreamBytes.Load(), "proxied bodies are streamed unbounded")
}
