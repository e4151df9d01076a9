// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/svcgateway/pkg/routing"
)

type staticHealth map[string]routing.HealthState

func (s staticHealth) HealthSnapshot() map[string]routing.HealthState { return s }

func TestGetHealthcheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		states     staticHealth
		wantCode   int
		wantStatus string
	}{
		{name: "no routes", states: staticHealth{}, wantCode: http.StatusOK, wantStatus: "ok"},
		{
			name:       "all healthy",
			states:     staticHealth{"a": {Healthy: true}, "b": {Healthy: true}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "some unhealthy",
			states:     staticHealth{"a": {Healthy: true}, "b": {}},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name:       "none healthy",
			states:     staticHealth{"a": {}, "b": {}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := httptest.NewRecorder()
			HealthcheckRouter(tt.states).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
			require.Equal(t, tt.wantCode, resp.Code)
			var body healthcheckResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, len(tt.states), body.Services)
		})
	}
}
