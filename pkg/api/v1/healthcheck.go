// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/svcgateway/pkg/api/errors"
	"github.com/stacklok/svcgateway/pkg/routing"
)

// HealthReporter exposes the observed health of the registered routes.
type HealthReporter interface {
	HealthSnapshot() map[string]routing.HealthState
}

// HealthcheckRouter sets up healthcheck route.
func HealthcheckRouter(reporter HealthReporter) http.Handler {
	routes := &healthcheckRoutes{reporter: reporter}
	r := chi.NewRouter()
	r.Get("/", routes.getHealthcheck)
	return r
}

type healthcheckRoutes struct {
	reporter HealthReporter
}

type healthcheckResponse struct {
	Status    string `json:"status"`
	Services  int    `json:"services"`
	Healthy   int    `json:"healthy"`
	Unhealthy int    `json:"unhealthy"`
}

//	 getHealthcheck
//		@Summary		Health check
//		@Description	Report gateway liveness and a summary of upstream health
//		@Tags			system
//		@Produce		json
//		@Success		200	{object}	healthcheckResponse
//		@Failure		503	{object}	healthcheckResponse
//		@Router			/health [get]
func (h *healthcheckRoutes) getHealthcheck(w http.ResponseWriter, _ *http.Request) {
	resp := healthcheckResponse{Status: "ok"}
	for _, state := range h.reporter.HealthSnapshot() {
		resp.Services++
		if state.Healthy {
			resp.Healthy++
		} else {
			resp.Unhealthy++
		}
	}

	status := http.StatusOK
	switch {
	case resp.Services > 0 && resp.Healthy == 0:
		// Nothing can be served.
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	case resp.Unhealthy > 0:
		resp.Status = "degraded"
	}
	_ = apierrors.WriteJSON(w, status, resp)
}
