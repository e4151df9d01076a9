// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/svcgateway/pkg/api/errors"
	"github.com/stacklok/svcgateway/pkg/versions"
)

// VersionRouter sets up the version route.
func VersionRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/", getVersion)
	return r
}

type versionResponse struct {
	Version string `json:"version"`
}

//	 getVersion
//		@Summary		Get server version
//		@Description	Returns the version of the gateway
//		@Tags			system
//		@Produce		json
//		@Success		200	{object}	versionResponse
//		@Router			/version [get]
func getVersion(w http.ResponseWriter, _ *http.Request) {
	_ = apierrors.WriteJSON(w, http.StatusOK, versionResponse{Version: versions.GetVersionInfo().Version})
}
