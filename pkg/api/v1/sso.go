// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/svcgateway/pkg/api/errors"
	gwerrors "github.com/stacklok/svcgateway/pkg/errors"
	"github.com/stacklok/svcgateway/pkg/identity"
	"github.com/stacklok/svcgateway/pkg/logger"
	"github.com/stacklok/svcgateway/pkg/sso"
)

// AdminRole may trigger SSO maintenance through the public API.
const AdminRole = "admin"

// SSORoutes defines the routes of the SSO authorization protocol.
type SSORoutes struct {
	service *sso.Service
}

// SSORouter creates the SSO router. Every route except the code exchange and
// the browser callback requires an authenticated caller.
func SSORouter(service *sso.Service, auth CallerAuthenticator) http.Handler {
	routes := SSORoutes{service: service}

	r := chi.NewRouter()
	r.Get("/callback", routes.callback)
	r.Post("/exchange", apierrors.ErrorHandler(routes.exchange))

	r.Group(func(r chi.Router) {
		r.Use(RequireCaller(auth))
		r.Get("/auth/{serviceId}", apierrors.ErrorHandler(routes.initiate))
		r.Post("/authorize", apierrors.ErrorHandler(routes.authorize))
		r.Post("/refresh", apierrors.ErrorHandler(routes.refresh))
		r.Delete("/revoke/{sessionId}", apierrors.ErrorHandler(routes.revoke))
		r.Get("/sessions", apierrors.ErrorHandler(routes.listSessions))
		r.Post("/cleanup", apierrors.ErrorHandler(routes.cleanup))
	})
	return r
}

// authorizeRequest is the body of POST /sso/authorize.
type authorizeRequest struct {
	Service     string   `json:"service"`
	RedirectURL string   `json:"redirectUrl,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

// authorizeResponse carries a single use authorization code.
type authorizeResponse struct {
	Code      string `json:"code"`
	ExpiresIn int    `json:"expiresIn"`
}

// exchangeRequest is the body of POST /sso/exchange.
type exchangeRequest struct {
	Code string `json:"code"`
}

// refreshRequest is the body of POST /sso/refresh.
type refreshRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	ServiceID string `json:"serviceId,omitempty"`
}

type refreshResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type sessionListResponse struct {
	Sessions []*sso.Session `json:"sessions"`
}

type cleanupResponse struct {
	Removed     int `json:"removed"`
	Deactivated int `json:"deactivated"`
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return gwerrors.NewValidationError("invalid request body", err)
	}
	return nil
}

// initiate
//
//	@Summary		Start an SSO handshake
//	@Description	Redirect the browser to the service frontend with a session token
//	@Tags			sso
//	@Param			serviceId		path	string	true	"Service slug"
//	@Param			redirect_url	query	string	false	"Where the service sends the browser back"
//	@Success		302
//	@Failure		401	{object}	apierrors.Body
//	@Failure		404	{object}	apierrors.Body
//	@Router			/sso/auth/{serviceId} [get]
func (s *SSORoutes) initiate(w http.ResponseWriter, r *http.Request) error {
	rc, err := caller(r)
	if err != nil {
		return err
	}
	res, err := s.service.Initiate(r.Context(), rc.Identity, chi.URLParam(r, "serviceId"), r.URL.Query().Get("redirect_url"))
	if err != nil {
		return err
	}
	http.Redirect(w, r, res.URL, http.StatusFound)
	return nil
}

// callback
//
//	@Summary		Complete an SSO handshake
//	@Description	Validate the token and state returned by a service frontend
//	@Tags			sso
//	@Success		302
//	@Router			/sso/callback [get]
func (s *SSORoutes) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	serviceID := q.Get("service_id")
	res, err := s.service.Callback(r.Context(), q.Get("token"), q.Get("state"), serviceID, q.Get("redirect_url"))
	if err != nil {
		logger.Warnw("SSO callback rejected", "service", serviceID, "error", err)
		http.Redirect(w, r, withQuery(sso.DefaultCallbackRedirect, "sso_error", gwerrors.PublicMessage(err)), http.StatusFound)
		return
	}
	target := withQuery(res.RedirectURL, "sso_success", "true")
	http.Redirect(w, r, withQuery(target, "service", serviceID), http.StatusFound)
}

// withQuery adds key=value to the query of raw.
func withQuery(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// authorize
//
//	@Summary		Issue an authorization code
//	@Tags			sso
//	@Accept			json
//	@Produce		json
//	@Param			request	body		authorizeRequest	true	"Authorization request"
//	@Success		200		{object}	authorizeResponse
//	@Failure		400		{object}	apierrors.Body
//	@Failure		429		{object}	apierrors.Body
//	@Router			/sso/authorize [post]
func (s *SSORoutes) authorize(w http.ResponseWriter, r *http.Request) error {
	rc, err := caller(r)
	if err != nil {
		return err
	}
	var req authorizeRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	code, expiresIn, err := s.service.Authorize(r.Context(), rc.Identity, req.Service, req.RedirectURL, req.Scopes)
	if err != nil {
		return err
	}
	return apierrors.WriteJSON(w, http.StatusOK, authorizeResponse{Code: code, ExpiresIn: int(expiresIn.Seconds())})
}

// exchange
//
//	@Summary		Exchange an authorization code for a session token
//	@Tags			sso
//	@Accept			json
//	@Produce		json
//	@Param			request	body		exchangeRequest	true	"Exchange request"
//	@Success		200		{object}	sso.ExchangeResult
//	@Failure		400		{object}	apierrors.Body
//	@Router			/sso/exchange [post]
func (s *SSORoutes) exchange(w http.ResponseWriter, r *http.Request) error {
	var req exchangeRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	res, err := s.service.Exchange(r.Context(), req.Code)
	if err != nil {
		return err
	}
	return apierrors.WriteJSON(w, http.StatusOK, res)
}

// refresh
//
//	@Summary		Extend a session and issue a new token
//	@Tags			sso
//	@Accept			json
//	@Produce		json
//	@Param			request	body		refreshRequest	false	"Refresh request"
//	@Success		200		{object}	refreshResponse
//	@Failure		401		{object}	apierrors.Body
//	@Router			/sso/refresh [post]
func (s *SSORoutes) refresh(w http.ResponseWriter, r *http.Request) error {
	rc, err := caller(r)
	if err != nil {
		return err
	}
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			return err
		}
	}
	if req.SessionID == "" && rc.Claims != nil {
		req.SessionID = rc.Claims.SessionID
	}
	if req.SessionID == "" {
		return gwerrors.NewValidationError("session id is required", nil)
	}
	if err := s.requireOwnSession(r, rc.Identity, req.SessionID); err != nil {
		return err
	}
	token, expiresAt, err := s.service.Refresh(r.Context(), req.SessionID, req.ServiceID)
	if err != nil {
		return err
	}
	return apierrors.WriteJSON(w, http.StatusOK, refreshResponse{AccessToken: token, ExpiresAt: expiresAt})
}

func (s *SSORoutes) requireOwnSession(r *http.Request, user *identity.Identity, sessionID string) error {
	sessions, err := s.service.ListSessions(r.Context(), user.ID)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(sessions, func(sess *sso.Session) bool { return sess.ID == sessionID }) {
		return gwerrors.NewNotFoundError("session not found", nil)
	}
	return nil
}

// revoke
//
//	@Summary		Revoke one of the caller's sessions
//	@Tags			sso
//	@Param			sessionId	path	string	true	"Session id"
//	@Success		204
//	@Failure		404	{object}	apierrors.Body
//	@Router			/sso/revoke/{sessionId} [delete]
func (s *SSORoutes) revoke(w http.ResponseWriter, r *http.Request) error {
	rc, err := caller(r)
	if err != nil {
		return err
	}
	if err := s.service.Revoke(r.Context(), rc.Identity.ID, chi.URLParam(r, "sessionId")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// listSessions
//
//	@Summary		List the caller's active sessions
//	@Tags			sso
//	@Produce		json
//	@Success		200	{object}	sessionListResponse
//	@Router			/sso/sessions [get]
func (s *SSORoutes) listSessions(w http.ResponseWriter, r *http.Request) error {
	rc, err := caller(r)
	if err != nil {
		return err
	}
	sessions, err := s.service.ListSessions(r.Context(), rc.Identity.ID)
	if err != nil {
		return err
	}
	if sessions == nil {
		sessions = []*sso.Session{}
	}
	return apierrors.WriteJSON(w, http.StatusOK, sessionListResponse{Sessions: sessions})
}

// cleanup
//
//	@Summary		Remove expired SSO state
//	@Description	Requires the admin role
//	@Tags			sso
//	@Produce		json
//	@Success		200	{object}	cleanupResponse
//	@Failure		403	{object}	apierrors.Body
//	@Router			/sso/cleanup [post]
func (s *SSORoutes) cleanup(w http.ResponseWriter, r *http.Request) error {
	rc, err := caller(r)
	if err != nil {
		return err
	}
	if rc.Identity.Role != AdminRole {
		return gwerrors.NewAuthorizationError("admin role required", nil)
	}
	removed, err := s.service.CleanupExpired(r.Context())
	if err != nil {
		return err
	}
	deactivated, err := s.service.CleanupExpiredAuthorizations(r.Context())
	if err != nil {
		return err
	}
	return apierrors.WriteJSON(w, http.StatusOK, cleanupResponse{Removed: removed, Deactivated: deactivated})
}
