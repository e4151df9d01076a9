// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/svcgateway/pkg/api/errors"
	"github.com/stacklok/svcgateway/pkg/audit"
	"github.com/stacklok/svcgateway/pkg/config"
	gwerrors "github.com/stacklok/svcgateway/pkg/errors"
	"github.com/stacklok/svcgateway/pkg/logger"
	"github.com/stacklok/svcgateway/pkg/metrics"
	"github.com/stacklok/svcgateway/pkg/proxy"
	"github.com/stacklok/svcgateway/pkg/ratelimit"
	"github.com/stacklok/svcgateway/pkg/routing"
)

// adminActor identifies changes made through the admin token.
var adminActor = audit.Actor{UserID: "admin-token", Role: AdminRole}

// AdminDeps are the collaborators of the admin API. Monitor, Auditor and
// RateLimits are optional.
type AdminDeps struct {
	Engine     *routing.Engine
	Cache      *proxy.Cache
	Monitor    *routing.Monitor
	Metrics    *metrics.Recorder
	Auditor    *audit.Auditor
	RateLimits ratelimit.Store
	Settings   *config.Config
}

// AdminRoutes defines the routes of the admin API.
type AdminRoutes struct {
	deps      AdminDeps
	validator *config.DefaultValidator
}

// AdminRouter creates the admin router. Authentication is left to the caller.
func AdminRouter(deps AdminDeps) http.Handler {
	if deps.Settings == nil {
		deps.Settings = config.DefaultConfig()
	}
	routes := AdminRoutes{deps: deps, validator: config.NewValidator()}

	r := chi.NewRouter()
	r.Get("/routes", apierrors.ErrorHandler(routes.listRoutes))
	r.Post("/routes", apierrors.ErrorHandler(routes.addRoute))
	r.Delete("/routes/{name}", apierrors.ErrorHandler(routes.removeRoute))
	r.Get("/health", apierrors.ErrorHandler(routes.health))
	r.Post("/health/check", apierrors.ErrorHandler(routes.checkHealth))
	r.Get("/cache", apierrors.ErrorHandler(routes.listCache))
	r.Delete("/cache", apierrors.ErrorHandler(routes.flushCache))
	r.Delete("/cache/{name}", apierrors.ErrorHandler(routes.evictCache))
	r.Get("/metrics", apierrors.ErrorHandler(routes.metricsSnapshot))
	r.Delete("/metrics", apierrors.ErrorHandler(routes.resetMetrics))
	r.Get("/audit", apierrors.ErrorHandler(routes.listAudit))
	r.Get("/ratelimit/{user}/{service}", apierrors.ErrorHandler(routes.getRateLimit))
	r.Delete("/ratelimit/{user}/{service}", apierrors.ErrorHandler(routes.resetRateLimit))
	return r
}

type routeListResponse struct {
	Routes []*routing.Route `json:"routes"`
}

type healthResponse struct {
	Services map[string]routing.HealthState `json:"services"`
}

type cacheResponse struct {
	Entries []proxy.EntryInfo `json:"entries"`
}

type flushResponse struct {
	Flushed int `json:"flushed"`
}

type auditResponse struct {
	Events []*audit.Event `json:"events"`
}

// listRoutes
//
//	@Summary	List registered routes
//	@Tags		admin
//	@Produce	json
//	@Success	200	{object}	routeListResponse
//	@Router		/admin/routes [get]
func (a *AdminRoutes) listRoutes(w http.ResponseWriter, _ *http.Request) error {
	return apierrors.WriteJSON(w, http.StatusOK, routeListResponse{Routes: a.deps.Engine.Routes()})
}

// addRoute
//
//	@Summary		Register or replace a route
//	@Description	The body uses the service format of the configuration file
//	@Tags			admin
//	@Accept			json
//	@Produce		json
//	@Param			request	body		config.ServiceConfig	true	"Service definition"
//	@Success		201		{object}	routing.Route
//	@Failure		400		{object}	apierrors.Body
//	@Router			/admin/routes [post]
func (a *AdminRoutes) addRoute(w http.ResponseWriter, r *http.Request) (err error) {
	var svc config.ServiceConfig
	if err := decodeBody(r, &svc); err != nil {
		return err
	}
	svc = a.deps.Settings.ServiceWithDefaults(svc)
	defer func() {
		a.deps.Auditor.LogRouteChange(r.Context(), audit.EventTypeRouteAdded, adminActor, svc.Name, err)
	}()

	if err := a.validator.ValidateService(svc); err != nil {
		return gwerrors.NewValidationError(err.Error(), err)
	}
	route, err := routing.FromConfig(svc, a.deps.Settings.ServiceRateLimit(svc))
	if err != nil {
		return gwerrors.NewValidationError(err.Error(), err)
	}
	if err := a.deps.Engine.AddRoute(route); err != nil {
		return gwerrors.NewValidationError(err.Error(), err)
	}
	a.deps.Cache.Evict(route.Name)
	logger.Infow("route registered", "service", route.Name, "targets", len(route.Targets))
	return apierrors.WriteJSON(w, http.StatusCreated, route)
}

// removeRoute
//
//	@Summary	Unregister a route
//	@Tags		admin
//	@Param		name	path	string	true	"Service slug"
//	@Success	204
//	@Failure	404	{object}	apierrors.Body
//	@Router		/admin/routes/{name} [delete]
func (a *AdminRoutes) removeRoute(w http.ResponseWriter, r *http.Request) (err error) {
	name := chi.URLParam(r, "name")
	defer func() {
		a.deps.Auditor.LogRouteChange(r.Context(), audit.EventTypeRouteRemoved, adminActor, name, err)
	}()

	if err := a.deps.Engine.RemoveRoute(name); err != nil {
		if errors.Is(err, routing.ErrRouteNotFound) {
			return gwerrors.NewNotFoundError(fmt.Sprintf("service %s not found", name), err)
		}
		return err
	}
	a.deps.Cache.Evict(name)
	logger.Infow("route removed", "service", name)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// health
//
//	@Summary	Per-route health and breaker state
//	@Tags		admin
//	@Produce	json
//	@Success	200	{object}	healthResponse
//	@Router		/admin/health [get]
func (a *AdminRoutes) health(w http.ResponseWriter, _ *http.Request) error {
	return apierrors.WriteJSON(w, http.StatusOK, healthResponse{Services: a.deps.Engine.HealthSnapshot()})
}

// checkHealth probes every route now and returns the resulting state.
func (a *AdminRoutes) checkHealth(w http.ResponseWriter, r *http.Request) error {
	if a.deps.Monitor == nil {
		return gwerrors.New(gwerrors.KindServiceUnavailable, "health monitor is disabled", nil)
	}
	a.deps.Monitor.CheckNow(r.Context())
	return a.health(w, r)
}

func (a *AdminRoutes) listCache(w http.ResponseWriter, _ *http.Request) error {
	entries := a.deps.Cache.Entries()
	if entries == nil {
		entries = []proxy.EntryInfo{}
	}
	return apierrors.WriteJSON(w, http.StatusOK, cacheResponse{Entries: entries})
}

func (a *AdminRoutes) flushCache(w http.ResponseWriter, _ *http.Request) error {
	n := a.deps.Cache.Flush()
	logger.Infow("proxy cache flushed", "entries", n)
	return apierrors.WriteJSON(w, http.StatusOK, flushResponse{Flushed: n})
}

func (a *AdminRoutes) evictCache(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")
	if !a.deps.Cache.Evict(name) {
		return gwerrors.NewNotFoundError(fmt.Sprintf("no cached handler for %s", name), nil)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// metricsSnapshot
//
//	@Summary	Per-service request statistics
//	@Tags		admin
//	@Produce	json
//	@Success	200	{object}	metrics.Snapshot
//	@Router		/admin/metrics [get]
func (a *AdminRoutes) metricsSnapshot(w http.ResponseWriter, _ *http.Request) error {
	return apierrors.WriteJSON(w, http.StatusOK, a.deps.Metrics.Snapshot())
}

func (a *AdminRoutes) resetMetrics(w http.ResponseWriter, _ *http.Request) error {
	a.deps.Metrics.Reset()
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// listAudit
//
//	@Summary	Query persisted audit events
//	@Tags		admin
//	@Produce	json
//	@Param		user	query		string	false	"User id"
//	@Param		service	query		string	false	"Service slug"
//	@Param		type	query		string	false	"Event type"
//	@Param		since	query		string	false	"RFC 3339 lower bound"
//	@Param		limit	query		int		false	"Maximum events"
//	@Success	200		{object}	auditResponse
//	@Router		/admin/audit [get]
func (a *AdminRoutes) listAudit(w http.ResponseWriter, r *http.Request) error {
	store := a.deps.Auditor.Store()
	if store == nil {
		return gwerrors.NewNotFoundError("audit persistence is disabled", nil)
	}
	q := r.URL.Query()
	query := audit.Query{
		UserID:    q.Get("user"),
		ServiceID: q.Get("service"),
		Type:      q.Get("type"),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return gwerrors.NewValidationError("since must be an RFC 3339 timestamp", err)
		}
		query.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return gwerrors.NewValidationError("limit must be a positive integer", err)
		}
		query.Limit = n
	}
	events, err := store.List(r.Context(), query)
	if err != nil {
		return fmt.Errorf("listing audit events: %w", err)
	}
	if events == nil {
		events = []*audit.Event{}
	}
	return apierrors.WriteJSON(w, http.StatusOK, auditResponse{Events: events})
}

func (a *AdminRoutes) rateLimitKey(r *http.Request) (string, error) {
	if a.deps.RateLimits == nil {
		return "", gwerrors.New(gwerrors.KindServiceUnavailable, "rate limit state is not available", nil)
	}
	return ratelimit.Key(chi.URLParam(r, "user"), chi.URLParam(r, "service")), nil
}

// getRateLimit
//
//	@Summary	Inspect the rate limit record of a caller for a service
//	@Tags		admin
//	@Produce	json
//	@Param		user	path		string	true	"User id"
//	@Param		service	path		string	true	"Service slug"
//	@Success	200		{object}	ratelimit.Record
//	@Failure	404		{object}	apierrors.Body
//	@Router		/admin/ratelimit/{user}/{service} [get]
func (a *AdminRoutes) getRateLimit(w http.ResponseWriter, r *http.Request) error {
	key, err := a.rateLimitKey(r)
	if err != nil {
		return err
	}
	rec, err := a.deps.RateLimits.Get(r.Context(), key)
	switch {
	case errors.Is(err, ratelimit.ErrRecordNotFound):
		return gwerrors.NewNotFoundError("no rate limit record for this caller and service", err)
	case err != nil:
		return fmt.Errorf("reading rate limit record: %w", err)
	}
	return apierrors.WriteJSON(w, http.StatusOK, rec)
}

// resetRateLimit
//
//	@Summary	Clear the counter and any block of a caller for a service
//	@Tags		admin
//	@Param		user	path	string	true	"User id"
//	@Param		service	path	string	true	"Service slug"
//	@Success	204
//	@Router		/admin/ratelimit/{user}/{service} [delete]
func (a *AdminRoutes) resetRateLimit(w http.ResponseWriter, r *http.Request) (err error) {
	user, service := chi.URLParam(r, "user"), chi.URLParam(r, "service")
	defer func() {
		a.deps.Auditor.LogRateLimitReset(r.Context(), adminActor, user, service, err)
	}()

	key, err := a.rateLimitKey(r)
	if err != nil {
		return err
	}
	if err := a.deps.RateLimits.Reset(r.Context(), key); err != nil {
		return fmt.Errorf("resetting rate limit record: %w", err)
	}
	logger.Infow("rate limit reset", "user", user, "service", service)
	w.WriteHeader(http.StatusNoContent)
	return nil
}
