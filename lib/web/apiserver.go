// Doomsday
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package web implements the doomsday HTTP API: a thin translation layer
// between requests, the certificate cache and the scheduler. Handlers
// never wait on backend I/O, so a slow source cannot stall reads.
package web

import (
	"net/http"
	"slices"
	"sort"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gravitational/doomsday"
	"github.com/gravitational/doomsday/api"
	"github.com/gravitational/doomsday/lib/auth"
	"github.com/gravitational/doomsday/lib/cache"
	"github.com/gravitational/doomsday/lib/duration"
	"github.com/gravitational/doomsday/lib/httplib"
	"github.com/gravitational/doomsday/lib/schedule"
	"github.com/gravitational/doomsday/lib/storage"
	logutils "github.com/gravitational/doomsday/lib/utils/log"
)

var log = logutils.NewPackageLogger(doomsday.ComponentKey, doomsday.ComponentWeb)

// Config configures the API handler.
type Config struct {
	// Cache is the certificate catalog served by the read endpoints.
	Cache *cache.Cache
	// Scheduler receives ad-hoc refresh requests.
	Scheduler *schedule.Scheduler
	// Auth gates the non-public endpoints. Nil means open.
	Auth auth.Provider
	// Backends lists the configured backend names, the valid arguments
	// to a refresh request.
	Backends []string
	// Clock overrides time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Cache == nil {
		return trace.BadParameter("web: a cache is required")
	}
	if c.Scheduler == nil {
		return trace.BadParameter("web: a scheduler is required")
	}
	if c.Auth == nil {
		c.Auth = auth.None{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Handler is the API multiplexer.
type Handler struct {
	httprouter.Router
	cfg Config
}

// NewHandler creates the handler and registers every route.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg}

	h.GET("/v1/info", httplib.MakeHandler(h.info))
	h.POST("/v1/auth", httplib.MakeHandler(h.login))
	h.GET("/v1/cache", h.withAuth(h.listCache))
	h.POST("/v1/cache/refresh", h.withAuth(h.refreshCache))
	h.GET("/v1/scheduler", h.withAuth(h.schedulerInfo))
	h.GET("/v1/backends", h.withAuth(h.backendStats))

	// operational surface, intentionally outside the session gate
	h.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return h, nil
}

// withAuth rejects requests that do not carry a valid session token when
// the provider requires one.
func (h *Handler) withAuth(fn httplib.HandlerFunc) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		if err := h.cfg.Auth.ValidateToken(bearerToken(r)); err != nil {
			return nil, trace.AccessDenied("unauthorized")
		}
		return fn(w, r, p)
	})
}

// bearerToken pulls the session token from the header or, for browser
// consumers, the cookie.
func bearerToken(r *http.Request) string {
	if token := r.Header.Get(api.TokenHeader); token != "" {
		return token
	}
	if cookie, err := r.Cookie(api.TokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// info handles GET /v1/info.
func (h *Handler) info(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return api.InfoResponse{
		Version:      doomsday.Version,
		AuthRequired: h.cfg.Auth.Required(),
	}, nil
}

// login handles POST /v1/auth.
func (h *Handler) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req api.AuthRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := h.cfg.Auth.NewSession(req.Username, req.Password)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     api.TokenCookie,
		Value:    session.Token,
		Expires:  session.ExpiresAt,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	return api.AuthResponse{Token: session.Token, ExpiresAt: session.ExpiresAt}, nil
}

// listCache handles GET /v1/cache with an optional within or beyond
// duration filter.
func (h *Handler) listCache(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	query := r.URL.Query()
	within, beyond := query.Get("within"), query.Get("beyond")

	var records []cache.Record
	switch {
	case within != "" && beyond != "":
		return nil, trace.BadParameter("within and beyond are mutually exclusive")
	case within != "":
		d, err := duration.Parse(within)
		if err != nil {
			return nil, trace.BadParameter("invalid within duration: %v", err)
		}
		records = h.cfg.Cache.ListWithin(d)
	case beyond != "":
		d, err := duration.Parse(beyond)
		if err != nil {
			return nil, trace.BadParameter("invalid beyond duration: %v", err)
		}
		records = h.cfg.Cache.ListBeyond(d)
	default:
		records = h.cfg.Cache.List()
	}

	items := make([]api.CacheItem, 0, len(records))
	for _, rec := range records {
		paths := make([]api.PathObject, 0, len(rec.Paths))
		for _, path := range rec.Paths {
			paths = append(paths, api.PathObject{Backend: path.Backend, Path: path.Path})
		}
		items = append(items, api.CacheItem{
			Subject:  rec.Subject,
			NotAfter: rec.NotAfter,
			Paths:    paths,
		})
	}
	return items, nil
}

// refreshCache handles POST /v1/cache/refresh. The refreshes run in the
// background; the response carries the scheduler task ids so callers can
// watch /v1/scheduler for completion. A refresh that coalesces with one
// already pending returns the pending task's id.
func (h *Handler) refreshCache(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req api.RefreshRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	backends := req.Backends
	if len(backends) == 0 {
		backends = h.cfg.Backends
	}
	for _, name := range backends {
		if !slices.Contains(h.cfg.Backends, name) {
			return nil, trace.BadParameter("unknown backend %q", name)
		}
	}

	taskIDs := make(map[string]string, len(backends))
	for _, name := range backends {
		task, err := h.cfg.Scheduler.Enqueue(schedule.RefreshJobKey(name))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		taskIDs[name] = task.ID().String()
	}
	log.InfoContext(r.Context(), "Queued ad-hoc refresh", "backends", backends)

	roundtrip.ReplyJSON(w, http.StatusAccepted, api.RefreshResponse{TaskIDs: taskIDs})
	return nil, nil
}

// schedulerInfo handles GET /v1/scheduler.
func (h *Handler) schedulerInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	info := h.cfg.Scheduler.Info()
	return api.SchedulerInfo{
		Workers:      info.Workers,
		PendingTasks: info.PendingTasks,
		RunningTasks: info.RunningTasks,
	}, nil
}

// backendStats handles GET /v1/backends. Every configured backend is
// listed, with zero values until its first refresh attempt completes.
func (h *Handler) backendStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	stats := h.cfg.Cache.GetBackendStats()

	names := make([]string, len(h.cfg.Backends))
	copy(names, h.cfg.Backends)
	sort.Strings(names)

	out := make([]api.BackendStatus, 0, len(names))
	for _, name := range names {
		status := api.BackendStatus{Name: name}
		if entry, ok := stats[name]; ok {
			status.LastRefresh = entry.LastAttempt
			status.NumCerts = entry.NumCerts
			status.NumPaths = entry.NumPaths
			status.Skipped = entry.Skipped
			status.DurationMS = entry.Duration.Milliseconds()
			if entry.LastError != nil {
				status.LastError = entry.LastError.Error()
				status.ErrorKind = storage.ErrorKind(entry.LastError)
			}
		}
		out = append(out, status)
	}
	return out, nil
}
