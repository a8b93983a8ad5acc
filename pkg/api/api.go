// Package api is the HTTP front end of the monitor.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ryandielhenn/babysitter/discovery"
	"github.com/ryandielhenn/babysitter/internal/telemetry"
	"github.com/ryandielhenn/babysitter/pkg/alerts"
	"github.com/ryandielhenn/babysitter/pkg/coord"
	"github.com/ryandielhenn/babysitter/pkg/membership"
	"github.com/ryandielhenn/babysitter/pkg/model"
)

// Servers is the read side of the known-server set.
type Servers interface {
	RegisteredServers() model.ServerSet
	Server(name string) (model.Server, bool)
}

type Plugins interface {
	Plugins() []alerts.Plugin
	Plugin(name string) (alerts.Plugin, bool)
	SetActive(name string, active bool) bool
}

// Deregisterer performs planned removals.
type Deregisterer interface {
	Deregister(ctx context.Context, name string) model.Status
}

type MarkerLister interface {
	Markers(ctx context.Context) ([]membership.Marker, error)
}

type Config struct {
	Servers     Servers
	Plugins     Plugins
	Tracker     Deregisterer
	Markers     MarkerLister
	Store       coord.Store // session used to register servers posted to the API
	MonitorPath string
	// Users maps user names to passwords for basic auth on the mutating
	// routes. Empty leaves them open.
	Users map[string]string
}

type Handlers struct {
	cfg Config
	log *zap.Logger
}

// maxRecordBytes bounds a posted server record
const maxRecordBytes = 1 << 20

// NewRouter builds the routes; missing collaborators leave their routes
// answering 503.
func NewRouter(cfg Config, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handlers{cfg: cfg, log: log}

	r := chi.NewRouter()
	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", telemetry.MetricsHandler())

	r.Route("/servers", func(r chi.Router) {
		r.Get("/", instrument("list_servers", h.listServers))
		r.Get("/{id}", instrument("get_server", h.getServer))
		r.Group(func(r chi.Router) {
			h.authenticate(r)
			r.Post("/", instrument("register_server", h.registerServer))
			r.Delete("/{id}", instrument("deregister_server", h.deregisterServer))
		})
	})
	r.Get("/alerts", instrument("list_alerts", h.listAlerts))

	r.Route("/plugins", func(r chi.Router) {
		r.Get("/", instrument("list_plugins", h.listPlugins))
		r.Get("/{name}", instrument("get_plugin", h.getPlugin))
		r.Group(func(r chi.Router) {
			h.authenticate(r)
			r.Post("/{name}/activate", instrument("activate_plugin", h.setPlugin(true)))
			r.Post("/{name}/deactivate", instrument("deactivate_plugin", h.setPlugin(false)))
		})
	})
	return r
}

// authenticate puts basic auth in front of the routes of r when users are
// configured.
func (h *Handlers) authenticate(r chi.Router) {
	if len(h.cfg.Users) > 0 {
		r.Use(middleware.BasicAuth("babysitter", h.cfg.Users))
	}
}

func instrument(op string, fn http.HandlerFunc) http.HandlerFunc {
	return telemetry.Instrument(op, fn).ServeHTTP
}

func (h *Handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) listServers(w http.ResponseWriter, _ *http.Request) {
	if h.cfg.Servers == nil {
		h.unavailable(w)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"servers": h.cfg.Servers.RegisteredServers().Slice(),
		"status":  "OK",
	})
}

func (h *Handlers) getServer(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Servers == nil {
		h.unavailable(w)
		return
	}
	id := chi.URLParam(r, "id")
	s, ok := h.cfg.Servers.Server(id)
	if !ok {
		h.writeStatus(w, http.StatusNotFound, model.Failed("server "+id+" is not registered"))
		return
	}
	h.writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) registerServer(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Store == nil {
		h.unavailable(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRecordBytes))
	if err != nil {
		h.writeStatus(w, http.StatusBadRequest, model.Failed(err.Error()))
		return
	}
	s, err := model.DecodeServer(body)
	if err != nil {
		h.writeStatus(w, http.StatusBadRequest, model.Failed(err.Error()))
		return
	}

	path, err := discovery.RegisterServer(r.Context(), h.cfg.Store, h.cfg.MonitorPath, s)
	switch {
	case err == nil:
		h.log.Info("server registered through api", zap.String("server", s.Name()), zap.String("path", path))
		h.writeStatus(w, http.StatusCreated, model.OK("server "+s.Name()+" registered"))
	case errors.Is(err, coord.ErrNodeExists):
		h.writeStatus(w, http.StatusConflict, model.Failed("server "+s.Name()+" is already registered"))
	default:
		h.log.Error("api registration failed", zap.String("server", s.Name()), zap.Error(err))
		h.writeStatus(w, http.StatusBadGateway, model.Failed(err.Error()))
	}
}

func (h *Handlers) deregisterServer(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Tracker == nil {
		h.unavailable(w)
		return
	}
	st := h.cfg.Tracker.Deregister(r.Context(), chi.URLParam(r, "id"))
	if !st.IsOK() {
		h.writeStatus(w, http.StatusNotFound, st)
		return
	}
	h.writeStatus(w, http.StatusOK, st)
}

func (h *Handlers) listAlerts(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Markers == nil {
		h.unavailable(w)
		return
	}
	markers, err := h.cfg.Markers.Markers(r.Context())
	if err != nil {
		h.writeStatus(w, http.StatusBadGateway, model.Failed(err.Error()))
		return
	}
	if markers == nil {
		markers = []membership.Marker{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"alerts": markers, "status": "OK"})
}

func (h *Handlers) listPlugins(w http.ResponseWriter, _ *http.Request) {
	if h.cfg.Plugins == nil {
		h.unavailable(w)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"plugins": h.cfg.Plugins.Plugins(), "status": "OK"})
}

func (h *Handlers) getPlugin(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Plugins == nil {
		h.unavailable(w)
		return
	}
	name := chi.URLParam(r, "name")
	p, ok := h.cfg.Plugins.Plugin(name)
	if !ok {
		h.writeStatus(w, http.StatusNotFound, model.Failed("no plugin named "+name))
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) setPlugin(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.Plugins == nil {
			h.unavailable(w)
			return
		}
		name := chi.URLParam(r, "name")
		if !h.cfg.Plugins.SetActive(name, active) {
			h.writeStatus(w, http.StatusNotFound, model.Failed("no plugin named "+name))
			return
		}
		p, _ := h.cfg.Plugins.Plugin(name)
		h.writeJSON(w, http.StatusOK, p)
	}
}

func (h *Handlers) unavailable(w http.ResponseWriter) {
	h.writeStatus(w, http.StatusServiceUnavailable, model.Failed("not available on this instance"))
}

func (h *Handlers) writeStatus(w http.ResponseWriter, code int, st model.Status) {
	h.writeJSON(w, code, st)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", zap.Error(err))
	}
}
