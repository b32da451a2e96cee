// Package httpapi is the front-end boundary of the switching runtime: a JSON
// API for switches, contexts and health, plus a websocket progress stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/switchyard/internal/config"
	"github.com/ent0n29/switchyard/internal/contextstore"
	"github.com/ent0n29/switchyard/internal/observability"
	"github.com/ent0n29/switchyard/internal/runtime"
	"github.com/ent0n29/switchyard/internal/tenant"
)

type Server struct {
	cfg      config.Config
	rt       *runtime.Runtime
	registry tenant.Registry
	health   *runtime.HealthMonitor
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, rt *runtime.Runtime, registry tenant.Registry, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		rt:       rt,
		registry: registry,
		health:   runtime.NewHealthMonitor(rt),
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin, so another site cannot watch or time this user's
				// project switches if the service is exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/projects", s.handleListProjects)
	r.Get("/v1/projects/active", s.handleActiveProject)
	r.Post("/v1/projects/{id}/switch", s.handleSwitch)
	r.Post("/v1/projects/{id}/invalidate", s.handleInvalidate)

	r.Post("/v1/context/messages", s.handleAppendMessage)
	r.Get("/v1/context/messages", s.handleGetHistory)

	r.Get("/v1/health/report", s.handleHealthReport)
	r.Get("/v1/perf/switch", s.handlePerfSwitch)
	r.Get("/v1/switch/ws", s.handleProgressWS)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.registry.List(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "registry_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "registry_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"projects": list})
}

func (s *Server) handleActiveProject(w http.ResponseWriter, _ *http.Request) {
	id, ok := s.rt.ActiveTenant()
	if !ok {
		respondError(w, http.StatusNotFound, "no_active_project", "no project has been switched to yet")
		return
	}
	payload := map[string]any{
		"tenant_id": id,
		"state":     s.rt.State(),
	}
	if last, ok := s.rt.LastResult(); ok {
		payload["last_switch"] = last
	}
	respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_project_id", "missing project id")
		return
	}

	res, err := s.rt.SwitchProject(r.Context(), tenant.ID(id))
	switch {
	case errors.Is(err, tenant.ErrUnknownTenant):
		respondError(w, http.StatusNotFound, "unknown_project", err.Error())
		return
	case errors.Is(err, runtime.ErrSuperseded):
		respondError(w, http.StatusConflict, "switch_superseded", err.Error())
		return
	case errors.Is(err, runtime.ErrSwitchFailed):
		respondError(w, http.StatusBadGateway, "switch_failed", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "switch_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_project_id", "missing project id")
		return
	}
	s.rt.InvalidateTenant(tenant.ID(id))
	respondJSON(w, http.StatusOK, map[string]any{"invalidated": id})
}

type appendMessageRequest struct {
	Role     string            `json:"role"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req appendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	role := contextstore.Role(strings.TrimSpace(req.Role))
	if role != contextstore.RoleUser && role != contextstore.RoleAssistant {
		respondError(w, http.StatusBadRequest, "invalid_role", "role must be user or assistant")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "empty_content", "content is required")
		return
	}

	msg, err := s.rt.AppendMessage(role, req.Content, req.Metadata)
	if errors.Is(err, contextstore.ErrNoActiveContext) {
		respondError(w, http.StatusConflict, "no_active_context", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "append_error", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	if _, ok := s.rt.ActiveTenant(); !ok {
		respondError(w, http.StatusConflict, "no_active_context", "no project has been switched to yet")
		return
	}
	h := s.rt.GetHistory(limit)
	if h == nil {
		h = []contextstore.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": h})
}

func (s *Server) handleHealthReport(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.health.Report())
}

func (s *Server) handlePerfSwitch(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SwitchStageSnapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
