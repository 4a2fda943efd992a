// Package adminhttp serves the orchestrator's admin HTTP endpoints: unit
// inspection, navigation, starting, unloading and Prometheus metrics.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/location"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/registry"
)

// Orchestrator is what the admin endpoints need of the orchestrator
type Orchestrator interface {
	Units() []registry.UnitInfo
	Unit(name string) (registry.UnitInfo, error)
	ListActiveNames() []string
	IsStarted() bool
	Start(ctx context.Context) ([]string, error)
	Location() location.Location
	Navigate(ctx context.Context, href string) ([]string, error)
	TriggerReroute(ctx context.Context) ([]string, error)
	Unload(ctx context.Context, name string, waitForUnmount bool) error
}

type navigateRequest struct {
	Href string `json:"href"`
}

type activeResponse struct {
	Active []string `json:"active"`
}

type statusResponse struct {
	Started  bool              `json:"started"`
	Location location.Location `json:"location"`
	Active   []string          `json:"active"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handlers struct {
	orchestrator Orchestrator
	logger       logging.Logger
}

// NewRouter builds the admin router. metrics may be nil.
func NewRouter(o Orchestrator, metrics http.Handler, logger logging.Logger) chi.Router {
	h := &handlers{orchestrator: o, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Get("/status", h.status)
	r.Route("/units", func(r chi.Router) {
		r.Get("/", h.listUnits)
		r.Get("/{name}", h.getUnit)
		r.Post("/{name}/unload", h.unloadUnit)
	})
	r.Post("/navigate", h.navigate)
	r.Post("/reroute", h.reroute)
	r.Post("/start", h.start)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Started:  h.orchestrator.IsStarted(),
		Location: h.orchestrator.Location(),
		Active:   h.orchestrator.ListActiveNames(),
	})
}

func (h *handlers) listUnits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orchestrator.Units())
}

func (h *handlers) getUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := h.orchestrator.Unit(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (h *handlers) unloadUnit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	wait := false
	if raw := r.URL.Query().Get("wait"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, errors.NewValidationError("wait must be a boolean", err))
			return
		}
		wait = parsed
	}

	if err := h.orchestrator.Unload(r.Context(), name, wait); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) navigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.NewValidationError("invalid JSON", err))
		return
	}
	if req.Href == "" {
		h.writeError(w, errors.NewValidationError("href is required", nil))
		return
	}

	active, err := h.orchestrator.Navigate(r.Context(), req.Href)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activeResponse{Active: active})
}

func (h *handlers) reroute(w http.ResponseWriter, r *http.Request) {
	active, err := h.orchestrator.TriggerReroute(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activeResponse{Active: active})
}

func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	active, err := h.orchestrator.Start(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activeResponse{Active: active})
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.IsValidationError(err):
		code = http.StatusBadRequest
	case errors.IsNotFoundError(err):
		code = http.StatusNotFound
	case errors.IsConflictError(err):
		code = http.StatusConflict
	case errors.IsTimeoutError(err):
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		h.logger.Errorf("Admin request failed: %v", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
