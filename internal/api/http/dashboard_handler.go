package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"fleet-dashboard/internal/dashboard"
	"fleet-dashboard/internal/domain"
	"fleet-dashboard/internal/optimistic"
	"fleet-dashboard/internal/session"
)

const maxBodyBytes = 1 << 20

// Dashboard is the facade surface exposed over HTTP.
type Dashboard interface {
	State() dashboard.State
	Refresh(manual bool)
	DispatchAs(ctx context.Context, actor session.Actor, cmd dashboard.Command) (optimistic.PendingAction, error)
	SetFilters(ctx context.Context, f domain.RequestFilters) error
}

// DashboardHandler serves the dashboard read model and actions as JSON.
type DashboardHandler struct {
	dash Dashboard
}

func NewDashboardHandler(dash Dashboard) *DashboardHandler {
	return &DashboardHandler{dash: dash}
}

// RefreshRequest asks for a coalesced refresh. Manual refreshes bypass the
// freshness window.
type RefreshRequest struct {
	Manual bool `json:"manual"`
}

// HandleState handles GET /api/dashboard
func (h *DashboardHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dash.State())
}

// HandleRefresh handles POST /api/refresh. The refresh is debounced, so the
// response only acknowledges it.
func (h *DashboardHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	req := RefreshRequest{Manual: true}
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	h.dash.Refresh(req.Manual)
	w.WriteHeader(http.StatusAccepted)
}

// HandleAction handles POST /api/actions on behalf of the authenticated
// caller.
func (h *DashboardHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	var cmd dashboard.Command
	if err := decode(w, r, &cmd); err != nil {
		writeError(w, err)
		return
	}
	actor, ok := ActorFrom(r.Context())
	if !ok {
		writeError(w, domain.ErrUnauthorized)
		return
	}
	pa, err := h.dash.DispatchAs(r.Context(), actor, cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pa)
}

// HandleFilters handles PUT /api/filters and returns the state read under
// the new filters.
func (h *DashboardHandler) HandleFilters(w http.ResponseWriter, r *http.Request) {
	var f domain.RequestFilters
	if err := decode(w, r, &f); err != nil {
		writeError(w, err)
		return
	}
	if err := h.dash.SetFilters(r.Context(), f); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.dash.State())
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Message: fmt.Sprintf("malformed request body: %v", err)}
	}
	return nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RegisterDashboardRoutes registers the dashboard HTTP endpoints
func RegisterDashboardRoutes(router *mux.Router, dash Dashboard, auth Authenticator) {
	handler := NewDashboardHandler(dash)
	router.Use(NewAuthMiddleware(auth).Handler)
	router.HandleFunc("/healthz", handleHealth).Methods("GET").Name("health")
	router.HandleFunc("/api/dashboard", handler.HandleState).Methods("GET").Name("dashboard.state")
	router.HandleFunc("/api/refresh", handler.HandleRefresh).Methods("POST").Name("dashboard.refresh")
	router.HandleFunc("/api/filters", handler.HandleFilters).Methods("PUT").Name("dashboard.filters")
	router.HandleFunc("/api/actions", handler.HandleAction).Methods("POST").Name("dashboard.actions")
}
