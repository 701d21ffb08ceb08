package handlers

import (
	"net/http"

	derrors "github.com/undergrid/hell/internal/foundation/errors"
	"github.com/undergrid/hell/internal/hell"
)

// SystemHandlers serves the /api/hell endpoints.
type SystemHandlers struct {
	ctrl    *hell.Controller
	adapter *derrors.HTTPErrorAdapter
}

// NewSystemHandlers builds the system handler set.
func NewSystemHandlers(ctrl *hell.Controller, adapter *derrors.HTTPErrorAdapter) *SystemHandlers {
	return &SystemHandlers{ctrl: ctrl, adapter: adapter}
}

// Start handles POST /api/hell/start.
func (h *SystemHandlers) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.SystemStart(r.Context()); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": h.ctrl.SystemStateNow()})
}

// Stop handles POST /api/hell/stop.
func (h *SystemHandlers) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.SystemStop(r.Context()); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": h.ctrl.SystemStateNow()})
}

// Restart handles POST /api/hell/restart.
func (h *SystemHandlers) Restart(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.SystemRestart(r.Context()); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": h.ctrl.SystemStateNow()})
}

// Status handles GET /api/hell/status.
func (h *SystemHandlers) Status(w http.ResponseWriter, _ *http.Request) {
	status := h.ctrl.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   status.State,
		"uptime":  status.Uptime.String(),
		"daemons": status.Daemons,
	})
}

// Health handles GET /healthz.
func (h *SystemHandlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"system": h.ctrl.SystemStateNow(),
	})
}
