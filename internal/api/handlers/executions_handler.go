package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/idp-studio/engine/internal/api/types"
	"github.com/idp-studio/engine/internal/services"
)

type ExecutionsHandler struct {
	svc          services.OrchestratorService
	awaitTimeout time.Duration
}

func NewExecutionsHandler(svc services.OrchestratorService, awaitTimeout time.Duration) *ExecutionsHandler {
	return &ExecutionsHandler{svc: svc, awaitTimeout: awaitTimeout}
}

// Get returns the execution snapshot; `?wait=1` blocks until it settles or
// the await window runs out.
func (h *ExecutionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondInvalid(w, "invalid execution id")
		return
	}

	if wantsWait(r) {
		exec, err := h.svc.AwaitResult(r.Context(), id, h.awaitTimeout)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: exec})
		return
	}

	exec, err := h.svc.GetExecution(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: exec})
}

func (h *ExecutionsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", "20")
	items, err := h.svc.RecentExecutions(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: items})
}

// Signal delivers update/terminate/cancel to a running execution.
func (h *ExecutionsHandler) Signal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondInvalid(w, "invalid execution id")
		return
	}
	var req types.SignalRequest
	if !decodeValid(w, r, &req) {
		return
	}

	if err := h.svc.Signal(r.Context(), id, req.Kind, req.Payload); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.APIResponse{Success: true, Data: map[string]string{"status": "delivered"}})
}
