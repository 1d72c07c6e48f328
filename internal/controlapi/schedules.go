package controlapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/vesta/internal/domain"
)

type scheduleRequest struct {
	FunctionName string          `json:"function_name"`
	CronExpr     string          `json:"cron_expr"`
	Input        json.RawMessage `json:"input,omitempty"`
	Enabled      *bool           `json:"enabled,omitempty"`
}

func (h *Handler) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if h.Sched == nil {
		writeError(w, fmt.Errorf("%w: scheduler disabled", domain.ErrResourceNotReady))
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidParameter, err))
		return
	}
	if req.CronExpr == "" {
		writeError(w, fmt.Errorf("%w: cron_expr is required", domain.ErrInvalidParameter))
		return
	}
	if _, err := h.Registry.GetFunctionByName(r.Context(), req.FunctionName); err != nil {
		writeError(w, err)
		return
	}

	sched := &domain.Schedule{
		ID:           uuid.New().String(),
		FunctionName: req.FunctionName,
		CronExpr:     req.CronExpr,
		Input:        req.Input,
		Enabled:      req.Enabled == nil || *req.Enabled,
		CreatedAt:    time.Now(),
	}
	if sched.Enabled {
		if err := h.Sched.Add(sched); err != nil {
			writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidParameter, err))
			return
		}
	}
	if err := h.Registry.SaveSchedule(r.Context(), sched); err != nil {
		h.Sched.Remove(sched.ID)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (h *Handler) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := h.Registry.ListSchedules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if scheds == nil {
		scheds = []*domain.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": scheds})
}

func (h *Handler) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.Sched != nil {
		h.Sched.Remove(id)
	}
	if err := h.Registry.DeleteSchedule(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
