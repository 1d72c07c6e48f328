package controlapi

import (
	"net/http"
	"time"

	"github.com/oriys/vesta/internal/domain"
)

type containerView struct {
	InstanceID   string    `json:"instance_id"`
	EngineID     string    `json:"engine_id"`
	Version      int       `json:"version"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	AssignedReq  string    `json:"assigned_request,omitempty"`
}

// handleWarmPool exposes the live warm-pool snapshot for one function.
func (h *Handler) handleWarmPool(w http.ResponseWriter, r *http.Request) {
	fn, err := h.Registry.GetFunctionByName(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}

	pool := h.Disp.Pool()
	counts := pool.Snapshot(fn.ID)
	recs := pool.Instances(fn.ID)
	views := make([]containerView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, containerView{
			InstanceID:   rec.InstanceID,
			EngineID:     rec.EngineID,
			Version:      rec.Version,
			State:        string(rec.State),
			CreatedAt:    rec.CreatedAt,
			LastActivity: rec.LastActivity,
			AssignedReq:  rec.AssignedReq,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"function":   fn.Name,
		"counts":     counts,
		"queued":     h.Disp.QueueDepth(fn.ID),
		"containers": views,
	})
}

// handleEvents returns the recent transition events for one function.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	fn, err := h.Registry.GetFunctionByName(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	events := h.Disp.Bus().Recent(fn.ID, 100)
	if events == nil {
		events = []domain.TransitionEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"function": fn.Name,
		"events":   events,
	})
}
