// Package controlapi exposes the Lambda-flavored control surface: function
// CRUD, synchronous invoke, metrics, health, and warm-pool diagnostics.
// It is a thin adapter over the registry, packager, and dispatcher; no
// scheduling policy lives here.
package controlapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/oriys/vesta/internal/config"
	"github.com/oriys/vesta/internal/dispatch"
	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/metrics"
	"github.com/oriys/vesta/internal/observability"
	"github.com/oriys/vesta/internal/packager"
	"github.com/oriys/vesta/internal/schedule"
	"github.com/oriys/vesta/internal/store"
)

// Handler carries the control API dependencies. Sched is optional; without
// it creating a schedule answers 409, while listing and deleting schedules
// still work against the registry.
type Handler struct {
	Registry store.Registry
	Packager *packager.Packager
	Disp     *dispatch.Dispatcher
	Sched    *schedule.Scheduler
	Defaults config.DefaultsConfig
}

// NewServer builds the control-plane http.Handler with tracing middleware
// applied.
func NewServer(h *Handler) http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return observability.HTTPMiddleware(mux)
}

// RegisterRoutes wires every control endpoint onto mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /2015-03-31/functions", h.handleCreate)
	mux.HandleFunc("GET /2015-03-31/functions", h.handleList)
	mux.HandleFunc("GET /2015-03-31/functions/{name}", h.handleGet)
	mux.HandleFunc("DELETE /2015-03-31/functions/{name}", h.handleDelete)
	mux.HandleFunc("PUT /2015-03-31/functions/{name}/code", h.handleUpdateCode)
	mux.HandleFunc("PUT /2015-03-31/functions/{name}/configuration", h.handleUpdateConfig)
	mux.HandleFunc("POST /2015-03-31/functions/{name}/invocations", h.handleInvoke)

	mux.HandleFunc("POST /api/schedules", h.handleCreateSchedule)
	mux.HandleFunc("GET /api/schedules", h.handleListSchedules)
	mux.HandleFunc("DELETE /api/schedules/{id}", h.handleDeleteSchedule)

	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /metrics", h.handleMetrics)
	mux.HandleFunc("GET /api/warmpool/{name}", h.handleWarmPool)
	mux.HandleFunc("GET /api/events/{name}", h.handleEvents)

	// Path-proxy invoke alias; registered last so explicit routes win.
	mux.HandleFunc("POST /{name}", h.handleProxyInvoke)
}

// apiError is the wire shape of every control-plane error.
type apiError struct {
	ErrorType    string `json:"errorType"`
	ErrorMessage string `json:"errorMessage"`
}

// writeError maps domain error kinds onto HTTP statuses and AWS-style
// exception names.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "ServiceException"

	switch {
	case errors.Is(err, domain.ErrFunctionNotFound):
		status, kind = http.StatusNotFound, "ResourceNotFoundException"
	case errors.Is(err, domain.ErrInvalidParameter):
		status, kind = http.StatusBadRequest, "InvalidParameterValueException"
	case errors.Is(err, domain.ErrResourceConflict):
		status, kind = http.StatusConflict, "ResourceConflictException"
	case errors.Is(err, domain.ErrResourceNotReady):
		status, kind = http.StatusConflict, "ResourceNotReadyException"
	case errors.Is(err, domain.ErrCodeStorageExceeded):
		status, kind = http.StatusBadRequest, "CodeStorageExceededException"
	case errors.Is(err, domain.ErrThrottled):
		status, kind = http.StatusTooManyRequests, "TooManyRequestsException"
	case errors.Is(err, domain.ErrResourceExhausted):
		status, kind = http.StatusServiceUnavailable, "ResourceExhaustedException"
	case errors.Is(err, domain.ErrTimeout):
		status, kind = http.StatusGatewayTimeout, "TimeoutException"
	}

	writeJSON(w, status, apiError{ErrorType: kind, ErrorMessage: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := metrics.Global()
	if m == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	m.Handler().ServeHTTP(w, r)
}
