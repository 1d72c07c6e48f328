// Package runtimeapi is the container-facing transport: the AWS-compatible
// long-poll HTTP endpoints plus a WebSocket variant with identical
// semantics. It is a strict slave of the dispatcher — it never chooses
// which container gets which request, it only parks pollers and posts back
// what they return.
package runtimeapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/oriys/vesta/internal/dispatch"
	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/logging"
)

const (
	headerRequestID  = "Lambda-Runtime-Aws-Request-Id"
	headerDeadlineMs = "Lambda-Runtime-Deadline-Ms"
	headerInvokedARN = "Lambda-Runtime-Invoked-Function-Arn"
	headerTraceID    = "Lambda-Runtime-Trace-Id"
	headerInstanceID = "X-LambdaH-Instance-Id"

	// maxResponseBytes bounds what a handler may post back.
	maxResponseBytes = 6 << 20
)

// Server exposes the runtime API over an http.ServeMux.
type Server struct {
	disp *dispatch.Dispatcher
}

func NewServer(disp *dispatch.Dispatcher) *Server {
	return &Server{disp: disp}
}

// RegisterRoutes wires the runtime endpoints onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /2018-06-01/runtime/invocation/next", s.handleNext)
	mux.HandleFunc("POST /2018-06-01/runtime/invocation/{rid}/response", s.handleResponse)
	mux.HandleFunc("POST /2018-06-01/runtime/invocation/{rid}/error", s.handleError)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// handleNext blocks until the dispatcher hands an invocation to this
// container. The optional instance header binds the poller to a specific
// record for accurate accounting.
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	fnName := r.URL.Query().Get("fn")
	if fnName == "" {
		httpError(w, http.StatusBadRequest, "missing fn query parameter")
		return
	}
	instanceID := r.Header.Get(headerInstanceID)

	inv, err := s.disp.Poll(r.Context(), fnName, instanceID)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrPollBusy):
			httpError(w, http.StatusTooManyRequests, "previous invocation still in flight")
		case errors.Is(err, domain.ErrFunctionNotFound):
			httpError(w, http.StatusNotFound, err.Error())
		default:
			// Client went away or the daemon is shutting down.
			httpError(w, http.StatusServiceUnavailable, "no invocation")
		}
		return
	}

	w.Header().Set(headerRequestID, inv.RequestID)
	w.Header().Set(headerDeadlineMs, strconv.FormatInt(inv.Deadline.UnixMilli(), 10))
	w.Header().Set(headerInvokedARN, invokedARN(inv.FunctionName))
	if inv.TraceID != "" {
		w.Header().Set(headerTraceID, inv.TraceID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(inv.Payload)
}

// handleResponse accepts a success payload. Acceptance is idempotent by
// request id: a duplicate post is acknowledged and ignored.
func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBytes))
	if err != nil {
		httpError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	s.disp.Complete(rid, r.Header.Get(headerInstanceID), body, "")
	writeStatus(w, http.StatusAccepted)
}

// handleError accepts a function error record.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBytes))
	if err != nil {
		httpError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	// Normalize whatever the runtime posted into the error record shape.
	var payload domain.FunctionErrorPayload
	if jsonErr := json.Unmarshal(body, &payload); jsonErr != nil || payload.ErrorType == "" {
		payload = domain.FunctionErrorPayload{
			ErrorMessage: string(body),
			ErrorType:    "Runtime.UnknownError",
		}
	}
	s.disp.Complete(rid, r.Header.Get(headerInstanceID), payload.Marshal(), domain.FunctionErrorUnhandled)
	writeStatus(w, http.StatusAccepted)
}

func invokedARN(fnName string) string {
	return "arn:aws:lambda:local:000000000000:function:" + fnName
}

func writeStatus(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprint(w, `{"status":"ok"}`)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"errorMessage": msg})
	if code >= 500 {
		logging.Op().Debug("runtime api error", "status", code, "message", msg)
	}
}
