package controlapi

import (
	"io"
	"net/http"

	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/logging"
	"github.com/oriys/vesta/internal/observability"
)

// headerFunctionError mirrors the AWS invoke response contract: a handler
// error still answers 200, flagged by this header.
const headerFunctionError = "X-Amz-Function-Error"

// maxPayloadBytes bounds the synchronous invoke payload.
const maxPayloadBytes = 6 << 20

func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	h.invoke(w, r, r.PathValue("name"), r.URL.Query().Get("Qualifier"))
}

// handleProxyInvoke is the path-proxy alias: POST /{name} passes the body
// straight through as the payload.
func (h *Handler) handleProxyInvoke(w http.ResponseWriter, r *http.Request) {
	h.invoke(w, r, r.PathValue("name"), "")
}

func (h *Handler) invoke(w http.ResponseWriter, r *http.Request, name, qualifier string) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, err)
		return
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	traceID := observability.GetTraceID(r.Context())
	if traceID == "" {
		traceID = r.Header.Get("X-Amzn-Trace-Id")
	}

	handle, err := h.Disp.Submit(r.Context(), name, qualifier, payload, traceID)
	if err != nil {
		writeError(w, err)
		return
	}

	res := handle.Await(r.Context())
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}

	logging.Default().Log(&logging.RequestLog{
		RequestID:   res.RequestID,
		TraceID:     traceID,
		Function:    name,
		InstanceID:  res.InstanceID,
		QueueWaitMs: res.QueueWait.Milliseconds(),
		DurationMs:  res.Duration.Milliseconds(),
		ColdStart:   res.ColdStart,
		Success:     res.FnError == "",
		Outcome:     outcomeOf(res),
		InputSize:   len(payload),
		OutputSize:  len(res.Payload),
	})

	w.Header().Set("Content-Type", "application/json")
	if res.FnError != "" {
		w.Header().Set(headerFunctionError, string(res.FnError))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(res.Payload)
}

func outcomeOf(res *domain.InvocationResult) string {
	if res.FnError != "" {
		return "function_error"
	}
	return "ok"
}
