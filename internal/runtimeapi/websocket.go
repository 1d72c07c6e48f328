package runtimeapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/logging"
)

// WebSocket message types. Semantics map 1:1 to the long-poll endpoints.
const (
	msgRegister      = "register"
	msgInvocation    = "invocation"
	msgResponse      = "response"
	msgError         = "error"
	msgPing          = "ping"
	msgPong          = "pong"
	msgErrorResponse = "error_response"
)

type wsMessage struct {
	Type       string                       `json:"type"`
	Function   string                       `json:"function,omitempty"`
	InstanceID string                       `json:"instance_id,omitempty"`
	RequestID  string                       `json:"request_id,omitempty"`
	Payload    json.RawMessage              `json:"payload,omitempty"`
	DeadlineMs int64                        `json:"deadline_ms,omitempty"`
	TraceID    string                       `json:"trace_id,omitempty"`
	Error      *domain.FunctionErrorPayload `json:"error,omitempty"`
	Message    string                       `json:"message,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	// The runtime API is bound to localhost; containers connect from the
	// engine network, not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn serializes writes; invocation pushes and pong replies come from
// different goroutines.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(msg)
}

// handleWebSocket runs one persistent connection for one container. The
// client opens with a register message; afterwards the server pushes
// invocation messages and the client answers with response/error.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	raw.SetReadDeadline(time.Now().Add(30 * time.Second))
	var reg wsMessage
	if err := raw.ReadJSON(&reg); err != nil || reg.Type != msgRegister || reg.Function == "" {
		conn.send(wsMessage{Type: msgErrorResponse, Message: "expected register message"})
		return
	}
	raw.SetReadDeadline(time.Time{})

	fnName, instanceID := reg.Function, reg.InstanceID
	fid, ok := s.disp.FunctionID(fnName)
	if !ok {
		conn.send(wsMessage{Type: msgErrorResponse, Message: "unknown function " + fnName})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// resolved pulses once per response/error so the push loop re-polls
	// only after the in-flight invocation settles.
	resolved := make(chan struct{}, 1)

	go s.pushInvocations(ctx, conn, fnName, instanceID, resolved)

	defer func() {
		cancel()
		s.disp.InstanceDisconnected(fid, instanceID)
	}()

	for {
		var msg wsMessage
		if err := raw.ReadJSON(&msg); err != nil {
			logging.Op().Debug("websocket closed",
				"function", fnName, "instance", instanceID, "error", err)
			return
		}

		switch msg.Type {
		case msgPing:
			conn.send(wsMessage{Type: msgPong})
		case msgPong:
		case msgResponse:
			s.disp.Complete(msg.RequestID, instanceID, msg.Payload, "")
			pulse(resolved)
		case msgError:
			payload := msg.Error
			if payload == nil {
				payload = &domain.FunctionErrorPayload{
					ErrorMessage: "unknown error",
					ErrorType:    "Runtime.UnknownError",
				}
			}
			s.disp.Complete(msg.RequestID, instanceID, payload.Marshal(), domain.FunctionErrorUnhandled)
			pulse(resolved)
		default:
			conn.send(wsMessage{Type: msgErrorResponse, Message: "unknown message type " + msg.Type})
		}
	}
}

// pushInvocations polls the dispatcher on the container's behalf and
// forwards each dispatched invocation over the socket.
func (s *Server) pushInvocations(ctx context.Context, conn *wsConn, fnName, instanceID string, resolved <-chan struct{}) {
	for {
		inv, err := s.disp.Poll(ctx, fnName, instanceID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			conn.send(wsMessage{Type: msgErrorResponse, Message: err.Error()})
			return
		}

		msg := wsMessage{
			Type:       msgInvocation,
			RequestID:  inv.RequestID,
			Payload:    inv.Payload,
			DeadlineMs: inv.Deadline.UnixMilli(),
			TraceID:    inv.TraceID,
		}
		if err := conn.send(msg); err != nil {
			return
		}

		select {
		case <-resolved:
		case <-ctx.Done():
			return
		}
	}
}

func pulse(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
