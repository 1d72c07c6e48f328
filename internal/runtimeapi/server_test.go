package runtimeapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/oriys/vesta/internal/db"
	"github.com/oriys/vesta/internal/dispatch"
	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/engine/enginetest"
	"github.com/oriys/vesta/internal/events"
	"github.com/oriys/vesta/internal/packager"
	"github.com/oriys/vesta/internal/store"
	"github.com/oriys/vesta/internal/warmpool"
)

type rtEnv struct {
	srv  *httptest.Server
	disp *dispatch.Dispatcher
	pool *warmpool.Pool
	fn   *domain.Function
}

func newRTEnv(t *testing.T) *rtEnv {
	t.Helper()

	database, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.New(context.Background(), database)
	if err != nil {
		t.Fatal(err)
	}

	fake := enginetest.New()
	pkgr, err := packager.New(t.TempDir(), "vesta-test", 0, 2, fake, st)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("index.js")
	w.Write([]byte("exports.handler = async (ev) => ev;"))
	zw.Close()
	artifact, err := pkgr.Ingest(context.Background(), domain.RuntimeNode22, "index.handler", buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus()
	pool := warmpool.New(bus)
	disp := dispatch.New(dispatch.Config{
		MaxGlobalConcurrency: 8,
		RuntimeAPIAddr:       "127.0.0.1:9001",
		StartupTimeout:       5 * time.Second,
		DrainGrace:           time.Second,
	}, st, pool, fake, pkgr, bus)

	fn := &domain.Function{
		ID: uuid.New().String(), Name: "echo",
		Runtime: domain.RuntimeNode22, Handler: "index.handler",
		CodeHash: artifact.Hash, MemoryMB: 128, TimeoutMs: 5000,
		State: domain.FunctionActive, Version: 1,
	}
	if err := st.SaveFunction(context.Background(), fn); err != nil {
		t.Fatal(err)
	}
	disp.RegisterFunction(fn)

	mux := http.NewServeMux()
	NewServer(disp).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		st.Close()
	})
	return &rtEnv{srv: srv, disp: disp, pool: pool, fn: fn}
}

func (e *rtEnv) waitForInstance(t *testing.T) domain.ContainerRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if recs := e.pool.Instances(e.fn.ID); len(recs) > 0 {
			return recs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no container was provisioned")
	return domain.ContainerRecord{}
}

func TestNextRequiresFunctionParam(t *testing.T) {
	e := newRTEnv(t)
	resp, err := http.Get(e.srv.URL + "/2018-06-01/runtime/invocation/next")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestNextUnknownFunctionIs404(t *testing.T) {
	e := newRTEnv(t)
	resp, err := http.Get(e.srv.URL + "/2018-06-01/runtime/invocation/next?fn=ghost")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestLongPollRoundTrip(t *testing.T) {
	e := newRTEnv(t)

	handle, err := e.disp.Submit(context.Background(), "echo", "", []byte(`{"n":7}`), "trace-1")
	if err != nil {
		t.Fatal(err)
	}
	rec := e.waitForInstance(t)

	req, _ := http.NewRequest(http.MethodGet,
		e.srv.URL+"/2018-06-01/runtime/invocation/next?fn=echo", nil)
	req.Header.Set(headerInstanceID, rec.InstanceID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	rid := resp.Header.Get(headerRequestID)
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || rid == "" {
		t.Fatalf("next: status %d, rid %q", resp.StatusCode, rid)
	}
	if body.String() != `{"n":7}` {
		t.Fatalf("next body = %s", body.String())
	}
	if !strings.Contains(resp.Header.Get(headerInvokedARN), "echo") {
		t.Fatalf("arn = %q", resp.Header.Get(headerInvokedARN))
	}
	if resp.Header.Get(headerTraceID) != "trace-1" {
		t.Fatalf("trace id = %q", resp.Header.Get(headerTraceID))
	}

	postReq, _ := http.NewRequest(http.MethodPost,
		e.srv.URL+"/2018-06-01/runtime/invocation/"+rid+"/response",
		strings.NewReader(`{"n":7}`))
	postReq.Header.Set(headerInstanceID, rec.InstanceID)
	postResp, err := http.DefaultClient.Do(postReq)
	if err != nil {
		t.Fatal(err)
	}
	postResp.Body.Close()
	if postResp.StatusCode != http.StatusAccepted {
		t.Fatalf("response post status = %d", postResp.StatusCode)
	}

	res := handle.Await(context.Background())
	if res.Err != nil || string(res.Payload) != `{"n":7}` {
		t.Fatalf("result = (%s, %v)", res.Payload, res.Err)
	}

	// A duplicate post for the same request id is accepted and ignored.
	dupResp, err := http.DefaultClient.Do(postReq)
	if err != nil {
		t.Fatal(err)
	}
	dupResp.Body.Close()
	if dupResp.StatusCode != http.StatusAccepted {
		t.Fatalf("duplicate post status = %d", dupResp.StatusCode)
	}
}

func TestErrorPostDeliversFunctionError(t *testing.T) {
	e := newRTEnv(t)

	handle, err := e.disp.Submit(context.Background(), "echo", "", []byte(`{}`), "")
	if err != nil {
		t.Fatal(err)
	}
	rec := e.waitForInstance(t)

	req, _ := http.NewRequest(http.MethodGet,
		e.srv.URL+"/2018-06-01/runtime/invocation/next?fn=echo", nil)
	req.Header.Set(headerInstanceID, rec.InstanceID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	rid := resp.Header.Get(headerRequestID)
	resp.Body.Close()

	errBody := `{"errorMessage":"bad","errorType":"TypeError","stackTrace":["l1"]}`
	postResp, err := http.Post(
		e.srv.URL+"/2018-06-01/runtime/invocation/"+rid+"/error",
		"application/json", strings.NewReader(errBody))
	if err != nil {
		t.Fatal(err)
	}
	postResp.Body.Close()

	res := handle.Await(context.Background())
	if res.Err != nil {
		t.Fatalf("platform error: %v", res.Err)
	}
	if res.FnError != domain.FunctionErrorUnhandled {
		t.Fatalf("fn error kind = %q", res.FnError)
	}
	var payload domain.FunctionErrorPayload
	if err := json.Unmarshal(res.Payload, &payload); err != nil || payload.ErrorType != "TypeError" {
		t.Fatalf("payload = %s", res.Payload)
	}

	// A handler error leaves the container reusable.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e.pool.Snapshot(e.fn.ID).WarmIdle == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("container not WarmIdle after handler error: %+v", e.pool.Snapshot(e.fn.ID))
}

func TestWebSocketRoundTrip(t *testing.T) {
	e := newRTEnv(t)

	handle, err := e.disp.Submit(context.Background(), "echo", "", []byte(`{"ws":true}`), "")
	if err != nil {
		t.Fatal(err)
	}
	rec := e.waitForInstance(t)

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsMessage{
		Type: msgRegister, Function: "echo", InstanceID: rec.InstanceID,
	}); err != nil {
		t.Fatal(err)
	}

	var inv wsMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&inv); err != nil {
		t.Fatalf("read invocation: %v", err)
	}
	if inv.Type != msgInvocation || string(inv.Payload) != `{"ws":true}` {
		t.Fatalf("invocation message = %+v", inv)
	}

	if err := conn.WriteJSON(wsMessage{
		Type: msgResponse, RequestID: inv.RequestID, Payload: json.RawMessage(`{"ok":1}`),
	}); err != nil {
		t.Fatal(err)
	}

	res := handle.Await(context.Background())
	if res.Err != nil || string(res.Payload) != `{"ok":1}` {
		t.Fatalf("result = (%s, %v)", res.Payload, res.Err)
	}

	// Ping answers pong.
	if err := conn.WriteJSON(wsMessage{Type: msgPing}); err != nil {
		t.Fatal(err)
	}
	var pong wsMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&pong); err != nil || pong.Type != msgPong {
		t.Fatalf("pong = (%+v, %v)", pong, err)
	}
}
