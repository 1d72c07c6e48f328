package controlapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oriys/vesta/internal/config"
	"github.com/oriys/vesta/internal/db"
	"github.com/oriys/vesta/internal/dispatch"
	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/engine/enginetest"
	"github.com/oriys/vesta/internal/events"
	"github.com/oriys/vesta/internal/packager"
	"github.com/oriys/vesta/internal/store"
	"github.com/oriys/vesta/internal/warmpool"
)

type apiEnv struct {
	srv  *httptest.Server
	disp *dispatch.Dispatcher
	pool *warmpool.Pool
	ctx  context.Context
}

func newAPIEnv(t *testing.T) *apiEnv {
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

	bus := events.NewBus()
	pool := warmpool.New(bus)
	disp := dispatch.New(dispatch.Config{
		MaxGlobalConcurrency: 8,
		RuntimeAPIAddr:       "127.0.0.1:9001",
		StartupTimeout:       5 * time.Second,
		DrainGrace:           time.Second,
	}, st, pool, fake, pkgr, bus)

	handler := NewServer(&Handler{
		Registry: st,
		Packager: pkgr,
		Disp:     disp,
		Defaults: config.DefaultsConfig{MemoryMB: 128, TimeoutMs: 3000},
	})
	srv := httptest.NewServer(handler)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		srv.Close()
		st.Close()
	})
	return &apiEnv{srv: srv, disp: disp, pool: pool, ctx: ctx}
}

func testArchiveB64(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("index.js")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("exports.handler = async (ev) => ev;"))
	zw.Close()
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func (e *apiEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func createEcho(t *testing.T, e *apiEnv) {
	t.Helper()
	resp := e.post(t, "/2015-03-31/functions", map[string]any{
		"function_name": "echo",
		"runtime":       "nodejs22.x",
		"handler":       "index.handler",
		"code":          map[string]string{"zip_file": testArchiveB64(t)},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var view struct {
		FunctionName string `json:"function_name"`
		State        string `json:"state"`
		Version      int    `json:"version"`
		CodeSize     int64  `json:"code_size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.FunctionName != "echo" || view.Version != 1 || view.CodeSize == 0 {
		t.Fatalf("create view = %+v", view)
	}
	if view.State != string(domain.FunctionPending) && view.State != string(domain.FunctionActive) {
		t.Fatalf("unexpected state %q", view.State)
	}
}

func TestFunctionCRUD(t *testing.T) {
	e := newAPIEnv(t)
	createEcho(t, e)

	// Duplicate creation conflicts.
	resp := e.post(t, "/2015-03-31/functions", map[string]any{
		"function_name": "echo",
		"runtime":       "nodejs22.x",
		"handler":       "index.handler",
		"code":          map[string]string{"zip_file": testArchiveB64(t)},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want 409", resp.StatusCode)
	}

	// Get and list see it.
	getResp, err := http.Get(e.srv.URL + "/2015-03-31/functions/echo")
	if err != nil {
		t.Fatal(err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", getResp.StatusCode)
	}

	listResp, err := http.Get(e.srv.URL + "/2015-03-31/functions")
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Functions []json.RawMessage `json:"functions"`
	}
	json.NewDecoder(listResp.Body).Decode(&list)
	listResp.Body.Close()
	if len(list.Functions) != 1 {
		t.Fatalf("list returned %d functions", len(list.Functions))
	}

	// Delete, then 404 on get; repeated delete still succeeds.
	req, _ := http.NewRequest(http.MethodDelete, e.srv.URL+"/2015-03-31/functions/echo", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", delResp.StatusCode)
	}

	getResp, _ = http.Get(e.srv.URL + "/2015-03-31/functions/echo")
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", getResp.StatusCode)
	}

	delResp2, _ := http.DefaultClient.Do(req)
	delResp2.Body.Close()
	if delResp2.StatusCode != http.StatusNoContent {
		t.Fatalf("repeated delete = %d, want 204", delResp2.StatusCode)
	}
}

func TestCreateValidation(t *testing.T) {
	e := newAPIEnv(t)

	cases := []map[string]any{
		{"function_name": "bad name!", "runtime": "nodejs22.x", "handler": "index.handler",
			"code": map[string]string{"zip_file": testArchiveB64(t)}},
		{"function_name": "ok", "runtime": "cobol85", "handler": "index.handler",
			"code": map[string]string{"zip_file": testArchiveB64(t)}},
		{"function_name": "ok", "runtime": "nodejs22.x", "handler": "nodot",
			"code": map[string]string{"zip_file": testArchiveB64(t)}},
		{"function_name": "ok", "runtime": "nodejs22.x", "handler": "index.handler",
			"code": map[string]string{"zip_file": "%%%not-base64%%%"}},
	}
	for i, body := range cases {
		resp := e.post(t, "/2015-03-31/functions", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, want 400", i, resp.StatusCode)
		}
	}
}

func TestInvokeRoundTripAndFunctionError(t *testing.T) {
	e := newAPIEnv(t)
	createEcho(t, e)

	fid, ok := e.disp.FunctionID("echo")
	if !ok {
		t.Fatal("function not registered with dispatcher")
	}

	// Play the container: first request echoes, second reports a thrown
	// TypeError.
	go func() {
		for i := 0; ; i++ {
			var iid string
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				if recs := e.pool.Instances(fid); len(recs) > 0 {
					iid = recs[0].InstanceID
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
			if iid == "" {
				return
			}
			inv, err := e.disp.Poll(e.ctx, "echo", iid)
			if err != nil {
				return
			}
			if i == 0 {
				e.disp.Complete(inv.RequestID, iid, inv.Payload, "")
			} else {
				payload := (&domain.FunctionErrorPayload{
					ErrorMessage: "bad",
					ErrorType:    "TypeError",
					StackTrace:   []string{"at handler (index.js:1:1)"},
				}).Marshal()
				e.disp.Complete(inv.RequestID, iid, payload, domain.FunctionErrorUnhandled)
			}
		}
	}()

	resp := e.post(t, "/2015-03-31/functions/echo/invocations", map[string]int{"k": 1})
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invoke status = %d (%s)", resp.StatusCode, body)
	}
	if string(body) != `{"k":1}` {
		t.Fatalf("invoke body = %s", body)
	}
	if resp.Header.Get("X-Amz-Function-Error") != "" {
		t.Fatal("success must not carry the function error header")
	}

	resp = e.post(t, "/2015-03-31/functions/echo/invocations", map[string]int{"k": 2})
	body = readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("error invoke status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Amz-Function-Error") != "Unhandled" {
		t.Fatalf("missing function error header, body %s", body)
	}
	var fnErr domain.FunctionErrorPayload
	if err := json.Unmarshal(body, &fnErr); err != nil || fnErr.ErrorType != "TypeError" || fnErr.ErrorMessage != "bad" {
		t.Fatalf("error payload = %s (%v)", body, err)
	}
}

func TestInvokeUnknownFunctionIs404(t *testing.T) {
	e := newAPIEnv(t)
	resp := e.post(t, "/2015-03-31/functions/ghost/invocations", map[string]int{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var apiErr struct {
		ErrorType string `json:"errorType"`
	}
	json.NewDecoder(resp.Body).Decode(&apiErr)
	if apiErr.ErrorType != "ResourceNotFoundException" {
		t.Fatalf("errorType = %q", apiErr.ErrorType)
	}
}

func TestWarmPoolDiagnostics(t *testing.T) {
	e := newAPIEnv(t)
	createEcho(t, e)

	resp, err := http.Get(e.srv.URL + "/api/warmpool/echo")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Function   string          `json:"function"`
		Counts     warmpool.Counts `json:"counts"`
		Containers []any           `json:"containers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Function != "echo" {
		t.Fatalf("function = %q", out.Function)
	}
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return bytes.TrimSpace(buf.Bytes())
}
