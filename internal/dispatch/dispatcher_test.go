package dispatch

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/vesta/internal/db"
	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/engine/enginetest"
	"github.com/oriys/vesta/internal/events"
	"github.com/oriys/vesta/internal/packager"
	"github.com/oriys/vesta/internal/store"
	"github.com/oriys/vesta/internal/warmpool"
)

type testEnv struct {
	t        *testing.T
	registry store.Registry
	fake     *enginetest.Fake
	pool     *warmpool.Pool
	disp     *Dispatcher
	pkgr     *packager.Packager
	ctx      context.Context
	cancel   context.CancelFunc
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	database, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st, err := store.New(context.Background(), database)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	fake := enginetest.New()
	pkgr, err := packager.New(t.TempDir(), "vesta-test", 0, 2, fake, st)
	if err != nil {
		t.Fatalf("packager: %v", err)
	}

	bus := events.NewBus()
	pool := warmpool.New(bus)

	if cfg.RuntimeAPIAddr == "" {
		cfg.RuntimeAPIAddr = "127.0.0.1:9001"
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 5 * time.Second
	}
	if cfg.DrainGrace == 0 {
		cfg.DrainGrace = time.Second
	}
	disp := New(cfg, st, pool, fake, pkgr, bus)

	ctx, cancel := context.WithCancel(context.Background())
	env := &testEnv{
		t: t, registry: st, fake: fake, pool: pool,
		disp: disp, pkgr: pkgr, ctx: ctx, cancel: cancel,
	}
	t.Cleanup(func() {
		cancel()
		disp.cancel()
		st.Close()
	})
	return env
}

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func (e *testEnv) createFunction(name string, timeoutMs int64, reservation int) *domain.Function {
	e.t.Helper()
	archive := makeZip(e.t, map[string]string{"index.js": "exports.handler = async (ev) => ev;"})
	artifact, err := e.pkgr.Ingest(context.Background(), domain.RuntimeNode22, "index.handler", archive)
	if err != nil {
		e.t.Fatalf("ingest: %v", err)
	}
	fn := &domain.Function{
		ID:          uuid.New().String(),
		Name:        name,
		Runtime:     domain.RuntimeNode22,
		Handler:     "index.handler",
		CodeHash:    artifact.Hash,
		CodeSize:    artifact.Size,
		MemoryMB:    128,
		TimeoutMs:   timeoutMs,
		Reservation: reservation,
		State:       domain.FunctionActive,
		Version:     1,
	}
	if err := e.registry.SaveFunction(context.Background(), fn); err != nil {
		e.t.Fatalf("save function: %v", err)
	}
	e.disp.RegisterFunction(fn)
	return fn
}

// startPump plays the containers' side of the runtime API: it discovers
// instances as they appear, registers them by polling, and echoes each
// payload back after delay.
func (e *testEnv) startPump(fn *domain.Function, delay time.Duration) *pump {
	p := &pump{seen: make(map[string]bool)}
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
			}
			for _, rec := range e.pool.Instances(fn.ID) {
				p.mu.Lock()
				started := p.seen[rec.InstanceID]
				if !started {
					p.seen[rec.InstanceID] = true
				}
				p.mu.Unlock()
				if started {
					continue
				}
				go e.runInstance(fn, rec.InstanceID, delay, p)
			}
		}
	}()
	return p
}

type pump struct {
	mu    sync.Mutex
	seen  map[string]bool
	order []string // payloads in completion order
}

func (e *testEnv) runInstance(fn *domain.Function, instanceID string, delay time.Duration, p *pump) {
	for {
		inv, err := e.disp.Poll(e.ctx, fn.Name, instanceID)
		if err != nil {
			if e.ctx.Err() != nil || errors.Is(err, domain.ErrFunctionNotFound) {
				return
			}
			time.Sleep(2 * time.Millisecond)
			continue
		}
		time.Sleep(delay)
		p.mu.Lock()
		p.order = append(p.order, string(inv.Payload))
		p.mu.Unlock()
		e.disp.Complete(inv.RequestID, instanceID, inv.Payload, "")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func TestColdThenWarmInvoke(t *testing.T) {
	env := newTestEnv(t, Config{MaxGlobalConcurrency: 8})
	fn := env.createFunction("echo", 5000, 0)
	env.startPump(fn, 0)

	handle, err := env.disp.Submit(context.Background(), "echo", "", []byte(`{"k":1}`), "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := handle.Await(context.Background())
	if res.Err != nil {
		t.Fatalf("await: %v", res.Err)
	}
	if string(res.Payload) != `{"k":1}` {
		t.Fatalf("payload = %s", res.Payload)
	}
	if !res.ColdStart {
		t.Fatal("first invocation should be a cold start")
	}

	waitFor(t, time.Second, func() bool {
		return env.pool.Snapshot(fn.ID).WarmIdle == 1
	}, "container should settle WarmIdle")
	created := env.fake.Count()

	handle, err = env.disp.Submit(context.Background(), "echo", "", []byte(`{"k":2}`), "")
	if err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	res = handle.Await(context.Background())
	if res.Err != nil {
		t.Fatalf("await 2: %v", res.Err)
	}
	if string(res.Payload) != `{"k":2}` {
		t.Fatalf("payload 2 = %s", res.Payload)
	}
	if res.ColdStart {
		t.Fatal("second invocation should reuse the warm container")
	}
	if env.fake.Count() != created {
		t.Fatalf("warm invoke created a container: %d -> %d", created, env.fake.Count())
	}
}

func TestFIFOPerFunction(t *testing.T) {
	env := newTestEnv(t, Config{MaxGlobalConcurrency: 1})
	fn := env.createFunction("seq", 10_000, 0)
	p := env.startPump(fn, 5*time.Millisecond)

	var handles []*Handle
	for i := 0; i < 4; i++ {
		h, err := env.disp.Submit(context.Background(), "seq", "", []byte(fmt.Sprintf(`{"n":%d}`, i)), "")
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	for i, h := range handles {
		if res := h.Await(context.Background()); res.Err != nil {
			t.Fatalf("await %d: %v", i, res.Err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, payload := range p.order {
		want := fmt.Sprintf(`{"n":%d}`, i)
		if payload != want {
			t.Fatalf("completion order %v, want FIFO", p.order)
		}
	}
}

func TestDeleteDuringExecution(t *testing.T) {
	env := newTestEnv(t, Config{MaxGlobalConcurrency: 8})
	fn := env.createFunction("long", 10_000, 0)
	env.startPump(fn, 200*time.Millisecond)

	handle, err := env.disp.Submit(context.Background(), "long", "", []byte(`{}`), "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return env.pool.Snapshot(fn.ID).Active == 1
	}, "invocation should be dispatched")

	if err := env.disp.DeleteFunction(context.Background(), "long"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// The in-flight invocation finished before the delete returned.
	res := handle.Await(context.Background())
	if res.Err != nil {
		t.Fatalf("in-flight invocation failed: %v", res.Err)
	}

	if _, err := env.disp.Submit(context.Background(), "long", "", []byte(`{}`), ""); !errors.Is(err, domain.ErrFunctionNotFound) {
		t.Fatalf("submit after delete = %v, want FunctionNotFound", err)
	}
	if counts := env.pool.Snapshot(fn.ID); counts.Total != 0 {
		t.Fatalf("containers remain after delete: %+v", counts)
	}
	if _, err := env.registry.GetFunctionByName(context.Background(), "long"); !errors.Is(err, domain.ErrFunctionNotFound) {
		t.Fatalf("registry record should be erased, got %v", err)
	}

	// Repeated delete is an idempotent success.
	if err := env.disp.DeleteFunction(context.Background(), "long"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestThrottleBoundary(t *testing.T) {
	env := newTestEnv(t, Config{MaxGlobalConcurrency: 2, QueueBurstCap: 1})
	fn := env.createFunction("busy", 10_000, 0)
	env.startPump(fn, 300*time.Millisecond)

	h1, err := env.disp.Submit(context.Background(), "busy", "", []byte(`{"n":1}`), "")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := env.disp.Submit(context.Background(), "busy", "", []byte(`{"n":2}`), "")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return env.pool.Snapshot(fn.ID).Active == 2
	}, "two invocations should be active")

	// Queue has room for the burst allowance.
	h3, err := env.disp.Submit(context.Background(), "busy", "", []byte(`{"n":3}`), "")
	if err != nil {
		t.Fatalf("burst submit should be enqueued: %v", err)
	}

	// Saturated and queue at burst cap: throttle.
	if _, err := env.disp.Submit(context.Background(), "busy", "", []byte(`{"n":4}`), ""); !errors.Is(err, domain.ErrThrottled) {
		t.Fatalf("expected Throttled, got %v", err)
	}

	for i, h := range []*Handle{h1, h2, h3} {
		if res := h.Await(context.Background()); res.Err != nil {
			t.Fatalf("await %d: %v", i+1, res.Err)
		}
	}
}

func TestStartupFailureSurfacesResourceExhausted(t *testing.T) {
	env := newTestEnv(t, Config{MaxGlobalConcurrency: 4})
	env.fake.StartErr = errors.New("no such image")
	env.createFunction("broken", 3000, 0)

	handle, err := env.disp.Submit(context.Background(), "broken", "", []byte(`{}`), "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := handle.Await(context.Background())
	if res.Err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(res.Err, domain.ErrResourceExhausted) {
		t.Fatalf("error = %v, want ResourceExhausted", res.Err)
	}
}

func TestDuplicateResponseIsNoOp(t *testing.T) {
	env := newTestEnv(t, Config{MaxGlobalConcurrency: 4})
	fn := env.createFunction("dup", 5000, 0)

	handle, err := env.disp.Submit(context.Background(), "dup", "", []byte(`{"x":true}`), "")
	if err != nil {
		t.Fatal(err)
	}

	// Play the container by hand so we control the duplicate post.
	var inv *domain.Invocation
	waitFor(t, 2*time.Second, func() bool {
		recs := env.pool.Instances(fn.ID)
		return len(recs) == 1
	}, "container should be provisioned")
	rec := env.pool.Instances(fn.ID)[0]

	pollCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	inv, err = env.disp.Poll(pollCtx, "dup", rec.InstanceID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}

	if ok := env.disp.Complete(inv.RequestID, rec.InstanceID, []byte(`"first"`), ""); !ok {
		t.Fatal("first response should be accepted")
	}
	if ok := env.disp.Complete(inv.RequestID, rec.InstanceID, []byte(`"second"`), ""); ok {
		t.Fatal("duplicate response should be a no-op")
	}

	res := handle.Await(context.Background())
	if res.Err != nil || string(res.Payload) != `"first"` {
		t.Fatalf("result = (%s, %v), want first response", res.Payload, res.Err)
	}
}

func TestRuntimeDisconnectQuarantines(t *testing.T) {
	env := newTestEnv(t, Config{MaxGlobalConcurrency: 4})
	fn := env.createFunction("flaky", 5000, 0)

	handle, err := env.disp.Submit(context.Background(), "flaky", "", []byte(`{}`), "")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return len(env.pool.Instances(fn.ID)) == 1
	}, "container should be provisioned")
	rec := env.pool.Instances(fn.ID)[0]

	pollCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := env.disp.Poll(pollCtx, "flaky", rec.InstanceID); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// The container dies mid-request.
	env.disp.InstanceDisconnected(fn.ID, rec.InstanceID)

	res := handle.Await(context.Background())
	if !errors.Is(res.Err, domain.ErrInternal) {
		t.Fatalf("result error = %v, want InternalError", res.Err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return env.pool.Snapshot(fn.ID).Total == 0
	}, "crashed container should be removed")
}
