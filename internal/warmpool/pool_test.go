package warmpool

import (
	"testing"
	"time"

	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/events"
)

func newTestPool() *Pool {
	return New(events.NewBus())
}

func addWarmIdle(t *testing.T, p *Pool, fid, iid string, version int) {
	t.Helper()
	if err := p.Add(domain.ContainerRecord{
		InstanceID:   iid,
		EngineID:     "eng-" + iid,
		FunctionID:   fid,
		FunctionName: "fn",
		Version:      version,
		State:        domain.StateStarting,
	}); err != nil {
		t.Fatalf("add %s: %v", iid, err)
	}
	for _, edge := range [][2]domain.ContainerState{
		{domain.StateStarting, domain.StateWarm},
		{domain.StateWarm, domain.StateActive},
		{domain.StateActive, domain.StateWarmIdle},
	} {
		if err := p.Transition(fid, iid, edge[0], edge[1]); err != nil {
			t.Fatalf("transition %s %s->%s: %v", iid, edge[0], edge[1], err)
		}
	}
}

func TestTransitionGuards(t *testing.T) {
	p := newTestPool()
	p.EnsureFunction("f1")

	rec := domain.ContainerRecord{
		InstanceID: "i1", FunctionID: "f1", FunctionName: "fn",
		Version: 1, State: domain.StateStarting,
	}
	if err := p.Add(rec); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := p.Add(rec); err == nil {
		t.Fatal("duplicate add should fail")
	}

	// Wrong from-state fails loudly.
	if err := p.Transition("f1", "i1", domain.StateWarm, domain.StateActive); err == nil {
		t.Fatal("transition with mismatched from should fail")
	}
	// Illegal edge fails loudly.
	if err := p.Transition("f1", "i1", domain.StateStarting, domain.StateActive); err == nil {
		t.Fatal("illegal edge should fail")
	}
	if err := p.Transition("f1", "i1", domain.StateStarting, domain.StateWarm); err != nil {
		t.Fatalf("legal transition failed: %v", err)
	}

	counts := p.Snapshot("f1")
	if counts.Warm != 1 || counts.Total != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestTakeWarmIdleMRUOrder(t *testing.T) {
	p := newTestPool()
	p.EnsureFunction("f1")
	addWarmIdle(t, p, "f1", "old", 1)
	time.Sleep(2 * time.Millisecond)
	addWarmIdle(t, p, "f1", "new", 1)

	rec, ok := p.TakeWarmIdleMRU("f1", 1, "req-1")
	if !ok {
		t.Fatal("expected a ready container")
	}
	if rec.InstanceID != "new" {
		t.Fatalf("expected MRU container %q, got %q", "new", rec.InstanceID)
	}
	if rec.State != domain.StateActive && rec.AssignedReq == "" {
		t.Fatalf("claimed record not active: %+v", rec)
	}

	got, _ := p.Get("f1", "new")
	if got.State != domain.StateActive || got.AssignedReq != "req-1" {
		t.Fatalf("record not assigned: %+v", got)
	}

	rec, ok = p.TakeWarmIdleMRU("f1", 1, "req-2")
	if !ok || rec.InstanceID != "old" {
		t.Fatalf("second take: got (%v, %v)", rec.InstanceID, ok)
	}
	if _, ok := p.TakeWarmIdleMRU("f1", 1, "req-3"); ok {
		t.Fatal("third take should find nothing")
	}
}

func TestTakeWarmIdleVersionAffinity(t *testing.T) {
	p := newTestPool()
	p.EnsureFunction("f1")
	addWarmIdle(t, p, "f1", "v1-box", 1)

	if _, ok := p.TakeWarmIdleMRU("f1", 2, "req"); ok {
		t.Fatal("version 2 request must not claim a version 1 container")
	}
	if rec, ok := p.TakeWarmIdleMRU("f1", 1, "req"); !ok || rec.InstanceID != "v1-box" {
		t.Fatalf("version 1 request should claim v1-box, got (%v, %v)", rec.InstanceID, ok)
	}
}

func TestSoftStopCandidatesAndMark(t *testing.T) {
	p := newTestPool()
	p.EnsureFunction("f1")
	addWarmIdle(t, p, "f1", "a", 1)
	time.Sleep(2 * time.Millisecond)
	addWarmIdle(t, p, "f1", "b", 1)

	// Nothing is idle long enough yet.
	if got := p.SoftStopCandidates("f1", time.Hour); len(got) != 0 {
		t.Fatalf("expected no candidates, got %d", len(got))
	}

	// Autoscaler marks one: the least recently used goes first.
	if marked := p.MarkForSoftStop("f1", 1); marked != 1 {
		t.Fatalf("marked = %d, want 1", marked)
	}
	got := p.SoftStopCandidates("f1", time.Hour)
	if len(got) != 1 || got[0].InstanceID != "a" {
		t.Fatalf("expected LRU candidate a, got %+v", got)
	}

	// With a zero threshold both qualify, LRU first.
	got = p.SoftStopCandidates("f1", 0)
	if len(got) != 2 || got[0].InstanceID != "a" || got[1].InstanceID != "b" {
		t.Fatalf("unexpected candidate order: %+v", got)
	}
}

func TestTakeSoftStoppedPrefersMostRecent(t *testing.T) {
	p := newTestPool()
	p.EnsureFunction("f1")
	addWarmIdle(t, p, "f1", "a", 1)
	addWarmIdle(t, p, "f1", "b", 1)
	if err := p.Transition("f1", "a", domain.StateWarmIdle, domain.StateSoftStopped); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := p.Transition("f1", "b", domain.StateWarmIdle, domain.StateSoftStopped); err != nil {
		t.Fatal(err)
	}

	rec, ok := p.TakeSoftStopped("f1", 1)
	if !ok || rec.InstanceID != "b" {
		t.Fatalf("expected most recently stopped b, got (%v, %v)", rec.InstanceID, ok)
	}
	if rec.State != domain.StateStarting {
		t.Fatalf("restarted record should be Starting, got %s", rec.State)
	}
	if _, ok := p.TakeSoftStopped("f1", 2); ok {
		t.Fatal("version mismatch should not restart")
	}
}

func TestForceRemoveAndEvents(t *testing.T) {
	bus := events.NewBus()
	p := New(bus)
	p.EnsureFunction("f1")
	addWarmIdle(t, p, "f1", "a", 1)

	p.ForceRemove("f1", "a")
	if _, ok := p.Get("f1", "a"); ok {
		t.Fatal("record should be gone after ForceRemove")
	}
	if counts := p.Snapshot("f1"); counts.Total != 0 {
		t.Fatalf("expected empty pool, got %+v", counts)
	}

	evs := bus.Recent("f1", 0)
	if len(evs) == 0 {
		t.Fatal("expected transition events")
	}
	var last uint64
	for _, ev := range evs {
		if ev.Seq <= last {
			t.Fatalf("event sequence not monotonic: %v", evs)
		}
		last = ev.Seq
	}
	final := evs[len(evs)-1]
	if final.To != domain.StateRemoved {
		t.Fatalf("last event should be Removed, got %s", final.To)
	}
}
