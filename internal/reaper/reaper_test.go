package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/engine"
	"github.com/oriys/vesta/internal/engine/enginetest"
	"github.com/oriys/vesta/internal/events"
	"github.com/oriys/vesta/internal/warmpool"
)

func seedWarmIdle(t *testing.T, pool *warmpool.Pool, fake *enginetest.Fake, fid, iid string) {
	t.Helper()
	engID, err := fake.Create(context.Background(), engine.ContainerSpec{
		Name:   "vesta-fn-" + iid,
		Labels: map[string]string{"vesta.managed": "1", "vesta.function.id": fid},
	})
	if err != nil {
		t.Fatal(err)
	}
	fake.Start(context.Background(), engID)
	if err := pool.Add(domain.ContainerRecord{
		InstanceID: iid, EngineID: engID,
		FunctionID: fid, FunctionName: "fn", Version: 1,
		State: domain.StateStarting,
	}); err != nil {
		t.Fatal(err)
	}
	for _, edge := range [][2]domain.ContainerState{
		{domain.StateStarting, domain.StateWarm},
		{domain.StateWarm, domain.StateActive},
		{domain.StateActive, domain.StateWarmIdle},
	} {
		if err := pool.Transition(fid, iid, edge[0], edge[1]); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSweepSoftStopsAndRemoves(t *testing.T) {
	fake := enginetest.New()
	pool := warmpool.New(events.NewBus())
	pool.EnsureFunction("f1")
	seedWarmIdle(t, pool, fake, "f1", "a")
	seedWarmIdle(t, pool, fake, "f1", "b")

	r := New(Config{SoftIdle: 0, HardIdle: 0, Interval: time.Hour}, pool, fake)

	// First pass: both idle containers exceed the soft threshold.
	r.Sweep()
	counts := pool.Snapshot("f1")
	if counts.SoftStopped != 2 || counts.WarmIdle != 0 {
		t.Fatalf("after soft pass: %+v", counts)
	}
	for _, rec := range pool.Instances("f1") {
		if fake.Running(rec.EngineID) {
			t.Fatalf("engine container %s still running after soft stop", rec.EngineID)
		}
	}

	// Second pass: stopped long enough for hard removal.
	r.Sweep()
	if counts := pool.Snapshot("f1"); counts.Total != 0 {
		t.Fatalf("after hard pass: %+v", counts)
	}
	if fake.Count() != 0 {
		t.Fatalf("engine still has %d containers", fake.Count())
	}
}

func TestSweepLeavesActiveAlone(t *testing.T) {
	fake := enginetest.New()
	pool := warmpool.New(events.NewBus())
	pool.EnsureFunction("f1")
	seedWarmIdle(t, pool, fake, "f1", "a")
	if _, ok := pool.TakeWarmIdleMRU("f1", 1, "req"); !ok {
		t.Fatal("claim failed")
	}

	r := New(Config{SoftIdle: 0, HardIdle: 0, Interval: time.Hour}, pool, fake)
	r.Sweep()

	counts := pool.Snapshot("f1")
	if counts.Active != 1 || counts.Total != 1 {
		t.Fatalf("active container was touched: %+v", counts)
	}
}

func TestSweepHonorsSoftThreshold(t *testing.T) {
	fake := enginetest.New()
	pool := warmpool.New(events.NewBus())
	pool.EnsureFunction("f1")
	seedWarmIdle(t, pool, fake, "f1", "a")

	r := New(Config{SoftIdle: time.Hour, HardIdle: 2 * time.Hour, Interval: time.Hour}, pool, fake)
	r.Sweep()

	if counts := pool.Snapshot("f1"); counts.WarmIdle != 1 {
		t.Fatalf("freshly used container was reclaimed: %+v", counts)
	}
}
