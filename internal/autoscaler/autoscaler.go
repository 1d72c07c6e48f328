// Package autoscaler reconciles desired warm capacity against queue depth
// and active count on a periodic tick. Decisions are pure functions of a
// per-function snapshot (Plan), which keeps the policy unit-testable
// without engine access; the loop merely gathers snapshots and applies
// intents.
package autoscaler

import (
	"context"
	"math"
	"time"

	"github.com/oriys/vesta/internal/dispatch"
	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/logging"
	"github.com/oriys/vesta/internal/metrics"
	"github.com/oriys/vesta/internal/store"
)

// Snapshot is the per-function state the planner decides on.
type Snapshot struct {
	Queued      int
	Active      int
	Warm        int // Warm + WarmIdle
	Starting    int
	SoftStopped int
	Reservation int
}

// Limits parameterizes the planner.
type Limits struct {
	ScaleFactor    float64
	MinBurst       int
	PerFunctionMax int
	// GlobalBudget is how many more containers may enter Starting before
	// Starting+Active would exceed the global concurrency limit.
	GlobalBudget int
}

// Intent is what the loop applies: container starts now, or LRU WarmIdle
// containers flagged for the reaper's next pass. Never both.
type Intent struct {
	Start    int
	SoftStop int
}

// Plan computes the reconciliation intent:
//
//	desired = max(reservation, ceil((queued+active) * scale_factor))
//
// with the min-burst floor applied while requests are queued, capped by the
// per-function maximum. Start intents beyond the global budget are
// deferred to the next tick; Active containers are never reclaimed.
func Plan(s Snapshot, l Limits) Intent {
	sf := l.ScaleFactor
	if sf <= 0 {
		sf = 1.0
	}

	desired := int(math.Ceil(float64(s.Queued+s.Active) * sf))
	if desired < s.Reservation {
		desired = s.Reservation
	}
	if s.Queued > 0 && desired < l.MinBurst {
		desired = l.MinBurst
	}
	if l.PerFunctionMax > 0 && desired > l.PerFunctionMax {
		desired = l.PerFunctionMax
	}

	warmTotal := s.Warm + s.Active
	switch {
	case desired > warmTotal+s.Starting:
		start := desired - warmTotal - s.Starting
		if start > l.GlobalBudget {
			start = l.GlobalBudget
		}
		if start < 0 {
			start = 0
		}
		return Intent{Start: start}
	case desired < warmTotal && s.Queued == 0:
		stop := warmTotal - desired
		if stop > s.Warm {
			stop = s.Warm
		}
		return Intent{SoftStop: stop}
	default:
		return Intent{}
	}
}

// Autoscaler runs the reconciliation loop.
type Autoscaler struct {
	disp      *dispatch.Dispatcher
	registry  store.Registry
	tick      time.Duration
	sf        float64
	minBurst  int
	perFnMax  int
	globalMax int
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates an Autoscaler. globalMax is the process concurrency limit
// the Starting+Active budget is computed against.
func New(disp *dispatch.Dispatcher, registry store.Registry, tick time.Duration, scaleFactor float64, minBurst, perFnMax, globalMax int) *Autoscaler {
	if tick <= 0 {
		tick = 250 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Autoscaler{
		disp:      disp,
		registry:  registry,
		tick:      tick,
		sf:        scaleFactor,
		minBurst:  minBurst,
		perFnMax:  perFnMax,
		globalMax: globalMax,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the autoscaler goroutine.
func (a *Autoscaler) Start() {
	go a.loop()
	logging.Op().Info("autoscaler started", "tick", a.tick, "scale_factor", a.sf)
}

// Stop shuts the loop down.
func (a *Autoscaler) Stop() {
	a.cancel()
}

func (a *Autoscaler) loop() {
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.evaluate()
		}
	}
}

func (a *Autoscaler) evaluate() {
	fns, err := a.registry.ListFunctions(a.ctx)
	if err != nil {
		logging.Op().Error("autoscaler: list functions", "error", err)
		return
	}

	// Budget is shared across functions within one tick so that the sum
	// of start intents honors the global limit.
	used := 0
	type item struct {
		fn   *domain.Function
		snap Snapshot
	}
	items := make([]item, 0, len(fns))
	for _, fn := range fns {
		if fn.State == domain.FunctionDeleting {
			continue
		}
		counts := a.disp.Pool().Snapshot(fn.ID)
		snap := Snapshot{
			Queued:      a.disp.QueueDepth(fn.ID),
			Active:      counts.Active,
			Warm:        counts.Warm + counts.WarmIdle,
			Starting:    counts.Starting,
			SoftStopped: counts.SoftStopped,
			Reservation: fn.Reservation,
		}
		used += counts.Active + counts.Starting
		items = append(items, item{fn: fn, snap: snap})
	}

	budget := a.globalMax - used
	if budget < 0 {
		budget = 0
	}

	for _, it := range items {
		intent := Plan(it.snap, Limits{
			ScaleFactor:    a.sf,
			MinBurst:       a.minBurst,
			PerFunctionMax: a.perFnMax,
			GlobalBudget:   budget,
		})
		metrics.SetDesiredWarm(it.fn.Name, it.snap.Warm+it.snap.Active+intent.Start-intent.SoftStop)

		if intent.Start > 0 {
			budget -= intent.Start
			metrics.RecordScaleDecision(it.fn.Name, "up")
			logging.Op().Debug("scale up",
				"function", it.fn.Name, "start", intent.Start, "queued", it.snap.Queued)
			a.disp.StartContainers(it.fn.ID, intent.Start)
		}
		if intent.SoftStop > 0 {
			marked := a.disp.Pool().MarkForSoftStop(it.fn.ID, intent.SoftStop)
			if marked > 0 {
				metrics.RecordScaleDecision(it.fn.Name, "down")
				logging.Op().Debug("scale down",
					"function", it.fn.Name, "marked", marked)
			}
		}
	}
}
