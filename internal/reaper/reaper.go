// Package reaper applies the two-tier idle reclamation policy: WarmIdle
// containers idle past the soft threshold are engine-stopped but their
// records retained (SoftStopped), and SoftStopped containers past the hard
// threshold are removed for good.
package reaper

import (
	"context"
	"time"

	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/engine"
	"github.com/oriys/vesta/internal/logging"
	"github.com/oriys/vesta/internal/metrics"
	"github.com/oriys/vesta/internal/warmpool"
)

// Config holds the reclamation thresholds.
type Config struct {
	SoftIdle  time.Duration // WarmIdle -> SoftStopped
	HardIdle  time.Duration // total idle before removal
	Interval  time.Duration
	StopGrace time.Duration
}

// Reaper periodically reclaims idle containers.
type Reaper struct {
	cfg    Config
	pool   *warmpool.Pool
	eng    engine.Ops
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, pool *warmpool.Pool, eng engine.Ops) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{cfg: cfg, pool: pool, eng: eng, ctx: ctx, cancel: cancel}
}

func (r *Reaper) Start() {
	go r.loop()
	logging.Op().Info("reaper started",
		"interval", r.cfg.Interval, "soft_idle", r.cfg.SoftIdle, "hard_idle", r.cfg.HardIdle)
}

func (r *Reaper) Stop() {
	r.cancel()
}

func (r *Reaper) loop() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one reclamation pass over every function. Removal runs before
// soft-stopping, so a container soft-stopped in this pass stays SoftStopped
// until a later one.
func (r *Reaper) Sweep() {
	for _, fid := range r.pool.Functions() {
		r.hardRemove(fid)
		r.softStop(fid)
	}
}

func (r *Reaper) softStop(fid string) {
	for _, rec := range r.pool.SoftStopCandidates(fid, r.cfg.SoftIdle) {
		// The container may have been dispatched between listing and now;
		// the guarded transition catches that and we leave it alone.
		if err := r.pool.Transition(fid, rec.InstanceID, domain.StateWarmIdle, domain.StateSoftStopped); err != nil {
			continue
		}
		if err := r.eng.Stop(r.ctx, rec.EngineID, r.cfg.StopGrace); err != nil {
			logging.Op().Warn("soft stop failed",
				"function", rec.FunctionName, "instance", rec.InstanceID, "error", err)
			continue
		}
		metrics.RecordContainerStopped()
		logging.Op().Debug("container soft-stopped",
			"function", rec.FunctionName, "instance", rec.InstanceID)
	}
}

func (r *Reaper) hardRemove(fid string) {
	age := r.cfg.HardIdle - r.cfg.SoftIdle
	if age < 0 {
		age = 0
	}
	for _, rec := range r.pool.HardRemoveCandidates(fid, age) {
		if err := r.pool.Transition(fid, rec.InstanceID, domain.StateSoftStopped, domain.StateRemoving); err != nil {
			continue
		}
		if err := r.eng.Remove(r.ctx, rec.EngineID, true); err != nil {
			logging.Op().Warn("hard remove failed",
				"function", rec.FunctionName, "instance", rec.InstanceID, "error", err)
		}
		r.pool.Transition(fid, rec.InstanceID, domain.StateRemoving, domain.StateRemoved)
		logging.Op().Debug("container removed",
			"function", rec.FunctionName, "instance", rec.InstanceID)
	}
}
