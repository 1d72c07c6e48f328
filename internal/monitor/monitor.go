// Package monitor reconciles engine-observed container state into the warm
// pool. It detects containers stopped or removed behind the daemon's back
// (a manual docker stop, an OOM kill, a crash) and corrects the pool
// records; it never fabricates state the engine alone suggests.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/engine"
	"github.com/oriys/vesta/internal/logging"
	"github.com/oriys/vesta/internal/metrics"
	"github.com/oriys/vesta/internal/warmpool"
)

// Quarantiner lets the monitor route a dead Active container through the
// dispatcher so its pending invocation fails promptly instead of waiting
// out the deadline.
type Quarantiner interface {
	InstanceDisconnected(functionID, instanceID string)
}

// Monitor periodically inspects the engine for divergence.
type Monitor struct {
	interval time.Duration
	pool     *warmpool.Pool
	eng      engine.Ops
	quar     Quarantiner
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(interval time.Duration, pool *warmpool.Pool, eng engine.Ops, quar Quarantiner) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{interval: interval, pool: pool, eng: eng, quar: quar, ctx: ctx, cancel: cancel}
}

func (m *Monitor) Start() {
	go m.loop()
	logging.Op().Info("container monitor started", "interval", m.interval)
}

func (m *Monitor) Stop() {
	m.cancel()
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Reconcile()
		}
	}
}

// Reconcile runs one divergence pass over every tracked container.
func (m *Monitor) Reconcile() {
	for _, fid := range m.pool.Functions() {
		for _, rec := range m.pool.Instances(fid) {
			m.reconcileOne(fid, rec)
		}
	}
}

func (m *Monitor) reconcileOne(fid string, rec domain.ContainerRecord) {
	switch rec.State {
	case domain.StateRemoving, domain.StateRemoved, domain.StateUnhealthy:
		return
	}

	status, err := m.eng.Inspect(m.ctx, rec.EngineID)
	if errors.Is(err, engine.ErrNotFound) {
		logging.Op().Warn("container vanished from engine",
			"function", rec.FunctionName, "instance", rec.InstanceID)
		m.pool.ForceRemove(fid, rec.InstanceID)
		return
	}
	if err != nil {
		logging.Op().Debug("inspect failed", "instance", rec.InstanceID, "error", err)
		return
	}

	if status.Running {
		return
	}

	switch rec.State {
	case domain.StateSoftStopped:
		// Stopped is what the record says; nothing diverged.
	case domain.StateActive:
		logging.Op().Warn("active container died",
			"function", rec.FunctionName, "instance", rec.InstanceID,
			"exit_code", status.ExitCode, "oom", status.OOMKilled)
		if m.quar != nil {
			m.quar.InstanceDisconnected(fid, rec.InstanceID)
		} else if err := m.pool.Transition(fid, rec.InstanceID, domain.StateActive, domain.StateUnhealthy); err == nil {
			metrics.RecordContainerCrashed()
		}
	case domain.StateWarm, domain.StateWarmIdle:
		logging.Op().Info("idle container stopped externally",
			"function", rec.FunctionName, "instance", rec.InstanceID)
		if err := m.pool.Transition(fid, rec.InstanceID, rec.State, domain.StateSoftStopped); err == nil {
			metrics.RecordContainerStopped()
		}
	case domain.StateStarting:
		// Give a Starting container one monitor interval since creation
		// before treating a brief not-running report as failure.
		if time.Since(rec.CreatedAt) > m.interval {
			if err := m.pool.Transition(fid, rec.InstanceID, domain.StateStarting, domain.StateUnhealthy); err == nil {
				metrics.RecordContainerCrashed()
			}
		}
	}
}
