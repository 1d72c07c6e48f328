package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/engine"
	"github.com/oriys/vesta/internal/logging"
	"github.com/oriys/vesta/internal/metrics"
)

// Container labels the monitor uses to recognize and re-adopt containers.
const (
	labelFunctionID   = "vesta.function.id"
	labelFunctionName = "vesta.function.name"
	labelInstanceID   = "vesta.instance"
	labelVersion      = "vesta.version"
)

// provision brings one more container toward Warm for fn: restarting a
// SoftStopped container when one exists (code and image are already
// resident), otherwise creating a fresh one. waiter is the queued request
// whose dispatch attempt triggered this; nil means capacity provisioning
// with no request waiting on the outcome.
func (d *Dispatcher) provision(fn *domain.Function, waiter *request) {
	ctx := d.ctx

	if rec, ok := d.pool.TakeSoftStopped(fn.ID, fn.Version); ok {
		if err := d.eng.Restart(ctx, rec.EngineID); err != nil {
			logging.Op().Warn("container restart failed",
				"function", fn.Name, "instance", rec.InstanceID, "error", err)
			if terr := d.pool.Transition(fn.ID, rec.InstanceID, domain.StateStarting, domain.StateUnhealthy); terr == nil {
				go d.removeContainer(fn.ID, rec.InstanceID)
			}
			d.provisionFailed(fn.ID, waiter, err)
			return
		}
		metrics.RecordContainerRestarted()
		d.armStartupTimeout(fn.ID, rec.InstanceID)
		return
	}

	if err := d.createContainer(ctx, fn); err != nil {
		d.provisionFailed(fn.ID, waiter, err)
		return
	}
}

// createContainer builds (or reuses) the runtime image and starts a fresh
// container in Starting state.
func (d *Dispatcher) createContainer(ctx context.Context, fn *domain.Function) error {
	image, err := d.pkgr.EnsureImage(ctx, fn)
	if err != nil {
		return fmt.Errorf("ensure image: %w", err)
	}

	instanceID := uuid.New().String()[:12]
	spec := engine.ContainerSpec{
		Name:      "vesta-" + fn.Name + "-" + instanceID,
		Image:     image,
		MemoryMB:  fn.MemoryMB,
		CPUWeight: fn.CPUWeight,
		Network:   d.cfg.EngineNetwork,
		Env: append(envList(fn.EnvVars),
			"AWS_LAMBDA_RUNTIME_API="+d.cfg.RuntimeAPIAddr,
			"AWS_LAMBDA_FUNCTION_NAME="+fn.Name,
			"AWS_LAMBDA_FUNCTION_VERSION="+strconv.Itoa(fn.Version),
			"AWS_LAMBDA_FUNCTION_MEMORY_SIZE="+strconv.Itoa(fn.MemoryMB),
			"_HANDLER="+fn.Handler,
			"VESTA_INSTANCE_ID="+instanceID,
		),
		Labels: map[string]string{
			LabelManaged:      "1",
			labelFunctionID:   fn.ID,
			labelFunctionName: fn.Name,
			labelInstanceID:   instanceID,
			labelVersion:      strconv.Itoa(fn.Version),
		},
	}

	engineID, err := d.eng.Create(ctx, spec)
	if err != nil {
		return fmt.Errorf("%w: create container: %v", domain.ErrResourceExhausted, err)
	}

	rec := domain.ContainerRecord{
		InstanceID:   instanceID,
		EngineID:     engineID,
		FunctionID:   fn.ID,
		FunctionName: fn.Name,
		Version:      fn.Version,
		State:        domain.StateStarting,
		CreatedAt:    time.Now(),
	}
	if err := d.pool.Add(rec); err != nil {
		d.eng.Remove(ctx, engineID, true)
		return err
	}

	if err := d.eng.Start(ctx, engineID); err != nil {
		if terr := d.pool.Transition(fn.ID, instanceID, domain.StateStarting, domain.StateUnhealthy); terr == nil {
			go d.removeContainer(fn.ID, instanceID)
		}
		return fmt.Errorf("%w: start container: %v", domain.ErrResourceExhausted, err)
	}

	metrics.RecordContainerCreated()
	d.armStartupTimeout(fn.ID, instanceID)
	logging.Op().Info("container starting",
		"function", fn.Name, "instance", instanceID, "engine_id", engineID)
	return nil
}

// armStartupTimeout quarantines a container that never registers.
func (d *Dispatcher) armStartupTimeout(fid, instanceID string) {
	time.AfterFunc(d.cfg.StartupTimeout, func() {
		rec, ok := d.pool.Get(fid, instanceID)
		if !ok || rec.State != domain.StateStarting {
			return
		}
		if err := d.pool.Transition(fid, instanceID, domain.StateStarting, domain.StateUnhealthy); err != nil {
			return
		}
		logging.Op().Warn("container failed to register in time",
			"instance", instanceID, "timeout", d.cfg.StartupTimeout)
		metrics.RecordContainerCrashed()

		d.mu.Lock()
		if fs := d.fns[fid]; fs != nil && fs.starting > 0 {
			fs.starting--
		}
		d.mu.Unlock()

		d.removeContainer(fid, instanceID)
		d.signal()
	})
}

// provisionFailed accounts a failed provisioning attempt. The waiting
// request stays at the head of its queue for exactly one retry; the second
// failure surfaces to the submitter.
func (d *Dispatcher) provisionFailed(fid string, waiter *request, cause error) {
	d.mu.Lock()
	fs := d.fns[fid]
	if fs != nil && fs.starting > 0 {
		fs.starting--
	}
	var failed *request
	if waiter != nil && waiter.startTries >= 2 && waiter.inv.State == domain.AssignQueued && fs != nil {
		fs.removeQueued(waiter)
		waiter.inv.State = domain.AssignFailed
		failed = waiter
		metrics.SetQueueDepth(fs.fn.Name, len(fs.queue))
	}
	d.mu.Unlock()

	if failed != nil {
		metrics.RecordInvocation(failed.inv.FunctionName, "", "resource_exhausted")
		failed.res <- &domain.InvocationResult{
			RequestID: failed.inv.RequestID,
			Err:       fmt.Errorf("%w: %v", domain.ErrResourceExhausted, cause),
		}
	}
	d.signal()
}

// StartContainers provisions up to n containers for a function; the
// autoscaler and pre-warm path call this without a waiting request.
func (d *Dispatcher) StartContainers(fid string, n int) {
	d.mu.Lock()
	fs := d.fns[fid]
	if fs == nil || fs.deleting || d.draining {
		d.mu.Unlock()
		return
	}
	fn := fs.fn
	fs.starting += n
	d.mu.Unlock()

	for i := 0; i < n; i++ {
		go d.provision(fn, nil)
	}
}

// Starting returns the number of containers being provisioned for a
// function, for the autoscaler's budget math.
func (d *Dispatcher) Starting(fid string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fs := d.fns[fid]; fs != nil {
		return fs.starting
	}
	return 0
}

// QueueDepth reports the number of queued invocations for a function.
func (d *Dispatcher) QueueDepth(fid string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fs := d.fns[fid]; fs != nil {
		return len(fs.queue)
	}
	return 0
}

// removeContainer drives an Unhealthy container through Removing to
// Removed, with the engine-side stop/remove in between. Engine errors are
// retried with bounded backoff; removal is idempotent on the engine side.
func (d *Dispatcher) removeContainer(fid, instanceID string) {
	rec, ok := d.pool.Get(fid, instanceID)
	if !ok {
		return
	}
	if rec.State == domain.StateUnhealthy {
		if err := d.pool.Transition(fid, instanceID, domain.StateUnhealthy, domain.StateRemoving); err != nil {
			return
		}
	} else if rec.State != domain.StateRemoving {
		return
	}

	ctx := context.Background()
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		d.eng.Stop(ctx, rec.EngineID, time.Second)
		if err := d.eng.Remove(ctx, rec.EngineID, true); err == nil {
			break
		} else if attempt == 2 {
			logging.Op().Error("container removal failed, dropping record anyway",
				"instance", instanceID, "engine_id", rec.EngineID, "error", err)
		}
		time.Sleep(backoff)
		backoff *= 2
	}

	d.pool.Transition(fid, instanceID, domain.StateRemoving, domain.StateRemoved)

	d.mu.Lock()
	delete(d.mail, instanceID)
	d.mu.Unlock()
	d.signal()
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
