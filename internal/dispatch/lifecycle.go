package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/logging"
	"github.com/oriys/vesta/internal/metrics"
)

// registerLocked materializes dispatcher state and an empty warm pool for a
// function. Caller holds d.mu.
func (d *Dispatcher) registerLocked(fn *domain.Function) *fnState {
	fs := &fnState{fn: fn}
	capacity := fn.Reservation
	if capacity <= 0 {
		capacity = d.cfg.MaxPerFunctionConcurrency
	}
	if capacity > 0 {
		fs.reserved = make(chan struct{}, capacity)
	}
	d.fns[fn.ID] = fs
	d.byName[fn.Name] = fn.ID
	d.rr = append(d.rr, fn.ID)
	d.pool.EnsureFunction(fn.ID)
	return fs
}

// RegisterFunction wires a newly created function into the dispatcher and
// pre-warms its configured floor asynchronously.
func (d *Dispatcher) RegisterFunction(fn *domain.Function) {
	d.mu.Lock()
	if _, ok := d.fns[fn.ID]; !ok {
		d.registerLocked(fn)
	}
	d.mu.Unlock()

	if fn.MinWarm > 0 {
		d.StartContainers(fn.ID, fn.MinWarm)
	}
}

// RefreshFunction updates the dispatcher's snapshot after a registry
// mutation (code update, new version, alias change).
func (d *Dispatcher) RefreshFunction(fn *domain.Function) {
	d.mu.Lock()
	fs := d.fns[fn.ID]
	if fs == nil {
		fs = d.registerLocked(fn)
	}
	fs.fn = fn
	d.mu.Unlock()
	d.signal()
}

// DeleteFunction is the two-phase delete. Phase one marks the function
// Deleting and fails every queued request; phase two waits out in-flight
// invocations, removes all containers, and erases the registry record.
// Concurrent deletes are idempotent: each waits for the same completion.
func (d *Dispatcher) DeleteFunction(ctx context.Context, name string) error {
	fn, err := d.registry.GetFunctionByName(ctx, name)
	if err != nil {
		// A repeated delete lands here once the record is gone.
		if errors.Is(err, domain.ErrFunctionNotFound) {
			return nil
		}
		return err
	}

	d.mu.Lock()
	fs := d.fns[fn.ID]
	if fs == nil {
		fs = d.registerLocked(fn)
	}
	if fs.deleting {
		ch := fs.deleted
		d.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fs.deleting = true
	fs.deleted = make(chan struct{})
	drained := fs.queue
	fs.queue = nil
	done := fs.deleted
	d.mu.Unlock()

	fn.State = domain.FunctionDeleting
	if err := d.registry.SaveFunction(ctx, fn); err != nil {
		d.mu.Lock()
		fs.deleting = false
		fs.queue = drained
		d.mu.Unlock()
		return fmt.Errorf("mark deleting: %w", err)
	}

	for _, req := range drained {
		req.inv.State = domain.AssignFailed
		req.res <- &domain.InvocationResult{
			RequestID: req.inv.RequestID,
			Err:       fmt.Errorf("%w: %s is being deleted", domain.ErrFunctionNotFound, name),
		}
	}
	metrics.SetQueueDepth(name, 0)
	logging.Op().Info("function deleting", "function", name, "drained", len(drained))

	go d.finishDelete(fn, fs)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishDelete completes phase two in the background.
func (d *Dispatcher) finishDelete(fn *domain.Function, fs *fnState) {
	// In-flight invocations finish or time out on their own deadlines.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		d.mu.Lock()
		remaining := fs.inflight
		d.mu.Unlock()
		if remaining == 0 {
			break
		}
		<-ticker.C
	}

	ctx := context.Background()
	for _, rec := range d.pool.Instances(fn.ID) {
		d.pool.Transition(fn.ID, rec.InstanceID, rec.State, domain.StateRemoving)
		d.eng.Stop(ctx, rec.EngineID, d.cfg.StopGrace)
		if err := d.eng.Remove(ctx, rec.EngineID, true); err != nil {
			logging.Op().Warn("container removal during delete failed",
				"function", fn.Name, "instance", rec.InstanceID, "error", err)
		}
		d.pool.Transition(fn.ID, rec.InstanceID, domain.StateRemoving, domain.StateRemoved)
		d.mu.Lock()
		delete(d.mail, rec.InstanceID)
		d.mu.Unlock()
	}

	if err := d.registry.DeleteFunction(ctx, fn.ID); err != nil {
		logging.Op().Error("registry erase failed", "function", fn.Name, "error", err)
	}

	d.pool.DropFunction(fn.ID)
	metrics.DeleteFunctionSeries(fn.Name)

	d.mu.Lock()
	delete(d.fns, fn.ID)
	delete(d.byName, fn.Name)
	for i, fid := range d.rr {
		if fid == fn.ID {
			d.rr = append(d.rr[:i], d.rr[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	close(fs.deleted)
	logging.Op().Info("function deleted", "function", fn.Name)
	// Dropping a function can free global capacity other queues were
	// waiting on.
	d.signal()
}

// Bootstrap registers every persisted function and reconciles engine state
// left over from a previous process: containers with our labels are
// re-adopted (running ones re-register through the runtime API, stopped
// ones enter as SoftStopped), unrecognized ones are removed.
func (d *Dispatcher) Bootstrap(ctx context.Context) error {
	fns, err := d.registry.ListFunctions(ctx)
	if err != nil {
		return fmt.Errorf("list functions: %w", err)
	}
	byID := make(map[string]*domain.Function, len(fns))
	d.mu.Lock()
	for _, fn := range fns {
		byID[fn.ID] = fn
		if _, ok := d.fns[fn.ID]; !ok {
			d.registerLocked(fn)
		}
	}
	d.mu.Unlock()

	listed, err := d.eng.List(ctx, LabelManaged)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, c := range listed {
		fid := c.Labels[labelFunctionID]
		instanceID := c.Labels[labelInstanceID]
		fn, known := byID[fid]
		if !known || instanceID == "" || fn.State == domain.FunctionDeleting {
			logging.Op().Info("removing stale container", "name", c.Name)
			d.eng.Remove(ctx, c.ID, true)
			continue
		}

		state := domain.StateSoftStopped
		if c.Running {
			state = domain.StateStarting
		}
		rec := domain.ContainerRecord{
			InstanceID:   instanceID,
			EngineID:     c.ID,
			FunctionID:   fid,
			FunctionName: fn.Name,
			Version:      atoiDefault(c.Labels[labelVersion], fn.Version),
			State:        state,
		}
		if err := d.pool.Add(rec); err != nil {
			logging.Op().Warn("could not adopt container", "name", c.Name, "error", err)
			d.eng.Remove(ctx, c.ID, true)
			continue
		}
		if c.Running {
			d.armStartupTimeout(fid, instanceID)
		}
		logging.Op().Info("adopted container",
			"function", fn.Name, "instance", instanceID, "state", state)
	}

	// Resume interrupted deletions.
	for _, fn := range fns {
		if fn.State == domain.FunctionDeleting {
			go d.DeleteFunction(context.Background(), fn.Name)
		}
	}
	return nil
}

func atoiDefault(s string, def int) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	if s == "" {
		return def
	}
	return n
}

// Drain stops admission, waits for in-flight invocations up to the drain
// grace, then force-fails the rest and stops the dispatch loop.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	deadline := time.Now().Add(d.cfg.DrainGrace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		d.mu.Lock()
		remaining := len(d.pending)
		d.mu.Unlock()
		if remaining == 0 {
			break
		}
		<-ticker.C
	}

	d.mu.Lock()
	stranded := make([]*request, 0, len(d.pending))
	for rid, req := range d.pending {
		delete(d.pending, rid)
		req.inv.State = domain.AssignFailed
		stranded = append(stranded, req)
	}
	d.mu.Unlock()

	for _, req := range stranded {
		req.res <- &domain.InvocationResult{
			RequestID: req.inv.RequestID,
			Err:       fmt.Errorf("%w: shutdown drain expired", domain.ErrInternal),
		}
	}
	if len(stranded) > 0 {
		logging.Op().Warn("drain grace expired", "force_failed", len(stranded))
	}

	d.cancel()
	<-d.done
}
