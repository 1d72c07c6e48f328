package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/logging"
	"github.com/oriys/vesta/internal/metrics"
)

// mailbox carries at most one invocation toward a container. The capacity-1
// channel is the at-most-one-in-flight guarantee: Deliver on a full mailbox
// is an invariant violation, not a queue.
type mailbox struct {
	ch      chan *domain.Invocation
	polling bool
}

func (d *Dispatcher) mailboxFor(instanceID string) *mailbox {
	mb := d.mail[instanceID]
	if mb == nil {
		mb = &mailbox{ch: make(chan *domain.Invocation, 1)}
		d.mail[instanceID] = mb
	}
	return mb
}

// deliver hands a dispatched invocation to the container's mailbox.
func (d *Dispatcher) deliver(instanceID string, inv *domain.Invocation) {
	d.mu.Lock()
	mb := d.mailboxFor(instanceID)
	d.mu.Unlock()

	select {
	case mb.ch <- inv:
	default:
		logging.Op().Error("mailbox overflow, failing request",
			"instance", instanceID, "request", inv.RequestID)
		d.Fail(inv.RequestID, instanceID, domain.ErrInternal)
	}
}

// ErrPollBusy is returned when a container issues a second concurrent next
// call before resolving its previous invocation.
var ErrPollBusy = fmt.Errorf("instance already polling")

// Poll blocks until an invocation is dispatched to the given instance or
// ctx ends. The first poll of a Starting container doubles as its
// registration: the record transitions to Warm and becomes matchable.
// An empty instanceID is bound to an unclaimed container of the function.
func (d *Dispatcher) Poll(ctx context.Context, fnName, instanceID string) (*domain.Invocation, error) {
	d.mu.Lock()
	fid, ok := d.byName[fnName]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrFunctionNotFound, fnName)
	}
	if instanceID == "" {
		instanceID = d.unboundInstanceLocked(fid)
		if instanceID == "" {
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: no container record to bind poller", domain.ErrResourceNotReady)
		}
	}
	mb := d.mailboxFor(instanceID)
	if mb.polling {
		d.mu.Unlock()
		return nil, ErrPollBusy
	}
	rec, found := d.pool.Get(fid, instanceID)
	if found && rec.State == domain.StateActive && rec.AssignedReq != "" {
		if _, inFlight := d.pending[rec.AssignedReq]; inFlight {
			if len(mb.ch) == 0 {
				d.mu.Unlock()
				return nil, ErrPollBusy
			}
		}
	}
	mb.polling = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		mb.polling = false
		d.mu.Unlock()
	}()

	d.registerInstance(fid, instanceID)

	select {
	case inv := <-mb.ch:
		return inv, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, d.ctx.Err()
	}
}

// unboundInstanceLocked picks a container record with no mailbox yet, for
// pollers that omit the instance header. Caller holds d.mu.
func (d *Dispatcher) unboundInstanceLocked(fid string) string {
	for _, rec := range d.pool.Instances(fid) {
		if rec.State.Terminal() {
			continue
		}
		if _, ok := d.mail[rec.InstanceID]; !ok {
			return rec.InstanceID
		}
	}
	return ""
}

// registerInstance promotes a Starting container to Warm on its first poll.
func (d *Dispatcher) registerInstance(fid, instanceID string) {
	rec, ok := d.pool.Get(fid, instanceID)
	if !ok || rec.State != domain.StateStarting {
		return
	}
	if err := d.pool.Transition(fid, instanceID, domain.StateStarting, domain.StateWarm); err != nil {
		return
	}
	restart := !rec.CreatedAt.IsZero() && !rec.LastActivity.IsZero()
	metrics.ObserveContainerStart(rec.FunctionName, restart, time.Since(rec.CreatedAt))
	logging.Op().Debug("container registered",
		"function", rec.FunctionName, "instance", instanceID)

	d.mu.Lock()
	if fs := d.fns[fid]; fs != nil && fs.starting > 0 {
		fs.starting--
	}
	d.mu.Unlock()
	d.signal()
}

// Complete resolves a dispatched invocation with the container's response.
// Duplicate posts for the same request id are accepted idempotently: the
// first wins, later ones are no-ops.
func (d *Dispatcher) Complete(requestID, instanceID string, payload []byte, fnErr domain.FunctionErrorKind) bool {
	d.mu.Lock()
	req, ok := d.pending[requestID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	if instanceID != "" && req.inv.InstanceID != instanceID {
		d.mu.Unlock()
		logging.Op().Warn("response posted by wrong instance",
			"request", requestID, "instance", instanceID, "assigned", req.inv.InstanceID)
		return false
	}
	delete(d.pending, requestID)
	req.inv.State = domain.AssignResponded
	d.mu.Unlock()

	duration := time.Since(req.dispatched)
	outcome := "ok"
	if fnErr != "" {
		outcome = "function_error"
	}
	metrics.ObserveExecution(req.inv.FunctionName, req.coldStart, duration)
	metrics.RecordInvocation(req.inv.FunctionName, "", outcome)

	req.res <- &domain.InvocationResult{
		RequestID:  requestID,
		Payload:    payload,
		FnError:    fnErr,
		ColdStart:  req.coldStart,
		QueueWait:  req.dispatched.Sub(req.enqueuedAt),
		Duration:   duration,
		InstanceID: req.inv.InstanceID,
	}

	// A handler error leaves the process healthy; the container goes back
	// to the warm set either way.
	d.finishDispatch(req, req.inv.InstanceID, domain.StateWarmIdle)
	return true
}

// Fail resolves a dispatched invocation with a platform error and
// quarantines the container.
func (d *Dispatcher) Fail(requestID, instanceID string, cause error) bool {
	d.mu.Lock()
	req, ok := d.pending[requestID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.pending, requestID)
	req.inv.State = domain.AssignFailed
	d.mu.Unlock()

	metrics.RecordInvocation(req.inv.FunctionName, "", "internal_error")
	req.res <- &domain.InvocationResult{
		RequestID: requestID,
		Err:       cause,
	}
	d.finishDispatch(req, req.inv.InstanceID, domain.StateUnhealthy)
	return true
}

// InstanceDisconnected handles a runtime transport drop. A pending
// invocation on that container fails with an internal error and the
// container is quarantined.
func (d *Dispatcher) InstanceDisconnected(fid, instanceID string) {
	d.mu.Lock()
	var victim string
	for rid, req := range d.pending {
		if req.inv.InstanceID == instanceID {
			victim = rid
			break
		}
	}
	delete(d.mail, instanceID)
	d.mu.Unlock()

	if victim != "" {
		d.Fail(victim, instanceID, fmt.Errorf("%w: runtime disconnected", domain.ErrInternal))
		return
	}

	rec, ok := d.pool.Get(fid, instanceID)
	if !ok || rec.State.Terminal() {
		return
	}
	if rec.State.Ready() || rec.State == domain.StateStarting {
		if err := d.pool.Transition(fid, instanceID, rec.State, domain.StateUnhealthy); err == nil {
			metrics.RecordContainerCrashed()
			go d.removeContainer(fid, instanceID)
		}
	}
}
