// Package dispatch is the execution scheduler: it admits invocation
// requests, queues them per function, matches them to warm containers
// (creating or restarting containers when none are idle), and delivers
// responses back to submitters through one-shot handoffs.
//
// # Concurrency model
//
// One background goroutine (the dispatch loop) performs all matching. It
// wakes on every event that may unblock work: a new submission, a
// container registering or re-entering WarmIdle, a provisioning
// completion, a permit released by a finished invocation, or a deletion
// freeing global slots. Submitting goroutines suspend only on their own
// response channel; they never hold dispatcher locks while waiting.
//
// Concurrency permits are counting semaphores: the global permit bounds
// Active invocations process-wide, and a per-function reservation permit
// (when configured) is acquired strictly after the global one and released
// in reverse order.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/engine"
	"github.com/oriys/vesta/internal/events"
	"github.com/oriys/vesta/internal/logging"
	"github.com/oriys/vesta/internal/metrics"
	"github.com/oriys/vesta/internal/packager"
	"github.com/oriys/vesta/internal/store"
	"github.com/oriys/vesta/internal/warmpool"
)

// transportMargin is added on top of the function timeout when a submitter
// awaits its result, covering handoff and HTTP overhead.
const transportMargin = 2 * time.Second

// LabelManaged marks engine containers owned by this daemon; the monitor
// reconciles against it at startup.
const LabelManaged = "vesta.managed"

// Config holds dispatcher tunables.
type Config struct {
	MaxGlobalConcurrency      int
	MaxPerFunctionConcurrency int
	QueueBurstCap             int
	// RuntimeAPIAddr is the host:port containers use to reach the runtime
	// API.
	RuntimeAPIAddr string
	EngineNetwork  string
	StartupTimeout time.Duration
	DrainGrace     time.Duration
	StopGrace      time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxGlobalConcurrency <= 0 {
		c.MaxGlobalConcurrency = 64
	}
	if c.QueueBurstCap <= 0 {
		c.QueueBurstCap = 32
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 30 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
}

// request is one queued or in-flight invocation together with its one-shot
// result channel. The submitter owns the receiving end; the dispatch loop
// and runtime handlers own completion.
type request struct {
	inv        *domain.Invocation
	res        chan *domain.InvocationResult
	enqueuedAt time.Time
	startTries int  // provisioning attempts consumed by this request
	coldStart  bool // no warm container was available at dispatch
	globalHeld bool
	fnHeld     bool
	dispatched time.Time
}

// fnState is the dispatcher's per-function bookkeeping: the FIFO queue,
// the reservation permit, and deletion progress.
type fnState struct {
	fn       *domain.Function
	queue    []*request
	reserved chan struct{} // reservation tokens; nil when no reservation
	inflight int           // dispatched, not yet completed
	starting int           // containers being provisioned
	deleting bool
	deleted  chan struct{} // closed when the registry record is erased
}

// Dispatcher coordinates admission, matching, and container provisioning.
type Dispatcher struct {
	cfg      Config
	registry store.Registry
	pool     *warmpool.Pool
	eng      engine.Ops
	pkgr     *packager.Packager
	bus      *events.Bus

	globalSem chan struct{} // global concurrency tokens

	mu       sync.Mutex
	fns      map[string]*fnState // keyed by function id
	byName   map[string]string   // name -> id
	rr       []string            // round-robin order over function ids
	rrNext   int
	pending  map[string]*request // request id -> in-flight request
	mail     map[string]*mailbox // instance id -> runtime handoff
	draining bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs the dispatcher and starts its dispatch loop.
func New(cfg Config, registry store.Registry, pool *warmpool.Pool, eng engine.Ops, pkgr *packager.Packager, bus *events.Bus) *Dispatcher {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:       cfg,
		registry:  registry,
		pool:      pool,
		eng:       eng,
		pkgr:      pkgr,
		bus:       bus,
		globalSem: make(chan struct{}, cfg.MaxGlobalConcurrency),
		fns:       make(map[string]*fnState),
		byName:    make(map[string]string),
		pending:   make(map[string]*request),
		mail:      make(map[string]*mailbox),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go d.loop()
	return d
}

// FunctionID resolves a function name to its id, when the dispatcher
// knows the function.
func (d *Dispatcher) FunctionID(name string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fid, ok := d.byName[name]
	return fid, ok
}

// Pool exposes the warm pool for the diagnostic API and periodic loops.
func (d *Dispatcher) Pool() *warmpool.Pool { return d.pool }

// Bus exposes the event bus for the diagnostic API.
func (d *Dispatcher) Bus() *events.Bus { return d.bus }

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// tryAcquireGlobal takes one global concurrency token without blocking.
func (d *Dispatcher) tryAcquireGlobal() bool {
	select {
	case d.globalSem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) releaseGlobal() {
	select {
	case <-d.globalSem:
	default:
		logging.Op().Error("global permit released without being held")
	}
	d.signal()
}

func (d *Dispatcher) globalSaturated() bool {
	return len(d.globalSem) >= cap(d.globalSem)
}

// Submit validates and admits an invocation, returning a handle the caller
// awaits. alias selects the function version ("" means latest).
func (d *Dispatcher) Submit(ctx context.Context, name, alias string, payload []byte, traceID string) (*Handle, error) {
	fn, err := d.registry.GetFunctionByName(ctx, name)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	fs := d.fns[fn.ID]
	if fs == nil {
		// First sight of this function since startup.
		fs = d.registerLocked(fn)
	}
	if fs.deleting || fn.State == domain.FunctionDeleting {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrFunctionNotFound, name)
	}
	if d.draining {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: shutting down", domain.ErrResourceNotReady)
	}

	version, ok := fs.fn.ResolveAlias(alias)
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: alias %q", domain.ErrFunctionNotFound, alias)
	}

	// Admission: refuse only when the process is saturated and this
	// function's queue has already absorbed its burst allowance.
	if d.globalSaturated() && len(fs.queue) >= d.cfg.QueueBurstCap {
		d.mu.Unlock()
		metrics.RecordThrottle(name)
		metrics.RecordInvocation(name, string(fn.Runtime), "throttled")
		return nil, fmt.Errorf("%w: %s queue at burst cap", domain.ErrThrottled, name)
	}

	now := time.Now()
	req := &request{
		inv: &domain.Invocation{
			RequestID:    uuid.New().String(),
			FunctionID:   fn.ID,
			FunctionName: fn.Name,
			Version:      version,
			Payload:      payload,
			TraceID:      traceID,
			SubmittedAt:  now,
			Deadline:     now.Add(fs.fn.Timeout()),
			State:        domain.AssignQueued,
		},
		res:        make(chan *domain.InvocationResult, 1),
		enqueuedAt: now,
	}
	timeout := fs.fn.Timeout()
	fs.queue = append(fs.queue, req)
	metrics.SetQueueDepth(name, len(fs.queue))
	d.mu.Unlock()

	d.signal()
	return &Handle{d: d, req: req, timeout: timeout + transportMargin}, nil
}

// Handle resolves with the invocation result.
type Handle struct {
	d       *Dispatcher
	req     *request
	timeout time.Duration
}

// RequestID returns the allocated request id.
func (h *Handle) RequestID() string { return h.req.inv.RequestID }

// Await blocks until the response arrives, the function timeout (plus a
// transport margin) expires, or ctx is cancelled. Cancellation detaches
// the caller; the underlying invocation proceeds.
func (h *Handle) Await(ctx context.Context) *domain.InvocationResult {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case res := <-h.req.res:
		return res
	case <-timer.C:
		return h.d.expire(h.req)
	case <-ctx.Done():
		h.d.Cancel(h)
		return &domain.InvocationResult{
			RequestID: h.req.inv.RequestID,
			Err:       ctx.Err(),
		}
	}
}

// Cancel unlinks the handle from delivery. A Dispatched invocation is not
// aborted; the container runs to completion or times out.
func (h *Handle) Cancel() { h.d.Cancel(h) }

// Cancel is advisory: the queued request is dropped, a dispatched one is
// left to finish without a listener.
func (d *Dispatcher) Cancel(h *Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fs := d.fns[h.req.inv.FunctionID]
	if fs == nil {
		return
	}
	if h.req.inv.State == domain.AssignQueued {
		fs.removeQueued(h.req)
		metrics.SetQueueDepth(fs.fn.Name, len(fs.queue))
	}
}

// expire handles a deadline hit observed by the submitter: the pending
// entry is failed and, when dispatched, the container is quarantined (its
// runtime may be wedged mid-request).
func (d *Dispatcher) expire(req *request) *domain.InvocationResult {
	d.mu.Lock()
	fs := d.fns[req.inv.FunctionID]
	var iid string
	dispatched := req.inv.State == domain.AssignDispatched
	if fs != nil && req.inv.State == domain.AssignQueued {
		fs.removeQueued(req)
		metrics.SetQueueDepth(fs.fn.Name, len(fs.queue))
	}
	if dispatched {
		iid = req.inv.InstanceID
	}
	req.inv.State = domain.AssignTimedOut
	delete(d.pending, req.inv.RequestID)
	d.mu.Unlock()

	if dispatched {
		d.finishDispatch(req, iid, domain.StateUnhealthy)
	}
	metrics.RecordInvocation(req.inv.FunctionName, "", "timeout")
	return &domain.InvocationResult{
		RequestID: req.inv.RequestID,
		Err:       fmt.Errorf("%w after %s", domain.ErrTimeout, time.Since(req.inv.SubmittedAt).Round(time.Millisecond)),
	}
}

func (fs *fnState) removeQueued(req *request) {
	for i, q := range fs.queue {
		if q == req {
			fs.queue = append(fs.queue[:i], fs.queue[i+1:]...)
			return
		}
	}
}

// loop is the dispatch loop: round-robin over functions with queued work,
// FIFO within each function.
func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
		}
		d.dispatchReady()
	}
}

// dispatchReady drains as much queued work as permits and containers
// allow. Completions were already processed by their handlers before the
// wakeup lands here, so finished containers are visible before new
// submissions are matched.
func (d *Dispatcher) dispatchReady() {
	for {
		progressed := false

		d.mu.Lock()
		order := make([]string, 0, len(d.rr))
		for i := 0; i < len(d.rr); i++ {
			order = append(order, d.rr[(d.rrNext+i)%len(d.rr)])
		}
		if len(d.rr) > 0 {
			d.rrNext = (d.rrNext + 1) % len(d.rr)
		}
		d.mu.Unlock()

		for _, fid := range order {
			if d.dispatchOne(fid) {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// dispatchOne attempts to dispatch the head of one function's queue.
// Reports whether any request was dispatched or provisioning was started.
func (d *Dispatcher) dispatchOne(fid string) bool {
	d.mu.Lock()
	fs := d.fns[fid]
	if fs == nil || len(fs.queue) == 0 {
		d.mu.Unlock()
		return false
	}
	req := fs.queue[0]

	if !d.tryAcquireGlobal() {
		d.mu.Unlock()
		return false
	}
	req.globalHeld = true

	if fs.reserved != nil {
		select {
		case fs.reserved <- struct{}{}:
			req.fnHeld = true
		default:
			req.globalHeld = false
			d.mu.Unlock()
			d.releaseGlobal()
			return false
		}
	}

	// Claim the most recently used idle container so older ones drift
	// toward the reaper.
	if rec, ok := d.pool.TakeWarmIdleMRU(fid, req.inv.Version, req.inv.RequestID); ok {
		fs.queue = fs.queue[1:]
		fs.inflight++
		req.inv.State = domain.AssignDispatched
		req.inv.InstanceID = rec.InstanceID
		req.dispatched = time.Now()
		d.pending[req.inv.RequestID] = req
		metrics.SetQueueDepth(fs.fn.Name, len(fs.queue))
		d.mu.Unlock()

		metrics.RecordStart(req.coldStart)
		metrics.ObserveQueueWait(req.inv.FunctionName, time.Since(req.enqueuedAt))
		metrics.AddActiveRequests(1)
		d.deliver(rec.InstanceID, req.inv)
		return true
	}

	// No warm container: hold the queue position and provision, preferring
	// a restart of a SoftStopped container over a fresh create.
	if fs.starting > 0 {
		// Capacity is already on the way for the queue head.
		d.releasePermitsLocked(req)
		d.mu.Unlock()
		return false
	}
	req.coldStart = true
	req.startTries++
	fs.starting++
	fn := fs.fn
	d.releasePermitsLocked(req)
	d.mu.Unlock()

	go d.provision(fn, req)
	return true
}

// releasePermitsLocked returns permits taken speculatively during a
// matching attempt that did not dispatch. Caller holds d.mu.
func (d *Dispatcher) releasePermitsLocked(req *request) {
	if req.fnHeld {
		fs := d.fns[req.inv.FunctionID]
		if fs != nil && fs.reserved != nil {
			<-fs.reserved
		}
		req.fnHeld = false
	}
	if req.globalHeld {
		select {
		case <-d.globalSem:
		default:
		}
		req.globalHeld = false
	}
}

// finishDispatch releases an invocation's permits and transitions its
// container. endState is WarmIdle on success, Unhealthy on crash/timeout.
func (d *Dispatcher) finishDispatch(req *request, instanceID string, endState domain.ContainerState) {
	fid := req.inv.FunctionID

	if err := d.pool.Transition(fid, instanceID, domain.StateActive, endState); err != nil {
		logging.Op().Debug("post-invocation transition skipped",
			"instance", instanceID, "target", endState, "error", err)
	} else if endState == domain.StateUnhealthy {
		metrics.RecordContainerCrashed()
		go d.removeContainer(fid, instanceID)
	}

	d.mu.Lock()
	fs := d.fns[fid]
	if fs != nil {
		fs.inflight--
		if req.fnHeld && fs.reserved != nil {
			<-fs.reserved
		}
	}
	req.fnHeld = false
	deletionDone := fs != nil && fs.deleting && fs.inflight == 0
	d.mu.Unlock()

	if req.globalHeld {
		req.globalHeld = false
		d.releaseGlobal()
	}
	metrics.AddActiveRequests(-1)

	if deletionDone {
		d.signal()
	}
	d.signal()
}
