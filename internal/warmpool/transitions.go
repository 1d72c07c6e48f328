package warmpool

import (
	"fmt"
	"sort"
	"time"

	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/logging"
	"github.com/oriys/vesta/internal/metrics"
)

// Transition moves an instance from one state to another. It fails loudly
// when the current state does not match from or the edge is not part of the
// state machine; callers treat that as an invariant violation, not a race
// to retry.
func (p *Pool) Transition(functionID, instanceID string, from, to domain.ContainerState) error {
	fp := p.get(functionID)
	if fp == nil {
		return fmt.Errorf("%w: function %s", ErrUnknownInstance, functionID)
	}

	fp.mu.Lock()
	r, ok := fp.records[instanceID]
	if !ok {
		fp.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	if r.State != from {
		fp.mu.Unlock()
		metrics.RecordInvalidTransition(string(from), string(to))
		return fmt.Errorf("warmpool: instance %s is %s, not %s", instanceID, r.State, from)
	}
	if !domain.CanTransition(from, to) {
		fp.mu.Unlock()
		metrics.RecordInvalidTransition(string(from), string(to))
		logging.Op().Error("illegal container transition",
			"instance", instanceID, "from", from, "to", to)
		return fmt.Errorf("warmpool: illegal transition %s -> %s", from, to)
	}

	fp.applyLocked(r, to)
	name := r.FunctionName
	counts := fp.countsLocked()
	fp.mu.Unlock()

	p.bus.Emit(functionID, instanceID, from, to)
	metrics.RecordTransition(string(from), string(to))
	publishGauges(name, counts)
	return nil
}

// applyLocked mutates the record and keeps the ready index consistent.
func (fp *functionPool) applyLocked(r *record, to domain.ContainerState) {
	from := r.State
	r.State = to

	switch to {
	case domain.StateWarm, domain.StateWarmIdle:
		r.AssignedReq = ""
		r.LastActivity = time.Now()
		if _, ok := fp.readySet[r.InstanceID]; !ok {
			fp.readySet[r.InstanceID] = struct{}{}
			fp.ready = append(fp.ready, r.InstanceID)
		}
	case domain.StateSoftStopped:
		r.StoppedAt = time.Now()
		r.AssignedReq = ""
		r.softStopMark = false
		delete(fp.readySet, r.InstanceID)
	default:
		delete(fp.readySet, r.InstanceID)
	}

	if from == domain.StateSoftStopped && (to == domain.StateStarting || to == domain.StateWarm) {
		r.StoppedAt = time.Time{}
	}
	if to == domain.StateRemoved {
		delete(fp.records, r.InstanceID)
	}
}

// TakeWarmIdleMRU atomically claims the most recently used ready container
// of the given version for requestID: the record transitions to Active and
// the assignment is set. Containers of other versions are left in place
// (they serve only requests targeting their own version). Returns false
// when no matching ready container exists.
func (p *Pool) TakeWarmIdleMRU(functionID string, version int, requestID string) (domain.ContainerRecord, bool) {
	fp := p.get(functionID)
	if fp == nil {
		return domain.ContainerRecord{}, false
	}

	fp.mu.Lock()
	var claimed *record
	var from domain.ContainerState
	var skipped []string
	for len(fp.ready) > 0 {
		last := len(fp.ready) - 1
		id := fp.ready[last]
		fp.ready = fp.ready[:last]
		if _, ok := fp.readySet[id]; !ok {
			continue
		}
		r := fp.records[id]
		if r == nil || !r.State.Ready() {
			delete(fp.readySet, id)
			continue
		}
		if r.Version != version {
			skipped = append(skipped, id)
			continue
		}
		delete(fp.readySet, id)
		from = r.State
		r.State = domain.StateActive
		r.AssignedReq = requestID
		r.LastActivity = time.Now()
		r.softStopMark = false
		claimed = r
		break
	}
	// Version-mismatched entries go back on the stack for their own
	// version's requests.
	for i := len(skipped) - 1; i >= 0; i-- {
		fp.ready = append(fp.ready, skipped[i])
	}
	if claimed == nil {
		fp.mu.Unlock()
		return domain.ContainerRecord{}, false
	}
	name := claimed.FunctionName
	rec := claimed.ContainerRecord
	counts := fp.countsLocked()
	fp.mu.Unlock()

	p.bus.Emit(functionID, rec.InstanceID, from, domain.StateActive)
	metrics.RecordTransition(string(from), string(domain.StateActive))
	publishGauges(name, counts)
	return rec, true
}

// TakeSoftStopped claims the most recently stopped SoftStopped container
// of the given version for restart, transitioning it to Starting. Returns
// false when none exist.
func (p *Pool) TakeSoftStopped(functionID string, version int) (domain.ContainerRecord, bool) {
	fp := p.get(functionID)
	if fp == nil {
		return domain.ContainerRecord{}, false
	}

	fp.mu.Lock()
	var best *record
	for _, r := range fp.records {
		if r.State != domain.StateSoftStopped || r.Version != version {
			continue
		}
		if best == nil || r.StoppedAt.After(best.StoppedAt) {
			best = r
		}
	}
	if best == nil {
		fp.mu.Unlock()
		return domain.ContainerRecord{}, false
	}
	best.State = domain.StateStarting
	best.StoppedAt = time.Time{}
	name := best.FunctionName
	rec := best.ContainerRecord
	counts := fp.countsLocked()
	fp.mu.Unlock()

	p.bus.Emit(functionID, rec.InstanceID, domain.StateSoftStopped, domain.StateStarting)
	metrics.RecordTransition(string(domain.StateSoftStopped), string(domain.StateStarting))
	publishGauges(name, counts)
	return rec, true
}

// MarkForSoftStop flags the n least recently used WarmIdle containers; the
// reaper soft-stops flagged containers on its next pass regardless of the
// idle threshold. Returns how many were flagged.
func (p *Pool) MarkForSoftStop(functionID string, n int) int {
	fp := p.get(functionID)
	if fp == nil || n <= 0 {
		return 0
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	candidates := make([]*record, 0)
	for _, r := range fp.records {
		if r.State == domain.StateWarmIdle && !r.softStopMark {
			candidates = append(candidates, r)
		}
	}
	// Oldest last-activity first.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastActivity.Before(candidates[j].LastActivity)
	})
	marked := 0
	for _, r := range candidates {
		if marked >= n {
			break
		}
		r.softStopMark = true
		marked++
	}
	return marked
}

// SoftStopCandidates returns WarmIdle instances whose idle time exceeds
// softIdle or that were flagged by the autoscaler, least recently used
// first.
func (p *Pool) SoftStopCandidates(functionID string, softIdle time.Duration) []domain.ContainerRecord {
	fp := p.get(functionID)
	if fp == nil {
		return nil
	}
	now := time.Now()

	fp.mu.Lock()
	defer fp.mu.Unlock()
	var out []domain.ContainerRecord
	for _, r := range fp.records {
		if r.State != domain.StateWarmIdle {
			continue
		}
		if r.softStopMark || now.Sub(r.LastActivity) >= softIdle {
			out = append(out, r.ContainerRecord)
		}
	}
	sortByLastActivity(out)
	return out
}

// HardRemoveCandidates returns SoftStopped instances stopped for at least
// age.
func (p *Pool) HardRemoveCandidates(functionID string, age time.Duration) []domain.ContainerRecord {
	fp := p.get(functionID)
	if fp == nil {
		return nil
	}
	now := time.Now()

	fp.mu.Lock()
	defer fp.mu.Unlock()
	var out []domain.ContainerRecord
	for _, r := range fp.records {
		if r.State == domain.StateSoftStopped && now.Sub(r.StoppedAt) >= age {
			out = append(out, r.ContainerRecord)
		}
	}
	return out
}

// ForceRemove walks an instance to Removed from whatever state it is in,
// emitting each intermediate transition. Used by the monitor when the
// engine no longer knows the container.
func (p *Pool) ForceRemove(functionID, instanceID string) {
	fp := p.get(functionID)
	if fp == nil {
		return
	}

	fp.mu.Lock()
	r, ok := fp.records[instanceID]
	if !ok {
		fp.mu.Unlock()
		return
	}
	name := r.FunctionName
	path := make([][2]domain.ContainerState, 0, 2)
	if r.State != domain.StateRemoving {
		path = append(path, [2]domain.ContainerState{r.State, domain.StateRemoving})
		fp.applyLocked(r, domain.StateRemoving)
	}
	path = append(path, [2]domain.ContainerState{domain.StateRemoving, domain.StateRemoved})
	fp.applyLocked(r, domain.StateRemoved)
	counts := fp.countsLocked()
	fp.mu.Unlock()

	for _, edge := range path {
		p.bus.Emit(functionID, instanceID, edge[0], edge[1])
		metrics.RecordTransition(string(edge[0]), string(edge[1]))
	}
	publishGauges(name, counts)
}

func sortByLastActivity(recs []domain.ContainerRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].LastActivity.Before(recs[j].LastActivity)
	})
}
