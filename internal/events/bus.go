// Package events fans out container transition events. Every state change
// in the warm pool passes through one Bus, which assigns a process-wide
// monotonic sequence number, keeps a bounded ring of recent events per
// function for the diagnostics API, and notifies subscribers without ever
// blocking the emitter.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/vesta/internal/domain"
)

const ringSize = 256

// Bus is safe for concurrent use. The zero value is not usable; construct
// via NewBus.
type Bus struct {
	seq  atomic.Uint64
	mu   sync.Mutex
	subs []chan domain.TransitionEvent
	ring map[string][]domain.TransitionEvent // function id -> recent events
}

func NewBus() *Bus {
	return &Bus{ring: make(map[string][]domain.TransitionEvent)}
}

// Emit stamps the event with the next sequence number and current time,
// records it, and fans it out. Subscribers with full channels miss the
// event rather than stall the warm pool.
func (b *Bus) Emit(functionID, instanceID string, from, to domain.ContainerState) domain.TransitionEvent {
	ev := domain.TransitionEvent{
		Seq:        b.seq.Add(1),
		FunctionID: functionID,
		InstanceID: instanceID,
		From:       from,
		To:         to,
		Timestamp:  time.Now(),
	}

	b.mu.Lock()
	ring := append(b.ring[functionID], ev)
	if len(ring) > ringSize {
		ring = ring[len(ring)-ringSize:]
	}
	b.ring[functionID] = ring
	subs := b.subs
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe returns a buffered channel of future events. The caller must
// drain it; a slow consumer loses events, never blocks emitters.
func (b *Bus) Subscribe() <-chan domain.TransitionEvent {
	ch := make(chan domain.TransitionEvent, 1024)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Recent returns up to limit recent events for a function, oldest first.
func (b *Bus) Recent(functionID string, limit int) []domain.TransitionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := b.ring[functionID]
	if limit > 0 && len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	out := make([]domain.TransitionEvent, len(ring))
	copy(out, ring)
	return out
}

// Forget drops the event ring for a deleted function.
func (b *Bus) Forget(functionID string) {
	b.mu.Lock()
	delete(b.ring, functionID)
	b.mu.Unlock()
}
