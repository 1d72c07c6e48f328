// Package schedule fires functions on cron expressions through the
// dispatcher, the local analog of scheduled event triggers.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oriys/vesta/internal/dispatch"
	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/logging"
	"github.com/oriys/vesta/internal/store"
)

// Scheduler manages cron-scheduled function invocations.
type Scheduler struct {
	cron     *cron.Cron
	registry store.Registry
	disp     *dispatch.Dispatcher
	entries  map[string]cron.EntryID // schedule id -> cron entry id
	mu       sync.Mutex
}

// New creates a Scheduler.
func New(registry store.Registry, disp *dispatch.Dispatcher) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		registry: registry,
		disp:     disp,
		entries:  make(map[string]cron.EntryID),
	}
}

// Start loads all enabled schedules from the registry and starts the cron
// runner.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.registry.ListSchedules(ctx)
	if err != nil {
		return err
	}

	for _, sched := range schedules {
		if sched.Enabled {
			if err := s.Add(sched); err != nil {
				logging.Op().Warn("failed to register schedule",
					"id", sched.ID, "function", sched.FunctionName, "error", err)
			}
		}
	}

	s.cron.Start()
	logging.Op().Info("scheduler started", "schedules", len(schedules))
	return nil
}

// Stop stops the cron runner.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Add registers (or replaces) a cron entry for a schedule.
func (s *Scheduler) Add(sched *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[sched.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, sched.ID)
	}

	schedID := sched.ID
	fnName := sched.FunctionName
	input := sched.Input

	entryID, err := s.cron.AddFunc(sched.CronExpr, func() {
		s.invoke(schedID, fnName, input)
	})
	if err != nil {
		return fmt.Errorf("bad cron expression %q: %w", sched.CronExpr, err)
	}

	s.entries[sched.ID] = entryID
	return nil
}

// Remove unregisters a cron entry.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

func (s *Scheduler) invoke(schedID, fnName string, input json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload := []byte(input)
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	handle, err := s.disp.Submit(ctx, fnName, "", payload, "")
	if err != nil {
		logging.Op().Error("scheduled invocation rejected",
			"schedule", schedID, "function", fnName, "error", err)
		return
	}
	res := handle.Await(ctx)
	if res.Err != nil {
		logging.Op().Error("scheduled invocation failed",
			"schedule", schedID, "function", fnName, "error", res.Err)
	} else {
		logging.Op().Debug("scheduled invocation succeeded",
			"schedule", schedID, "function", fnName)
	}

	if err := s.registry.UpdateScheduleLastRun(context.Background(), schedID, time.Now()); err != nil {
		logging.Op().Warn("failed to update schedule last_run",
			"schedule", schedID, "error", err)
	}
}
