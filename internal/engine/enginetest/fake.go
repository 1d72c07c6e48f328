// Package enginetest provides an in-memory engine.Ops implementation for
// scheduler, reaper, and monitor tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/vesta/internal/engine"
)

type fakeContainer struct {
	spec    engine.ContainerSpec
	running bool
	exit    int
	started time.Time
	stopped time.Time
}

// Fake is an engine.Ops that tracks container lifecycles in memory.
// Failure hooks let tests inject errors on specific operations.
type Fake struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer
	images     map[string]bool

	// CreateErr, when set, is returned by the next Create call and cleared.
	CreateErr error
	// StartErr, when set, is returned by every Start/Restart call.
	StartErr error
}

func New() *Fake {
	return &Fake{
		containers: make(map[string]*fakeContainer),
		images:     map[string]bool{},
	}
}

func (f *Fake) Create(_ context.Context, spec engine.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		err := f.CreateErr
		f.CreateErr = nil
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("fake-%04d", f.seq)
	f.containers[id] = &fakeContainer{spec: spec}
	return id, nil
}

func (f *Fake) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	c, ok := f.containers[id]
	if !ok {
		return engine.ErrNotFound
	}
	c.running = true
	c.started = time.Now()
	return nil
}

func (f *Fake) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return engine.ErrNotFound
	}
	c.running = false
	c.stopped = time.Now()
	return nil
}

func (f *Fake) Restart(ctx context.Context, id string) error {
	return f.Start(ctx, id)
}

func (f *Fake) Remove(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

func (f *Fake) Inspect(_ context.Context, id string) (engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return engine.Status{}, engine.ErrNotFound
	}
	return engine.Status{
		ID:         id,
		Running:    c.running,
		ExitCode:   c.exit,
		StartedAt:  c.started,
		FinishedAt: c.stopped,
	}, nil
}

func (f *Fake) List(_ context.Context, labelKey string) ([]engine.Listed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var listed []engine.Listed
	for id, c := range f.containers {
		if _, ok := c.spec.Labels[labelKey]; !ok {
			continue
		}
		listed = append(listed, engine.Listed{
			ID:      id,
			Name:    c.spec.Name,
			Running: c.running,
			Labels:  c.spec.Labels,
		})
	}
	return listed, nil
}

func (f *Fake) Logs(context.Context, string, int) ([]byte, error) { return nil, nil }

func (f *Fake) Exec(context.Context, string, []string) ([]byte, error) { return nil, nil }

func (f *Fake) BuildImage(_ context.Context, tag, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[tag] = true
	return nil
}

func (f *Fake) ImageExists(_ context.Context, tag string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[tag], nil
}

func (f *Fake) Ping(context.Context) error { return nil }

// Kill simulates an external stop (crash) without going through Stop.
func (f *Fake) Kill(id string, exit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.running = false
		c.exit = exit
		c.stopped = time.Now()
	}
}

// Running reports whether the fake considers the container running.
func (f *Fake) Running(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	return ok && c.running
}

// Count returns how many containers exist in the fake.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}
