// Package engine is the thin capability layer over the container engine:
// create/start/stop/restart/remove, state inspection, log streaming, exec,
// and image builds. Pure I/O, no policy; every decision about when to call
// these operations belongs to the dispatcher, autoscaler, reaper, or
// monitor.
package engine

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the engine has no container with the given
// id.
var ErrNotFound = errors.New("engine: container not found")

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name     string
	Image    string
	Env      []string // KEY=VALUE
	MemoryMB int
	// CPUWeight maps to the engine's relative cpu-shares knob.
	CPUWeight int
	Network   string
	Labels    map[string]string
}

// Listed is one row of an engine container listing.
type Listed struct {
	ID      string
	Name    string
	Running bool
	Labels  map[string]string
}

// Status is the engine-observed state of a container.
type Status struct {
	ID         string
	Running    bool
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	OOMKilled  bool
}

// Ops is the capability interface over the engine. One production
// implementation exists over Docker; tests use the in-memory Fake.
type Ops interface {
	// Create creates a container and returns its engine id. The container
	// is not started.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Start starts a created or stopped container.
	Start(ctx context.Context, id string) error

	// Stop stops a running container, giving it grace to exit.
	Stop(ctx context.Context, id string, grace time.Duration) error

	// Restart starts a previously stopped container again.
	Restart(ctx context.Context, id string) error

	// Remove deletes a container. Removing an already-absent container is
	// not an error.
	Remove(ctx context.Context, id string, force bool) error

	// Inspect reports the engine's view of a container. Returns
	// ErrNotFound when the engine has no such container.
	Inspect(ctx context.Context, id string) (Status, error)

	// List returns all containers (running or not) carrying the given
	// label key.
	List(ctx context.Context, labelKey string) ([]Listed, error)

	// Logs returns up to tail lines of the container's output.
	Logs(ctx context.Context, id string, tail int) ([]byte, error)

	// Exec runs a command inside a running container and returns its
	// combined output.
	Exec(ctx context.Context, id string, cmd []string) ([]byte, error)

	// BuildImage builds an image tagged tag from the given build context
	// directory.
	BuildImage(ctx context.Context, tag, contextDir string) error

	// ImageExists reports whether an image with the tag is present.
	ImageExists(ctx context.Context, tag string) (bool, error)

	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error
}
