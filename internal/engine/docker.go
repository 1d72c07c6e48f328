package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/oriys/vesta/internal/logging"
)

// DockerConfig holds Docker adapter configuration.
type DockerConfig struct {
	// Host overrides DOCKER_HOST (socket path or URL). Empty uses the CLI
	// default.
	Host        string
	OpTimeout   time.Duration // per engine call (default: 30s)
	MaxParallel int64         // concurrent engine calls (default: 8)
}

// Docker shells out to the docker CLI, the same interface an operator uses
// to inspect the daemon's containers. A weighted semaphore bounds parallel
// engine calls so a burst of container starts cannot exhaust the engine.
type Docker struct {
	cfg  DockerConfig
	sem  *semaphore.Weighted
	envs []string
}

// NewDocker verifies the engine is reachable and returns the adapter.
func NewDocker(cfg DockerConfig) (*Docker, error) {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	d := &Docker{
		cfg: cfg,
		sem: semaphore.NewWeighted(cfg.MaxParallel),
	}
	if cfg.Host != "" {
		d.envs = append(os.Environ(), "DOCKER_HOST="+cfg.Host)
	}
	if err := d.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("docker not available: %w", err)
	}
	return d, nil
}

func (d *Docker) run(ctx context.Context, args ...string) ([]byte, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, d.cfg.OpTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", args...)
	if d.envs != nil {
		cmd.Env = d.envs
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(msg, "No such container") || strings.Contains(msg, "No such object") {
			return out, ErrNotFound
		}
		return out, fmt.Errorf("docker %s: %s: %w", args[0], firstLine(msg), err)
	}
	return out, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (d *Docker) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	args := []string{"create", "--name", spec.Name}
	if spec.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.MemoryMB))
	}
	if spec.CPUWeight > 0 {
		args = append(args, "--cpu-shares", strconv.Itoa(spec.CPUWeight))
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, env := range spec.Env {
		args = append(args, "-e", env)
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", k+"="+v)
	}
	args = append(args, spec.Image)

	out, err := d.run(ctx, args...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(out))
	if len(id) > 12 {
		id = id[:12]
	}
	logging.Op().Debug("container created", "name", spec.Name, "engine_id", id)
	return id, nil
}

func (d *Docker) Start(ctx context.Context, id string) error {
	_, err := d.run(ctx, "start", id)
	return err
}

func (d *Docker) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if secs < 1 {
		secs = 1
	}
	_, err := d.run(ctx, "stop", "-t", strconv.Itoa(secs), id)
	return err
}

func (d *Docker) Restart(ctx context.Context, id string) error {
	_, err := d.run(ctx, "start", id)
	return err
}

func (d *Docker) Remove(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, id)
	_, err := d.run(ctx, args...)
	if err == ErrNotFound {
		return nil
	}
	return err
}

// dockerInspectState mirrors the fields read from `docker inspect`.
type dockerInspectState struct {
	State struct {
		Running    bool   `json:"Running"`
		ExitCode   int    `json:"ExitCode"`
		OOMKilled  bool   `json:"OOMKilled"`
		StartedAt  string `json:"StartedAt"`
		FinishedAt string `json:"FinishedAt"`
	} `json:"State"`
	ID string `json:"Id"`
}

func (d *Docker) Inspect(ctx context.Context, id string) (Status, error) {
	out, err := d.run(ctx, "inspect", id)
	if err != nil {
		return Status{}, err
	}
	var states []dockerInspectState
	if err := json.Unmarshal(out, &states); err != nil || len(states) == 0 {
		return Status{}, fmt.Errorf("parse inspect output: %w", err)
	}
	st := states[0]
	status := Status{
		ID:        st.ID,
		Running:   st.State.Running,
		ExitCode:  st.State.ExitCode,
		OOMKilled: st.State.OOMKilled,
	}
	if t, err := time.Parse(time.RFC3339Nano, st.State.StartedAt); err == nil {
		status.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, st.State.FinishedAt); err == nil {
		status.FinishedAt = t
	}
	return status, nil
}

// dockerPSRow mirrors the fields read from `docker ps --format json`.
type dockerPSRow struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	State  string `json:"State"`
	Labels string `json:"Labels"` // comma-separated k=v pairs
}

func (d *Docker) List(ctx context.Context, labelKey string) ([]Listed, error) {
	out, err := d.run(ctx, "ps", "-a", "--filter", "label="+labelKey, "--format", "{{json .}}")
	if err != nil {
		return nil, err
	}
	var listed []Listed
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var row dockerPSRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			continue
		}
		labels := make(map[string]string)
		for _, kv := range strings.Split(row.Labels, ",") {
			if k, v, ok := strings.Cut(kv, "="); ok {
				labels[k] = v
			}
		}
		listed = append(listed, Listed{
			ID:      row.ID,
			Name:    row.Names,
			Running: row.State == "running",
			Labels:  labels,
		})
	}
	return listed, nil
}

func (d *Docker) Logs(ctx context.Context, id string, tail int) ([]byte, error) {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	args = append(args, id)
	return d.run(ctx, args...)
}

func (d *Docker) Exec(ctx context.Context, id string, cmd []string) ([]byte, error) {
	args := append([]string{"exec", id}, cmd...)
	return d.run(ctx, args...)
}

func (d *Docker) BuildImage(ctx context.Context, tag, contextDir string) error {
	_, err := d.run(ctx, "build", "-t", tag, contextDir)
	return err
}

func (d *Docker) ImageExists(ctx context.Context, tag string) (bool, error) {
	out, err := d.run(ctx, "images", "-q", tag)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}

func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.run(ctx, "version", "--format", "{{.Server.Version}}")
	return err
}
