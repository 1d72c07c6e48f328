package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

type Runtime string

const (
	RuntimeNode18    Runtime = "nodejs18.x"
	RuntimeNode20    Runtime = "nodejs20.x"
	RuntimeNode22    Runtime = "nodejs22.x"
	RuntimeNode24    Runtime = "nodejs24.x"
	RuntimePython311 Runtime = "python311"
	RuntimePython312 Runtime = "python312"
)

func (r Runtime) IsValid() bool {
	switch r {
	case RuntimeNode18, RuntimeNode20, RuntimeNode22, RuntimeNode24,
		RuntimePython311, RuntimePython312:
		return true
	}
	return false
}

// Family returns the bootstrap family ("nodejs" or "python") that selects
// the handler layout and base image for this runtime.
func (r Runtime) Family() string {
	switch r {
	case RuntimeNode18, RuntimeNode20, RuntimeNode22, RuntimeNode24:
		return "nodejs"
	case RuntimePython311, RuntimePython312:
		return "python"
	}
	return ""
}

// FunctionState tracks where a function is in its lifecycle. A Deleting
// function rejects new invocations but lets in-flight ones complete.
type FunctionState string

const (
	FunctionPending  FunctionState = "Pending"
	FunctionActive   FunctionState = "Active"
	FunctionDeleting FunctionState = "Deleting"
)

type Function struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Runtime     Runtime           `json:"runtime"`
	Handler     string            `json:"handler"`
	CodeHash    string            `json:"code_hash"`
	CodeSize    int64             `json:"code_size"`
	MemoryMB    int               `json:"memory_mb"`
	CPUWeight   int               `json:"cpu_weight,omitempty"`
	TimeoutMs   int64             `json:"timeout_ms"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
	Reservation int               `json:"reservation,omitempty"` // per-function concurrency floor (0 = none)
	MinWarm     int               `json:"min_warm,omitempty"`    // containers pre-warmed after create
	State       FunctionState     `json:"state"`
	Version     int               `json:"version"`
	Aliases     map[string]int    `json:"aliases,omitempty"` // alias name -> version
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Timeout returns the configured timeout as a duration.
func (f *Function) Timeout() time.Duration {
	return time.Duration(f.TimeoutMs) * time.Millisecond
}

// ResolveAlias maps an alias to a version. The empty alias and "latest"
// resolve to the current version.
func (f *Function) ResolveAlias(alias string) (int, bool) {
	if alias == "" || alias == "latest" {
		return f.Version, true
	}
	v, ok := f.Aliases[alias]
	return v, ok
}

// FunctionVersion is an immutable record of one published version.
type FunctionVersion struct {
	FunctionID string            `json:"function_id"`
	Version    int               `json:"version"`
	Handler    string            `json:"handler"`
	CodeHash   string            `json:"code_hash"`
	MemoryMB   int               `json:"memory_mb"`
	TimeoutMs  int64             `json:"timeout_ms"`
	EnvVars    map[string]string `json:"env_vars,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// CodeArtifact is a content-addressed archive of function code. Immutable
// after creation; exactly one runtime image is cached per (runtime, hash).
type CodeArtifact struct {
	Hash      string    `json:"hash"`
	Size      int64     `json:"size"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Schedule fires a function on a cron expression.
type Schedule struct {
	ID           string          `json:"id"`
	FunctionName string          `json:"function_name"`
	CronExpr     string          `json:"cron_expr"`
	Input        json.RawMessage `json:"input,omitempty"`
	Enabled      bool            `json:"enabled"`
	LastRunAt    time.Time       `json:"last_run_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// HashCode returns the SHA-256 hex digest used to content-address a code
// archive.
func HashCode(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (f *Function) MarshalBinary() ([]byte, error) {
	return json.Marshal(f)
}

func (f *Function) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, f)
}
