// Package config holds daemon configuration: defaults, JSON file loading,
// and VESTA_* environment overrides.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// ServerConfig holds the bind address and ports for the two HTTP planes.
type ServerConfig struct {
	BindHost    string `json:"bind_host"`
	ControlPort int    `json:"control_port"`
	RuntimePort int    `json:"runtime_port"`
}

// DataConfig holds persistence locations. DBURL selects the registry
// backend by scheme: sqlite:// (embedded, default) or postgres://.
type DataConfig struct {
	RootDir string `json:"root_dir"`
	DBURL   string `json:"db_url"`
}

// EngineConfig holds container engine settings.
type EngineConfig struct {
	Host         string        `json:"host"`          // docker socket path or URL; empty uses the CLI default
	OpTimeout    time.Duration `json:"op_timeout"`    // per engine call (default: 30s)
	MaxParallel  int           `json:"max_parallel"`  // concurrent engine calls (default: 8)
	NetworkName  string        `json:"network_name"`  // optional docker network
	ImagePrefix  string        `json:"image_prefix"`  // runtime image tag prefix (default: vesta-fn)
	PortRangeMin int           `json:"port_range_min"`
	PortRangeMax int           `json:"port_range_max"`
}

// DefaultsConfig holds per-function defaults applied at create time.
type DefaultsConfig struct {
	MemoryMB    int   `json:"memory_mb"`
	TimeoutMs   int64 `json:"timeout_ms"`
	EphemeralMB int   `json:"ephemeral_mb"`
}

// IdleConfig holds the two-tier idle reclamation thresholds.
type IdleConfig struct {
	SoftMs            int64 `json:"soft_ms"`
	HardMs            int64 `json:"hard_ms"`
	ReaperIntervalMs  int64 `json:"reaper_interval_ms"`
	MonitorIntervalMs int64 `json:"monitor_interval_ms"`
}

// LimitsConfig holds concurrency and admission limits.
type LimitsConfig struct {
	MaxGlobalConcurrency      int   `json:"max_global_concurrency"`
	MaxPerFunctionConcurrency int   `json:"max_per_function_concurrency"`
	QueueBurstCap             int   `json:"queue_burst_cap"`
	MaxCodeSizeBytes          int64 `json:"max_code_size_bytes"`
	BuilderSlots              int   `json:"builder_slots"`
}

// AutoscalerConfig holds reconciliation parameters.
type AutoscalerConfig struct {
	TickMs      int64   `json:"tick_ms"`
	ScaleFactor float64 `json:"scale_factor"`
	MinBurst    int     `json:"min_burst"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"` // otlp-http, stdout
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`
	Namespace        string    `json:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `json:"level"`  // debug, info, warn, error
	Format         string `json:"format"` // text, json
	RequestLogFile string `json:"request_log_file"`
}

// CacheConfig selects the registry read-through cache backend.
type CacheConfig struct {
	Backend  string        `json:"backend"` // memory (default), redis, none
	RedisURL string        `json:"redis_url"`
	TTL      time.Duration `json:"ttl"`
}

// ShutdownConfig controls process drain behavior.
type ShutdownConfig struct {
	DrainGrace time.Duration `json:"drain_grace"`
}

// Config is the root daemon configuration.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Data       DataConfig       `json:"data"`
	Engine     EngineConfig     `json:"engine"`
	Defaults   DefaultsConfig   `json:"defaults"`
	Idle       IdleConfig       `json:"idle"`
	Limits     LimitsConfig     `json:"limits"`
	Autoscaler AutoscalerConfig `json:"autoscaler"`
	Tracing    TracingConfig    `json:"tracing"`
	Metrics    MetricsConfig    `json:"metrics"`
	Logging    LoggingConfig    `json:"logging"`
	Cache      CacheConfig      `json:"cache"`
	Shutdown   ShutdownConfig   `json:"shutdown"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindHost:    "127.0.0.1",
			ControlPort: 9000,
			RuntimePort: 9001,
		},
		Data: DataConfig{
			RootDir: defaultRootDir(),
			DBURL:   "", // resolved to sqlite under RootDir at startup
		},
		Engine: EngineConfig{
			OpTimeout:    30 * time.Second,
			MaxParallel:  8,
			ImagePrefix:  "vesta-fn",
			PortRangeMin: 20000,
			PortRangeMax: 30000,
		},
		Defaults: DefaultsConfig{
			MemoryMB:    128,
			TimeoutMs:   3000,
			EphemeralMB: 512,
		},
		Idle: IdleConfig{
			SoftMs:            45_000,
			HardMs:            300_000,
			ReaperIntervalMs:  30_000,
			MonitorIntervalMs: 10_000,
		},
		Limits: LimitsConfig{
			MaxGlobalConcurrency:      64,
			MaxPerFunctionConcurrency: 16,
			QueueBurstCap:             32,
			MaxCodeSizeBytes:          64 << 20,
			BuilderSlots:              2,
		},
		Autoscaler: AutoscalerConfig{
			TickMs:      250,
			ScaleFactor: 1.0,
			MinBurst:    2,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "vesta",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "vesta",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     30 * time.Second,
		},
		Shutdown: ShutdownConfig{
			DrainGrace: 30 * time.Second,
		},
	}
}

func defaultRootDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.vesta"
	}
	return "/tmp/vesta"
}

// LoadFromFile loads configuration from a JSON file, layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("VESTA_BIND_HOST"); v != "" {
		cfg.Server.BindHost = v
	}
	if v := os.Getenv("VESTA_CONTROL_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.ControlPort = n
		}
	}
	if v := os.Getenv("VESTA_RUNTIME_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.RuntimePort = n
		}
	}
	if v := os.Getenv("VESTA_ROOT_DIR"); v != "" {
		cfg.Data.RootDir = v
	}
	if v := os.Getenv("VESTA_DB_URL"); v != "" {
		cfg.Data.DBURL = v
	}
	if v := os.Getenv("VESTA_ENGINE_HOST"); v != "" {
		cfg.Engine.Host = v
	}
	if v := os.Getenv("VESTA_DEFAULT_MEMORY_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.MemoryMB = n
		}
	}
	if v := os.Getenv("VESTA_DEFAULT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Defaults.TimeoutMs = n
		}
	}
	if v := os.Getenv("VESTA_DEFAULT_EPHEMERAL_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.EphemeralMB = n
		}
	}
	if v := os.Getenv("VESTA_IDLE_SOFT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Idle.SoftMs = n
		}
	}
	if v := os.Getenv("VESTA_IDLE_HARD_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Idle.HardMs = n
		}
	}
	if v := os.Getenv("VESTA_REAPER_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Idle.ReaperIntervalMs = n
		}
	}
	if v := os.Getenv("VESTA_MONITOR_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Idle.MonitorIntervalMs = n
		}
	}
	if v := os.Getenv("VESTA_MAX_GLOBAL_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxGlobalConcurrency = n
		}
	}
	if v := os.Getenv("VESTA_MAX_PER_FUNCTION_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxPerFunctionConcurrency = n
		}
	}
	if v := os.Getenv("VESTA_QUEUE_BURST_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.QueueBurstCap = n
		}
	}
	if v := os.Getenv("VESTA_AUTOSCALER_TICK_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Autoscaler.TickMs = n
		}
	}
	if v := os.Getenv("VESTA_AUTOSCALER_SCALE_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Autoscaler.ScaleFactor = f
		}
	}
	if v := os.Getenv("VESTA_AUTOSCALER_MIN_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Autoscaler.MinBurst = n
		}
	}
	if v := os.Getenv("VESTA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VESTA_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("VESTA_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("VESTA_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("VESTA_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("VESTA_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("VESTA_REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
	if v := os.Getenv("VESTA_DRAIN_GRACE_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Shutdown.DrainGrace = time.Duration(n) * time.Millisecond
		}
	}
}
