package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.ControlPort != 9000 || cfg.Server.RuntimePort != 9001 {
		t.Fatalf("default ports: %+v", cfg.Server)
	}
	if cfg.Limits.MaxGlobalConcurrency != 64 {
		t.Fatalf("default global concurrency: %d", cfg.Limits.MaxGlobalConcurrency)
	}
	if cfg.Idle.SoftMs >= cfg.Idle.HardMs {
		t.Fatalf("soft threshold must precede hard: %+v", cfg.Idle)
	}
	if cfg.Autoscaler.TickMs != 250 || cfg.Autoscaler.ScaleFactor != 1.0 {
		t.Fatalf("autoscaler defaults: %+v", cfg.Autoscaler)
	}
}

func TestLoadFromFileLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"server": {"control_port": 8080}, "limits": {"queue_burst_cap": 7}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.ControlPort != 8080 {
		t.Fatalf("file value ignored: %d", cfg.Server.ControlPort)
	}
	if cfg.Limits.QueueBurstCap != 7 {
		t.Fatalf("nested file value ignored: %d", cfg.Limits.QueueBurstCap)
	}
	// Untouched keys keep their defaults.
	if cfg.Server.RuntimePort != 9001 {
		t.Fatalf("default lost: %d", cfg.Server.RuntimePort)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VESTA_CONTROL_PORT", "7000")
	t.Setenv("VESTA_MAX_GLOBAL_CONCURRENCY", "4")
	t.Setenv("VESTA_IDLE_SOFT_MS", "1000")
	t.Setenv("VESTA_AUTOSCALER_SCALE_FACTOR", "1.5")
	t.Setenv("VESTA_LOG_LEVEL", "debug")
	t.Setenv("VESTA_DRAIN_GRACE_MS", "5000")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Server.ControlPort != 7000 {
		t.Fatalf("control port: %d", cfg.Server.ControlPort)
	}
	if cfg.Limits.MaxGlobalConcurrency != 4 {
		t.Fatalf("global concurrency: %d", cfg.Limits.MaxGlobalConcurrency)
	}
	if cfg.Idle.SoftMs != 1000 {
		t.Fatalf("soft ms: %d", cfg.Idle.SoftMs)
	}
	if cfg.Autoscaler.ScaleFactor != 1.5 {
		t.Fatalf("scale factor: %f", cfg.Autoscaler.ScaleFactor)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level: %s", cfg.Logging.Level)
	}
	if cfg.Shutdown.DrainGrace != 5*time.Second {
		t.Fatalf("drain grace: %s", cfg.Shutdown.DrainGrace)
	}
}

func TestEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("VESTA_CONTROL_PORT", "not-a-number")
	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	if cfg.Server.ControlPort != 9000 {
		t.Fatalf("garbage env applied: %d", cfg.Server.ControlPort)
	}
}
