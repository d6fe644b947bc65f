package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Daemon.SocketPath != "/tmp/goxel-daemon.sock" {
		t.Fatalf("unexpected default socket: %s", cfg.Daemon.SocketPath)
	}
	if cfg.Queue.Capacity != 2048 {
		t.Fatalf("unexpected default queue capacity: %d", cfg.Queue.Capacity)
	}
	if cfg.Render.BudgetBytes != 256<<20 {
		t.Fatalf("unexpected default render budget: %d", cfg.Render.BudgetBytes)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goxeld.yaml")
	body := `
daemon:
  socket_path: /run/goxeld/test.sock
  shutdown_timeout: 3s
queue:
  capacity: 128
worker:
  workers: 4
render:
  budget_bytes: 4096
  ttl_seconds: 60
observability:
  logging:
    format: json
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Daemon.SocketPath != "/run/goxeld/test.sock" {
		t.Fatalf("socket not loaded: %s", cfg.Daemon.SocketPath)
	}
	if cfg.Daemon.ShutdownTimeout.Std() != 3*time.Second {
		t.Fatalf("duration not parsed: %v", cfg.Daemon.ShutdownTimeout)
	}
	if cfg.Queue.Capacity != 128 || cfg.Worker.Workers != 4 {
		t.Fatalf("queue/worker not loaded: %+v", cfg)
	}
	if cfg.Render.BudgetBytes != 4096 || cfg.Render.TTLSeconds != 60 {
		t.Fatalf("render not loaded: %+v", cfg.Render)
	}
	if cfg.Observability.Logging.Format != "json" {
		t.Fatalf("logging format not loaded: %s", cfg.Observability.Logging.Format)
	}
	// Untouched fields keep their defaults.
	if cfg.Server.MaxConnections != 64 {
		t.Fatalf("file load clobbered defaults: %d", cfg.Server.MaxConnections)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GOXELD_SOCKET", "/tmp/env.sock")
	t.Setenv("GOXELD_WORKERS", "6")
	t.Setenv("GOXELD_QUEUE_CAPACITY", "99")
	t.Setenv("GOXELD_RENDER_BUDGET_BYTES", "12345")
	t.Setenv("GOXELD_TRACING_ENABLED", "true")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Daemon.SocketPath != "/tmp/env.sock" {
		t.Fatalf("socket env ignored: %s", cfg.Daemon.SocketPath)
	}
	if cfg.Worker.Workers != 6 || cfg.Queue.Capacity != 99 {
		t.Fatalf("numeric envs ignored: %+v", cfg)
	}
	if cfg.Render.BudgetBytes != 12345 {
		t.Fatalf("render budget env ignored: %d", cfg.Render.BudgetBytes)
	}
	if !cfg.Observability.Tracing.Enabled {
		t.Fatal("tracing env ignored")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty socket", func(c *Config) { c.Daemon.SocketPath = "" }},
		{"empty pid file", func(c *Config) { c.Daemon.PIDFile = "" }},
		{"zero queue", func(c *Config) { c.Queue.Capacity = 0 }},
		{"negative workers", func(c *Config) { c.Worker.Workers = -1 }},
		{"negative budget", func(c *Config) { c.Render.BudgetBytes = -1 }},
		{"zero frame cap", func(c *Config) { c.Server.MaxFrameBytes = 0 }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation failure", tc.name)
		}
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/goxeld.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
