// Package config holds the goxeld configuration. Precedence is
// defaults < config file < environment < command-line flags; the flag
// layer is applied by the cobra command.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML files can use the "3s"/"5m"
// notation.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts either a duration string ("10s") or a bare
// integer interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.ShortTag() == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("config: invalid duration value")
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: invalid duration value")
	}
	parsed, perr := time.ParseDuration(s)
	if perr != nil {
		return fmt.Errorf("config: invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	SocketPath      string   `yaml:"socket_path"`
	PIDFile         string   `yaml:"pid_file"`
	Foreground      bool     `yaml:"foreground"`
	LogLevel        string   `yaml:"log_level"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// ServerConfig holds socket-server settings.
type ServerConfig struct {
	MaxConnections int      `yaml:"max_connections"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	MaxFrameBytes  uint32   `yaml:"max_frame_bytes"`
}

// QueueConfig holds request-queue settings.
type QueueConfig struct {
	Capacity       int      `yaml:"capacity"`
	DefaultTimeout Duration `yaml:"default_timeout"` // 0 = none
}

// WorkerConfig holds worker-pool settings.
type WorkerConfig struct {
	Workers int `yaml:"workers"` // 0 = CPU count, clamped [2, 16]
}

// RenderConfig holds render artifact cache settings.
type RenderConfig struct {
	Dir         string `yaml:"dir"`
	BudgetBytes int64  `yaml:"budget_bytes"`
	TTLSeconds  int    `yaml:"ttl_seconds"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `yaml:"enabled"`
	Addr             string    `yaml:"addr"` // empty = no scrape listener
	Namespace        string    `yaml:"namespace"`
	HistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	File   string `yaml:"file"`   // request log JSON sink, empty = disabled
}

// ObservabilityConfig groups tracing, metrics, and logging.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// Config is the central configuration struct.
type Config struct {
	Daemon        DaemonConfig        `yaml:"daemon"`
	Server        ServerConfig        `yaml:"server"`
	Queue         QueueConfig         `yaml:"queue"`
	Worker        WorkerConfig        `yaml:"worker"`
	Render        RenderConfig        `yaml:"render"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			SocketPath:      "/tmp/goxel-daemon.sock",
			PIDFile:         "/tmp/goxel-daemon.pid",
			Foreground:      true,
			LogLevel:        "info",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Server: ServerConfig{
			MaxConnections: 64,
			IdleTimeout:    Duration(5 * time.Minute),
			MaxFrameBytes:  1 << 20,
		},
		Queue: QueueConfig{
			Capacity: 2048,
		},
		Worker: WorkerConfig{
			Workers: 0,
		},
		Render: RenderConfig{
			Dir:         "/tmp/goxel_renders",
			BudgetBytes: 256 << 20,
			TTLSeconds:  3600,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "goxeld",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "goxeld",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("GOXELD_SOCKET"); v != "" {
		cfg.Daemon.SocketPath = v
	}
	if v := os.Getenv("GOXELD_PID_FILE"); v != "" {
		cfg.Daemon.PIDFile = v
	}
	if v := os.Getenv("GOXELD_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("GOXELD_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Daemon.ShutdownTimeout = Duration(d)
		}
	}
	if v := os.Getenv("GOXELD_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.MaxConnections = n
		}
	}
	if v := os.Getenv("GOXELD_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.IdleTimeout = Duration(d)
		}
	}
	if v := os.Getenv("GOXELD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Workers = n
		}
	}
	if v := os.Getenv("GOXELD_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Capacity = n
		}
	}
	if v := os.Getenv("GOXELD_RENDER_DIR"); v != "" {
		cfg.Render.Dir = v
	}
	if v := os.Getenv("GOXELD_RENDER_BUDGET_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Render.BudgetBytes = n
		}
	}
	if v := os.Getenv("GOXELD_RENDER_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Render.TTLSeconds = n
		}
	}

	// Observability overrides
	if v := os.Getenv("GOXELD_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("GOXELD_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("GOXELD_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("GOXELD_METRICS_ADDR"); v != "" {
		cfg.Observability.Metrics.Addr = v
	}
	if v := os.Getenv("GOXELD_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("GOXELD_REQUEST_LOG"); v != "" {
		cfg.Observability.Logging.File = v
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Daemon.SocketPath == "" {
		return fmt.Errorf("config: socket path must not be empty")
	}
	if c.Daemon.PIDFile == "" {
		return fmt.Errorf("config: pid file must not be empty")
	}
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("config: queue capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Worker.Workers < 0 {
		return fmt.Errorf("config: workers must not be negative, got %d", c.Worker.Workers)
	}
	if c.Render.BudgetBytes < 0 {
		return fmt.Errorf("config: render budget must not be negative, got %d", c.Render.BudgetBytes)
	}
	if c.Render.TTLSeconds < 0 {
		return fmt.Errorf("config: render ttl must not be negative, got %d", c.Render.TTLSeconds)
	}
	if c.Server.MaxFrameBytes == 0 {
		return fmt.Errorf("config: max frame bytes must be positive")
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
