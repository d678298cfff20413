package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TableConfig holds state table configurations.
type TableConfig struct {
	Shards                int    `yaml:"shards"`
	HoldbackWarnThreshold string `yaml:"holdback_warn_threshold"`
}

// CheckpointConfig holds state transfer stream configurations.
type CheckpointConfig struct {
	Compression        string `yaml:"compression"` // "none", "snappy", "lz4" or "zstd"
	BlockSizeBytes     int    `yaml:"block_size_bytes"`
	IncludeUncommitted bool   `yaml:"include_uncommitted"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
	SystemInterval   string `yaml:"system_interval"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// LoadSection holds the load driver's workload shape.
type LoadSection struct {
	Duration  string `yaml:"duration"`
	Writers   int    `yaml:"writers"`
	Keys      int    `yaml:"keys"`
	Types     int    `yaml:"types"`
	Fanout    int    `yaml:"fanout"`
	AckWindow int    `yaml:"ack_window"`
	BatchSize int    `yaml:"batch_size"`
	Seed      int64  `yaml:"seed"`
}

// Config is the top-level configuration struct.
type Config struct {
	Table      TableConfig      `yaml:"table"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Logging    LoggingConfig    `yaml:"logging"`
	Debug      DebugConfig      `yaml:"debug"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Load       LoadSection      `yaml:"load"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Table: TableConfig{
			Shards:                64,
			HoldbackWarnThreshold: "5s",
		},
		Checkpoint: CheckpointConfig{
			Compression:    "snappy",
			BlockSizeBytes: 64 * 1024, // 64 KiB
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusstate.log",
		},
		Debug: DebugConfig{
			Enabled:          true,
			ListenAddress:    "127.0.0.1:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
			SystemInterval:   "15s",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Load: LoadSection{
			Duration:  "30s",
			Writers:   4,
			Keys:      10000,
			Types:     3,
			Fanout:    1,
			AckWindow: 32,
			BatchSize: 16,
			Seed:      1,
		},
	}
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Table.Shards < 0 {
		return fmt.Errorf("table.shards must not be negative, got %d", c.Table.Shards)
	}
	switch c.Checkpoint.Compression {
	case "", "none", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("checkpoint.compression %q is not one of none, snappy, lz4, zstd", c.Checkpoint.Compression)
	}
	if c.Checkpoint.BlockSizeBytes < 0 {
		return fmt.Errorf("checkpoint.block_size_bytes must not be negative, got %d", c.Checkpoint.BlockSizeBytes)
	}
	switch c.Tracing.Protocol {
	case "grpc", "http":
	default:
		if c.Tracing.Enabled {
			return fmt.Errorf("tracing.protocol %q is not one of grpc, http", c.Tracing.Protocol)
		}
	}
	if c.Load.Writers < 1 || c.Load.Keys < 1 || c.Load.Types < 1 {
		return fmt.Errorf("load.writers, load.keys and load.types must be positive")
	}
	if c.Load.Types > 255 {
		return fmt.Errorf("load.types must fit a type tag, got %d", c.Load.Types)
	}
	return nil
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
