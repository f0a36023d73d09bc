package config

// config.go is the engine's YAML-backed configuration: defaults are set
// first, then overlaid with whatever the file specifies, so a config file
// only needs to mention the fields it wants to change. Covers the engine's
// own tunables (create_if_missing, error_if_exists, write_buffer_bytes,
// block_cache_blocks, table_cache_files, compression, filter_bits_per_key,
// sync_writes, subcompaction_min_bytes, subcompaction_enabled) plus the
// logging/tracing sections every long-lived component in this repo threads
// through regardless of which storage features are in use.

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds the engine-wide options recognized in a config file.
type EngineConfig struct {
	DataDir            string `yaml:"data_dir"`
	CreateIfMissing    bool   `yaml:"create_if_missing"`
	ErrorIfExists      bool   `yaml:"error_if_exists"`
	WriteBufferBytes   int64  `yaml:"write_buffer_bytes"`
	BlockCacheBlocks   int    `yaml:"block_cache_blocks"`
	TableCacheFiles    int    `yaml:"table_cache_files"`
	Compression        string `yaml:"compression"` // one of "none", "snappy", "lz4"
	FilterBitsPerKey   int    `yaml:"filter_bits_per_key"`
	SyncWrites         bool   `yaml:"sync_writes"`
	CheckpointInterval string `yaml:"checkpoint_interval"`

	Subcompaction SubcompactionConfig `yaml:"subcompaction"`
}

// SubcompactionConfig holds the optional parallel-subcompaction knobs.
type SubcompactionConfig struct {
	Enabled  bool  `yaml:"enabled"`
	MinBytes int64 `yaml:"min_bytes"`
}

// LoggingConfig configures the log/slog handler every long-lived component
// threads a *slog.Logger from.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "file", "none"
	File   string `yaml:"file"`   // path, used when output is "file"
}

// TracingConfig configures the optional OpenTelemetry tracer provider that
// cmd/rucksdb builds. When Enabled is false it builds a provider with no
// exporter; an unsupported protocol or an exporter that cannot be created
// is reported as a startup error.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g. "localhost:4317" for an OTLP gRPC collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ParseDuration parses a duration string, returning defaultDuration if the
// string is empty or invalid. Logs a warning on an invalid-but-nonempty
// string.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader, starting from defaults and
// overlaying any YAML present. A nil or empty reader yields pure defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Engine: EngineConfig{
			DataDir:            "./data",
			CreateIfMissing:    true,
			ErrorIfExists:      false,
			WriteBufferBytes:   4 * 1024 * 1024, // 4 MiB
			BlockCacheBlocks:   1024,
			TableCacheFiles:    512,
			Compression:        "snappy",
			FilterBitsPerKey:   10,
			SyncWrites:         false,
			CheckpointInterval: "300s",
			Subcompaction: SubcompactionConfig{
				Enabled:  false,
				MinBytes: 32 * 1024 * 1024, // 32 MiB
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "rucksdb.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}

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

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// is not an error: it yields pure defaults, matching create_if_missing's
// "open creates empty directory" spirit for configuration itself.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
