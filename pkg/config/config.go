// Package config loads convostore configuration.
//
// Settings come from three layers, later layers winning:
//
//  1. Defaults from Default()
//  2. An optional YAML (.yaml, .yml) or TOML (.toml) file given to Load
//  3. CONVOSTORE_* environment variables applied by ApplyEnv
//
// Example Usage:
//
//	cfg, err := config.Load("convostore.yaml")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	fmt.Println(cfg)
//
// Environment Variables:
//   - CONVOSTORE_DATA_DIR="./data"
//   - CONVOSTORE_IN_MEMORY=false
//   - CONVOSTORE_SYNC_WRITES=true
//   - CONVOSTORE_LOW_MEMORY=false
//   - CONVOSTORE_OPEN_TIMEOUT=8s
//   - CONVOSTORE_MIN_REOPEN_INTERVAL=1s
//   - CONVOSTORE_HOLD_ON_VERSION_CHANGE=false
//   - CONVOSTORE_MIGRATION_AUTO_RUN=true
//   - CONVOSTORE_MIGRATION_SOURCES="sqlite,kv"
//   - CONVOSTORE_SQLITE_PATH, CONVOSTORE_KV_PATH
//   - CONVOSTORE_COMPAT_MODE="disabled" | "enabled" | "rollback"
//   - CONVOSTORE_DEFAULT_PROMPT, CONVOSTORE_DEFAULT_TOPIC_TITLE
//   - CONVOSTORE_SEED_DEFAULTS=true
//   - CONVOSTORE_METRICS_ADDR=":9090"
//   - LOGGING_LEVEL, LOGGING_FORMAT
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds all convostore configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Migration MigrationConfig `yaml:"migration" toml:"migration"`
	Compat    CompatConfig    `yaml:"compat" toml:"compat"`
	Relations RelationsConfig `yaml:"relations" toml:"relations"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// StorageConfig holds embedded store settings.
type StorageConfig struct {
	// DataDir is the badger directory
	DataDir string `yaml:"data_dir" toml:"data_dir"`
	// InMemory keeps everything in RAM; DataDir is ignored
	InMemory bool `yaml:"in_memory" toml:"in_memory"`
	// SyncWrites fsyncs every commit
	SyncWrites bool `yaml:"sync_writes" toml:"sync_writes"`
	// LowMemory trades throughput for a smaller footprint
	LowMemory bool `yaml:"low_memory" toml:"low_memory"`
	// OpenTimeout bounds one connection open
	OpenTimeout time.Duration `yaml:"open_timeout" toml:"open_timeout"`
	// MinReopenInterval spaces open attempts after a failure
	MinReopenInterval time.Duration `yaml:"min_reopen_interval" toml:"min_reopen_interval"`
	// HoldOnVersionChange keeps the handle open when another manager asks for it
	HoldOnVersionChange bool `yaml:"hold_on_version_change" toml:"hold_on_version_change"`
}

// MigrationConfig holds legacy import settings.
type MigrationConfig struct {
	// AutoRun migrates detected sources when the store opens
	AutoRun bool `yaml:"auto_run" toml:"auto_run"`
	// Sources restricts auto runs to these ids; empty means every detected source
	Sources []string `yaml:"sources" toml:"sources"`
	// SQLitePath is the older embedded store file
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
	// KVPath is the flat key-value dump
	KVPath string `yaml:"kv_path" toml:"kv_path"`
}

// CompatConfig holds the compatibility shim default.
type CompatConfig struct {
	// Mode is used when no mode has been persisted
	Mode string `yaml:"mode" toml:"mode"`
}

// RelationsConfig holds defaults for generated assistants and topics.
type RelationsConfig struct {
	DefaultPrompt     string `yaml:"default_prompt" toml:"default_prompt"`
	DefaultTopicTitle string `yaml:"default_topic_title" toml:"default_topic_title"`
	// SeedDefaults creates the default assistant on an empty store
	SeedDefaults bool `yaml:"seed_defaults" toml:"seed_defaults"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	// Address to serve /metrics on; empty disables the endpoint
	Address string `yaml:"address" toml:"address"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:           "./data",
			SyncWrites:        true,
			OpenTimeout:       8 * time.Second,
			MinReopenInterval: time.Second,
		},
		Migration: MigrationConfig{
			AutoRun: true,
		},
		Compat: CompatConfig{
			Mode: "disabled",
		},
		Relations: RelationsConfig{
			SeedDefaults: true,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "CONSOLE",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	return nil
}

// ApplyEnv overrides fields from the environment. Unset or unparsable
// variables leave the current value.
func (c *Config) ApplyEnv() {
	c.Storage.DataDir = getEnv("CONVOSTORE_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("CONVOSTORE_IN_MEMORY", c.Storage.InMemory)
	c.Storage.SyncWrites = getEnvBool("CONVOSTORE_SYNC_WRITES", c.Storage.SyncWrites)
	c.Storage.LowMemory = getEnvBool("CONVOSTORE_LOW_MEMORY", c.Storage.LowMemory)
	c.Storage.OpenTimeout = getEnvDuration("CONVOSTORE_OPEN_TIMEOUT", c.Storage.OpenTimeout)
	c.Storage.MinReopenInterval = getEnvDuration("CONVOSTORE_MIN_REOPEN_INTERVAL", c.Storage.MinReopenInterval)
	c.Storage.HoldOnVersionChange = getEnvBool("CONVOSTORE_HOLD_ON_VERSION_CHANGE", c.Storage.HoldOnVersionChange)

	c.Migration.AutoRun = getEnvBool("CONVOSTORE_MIGRATION_AUTO_RUN", c.Migration.AutoRun)
	c.Migration.Sources = getEnvStringSlice("CONVOSTORE_MIGRATION_SOURCES", c.Migration.Sources)
	c.Migration.SQLitePath = getEnv("CONVOSTORE_SQLITE_PATH", c.Migration.SQLitePath)
	c.Migration.KVPath = getEnv("CONVOSTORE_KV_PATH", c.Migration.KVPath)

	c.Compat.Mode = getEnv("CONVOSTORE_COMPAT_MODE", c.Compat.Mode)

	c.Relations.DefaultPrompt = getEnv("CONVOSTORE_DEFAULT_PROMPT", c.Relations.DefaultPrompt)
	c.Relations.DefaultTopicTitle = getEnv("CONVOSTORE_DEFAULT_TOPIC_TITLE", c.Relations.DefaultTopicTitle)
	c.Relations.SeedDefaults = getEnvBool("CONVOSTORE_SEED_DEFAULTS", c.Relations.SeedDefaults)

	c.Logging.Level = getEnv("LOGGING_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOGGING_FORMAT", c.Logging.Format)

	c.Metrics.Address = getEnv("CONVOSTORE_METRICS_ADDR", c.Metrics.Address)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required unless storage.in_memory is set")
	}
	if c.Storage.OpenTimeout <= 0 {
		return fmt.Errorf("invalid storage.open_timeout: %s", c.Storage.OpenTimeout)
	}
	if c.Storage.MinReopenInterval < 0 {
		return fmt.Errorf("invalid storage.min_reopen_interval: %s", c.Storage.MinReopenInterval)
	}
	switch c.Compat.Mode {
	case "disabled", "enabled", "rollback":
	default:
		return fmt.Errorf("invalid compat.mode: %q", c.Compat.Mode)
	}
	switch strings.ToUpper(c.Logging.Format) {
	case "CONSOLE", "JSON":
	default:
		return fmt.Errorf("invalid logging.format: %q", c.Logging.Format)
	}
	return nil
}

// String returns a one-line summary suitable for logging.
func (c *Config) String() string {
	dir := c.Storage.DataDir
	if c.Storage.InMemory {
		dir = "(memory)"
	}
	return fmt.Sprintf(
		"Config{DataDir: %s, OpenTimeout: %s, AutoMigrate: %v, Compat: %s, Metrics: %q}",
		dir, c.Storage.OpenTimeout, c.Migration.AutoRun, c.Compat.Mode, c.Metrics.Address,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}
