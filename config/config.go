// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Sink      SinkConfig      `yaml:"sink"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StorageConfig selects the counter/entity backend.
// Use "memory" for single-process deployments or "redis" for shared state.
type StorageConfig struct {
	Backend string      `yaml:"backend"` // "memory" or "redis"
	Redis   RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// QueueConfig configures the background job queue.
type QueueConfig struct {
	Buffer  int `yaml:"buffer"`
	Workers int `yaml:"workers"`
}

// AnalyticsConfig configures usage bucketing and export.
type AnalyticsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BucketInterval time.Duration `yaml:"bucket_interval"`
	ExportInterval time.Duration `yaml:"export_interval"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	MaxBuckets     int           `yaml:"max_buckets"`
}

// SinkConfig configures where exported stat events land.
// Use "sqlite" for the embedded sink or "none" to discard.
type SinkConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "none"
	DSN    string `yaml:"dsn"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(&cfg)

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
// This is useful for Docker deployments where no config file is needed.
//
// Environment variables:
//
//	METERD_SERVER_HOST       - Server host (default: 0.0.0.0)
//	METERD_SERVER_PORT       - Server port (default: 3000)
//	METERD_STORAGE_BACKEND   - Storage backend: memory or redis (default: memory)
//	METERD_REDIS_ADDR        - Redis address (required for redis backend)
//	METERD_QUEUE_WORKERS     - Background worker count (default: 4)
//	METERD_SINK_DRIVER       - Analytics sink: sqlite or none (default: none)
//	METERD_SINK_DSN          - Sink database path (default: meterd.db)
//	METERD_LOG_LEVEL         - Log level: debug, info, warn, error (default: info)
//	METERD_LOG_FORMAT        - Log format: json or console (default: json)
//	METERD_METRICS_ENABLED   - Enable /metrics endpoint (default: true)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment variables.
// This is the recommended method for Docker deployments.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	// Every setting has a usable default, so env-only always works.
	return LoadFromEnv()
}

// applyEnvOverrides applies METERD_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("METERD_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("METERD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("METERD_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("METERD_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}

	// Storage configuration
	if v := os.Getenv("METERD_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("METERD_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("METERD_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("METERD_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.Redis.DB = n
		}
	}
	if v := os.Getenv("METERD_REDIS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.Redis.PoolSize = n
		}
	}

	// Queue configuration
	if v := os.Getenv("METERD_QUEUE_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Buffer = n
		}
	}
	if v := os.Getenv("METERD_QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Workers = n
		}
	}

	// Analytics configuration
	if v := os.Getenv("METERD_ANALYTICS_ENABLED"); v != "" {
		cfg.Analytics.Enabled = parseBool(v)
	}
	if v := os.Getenv("METERD_ANALYTICS_BUCKET_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Analytics.BucketInterval = d
		}
	}
	if v := os.Getenv("METERD_ANALYTICS_EXPORT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Analytics.ExportInterval = d
		}
	}
	if v := os.Getenv("METERD_ANALYTICS_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Analytics.LeaseTTL = d
		}
	}
	if v := os.Getenv("METERD_ANALYTICS_MAX_BUCKETS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Analytics.MaxBuckets = n
		}
	}

	// Sink configuration
	if v := os.Getenv("METERD_SINK_DRIVER"); v != "" {
		cfg.Sink.Driver = v
	}
	if v := os.Getenv("METERD_SINK_DSN"); v != "" {
		cfg.Sink.DSN = v
	}

	// Logging configuration
	if v := os.Getenv("METERD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("METERD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("METERD_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("METERD_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Storage.Redis.PoolSize == 0 {
		cfg.Storage.Redis.PoolSize = 10
	}
	if cfg.Storage.Redis.Timeout == 0 {
		cfg.Storage.Redis.Timeout = 3 * time.Second
	}

	if cfg.Queue.Buffer == 0 {
		cfg.Queue.Buffer = 1024
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 4
	}

	if cfg.Analytics.BucketInterval == 0 {
		cfg.Analytics.BucketInterval = 30 * time.Second
	}
	if cfg.Analytics.ExportInterval == 0 {
		cfg.Analytics.ExportInterval = 30 * time.Second
	}
	if cfg.Analytics.LeaseTTL == 0 {
		cfg.Analytics.LeaseTTL = 60 * time.Second
	}
	if cfg.Analytics.MaxBuckets == 0 {
		cfg.Analytics.MaxBuckets = 50
	}

	if cfg.Sink.Driver == "" {
		cfg.Sink.Driver = "none"
	}
	if cfg.Sink.DSN == "" {
		cfg.Sink.DSN = "meterd.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	validBackends := map[string]bool{"memory": true, "redis": true}
	if !validBackends[cfg.Storage.Backend] {
		return fmt.Errorf("storage.backend must be 'memory' or 'redis', got %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == "redis" && cfg.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required when storage.backend is 'redis'")
	}

	validSinks := map[string]bool{"none": true, "sqlite": true}
	if !validSinks[cfg.Sink.Driver] {
		return fmt.Errorf("sink.driver must be 'none' or 'sqlite', got %q", cfg.Sink.Driver)
	}
	if cfg.Analytics.Enabled && cfg.Sink.Driver == "none" {
		return fmt.Errorf("sink.driver is required when analytics.enabled is true")
	}

	if cfg.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1, got %d", cfg.Queue.Workers)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	return nil
}
