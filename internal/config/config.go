// ============================================================================
// Distributed Task Queue — Configuration
// ============================================================================
//
// Package: internal/config
// Purpose: YAML-backed configuration for cmd/queue: a struct-tag-per-section
// layout, read file, yaml.Unmarshal, return. Covers the store, broker,
// worker, and metrics sections.
//
// ============================================================================

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses as either a YAML string accepted by time.ParseDuration
// ("30s", "1m") or a bare integer of nanoseconds. It has no custom
// marshaller, so it encodes as its integer nanosecond count.
type Duration time.Duration

// UnmarshalYAML accepts both the human-readable "30s" form and a bare
// nanosecond integer, since yaml.v3 has no built-in notion of time.Duration.
// The integer form is tried first: yaml.v3 decodes any scalar into a string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ns int64
	if err := value.Decode(&ns); err == nil {
		*d = Duration(ns)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"30s\" or nanoseconds: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// StoreConfig points the CLI at a backing-store instance.
type StoreConfig struct {
	RedisURL string `yaml:"redis_url"`
}

// BrokerConfig mirrors broker.Config's recognized fields.
type BrokerConfig struct {
	Name            string   `yaml:"name"`
	MaxRetries      int      `yaml:"max_retries"`
	RetryDelay      Duration `yaml:"retry_delay"`
	RetryBackoff    float64  `yaml:"retry_backoff"`
	JobTimeout      Duration `yaml:"job_timeout"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	MaxConcurrency  int      `yaml:"max_concurrency"`
}

// WorkerConfig controls how long the run command's workers idle between
// polls. The number of workers comes from BrokerConfig.MaxConcurrency.
type WorkerConfig struct {
	IdleInterval Duration `yaml:"idle_interval"`
}

// MetricsConfig toggles the Prometheus HTTP sidecar.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Config is the root configuration document loaded from YAML.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Broker  BrokerConfig  `yaml:"broker"`
	Worker  WorkerConfig  `yaml:"worker"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Default returns the configuration used when no file is supplied, mirroring
// broker.DefaultConfig's values for the broker section.
func Default() Config {
	return Config{
		Store: StoreConfig{RedisURL: "redis://127.0.0.1:6379/0"},
		Broker: BrokerConfig{
			Name:            "default",
			MaxRetries:      3,
			RetryDelay:      Duration(time.Second),
			RetryBackoff:    2,
			JobTimeout:      Duration(30 * time.Second),
			CleanupInterval: Duration(60 * time.Second),
			MaxConcurrency:  10,
		},
		Worker:  WorkerConfig{IdleInterval: Duration(time.Second)},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
	}
}

// Load reads and parses a YAML config file at path, falling back to Default
// values for any field absent from the file. A field the file sets
// explicitly, even to zero, takes the file's value.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
