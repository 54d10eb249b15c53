package broker

import "time"

// Config controls a Broker's retry policy, stalled-job threshold, and
// maintenance cadence. Zero-valued fields are replaced by DefaultConfig's
// values in New, the usual shape of a caller-supplied struct backed by
// sane defaults.
type Config struct {
	Name            string
	MaxRetries      int
	RetryDelay      time.Duration
	RetryBackoff    float64
	JobTimeout      time.Duration
	CleanupInterval time.Duration
	MaxConcurrency  int
}

// DefaultConfig returns the configuration defaults named by the external
// interface contract: name "default", 3 retries, 1s base delay, 2x
// backoff, a 30s stalled threshold, a 60s maintenance cadence, and an
// advisory concurrency of 10.
func DefaultConfig() Config {
	return Config{
		Name:            "default",
		MaxRetries:      3,
		RetryDelay:      time.Second,
		RetryBackoff:    2,
		JobTimeout:      30 * time.Second,
		CleanupInterval: 60 * time.Second,
		MaxConcurrency:  10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	return c
}
