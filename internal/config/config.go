// Package config loads the replication engine's settings from YAML with
// environment overrides and converts them into component options.
package config

import (
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/noderep/internal/backoff"
	"github.com/dreamware/noderep/internal/monitor"
	"github.com/dreamware/noderep/internal/oplog"
	"github.com/dreamware/noderep/internal/replica"
)

// Config is the top-level configuration.
type Config struct {
	Shards           int `yaml:"shards"`             // Independent logs
	Domains          int `yaml:"domains"`            // Replicas per log
	ThreadsPerDomain int `yaml:"threads_per_domain"` // Worker goroutines per domain

	Log     LogConfig     `yaml:"log"`
	Replica ReplicaConfig `yaml:"replica"`
	Backoff BackoffConfig `yaml:"backoff"`
	Monitor MonitorConfig `yaml:"monitor"`
	Logging LoggingConfig `yaml:"logging"`
	Bench   BenchConfig   `yaml:"bench"`
}

// LogConfig configures every operation log.
type LogConfig struct {
	Capacity     int    `yaml:"capacity"`      // Power of two
	MaxCapacity  int    `yaml:"max_capacity"`  // Growth bound, 0 disables growth
	StallTimeout string `yaml:"stall_timeout"` // e.g. "2s", empty for none
}

// ReplicaConfig configures every replica.
type ReplicaConfig struct {
	MaxBatch  int    `yaml:"max_batch"`
	MaxScan   int    `yaml:"max_scan"`
	Freshness string `yaml:"freshness"` // tail, completed
}

// BackoffConfig selects the wait policy shared by logs and replicas.
type BackoffConfig struct {
	Policy   string `yaml:"policy"`    // spin, yield, exponential
	Limit    int    `yaml:"limit"`     // Maximum pauses, 0 for unbounded
	MaxDelay string `yaml:"max_delay"` // Sleep cap for exponential
}

// MonitorConfig configures the lag monitor.
type MonitorConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Interval       string `yaml:"interval"`
	Threshold      uint64 `yaml:"threshold"`
	MaxConsecutive int    `yaml:"max_consecutive"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// BenchConfig configures the benchmark driver.
type BenchConfig struct {
	Workload   string  `yaml:"workload"`    // counter, kv
	Duration   string  `yaml:"duration"`    // Run length
	Keys       int     `yaml:"keys"`        // Key space for kv
	WriteRatio float64 `yaml:"write_ratio"` // Fraction of operations that write
	Rate       float64 `yaml:"rate"`        // Operations per second per worker, 0 for closed loop
	Pin        bool    `yaml:"pin"`         // Pin workers to their domain's CPUs
	Baseline   bool    `yaml:"baseline"`    // Run against a single locked map instead
	HTTPAddr   string  `yaml:"http_addr"`   // Debug server, empty to disable
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Shards:           1,
		Domains:          2,
		ThreadsPerDomain: 4,

		Log: LogConfig{
			Capacity:    oplog.DefaultCapacity,
			MaxCapacity: 0,
		},

		Replica: ReplicaConfig{
			MaxBatch:  replica.DefaultMaxBatch,
			MaxScan:   replica.DefaultMaxScan,
			Freshness: replica.FreshTail.String(),
		},

		Backoff: BackoffConfig{
			Policy:   "exponential",
			MaxDelay: "1ms",
		},

		Monitor: MonitorConfig{
			Enabled:        true,
			Interval:       "100ms",
			Threshold:      1024,
			MaxConsecutive: 3,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},

		Bench: BenchConfig{
			Workload:   "kv",
			Duration:   "5s",
			Keys:       10000,
			WriteRatio: 0.1,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies NR_* environment variables. Unparsable numbers
// are ignored and leave the file value in place.
func (c *Config) applyEnvOverrides() {
	envInt("NR_SHARDS", &c.Shards)
	envInt("NR_DOMAINS", &c.Domains)
	envInt("NR_THREADS_PER_DOMAIN", &c.ThreadsPerDomain)
	envInt("NR_LOG_CAPACITY", &c.Log.Capacity)
	envInt("NR_LOG_MAX_CAPACITY", &c.Log.MaxCapacity)
	envInt("NR_MAX_BATCH", &c.Replica.MaxBatch)

	if v := os.Getenv("NR_FRESHNESS"); v != "" {
		c.Replica.Freshness = v
	}
	if v := os.Getenv("NR_BACKOFF"); v != "" {
		c.Backoff.Policy = v
	}
	if v := os.Getenv("NR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("NR_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("NR_HTTP_ADDR"); v != "" {
		c.Bench.HTTPAddr = v
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var err error

	if c.Shards <= 0 {
		err = multierr.Append(err, fmt.Errorf("shards must be positive, got %d", c.Shards))
	}
	if c.Domains <= 0 {
		err = multierr.Append(err, fmt.Errorf("domains must be positive, got %d", c.Domains))
	}
	if c.ThreadsPerDomain <= 0 {
		err = multierr.Append(err, fmt.Errorf("threads_per_domain must be positive, got %d", c.ThreadsPerDomain))
	}
	if !powerOfTwo(c.Log.Capacity) {
		err = multierr.Append(err, fmt.Errorf("log.capacity must be a power of two, got %d", c.Log.Capacity))
	}
	if c.Log.MaxCapacity != 0 && (!powerOfTwo(c.Log.MaxCapacity) || c.Log.MaxCapacity < c.Log.Capacity) {
		err = multierr.Append(err, fmt.Errorf("log.max_capacity must be 0 or a power of two >= capacity, got %d", c.Log.MaxCapacity))
	}
	if _, perr := c.freshness(); perr != nil {
		err = multierr.Append(err, perr)
	}
	switch c.Backoff.Policy {
	case "spin", "yield", "exponential":
	default:
		err = multierr.Append(err, fmt.Errorf("backoff.policy must be spin, yield or exponential, got %q", c.Backoff.Policy))
	}
	for _, d := range []struct{ name, value string }{
		{"log.stall_timeout", c.Log.StallTimeout},
		{"backoff.max_delay", c.Backoff.MaxDelay},
		{"monitor.interval", c.Monitor.Interval},
		{"bench.duration", c.Bench.Duration},
	} {
		if _, perr := parseDuration(d.value); perr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", d.name, perr))
		}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	switch c.Bench.Workload {
	case "counter", "kv":
	default:
		err = multierr.Append(err, fmt.Errorf("bench.workload must be counter or kv, got %q", c.Bench.Workload))
	}
	if c.Bench.WriteRatio < 0 || c.Bench.WriteRatio > 1 {
		err = multierr.Append(err, fmt.Errorf("bench.write_ratio must be within [0, 1], got %g", c.Bench.WriteRatio))
	}
	if c.Bench.Workload == "kv" && c.Bench.Keys <= 0 {
		err = multierr.Append(err, fmt.Errorf("bench.keys must be positive, got %d", c.Bench.Keys))
	}

	return err
}

// BackoffPolicy builds the configured wait policy.
func (c *Config) BackoffPolicy() backoff.Policy {
	switch c.Backoff.Policy {
	case "spin":
		return backoff.Spin{Limit: c.Backoff.Limit}
	case "yield":
		return backoff.Yield{Limit: c.Backoff.Limit}
	default:
		d, _ := parseDuration(c.Backoff.MaxDelay)
		return backoff.Exponential{MaxDelay: d, Limit: c.Backoff.Limit}
	}
}

// LogOptions converts the log section. The caller sets ID, Logger and OnLagging.
func (c *Config) LogOptions() oplog.Options {
	stall, _ := parseDuration(c.Log.StallTimeout)
	return oplog.Options{
		Capacity:     c.Log.Capacity,
		MaxCapacity:  c.Log.MaxCapacity,
		MaxReplicas:  max(c.Domains, oplog.DefaultMaxReplicas),
		StallTimeout: stall,
		Backoff:      c.BackoffPolicy(),
	}
}

// ReplicaOptions converts the replica section. MaxThreads covers every worker
// of a domain plus one spare token for control paths.
func (c *Config) ReplicaOptions() replica.Options {
	f, _ := c.freshness()
	return replica.Options{
		MaxThreads: max(c.ThreadsPerDomain+1, replica.DefaultMaxThreads),
		MaxBatch:   c.Replica.MaxBatch,
		MaxScan:    c.Replica.MaxScan,
		Freshness:  f,
		Backoff:    c.BackoffPolicy(),
	}
}

// MonitorOptions converts the monitor section.
func (c *Config) MonitorOptions() monitor.Options {
	interval, _ := parseDuration(c.Monitor.Interval)
	return monitor.Options{
		Interval:       interval,
		Threshold:      c.Monitor.Threshold,
		MaxConsecutive: c.Monitor.MaxConsecutive,
	}
}

// BenchDuration returns the run length, defaulting to five seconds.
func (c *Config) BenchDuration() time.Duration {
	d, err := parseDuration(c.Bench.Duration)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

func (c *Config) freshness() (replica.Freshness, error) {
	switch c.Replica.Freshness {
	case "", replica.FreshTail.String():
		return replica.FreshTail, nil
	case replica.FreshCompleted.String():
		return replica.FreshCompleted, nil
	}
	return 0, fmt.Errorf("replica.freshness must be tail or completed, got %q", c.Replica.Freshness)
}

// parseDuration treats the empty string as zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func powerOfTwo(n int) bool {
	return n > 0 && bits.OnesCount(uint(n)) == 1
}
