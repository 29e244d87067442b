// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for SiteWarden
// components.
//
// Configuration is loaded from a single file specified by:
//   - SITEWARDEN_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for SiteWarden.
type Config struct {
	// Environment identifies the deployment type (development,
	// staging, production).
	Environment Environment `yaml:"environment"`

	// Store configures the SQLite state database.
	Store StoreConfig `yaml:"store"`

	// Queue configures the Redis task broker.
	Queue QueueConfig `yaml:"queue"`

	// Vault configures the credential vault keys.
	Vault VaultConfig `yaml:"vault"`

	// Snapshot configures the backup snapshot store.
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// Scheduler configures the worker pools.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Stall configures the stall checker.
	Stall StallConfig `yaml:"stall"`

	// Conversation configures summarization.
	Conversation ConversationConfig `yaml:"conversation"`

	// Per-environment overrides, applied after the base config.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per
// environment.
type ConfigOverrides struct {
	Store     *StoreConfig     `yaml:"store,omitempty"`
	Queue     *QueueConfig     `yaml:"queue,omitempty"`
	Snapshot  *SnapshotConfig  `yaml:"snapshot,omitempty"`
	Scheduler *SchedulerConfig `yaml:"scheduler,omitempty"`
	Stall     *StallConfig     `yaml:"stall,omitempty"`
}

// StoreConfig configures the SQLite state database.
type StoreConfig struct {
	// Path is the database file. ":memory:" is accepted for tests.
	Path string `yaml:"path"`

	// PoolSize is the number of pooled connections.
	// Default: 8.
	PoolSize int `yaml:"pool_size"`
}

// QueueConfig configures the Redis task broker.
type QueueConfig struct {
	// Address is the Redis host:port.
	// Default: 127.0.0.1:6379.
	Address string `yaml:"address"`

	// StreamPrefix namespaces the task streams.
	// Default: sitewarden.
	StreamPrefix string `yaml:"stream_prefix"`

	// VisibilityTimeout is how long a claimed envelope may sit
	// unacknowledged before the reclaim pass hands it to another
	// worker. Default: 5m.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`

	// CompressThreshold is the payload size in bytes above which
	// envelope payloads are zstd-compressed. Default: 4096.
	CompressThreshold int `yaml:"compress_threshold"`
}

// VaultConfig configures the credential vault.
type VaultConfig struct {
	// KeyFile is the path to the active age private key.
	KeyFile string `yaml:"key_file"`

	// ActiveVersion is the key version new credentials are sealed
	// with. Older versions stay readable for rotation.
	ActiveVersion int `yaml:"active_version"`

	// RecipientKeys maps key version to the age public key that
	// version seals to.
	RecipientKeys map[int]string `yaml:"recipient_keys"`
}

// SnapshotConfig configures the backup snapshot store.
type SnapshotConfig struct {
	// Directory is where snapshot archives are written.
	Directory string `yaml:"directory"`

	// Compression selects the archive compression: none, lz4, zstd.
	// Default: zstd.
	Compression string `yaml:"compression"`

	// MinBytes is the size below which archives are stored
	// uncompressed. Default: 512.
	MinBytes int `yaml:"min_bytes"`
}

// SchedulerConfig configures the worker pools.
type SchedulerConfig struct {
	// WorkersPerRole is the pool size for each agent role.
	// Default: 4.
	WorkersPerRole int `yaml:"workers_per_role"`

	// HeartbeatInterval is how often running workers refresh their
	// task's heartbeat. Default: 30s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxAttempts is the retry ceiling before a task is marked
	// failed. Default: 5.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase is the first retry delay; subsequent retries
	// double it. Default: 10s.
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// StallConfig configures the stall checker.
type StallConfig struct {
	// Interval is how often the checker scans. Default: 5m.
	Interval time.Duration `yaml:"interval"`

	// PickupTimeout is how long a queued task may wait unclaimed
	// before re-enqueue. Default: 5m.
	PickupTimeout time.Duration `yaml:"pickup_timeout"`

	// WorkTimeout is how long a running dev or qa task may go
	// without a heartbeat before recovery. Default: 20m.
	WorkTimeout time.Duration `yaml:"work_timeout"`

	// ManagerTimeout is the pm equivalent of WorkTimeout.
	// Default: 10m.
	ManagerTimeout time.Duration `yaml:"manager_timeout"`

	// WarnAfter is the silence threshold for posting a warning
	// message to the site conversation. Default: 45m.
	WarnAfter time.Duration `yaml:"warn_after"`

	// EscalateAfter is the silence threshold for opening a
	// tech-lead escalation task. Default: 4h.
	EscalateAfter time.Duration `yaml:"escalate_after"`
}

// ConversationConfig configures summarization.
type ConversationConfig struct {
	// SummaryEvery is the cumulative message count between summary
	// refreshes. Default: 20.
	SummaryEvery int `yaml:"summary_every"`

	// SweepInterval is how often pending summaries are retried.
	// Default: 1m.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file. They exist primarily to
// ensure all fields have sensible zero-values, not as a fallback -
// the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "sitewarden")

	return &Config{
		Environment: Development,
		Store: StoreConfig{
			Path:     filepath.Join(defaultRoot, "state.db"),
			PoolSize: 8,
		},
		Queue: QueueConfig{
			Address:           "127.0.0.1:6379",
			StreamPrefix:      "sitewarden",
			VisibilityTimeout: 5 * time.Minute,
			CompressThreshold: 4096,
		},
		Vault: VaultConfig{
			KeyFile:       filepath.Join(defaultRoot, "vault.key"),
			ActiveVersion: 1,
		},
		Snapshot: SnapshotConfig{
			Directory:   filepath.Join(defaultRoot, "snapshots"),
			Compression: "zstd",
			MinBytes:    512,
		},
		Scheduler: SchedulerConfig{
			WorkersPerRole:    4,
			HeartbeatInterval: 30 * time.Second,
			MaxAttempts:       5,
			BackoffBase:       10 * time.Second,
		},
		Stall: StallConfig{
			Interval:       5 * time.Minute,
			PickupTimeout:  5 * time.Minute,
			WorkTimeout:    20 * time.Minute,
			ManagerTimeout: 10 * time.Minute,
			WarnAfter:      45 * time.Minute,
			EscalateAfter:  4 * time.Hour,
		},
		Conversation: ConversationConfig{
			SummaryEvery:  20,
			SweepInterval: time.Minute,
		},
	}
}

// Load loads configuration from the SITEWARDEN_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks or defaults - if SITEWARDEN_CONFIG is
// not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("SITEWARDEN_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("SITEWARDEN_CONFIG environment variable not set; " +
			"set it to the path of your sitewarden.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values. The only expansion
// performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific
// overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Store != nil {
		if overrides.Store.Path != "" {
			c.Store.Path = overrides.Store.Path
		}
		if overrides.Store.PoolSize != 0 {
			c.Store.PoolSize = overrides.Store.PoolSize
		}
	}

	if overrides.Queue != nil {
		if overrides.Queue.Address != "" {
			c.Queue.Address = overrides.Queue.Address
		}
		if overrides.Queue.StreamPrefix != "" {
			c.Queue.StreamPrefix = overrides.Queue.StreamPrefix
		}
		if overrides.Queue.VisibilityTimeout != 0 {
			c.Queue.VisibilityTimeout = overrides.Queue.VisibilityTimeout
		}
		if overrides.Queue.CompressThreshold != 0 {
			c.Queue.CompressThreshold = overrides.Queue.CompressThreshold
		}
	}

	if overrides.Snapshot != nil {
		if overrides.Snapshot.Directory != "" {
			c.Snapshot.Directory = overrides.Snapshot.Directory
		}
		if overrides.Snapshot.Compression != "" {
			c.Snapshot.Compression = overrides.Snapshot.Compression
		}
		if overrides.Snapshot.MinBytes != 0 {
			c.Snapshot.MinBytes = overrides.Snapshot.MinBytes
		}
	}

	if overrides.Scheduler != nil {
		if overrides.Scheduler.WorkersPerRole != 0 {
			c.Scheduler.WorkersPerRole = overrides.Scheduler.WorkersPerRole
		}
		if overrides.Scheduler.HeartbeatInterval != 0 {
			c.Scheduler.HeartbeatInterval = overrides.Scheduler.HeartbeatInterval
		}
		if overrides.Scheduler.MaxAttempts != 0 {
			c.Scheduler.MaxAttempts = overrides.Scheduler.MaxAttempts
		}
		if overrides.Scheduler.BackoffBase != 0 {
			c.Scheduler.BackoffBase = overrides.Scheduler.BackoffBase
		}
	}

	if overrides.Stall != nil {
		if overrides.Stall.Interval != 0 {
			c.Stall.Interval = overrides.Stall.Interval
		}
		if overrides.Stall.PickupTimeout != 0 {
			c.Stall.PickupTimeout = overrides.Stall.PickupTimeout
		}
		if overrides.Stall.WorkTimeout != 0 {
			c.Stall.WorkTimeout = overrides.Stall.WorkTimeout
		}
		if overrides.Stall.ManagerTimeout != 0 {
			c.Stall.ManagerTimeout = overrides.Stall.ManagerTimeout
		}
		if overrides.Stall.WarnAfter != 0 {
			c.Stall.WarnAfter = overrides.Stall.WarnAfter
		}
		if overrides.Stall.EscalateAfter != 0 {
			c.Stall.EscalateAfter = overrides.Stall.EscalateAfter
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Store.Path = expandVars(c.Store.Path, vars)
	c.Vault.KeyFile = expandVars(c.Vault.KeyFile, vars)
	c.Snapshot.Directory = expandVars(c.Snapshot.Directory, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if c.Store.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("store.pool_size must be positive"))
	}
	if c.Queue.Address == "" {
		errs = append(errs, fmt.Errorf("queue.address is required"))
	}
	if c.Queue.VisibilityTimeout <= 0 {
		errs = append(errs, fmt.Errorf("queue.visibility_timeout must be positive"))
	}
	switch c.Snapshot.Compression {
	case "none", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("snapshot.compression must be none, lz4, or zstd, got %q", c.Snapshot.Compression))
	}
	if c.Scheduler.WorkersPerRole < 1 {
		errs = append(errs, fmt.Errorf("scheduler.workers_per_role must be positive"))
	}
	if c.Scheduler.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_attempts must be positive"))
	}
	if c.Stall.Interval <= 0 {
		errs = append(errs, fmt.Errorf("stall.interval must be positive"))
	}
	if c.Stall.WarnAfter >= c.Stall.EscalateAfter {
		errs = append(errs, fmt.Errorf("stall.warn_after must be below stall.escalate_after"))
	}
	if c.Conversation.SummaryEvery < 1 {
		errs = append(errs, fmt.Errorf("conversation.summary_every must be positive"))
	}

	return errors.Join(errs...)
}
