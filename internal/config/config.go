// Package config implements TOML configuration loading and validation for
// the sync engine, following the teacher's internal/config conventions:
// typed sections, a DefaultConfig zero-config baseline, durations stored
// as parseable strings, and fail-fast validation after decode.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cozy-labs/cozy-sync-engine/internal/docid"
)

// Config is the top-level configuration structure for one sync root.
type Config struct {
	Sync    SyncConfig    `toml:"sync"`
	Safety  SafetyConfig  `toml:"safety"`
	Logging LoggingConfig `toml:"logging"`
}

// SyncConfig controls the engine's core behavior. Durations are stored as
// strings parseable by time.ParseDuration ("10s", "2m30s") rather than as
// time.Duration directly, since BurntSushi/toml has no native duration
// type.
type SyncConfig struct {
	RootPath         string        `toml:"root_path"`
	RemoteBaseURL    string        `toml:"remote_base_url"`
	StorePath        string        `toml:"store_path"`
	IgnoreFile       string        `toml:"ignore_file"`
	IdentityFolding  docid.Folding `toml:"identity_folding"`
	PollInterval     string        `toml:"poll_interval"`
	HeartbeatTimeout string        `toml:"heartbeat_timeout"`
	AwaitWriteFinish string        `toml:"await_write_finish"`
}

// SafetyConfig controls protective thresholds.
type SafetyConfig struct {
	// BigDeleteThreshold is the number of descendants a folder deletion
	// may affect before the synchronizer blocks with ErrUserActionRequired
	// instead of applying it (SPEC_FULL.md §13).
	BigDeleteThreshold int    `toml:"big_delete_threshold"`
	MaxAttempts        int    `toml:"max_attempts"`
	RetryBackoffBase   string `toml:"retry_backoff_base"`
	RetryBackoffMax    string `toml:"retry_backoff_max"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// Default returns a zero-config baseline: a sync root at the current
// directory, an in-process SQLite file alongside it, case-sensitive
// identity folding, and conservative safety thresholds.
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			RootPath:         ".",
			StorePath:        ".cozy-sync.db",
			IgnoreFile:       ".cozyignore",
			IdentityFolding:  docid.FoldNone,
			PollInterval:     "10s",
			HeartbeatTimeout: "30s",
			AwaitWriteFinish: "2s",
		},
		Safety: SafetyConfig{
			BigDeleteThreshold: 100,
			MaxAttempts:        3,
			RetryBackoffBase:   "1s",
			RetryBackoffMax:    "5m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and decodes a TOML config file on top of Default(), then
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// Validate fails fast on configuration that would otherwise surface as a
// confusing runtime error deep inside the engine.
func Validate(cfg *Config) error {
	if cfg.Sync.RootPath == "" {
		return fmt.Errorf("config: sync.root_path must not be empty")
	}

	if cfg.Sync.StorePath == "" {
		return fmt.Errorf("config: sync.store_path must not be empty")
	}

	poll, err := validateDuration("sync.poll_interval", cfg.Sync.PollInterval)
	if err != nil {
		return err
	}

	if poll <= 0 {
		return fmt.Errorf("config: sync.poll_interval must be positive")
	}

	if _, err := validateDuration("sync.heartbeat_timeout", cfg.Sync.HeartbeatTimeout); err != nil {
		return err
	}

	if _, err := validateDuration("sync.await_write_finish", cfg.Sync.AwaitWriteFinish); err != nil {
		return err
	}

	if _, err := validateDuration("safety.retry_backoff_base", cfg.Safety.RetryBackoffBase); err != nil {
		return err
	}

	if _, err := validateDuration("safety.retry_backoff_max", cfg.Safety.RetryBackoffMax); err != nil {
		return err
	}

	if cfg.Safety.MaxAttempts <= 0 {
		return fmt.Errorf("config: safety.max_attempts must be positive")
	}

	if cfg.Safety.BigDeleteThreshold < 0 {
		return fmt.Errorf("config: safety.big_delete_threshold must not be negative")
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q is not one of debug/info/warn/error", cfg.Logging.Level)
	}

	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: logging.format %q is not one of text/json", cfg.Logging.Format)
	}

	return nil
}

func validateDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}

	return d, nil
}

// PollInterval parses SyncConfig.PollInterval. Callers rely on Validate
// having already been run, so the error is not expected in practice.
func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Sync.PollInterval)
	return d
}

// HeartbeatTimeout parses SyncConfig.HeartbeatTimeout.
func (c *Config) HeartbeatTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Sync.HeartbeatTimeout)
	return d
}

// AwaitWriteFinish parses SyncConfig.AwaitWriteFinish.
func (c *Config) AwaitWriteFinish() time.Duration {
	d, _ := time.ParseDuration(c.Sync.AwaitWriteFinish)
	return d
}

// RetryBackoffBase parses SafetyConfig.RetryBackoffBase.
func (c *Config) RetryBackoffBase() time.Duration {
	d, _ := time.ParseDuration(c.Safety.RetryBackoffBase)
	return d
}

// RetryBackoffMax parses SafetyConfig.RetryBackoffMax.
func (c *Config) RetryBackoffMax() time.Duration {
	d, _ := time.ParseDuration(c.Safety.RetryBackoffMax)
	return d
}
