// Package config loads the crisis core's runtime settings from the
// environment, with per-jurisdiction YAML profiles layered on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/text/language"
)

// Environment variable names. All are optional; unset means the default.
const (
	EnvDBPath           = "SOLACE_DB_PATH"
	EnvDispatchDeadline = "SOLACE_DISPATCH_DEADLINE"
	EnvRetentionDays    = "SOLACE_RETENTION_DAYS"
	EnvLocale           = "SOLACE_LOCALE"
	EnvAdvisoryInterval = "SOLACE_ADVISORY_INTERVAL"
	EnvHistoryLimit     = "SOLACE_HISTORY_LIMIT"
)

const (
	DefaultDBPath           = "solace.db"
	DefaultDispatchDeadline = 5 * time.Second
	DefaultRetentionDays    = 30
	DefaultLocale           = "en-US"
	DefaultAdvisoryInterval = 5 * time.Minute
	DefaultHistoryLimit     = 50
)

// ErrInvalid is returned for values that parse but cannot be used, such
// as a zero dispatch deadline.
var ErrInvalid = errors.New("config: invalid value")

// Config holds the core's runtime configuration.
type Config struct {
	// DBPath is the on-device SQLite file backing the vault.
	DBPath string

	// DispatchDeadline bounds how long a dispatch attempt may stay
	// unconfirmed before the session falls back to self-help.
	DispatchDeadline time.Duration

	// RetentionDays is the age at which stored envelopes and transition
	// records become eligible for the retention sweep.
	RetentionDays int

	// Locale selects the resource bundle (BCP 47).
	Locale string

	// AdvisoryInterval is the minimum spacing between elevated-risk
	// advisory notices. Zero disables the limit.
	AdvisoryInterval time.Duration

	// HistoryLimit caps the rolling observation history per session.
	HistoryLimit int

	// RightToErasure records whether the deployment jurisdiction mandates
	// user-initiated erasure. The core honors explicit purge requests
	// either way; the flag is surfaced for the embedding shell.
	RightToErasure bool
}

// Load reads configuration from environment variables, falling back to
// defaults, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		DBPath:           DefaultDBPath,
		DispatchDeadline: DefaultDispatchDeadline,
		RetentionDays:    DefaultRetentionDays,
		Locale:           DefaultLocale,
		AdvisoryInterval: DefaultAdvisoryInterval,
		HistoryLimit:     DefaultHistoryLimit,
		RightToErasure:   true,
	}

	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvDispatchDeadline); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %v: %w", EnvDispatchDeadline, err, ErrInvalid)
		}
		cfg.DispatchDeadline = d
	}
	if v := os.Getenv(EnvRetentionDays); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %v: %w", EnvRetentionDays, err, ErrInvalid)
		}
		cfg.RetentionDays = n
	}
	if v := os.Getenv(EnvLocale); v != "" {
		cfg.Locale = v
	}
	if v := os.Getenv(EnvAdvisoryInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %v: %w", EnvAdvisoryInterval, err, ErrInvalid)
		}
		cfg.AdvisoryInterval = d
	}
	if v := os.Getenv(EnvHistoryLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %v: %w", EnvHistoryLimit, err, ErrInvalid)
		}
		cfg.HistoryLimit = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that would break the
// session guarantees.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: empty db path: %w", ErrInvalid)
	}
	if c.DispatchDeadline <= 0 {
		return fmt.Errorf("config: dispatch deadline %s must be positive: %w", c.DispatchDeadline, ErrInvalid)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("config: retention %d days must be positive: %w", c.RetentionDays, ErrInvalid)
	}
	if c.AdvisoryInterval < 0 {
		return fmt.Errorf("config: advisory interval %s must not be negative: %w", c.AdvisoryInterval, ErrInvalid)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("config: history limit %d must be positive: %w", c.HistoryLimit, ErrInvalid)
	}
	if _, err := language.Parse(c.Locale); err != nil {
		return fmt.Errorf("config: locale %q: %v: %w", c.Locale, err, ErrInvalid)
	}
	return nil
}

// Retention converts the configured retention window to a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
