package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solace-health/solace/core/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvDBPath, "")
	t.Setenv(config.EnvDispatchDeadline, "")
	t.Setenv(config.EnvRetentionDays, "")
	t.Setenv(config.EnvLocale, "")
	t.Setenv(config.EnvAdvisoryInterval, "")
	t.Setenv(config.EnvHistoryLimit, "")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.DefaultDBPath, cfg.DBPath)
	assert.Equal(t, 5*time.Second, cfg.DispatchDeadline)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, "en-US", cfg.Locale)
	assert.Equal(t, 5*time.Minute, cfg.AdvisoryInterval)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.True(t, cfg.RightToErasure)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(config.EnvDBPath, "/data/wellness.db")
	t.Setenv(config.EnvDispatchDeadline, "2s")
	t.Setenv(config.EnvRetentionDays, "14")
	t.Setenv(config.EnvLocale, "en-GB")
	t.Setenv(config.EnvAdvisoryInterval, "10m")
	t.Setenv(config.EnvHistoryLimit, "25")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "/data/wellness.db", cfg.DBPath)
	assert.Equal(t, 2*time.Second, cfg.DispatchDeadline)
	assert.Equal(t, 14, cfg.RetentionDays)
	assert.Equal(t, "en-GB", cfg.Locale)
	assert.Equal(t, 10*time.Minute, cfg.AdvisoryInterval)
	assert.Equal(t, 25, cfg.HistoryLimit)
}

func TestLoad_RejectsUnusableValues(t *testing.T) {
	cases := []struct {
		name  string
		env   string
		value string
	}{
		{"malformed deadline", config.EnvDispatchDeadline, "soon"},
		{"zero deadline", config.EnvDispatchDeadline, "0s"},
		{"negative deadline", config.EnvDispatchDeadline, "-5s"},
		{"malformed retention", config.EnvRetentionDays, "a month"},
		{"zero retention", config.EnvRetentionDays, "0"},
		{"negative advisory interval", config.EnvAdvisoryInterval, "-1m"},
		{"zero history limit", config.EnvHistoryLimit, "0"},
		{"unparseable locale", config.EnvLocale, "not a locale"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.env, tc.value)

			_, err := config.Load()
			assert.ErrorIs(t, err, config.ErrInvalid)
		})
	}
}

func TestLoad_AdvisoryIntervalZeroDisablesLimit(t *testing.T) {
	clearEnv(t)
	t.Setenv(config.EnvAdvisoryInterval, "0s")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.AdvisoryInterval)
}

func TestRetention_Conversion(t *testing.T) {
	cfg := config.Config{RetentionDays: 30}
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())
}
