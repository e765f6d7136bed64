package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a jurisdiction-specific overlay on the base configuration.
// Deployments ship one YAML file per region; zero fields leave the base
// value untouched.
type Profile struct {
	Name               string `yaml:"name" json:"name"`
	Code               string `yaml:"code" json:"code"`
	Locale             string `yaml:"locale,omitempty" json:"locale,omitempty"`
	RetentionDays      int    `yaml:"retention_days,omitempty" json:"retention_days,omitempty"`
	DispatchDeadlineMs int    `yaml:"dispatch_deadline_ms,omitempty" json:"dispatch_deadline_ms,omitempty"`
	AdvisoryIntervalMs int    `yaml:"advisory_interval_ms,omitempty" json:"advisory_interval_ms,omitempty"`

	// RightToErasure is a pointer so an absent key is distinguishable
	// from an explicit false.
	RightToErasure *bool `yaml:"right_to_erasure,omitempty" json:"right_to_erasure,omitempty"`
}

// LoadProfile loads a jurisdiction profile by code. It reads
// profile_<code>.yaml from the profiles directory; an unknown code
// surfaces the file-not-found error.
func LoadProfile(profilesDir, code string) (*Profile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile %q: %w", code, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	if profile.RetentionDays < 0 || profile.DispatchDeadlineMs < 0 || profile.AdvisoryIntervalMs < 0 {
		return nil, fmt.Errorf("config: profile %q carries negative durations: %w", code, ErrInvalid)
	}

	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory,
// keyed by jurisdiction code.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		base := filepath.Base(path)
		code := strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		profile, err := LoadProfile(profilesDir, code)
		if err != nil {
			return nil, err
		}
		profiles[profile.Code] = profile
	}

	return profiles, nil
}

// Apply overlays the profile on a base configuration and validates the
// result.
func (p *Profile) Apply(base Config) (Config, error) {
	cfg := base
	if p.Locale != "" {
		cfg.Locale = p.Locale
	}
	if p.RetentionDays > 0 {
		cfg.RetentionDays = p.RetentionDays
	}
	if p.DispatchDeadlineMs > 0 {
		cfg.DispatchDeadline = time.Duration(p.DispatchDeadlineMs) * time.Millisecond
	}
	if p.AdvisoryIntervalMs > 0 {
		cfg.AdvisoryInterval = time.Duration(p.AdvisoryIntervalMs) * time.Millisecond
	}
	if p.RightToErasure != nil {
		cfg.RightToErasure = *p.RightToErasure
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: profile %q: %w", p.Code, err)
	}
	return cfg, nil
}
