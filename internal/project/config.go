// Package project provides per-project configuration management
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cloud-shuttle/tally/internal/config"
)

// ConfigFileName is the per-project configuration file
const ConfigFileName = "tally.toml"

// Duration wraps time.Duration so TOML values like "30m" parse
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds per-project Tally configuration loaded from tally.toml
type Config struct {
	// Adapter configuration
	Adapter        string   `toml:"adapter"`
	AttemptTimeout Duration `toml:"attempt_timeout"`

	// Escalation settings
	Tiers              []config.TierConfig `toml:"tiers"`
	MaxAttemptsPerTier int                 `toml:"max_attempts_per_tier"`
	MaxTotalAttempts   int                 `toml:"max_total_attempts"`

	// Budget limits; zero means unlimited
	BudgetTokens  int64    `toml:"budget_tokens"`
	BudgetCost    float64  `toml:"budget_cost"`
	BudgetTime    Duration `toml:"budget_time"`
	WarnThreshold int      `toml:"warn_threshold"`

	// Project-specific guidelines included in every rendered instruction
	Guidelines string `toml:"guidelines"`

	// File path where this config was loaded
	configPath string
}

// Load reads tally.toml from the project directory.
// A missing file is not an error; an empty config is returned.
func Load(projectDir string) (*Config, error) {
	cfg := &Config{}

	path := filepath.Join(projectDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.configPath = path

	return cfg, nil
}

// Validate checks the project config for inconsistencies
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, t := range c.Tiers {
		if t.Name == "" {
			return fmt.Errorf("tier with empty name in %s", c.configPath)
		}
		if seen[string(t.Name)] {
			return fmt.Errorf("duplicate tier %q in %s", t.Name, c.configPath)
		}
		seen[string(t.Name)] = true
	}
	if c.MaxAttemptsPerTier < 0 || c.MaxTotalAttempts < 0 {
		return fmt.Errorf("negative attempt limits in %s", c.configPath)
	}
	return nil
}

// MergeInto overlays the project config onto the global config.
// Only fields the project file actually set are applied.
func (c *Config) MergeInto(global *config.Config) {
	if c.Adapter != "" {
		// The binary path follows the adapter type unless something set it
		// explicitly, mirroring how the env layer defaults it.
		if global.AdapterPath == global.AdapterType {
			global.AdapterPath = c.Adapter
		}
		global.AdapterType = c.Adapter
	}
	if c.AttemptTimeout > 0 {
		global.AttemptTimeout = time.Duration(c.AttemptTimeout)
	}
	if len(c.Tiers) > 0 {
		global.Tiers = c.Tiers
	}
	if c.MaxAttemptsPerTier > 0 {
		global.MaxAttemptsPerTier = c.MaxAttemptsPerTier
	}
	if c.MaxTotalAttempts > 0 {
		global.MaxTotalAttempts = c.MaxTotalAttempts
	}
	if c.BudgetTokens > 0 {
		global.BudgetTokens = c.BudgetTokens
	}
	if c.BudgetCost > 0 {
		global.BudgetCost = c.BudgetCost
	}
	if c.BudgetTime > 0 {
		global.BudgetTime = time.Duration(c.BudgetTime)
	}
	if c.WarnThreshold > 0 {
		global.WarnThreshold = c.WarnThreshold
	}
}

// ConfigPath returns where this config was loaded from, if anywhere
func (c *Config) ConfigPath() string {
	return c.configPath
}

// GetGuidelines returns the project guidelines, if any
func (c *Config) GetGuidelines() string {
	return c.Guidelines
}
