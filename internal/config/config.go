// Package config handles Tally configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cloud-shuttle/tally/pkg/types"
)

// TierConfig names a worker tier and the model the adapter should use for it
type TierConfig struct {
	Name  types.Tier `toml:"name"`
	Model string     `toml:"model"`
}

// Config holds Tally configuration
type Config struct {
	// Data directory (relative to project root)
	DataDir string

	// Backend database path (the bundled SQLite backend)
	DatabasePath string

	// Adapter settings
	AdapterType string // "claude", "codex", or "script"
	AdapterPath string // path to the adapter binary

	// Attempt settings
	AttemptTimeout     time.Duration
	MaxAttemptsPerTier int
	MaxTotalAttempts   int

	// Tiers, ordered cheapest first. Escalation walks this list forward.
	Tiers []TierConfig

	// Budget limits for a run session; zero means unlimited
	BudgetTokens  int64
	BudgetCost    float64
	BudgetTime    time.Duration
	WarnThreshold int // percent of any limit that triggers a soft warning

	// Session lock settings
	HeartbeatInterval time.Duration
	StaleLockAge      time.Duration

	// Verbose mode for debugging
	Verbose bool
}

// DefaultTiers is the escalation ladder used when no project config overrides it
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{Name: "cheap"},
		{Name: "capable"},
		{Name: "premium"},
	}
}

// Load loads configuration from environment and defaults
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:            ".tally",
		DatabasePath:       filepath.Join(".tally", "tasks.db"),
		AdapterType:        "claude",
		AdapterPath:        "claude",
		AttemptTimeout:     30 * time.Minute,
		MaxAttemptsPerTier: 2,
		MaxTotalAttempts:   6,
		Tiers:              DefaultTiers(),
		BudgetTokens:       0,
		BudgetCost:         0,
		BudgetTime:         0,
		WarnThreshold:      80,
		HeartbeatInterval:  15 * time.Second,
		StaleLockAge:       2 * time.Minute,
	}

	// Environment overrides
	if v := os.Getenv("TALLY_DATA_DIR"); v != "" {
		cfg.DataDir = v
		cfg.DatabasePath = filepath.Join(v, "tasks.db")
	}
	if v := os.Getenv("TALLY_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("TALLY_ADAPTER_TYPE"); v != "" {
		cfg.AdapterType = v
	}
	if v := os.Getenv("TALLY_ADAPTER_PATH"); v != "" {
		cfg.AdapterPath = v
	} else if cfg.AdapterType != "claude" {
		// Default binary name follows the adapter type
		cfg.AdapterPath = cfg.AdapterType
	}
	if v := os.Getenv("TALLY_ATTEMPT_TIMEOUT"); v != "" {
		cfg.AttemptTimeout = parseDurationOrDefault(v, 30*time.Minute)
	}
	if v := os.Getenv("TALLY_MAX_ATTEMPTS_PER_TIER"); v != "" {
		cfg.MaxAttemptsPerTier = parseIntOrDefault(v, 2)
	}
	if v := os.Getenv("TALLY_MAX_TOTAL_ATTEMPTS"); v != "" {
		cfg.MaxTotalAttempts = parseIntOrDefault(v, 6)
	}
	if v := os.Getenv("TALLY_BUDGET_TOKENS"); v != "" {
		cfg.BudgetTokens = int64(parseIntOrDefault(v, 0))
	}
	if v := os.Getenv("TALLY_BUDGET_COST"); v != "" {
		cfg.BudgetCost = parseFloatOrDefault(v, 0)
	}
	if v := os.Getenv("TALLY_BUDGET_TIME"); v != "" {
		cfg.BudgetTime = parseDurationOrDefault(v, 0)
	}
	if v := os.Getenv("TALLY_WARN_THRESHOLD"); v != "" {
		cfg.WarnThreshold = parseIntOrDefault(v, 80)
	}
	if v := os.Getenv("TALLY_HEARTBEAT_INTERVAL"); v != "" {
		cfg.HeartbeatInterval = parseDurationOrDefault(v, 15*time.Second)
	}
	if v := os.Getenv("TALLY_STALE_LOCK_AGE"); v != "" {
		cfg.StaleLockAge = parseDurationOrDefault(v, 2*time.Minute)
	}
	if v := os.Getenv("TALLY_VERBOSE"); v != "" {
		cfg.Verbose = v == "true" || v == "1"
	}

	return cfg, nil
}

// TierNames returns the ordered tier names for the escalation policy
func (c *Config) TierNames() []types.Tier {
	names := make([]types.Tier, len(c.Tiers))
	for i, t := range c.Tiers {
		names[i] = t.Name
	}
	return names
}

// ModelFor returns the model configured for a tier, or empty for the
// adapter default
func (c *Config) ModelFor(tier types.Tier) string {
	for _, t := range c.Tiers {
		if t.Name == tier {
			return t.Model
		}
	}
	return ""
}

func parseIntOrDefault(s string, def int) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return def
	}
	return i
}

func parseFloatOrDefault(s string, def float64) float64 {
	var f float64
	if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
		return def
	}
	return f
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
