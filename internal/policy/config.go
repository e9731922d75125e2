package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds defines the governance boundaries for proposed actions.
// The spend threshold and price cap are deployment policy, not code.
type Thresholds struct {
	SpendThresholdUSD float64 `yaml:"spend_threshold_usd"`
	PriceChangeCapPct float64 `yaml:"price_change_cap_pct"`
	// PriceChangeHardCapPct is a non-waivable legal ceiling. Above it the
	// gate rejects outright instead of asking a human. 0 disables.
	PriceChangeHardCapPct float64 `yaml:"price_change_hard_cap_pct"`
}

// Vendors lists suppliers cleared by prior procurement review.
type Vendors struct {
	Vetted []string `yaml:"vetted"`
}

// IsVetted reports whether a vendor appears in the vetted list.
func (v Vendors) IsVetted(id string) bool {
	for _, w := range v.Vetted {
		if w == id {
			return true
		}
	}
	return false
}

// Stages holds the reasoning-call envelope shared by all stage adapters.
type Stages struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Budget bounds the inference spend of a single run.
type Budget struct {
	MaxRunCostUSD  float64 `yaml:"max_run_cost_usd"`
	CostPerCallUSD float64 `yaml:"cost_per_call_usd"`
}

// Approvals tunes the human sign-off workflow.
type Approvals struct {
	// MaxPendingAge auto-rejects requests older than this on sweep.
	// 0 means approvals wait forever (the default).
	MaxPendingAge time.Duration `yaml:"max_pending_age"`
}

// Config holds all configurable pipeline parameters.
type Config struct {
	Thresholds Thresholds `yaml:"thresholds"`
	Vendors    Vendors    `yaml:"vendors"`
	Stages     Stages     `yaml:"stages"`
	Budget     Budget     `yaml:"budget"`
	Approvals  Approvals  `yaml:"approvals"`
}

// DefaultConfig returns built-in defaults: $50,000 spend threshold and a
// +10% price cap.
func DefaultConfig() *Config {
	return &Config{
		Thresholds: Thresholds{
			SpendThresholdUSD:     50000,
			PriceChangeCapPct:     10,
			PriceChangeHardCapPct: 0,
		},
		Stages: Stages{
			Timeout:     30 * time.Second,
			MaxAttempts: 3,
		},
		Budget: Budget{
			MaxRunCostUSD:  1.0,
			CostPerCallUSD: 0.0045,
		},
	}
}

// DefaultPath returns the default config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "stormguard-policy.yaml")
	}
	return filepath.Join(home, ".stormguard", "policy.yaml")
}

// LoadConfig loads configuration from a YAML file.
// Empty path falls back to ~/.stormguard/policy.yaml.
// Missing file returns defaults. Invalid YAML returns an error.
func LoadConfig(path string) (*Config, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash loads configuration and returns its SHA-256 hash.
// The hash is computed over the raw YAML bytes on disk and is recorded in
// every audit entry so a reviewer can tell which policy governed a decision.
// When no file exists (defaults used), the hash is the SHA-256 of empty input.
func LoadConfigWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			h := sha256.Sum256(nil)
			return DefaultConfig(), "sha256:" + hex.EncodeToString(h[:]), nil
		}
		return nil, "", fmt.Errorf("failed to read policy config: %w", err)
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	// Start with defaults, YAML overwrites only specified fields
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse policy config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, "", err
	}

	return cfg, hash, nil
}

func (c *Config) validate() error {
	if c.Thresholds.SpendThresholdUSD < 0 {
		return fmt.Errorf("spend_threshold_usd must not be negative")
	}
	if c.Thresholds.PriceChangeCapPct < 0 {
		return fmt.Errorf("price_change_cap_pct must not be negative")
	}
	if c.Stages.MaxAttempts < 1 {
		return fmt.Errorf("stages.max_attempts must be at least 1")
	}
	if c.Stages.Timeout <= 0 {
		return fmt.Errorf("stages.timeout must be positive")
	}
	return nil
}

// DefaultConfigYAML returns a commented YAML string for init-policy.
func DefaultConfigYAML() string {
	return `# stormguard policy configuration
# Generated by: stormguard init-policy
#
# Gate evaluation order (cannot be changed):
#   1. Hard anti-gouging cap -> reject (non-waivable, run fails)
#   2. Spend over threshold -> require_approval
#   3. Price increase over cap -> require_approval
#   4. Unvetted vendor -> require_approval
#   5. Otherwise -> auto_approve

thresholds:
  # Procurement spend above this requires executive approval.
  spend_threshold_usd: 50000
  # Price increases above this percentage require approval.
  # Decreases (clearance) are never gated.
  price_change_cap_pct: 10
  # Legal ceiling on price increases. Above this the run fails outright
  # instead of waiting for a human. 0 disables.
  price_change_hard_cap_pct: 0

# Suppliers cleared by procurement review. Orders routed to anyone else
# require approval.
vendors:
  vetted: []

# Reasoning-call envelope applied by every stage adapter.
stages:
  timeout: 30s
  max_attempts: 3

# Inference spend limits per pipeline run.
budget:
  max_run_cost_usd: 1.0
  cost_per_call_usd: 0.0045

# Human sign-off workflow. max_pending_age auto-rejects stale requests
# on sweep; 0 waits forever.
approvals:
  max_pending_age: 0s
`
}
