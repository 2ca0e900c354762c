// Package config loads and validates rulesmith configuration from
// .rulesmith/config.yaml, with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all rulesmith configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Store     StoreConfig     `yaml:"store"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Merge     MergeConfig     `yaml:"merge"`
	Prune     PruneConfig     `yaml:"prune"`
	Selection SelectionConfig `yaml:"selection"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig configures rule persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ScoringConfig configures the read-time decay projection.
type ScoringConfig struct {
	HalfLifeDays float64 `yaml:"half_life_days"` // exponential decay half-life
}

// MergeConfig configures near-duplicate detection.
type MergeConfig struct {
	JaccardThreshold    float64 `yaml:"jaccard_threshold"`     // token-set similarity floor
	EditDistanceCeiling float64 `yaml:"edit_distance_ceiling"` // normalized Levenshtein cap
}

// PruneConfig configures the retention sweep.
type PruneConfig struct {
	RetentionFloor         float64 `yaml:"retention_floor"`          // effective confidence floor
	ExplicitRetentionFloor float64 `yaml:"explicit_retention_floor"` // user-stated rules decay slower
	GraceDays              int     `yaml:"grace_days"`               // recently applied rules are safe
	MinKeepCount           int     `yaml:"min_keep_count"`           // never shrink below this
}

// SelectionConfig configures rule selection for prompt injection.
type SelectionConfig struct {
	ConfidenceFloor float64 `yaml:"confidence_floor"` // effective confidence floor
	DefaultBudget   int     `yaml:"default_budget"`   // max rules per request
}

// SnapshotConfig configures the validation rule snapshot refresh policy.
type SnapshotConfig struct {
	RefreshInterval string `yaml:"refresh_interval"` // e.g. "30s"
	RefreshRequests int    `yaml:"refresh_requests"` // re-fetch every N requests
}

// ApprovalConfig configures implicit learning from silence: a generation not
// corrected within the window counts as accepted.
type ApprovalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Window  string `yaml:"window"` // e.g. "10m"
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// DefaultConfig returns the design defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "rulesmith",
		Version: "1.0",
		Store: StoreConfig{
			DatabasePath: filepath.Join(".rulesmith", "rules.db"),
		},
		Scoring: ScoringConfig{
			HalfLifeDays: 30,
		},
		Merge: MergeConfig{
			JaccardThreshold:    0.6,
			EditDistanceCeiling: 0.3,
		},
		Prune: PruneConfig{
			RetentionFloor:         0.15,
			ExplicitRetentionFloor: 0.05,
			GraceDays:              14,
			MinKeepCount:           50,
		},
		Selection: SelectionConfig{
			ConfidenceFloor: 0.3,
			DefaultBudget:   20,
		},
		Snapshot: SnapshotConfig{
			RefreshInterval: "30s",
			RefreshRequests: 50,
		},
		Approval: ApprovalConfig{
			Enabled: true,
			Window:  "10m",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
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

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("RULESMITH_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if lvl := os.Getenv("RULESMITH_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
	if os.Getenv("RULESMITH_DEBUG") == "1" {
		c.Logging.DebugMode = true
	}
}

// GetSnapshotRefreshInterval returns the snapshot refresh interval.
func (c *Config) GetSnapshotRefreshInterval() time.Duration {
	d, err := time.ParseDuration(c.Snapshot.RefreshInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetApprovalWindow returns the implicit-approval window.
func (c *Config) GetApprovalWindow() time.Duration {
	d, err := time.ParseDuration(c.Approval.Window)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Store.DatabasePath == "" {
		return fmt.Errorf("store.database_path is required")
	}
	if c.Scoring.HalfLifeDays <= 0 {
		return fmt.Errorf("scoring.half_life_days must be positive, got %v", c.Scoring.HalfLifeDays)
	}
	if c.Merge.JaccardThreshold <= 0 || c.Merge.JaccardThreshold > 1 {
		return fmt.Errorf("merge.jaccard_threshold must be in (0,1], got %v", c.Merge.JaccardThreshold)
	}
	if c.Merge.EditDistanceCeiling <= 0 || c.Merge.EditDistanceCeiling > 1 {
		return fmt.Errorf("merge.edit_distance_ceiling must be in (0,1], got %v", c.Merge.EditDistanceCeiling)
	}
	if c.Prune.RetentionFloor < 0 || c.Prune.RetentionFloor > 1 {
		return fmt.Errorf("prune.retention_floor must be in [0,1], got %v", c.Prune.RetentionFloor)
	}
	if c.Prune.ExplicitRetentionFloor > c.Prune.RetentionFloor {
		return fmt.Errorf("prune.explicit_retention_floor must not exceed prune.retention_floor")
	}
	if c.Prune.GraceDays < 0 {
		return fmt.Errorf("prune.grace_days must be non-negative, got %d", c.Prune.GraceDays)
	}
	if c.Selection.ConfidenceFloor < 0 || c.Selection.ConfidenceFloor > 1 {
		return fmt.Errorf("selection.confidence_floor must be in [0,1], got %v", c.Selection.ConfidenceFloor)
	}
	if c.Selection.DefaultBudget <= 0 {
		return fmt.Errorf("selection.default_budget must be positive, got %d", c.Selection.DefaultBudget)
	}
	return nil
}

// FindWorkspaceRoot walks up from the working directory looking for an
// existing .rulesmith directory, falling back to the working directory.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for d := dir; ; {
		if info, err := os.Stat(filepath.Join(d, ".rulesmith")); err == nil && info.IsDir() {
			return d, nil
		}
		parent := filepath.Dir(d)
		if parent == d {
			break
		}
		d = parent
	}
	return dir, nil
}

// DefaultConfigPath returns the standard config location under the workspace.
func DefaultConfigPath(workspace string) string {
	return filepath.Join(workspace, ".rulesmith", "config.yaml")
}
