// Package config holds the SNRE configuration schema. The schema is fixed:
// fields are named, typed, and range-validated, and unknown keys in a config
// file are rejected at load time rather than silently accepted.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Valid storage backends for the session repository.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config holds all SNRE settings. Use DefaultConfig or Load to construct one;
// Validate must pass before the config reaches the coordinator.
type Config struct {
	// Swarm loop settings
	MaxConcurrentAgents int     `yaml:"max_concurrent_agents"`
	ConsensusThreshold  float64 `yaml:"consensus_threshold"`
	MaxIterations       int     `yaml:"max_iterations"`

	// Advisory only: recorded for callers and external watchdogs, the loop
	// itself does not enforce it.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// Evolution recording
	EnableEvolutionLog bool `yaml:"enable_evolution_log"`
	SnapshotFrequency  int  `yaml:"snapshot_frequency"`
	MaxSnapshots       int  `yaml:"max_snapshots"`

	// Storage
	StorageBackend string `yaml:"storage_backend"` // file | sqlite
	DataDir        string `yaml:"data_dir"`
	DatabasePath   string `yaml:"database_path"`

	// Git integration
	GitAutoCommit  bool `yaml:"git_auto_commit"`
	BackupOriginal bool `yaml:"backup_original"`
	CreateBranch   bool `yaml:"create_branch"`

	// Agents whose strong votes can override a round's decision.
	PriorityAgents []string `yaml:"priority_agents"`

	// HTTP service
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentAgents: 5,
		ConsensusThreshold:  0.6,
		MaxIterations:       10,
		TimeoutSeconds:      300,
		EnableEvolutionLog:  true,
		SnapshotFrequency:   5,
		MaxSnapshots:        100,
		StorageBackend:      BackendFile,
		DataDir:             "data",
		DatabasePath:        filepath.Join("data", "snre.db"),
		GitAutoCommit:       false,
		BackupOriginal:      true,
		CreateBranch:        true,
		ListenAddr:          ":8350",
	}
}

// SessionsDir returns the directory holding file-backend session documents.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "refactor_logs", "sessions")
}

// LogsDir returns the directory holding evolution logs.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "refactor_logs")
}

// SnapshotsDir returns the directory holding code snapshots.
func (c *Config) SnapshotsDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

// Load reads configuration from a YAML file, applying defaults for absent
// fields and environment overrides on top. A missing file yields defaults.
// Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
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

// applyEnvOverrides lets a handful of settings be tuned without a file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SNRE_DATA_DIR"); v != "" {
		c.DataDir = v
		c.DatabasePath = filepath.Join(v, "snre.db")
	}
	if v := os.Getenv("SNRE_STORAGE_BACKEND"); v != "" {
		c.StorageBackend = v
	}
	if v := os.Getenv("SNRE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("SNRE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxIterations = n
		}
	}
}

// Validate checks every field's range. Out-of-range values fail fast with a
// descriptive error; nothing is clamped.
func (c *Config) Validate() error {
	if c.MaxConcurrentAgents < 1 {
		return fmt.Errorf("max_concurrent_agents must be >= 1, got %d", c.MaxConcurrentAgents)
	}
	if c.ConsensusThreshold < 0 || c.ConsensusThreshold > 1 {
		return fmt.Errorf("consensus_threshold must be in [0,1], got %g", c.ConsensusThreshold)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", c.MaxIterations)
	}
	if c.TimeoutSeconds < 10 {
		return fmt.Errorf("timeout_seconds must be >= 10, got %d", c.TimeoutSeconds)
	}
	if c.SnapshotFrequency < 1 {
		return fmt.Errorf("snapshot_frequency must be >= 1, got %d", c.SnapshotFrequency)
	}
	if c.MaxSnapshots < 1 {
		return fmt.Errorf("max_snapshots must be >= 1, got %d", c.MaxSnapshots)
	}
	if c.StorageBackend != BackendFile && c.StorageBackend != BackendSQLite {
		return fmt.Errorf("storage_backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.StorageBackend)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	return nil
}

// Overrides carries per-session tuning passed to Coordinator.Start. Nil
// fields leave the base config untouched.
type Overrides struct {
	ConsensusThreshold *float64 `json:"consensus_threshold,omitempty" yaml:"consensus_threshold,omitempty"`
	MaxIterations      *int     `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	SnapshotFrequency  *int     `json:"snapshot_frequency,omitempty" yaml:"snapshot_frequency,omitempty"`
}

// Apply returns a copy of base with the overrides applied and validated.
func (o *Overrides) Apply(base *Config) (*Config, error) {
	cfg := *base
	if o != nil {
		if o.ConsensusThreshold != nil {
			cfg.ConsensusThreshold = *o.ConsensusThreshold
		}
		if o.MaxIterations != nil {
			cfg.MaxIterations = *o.MaxIterations
		}
		if o.SnapshotFrequency != nil {
			cfg.SnapshotFrequency = *o.SnapshotFrequency
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
