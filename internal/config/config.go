// Package config handles reading and writing .autopilot/config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/berth-dev/autopilot/internal/analyze"
)

// Config is the top-level structure for .autopilot/config.yaml.
type Config struct {
	Version   int             `yaml:"version"`
	Model     string          `yaml:"model"`
	Store     StoreConfig     `yaml:"store"`
	Autopilot AutopilotConfig `yaml:"autopilot"`
	Analyzer  analyze.Weights `yaml:"analyzer"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	History   HistoryConfig   `yaml:"history"`
}

// StoreConfig locates the session store.
type StoreConfig struct {
	Root string `yaml:"root"` // empty means ~/.autopilot/projects
}

// AutopilotConfig controls the iteration loop.
type AutopilotConfig struct {
	MaxIterations         int     `yaml:"max_iterations"`
	TimeoutPerIteration   int     `yaml:"timeout_per_iteration"` // seconds
	ContinuationThreshold float64 `yaml:"continuation_threshold"`
	Verbose               bool    `yaml:"verbose"`
	EnableDualAgent       bool    `yaml:"enable_dual_agent"`
	ReuseAgentSession     bool    `yaml:"reuse_agent_session"`
}

// Timeout returns the per-iteration timeout as a duration.
func (a AutopilotConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutPerIteration) * time.Second
}

// ExecutorConfig controls how the agent CLI is spawned.
type ExecutorConfig struct {
	Command         string   `yaml:"command"`
	AllowedTools    []string `yaml:"allowed_tools"`
	GracePeriod     int      `yaml:"grace_period"` // seconds between interrupt and kill
	SkipPermissions bool     `yaml:"skip_permissions"`
}

// CleanupConfig controls session reclamation.
type CleanupConfig struct {
	MaxAgeDays int `yaml:"max_age_days"`
}

// HistoryConfig toggles the run-history database.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
}

const configDir = ".autopilot"
const configFile = "config.yaml"

// Dir returns the .autopilot directory inside the project root.
func Dir(projectRoot string) string {
	return filepath.Join(projectRoot, configDir)
}

// ReadConfig reads .autopilot/config.yaml from the given project directory.
// Keys absent from the file keep their default values.
// Returns an error if the file is not found or YAML is malformed.
func ReadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, configDir, configFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Load is ReadConfig that falls back to DefaultConfig when the file does
// not exist.
func Load(dir string) (*Config, error) {
	cfg, err := ReadConfig(dir)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

// WriteConfig writes cfg to .autopilot/config.yaml in the given project
// directory. Creates the .autopilot/ directory if it does not exist.
func WriteConfig(dir string, cfg *Config) error {
	dirPath := filepath.Join(dir, configDir)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	path := filepath.Join(dirPath, configFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Model:   "sonnet",
		Autopilot: AutopilotConfig{
			MaxIterations:         10,
			TimeoutPerIteration:   600,
			ContinuationThreshold: 0.7,
		},
		Analyzer: analyze.DefaultWeights(),
		Executor: ExecutorConfig{
			Command:      "claude",
			AllowedTools: []string{"Read", "Write", "Edit", "Bash", "Grep", "Glob"},
			GracePeriod:  5,
		},
		Cleanup: CleanupConfig{
			MaxAgeDays: 30,
		},
		History: HistoryConfig{
			Enabled: true,
		},
	}
}
