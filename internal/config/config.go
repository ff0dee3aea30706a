// Package config loads and persists the daemon configuration from
// <home>/config.yaml, applying defaults and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/MiahMontgomery/titan-sub000/internal/otel"
)

// Retention and feedback-loop constants. These are configuration defaults,
// not protocol: operators may tune them per deployment.
const (
	DefaultSessionCap        = 5
	DefaultCheckpointCap     = 20
	DefaultAccuracyThreshold = 70.0
	DefaultTargetAccuracy    = 85.0
	DefaultTrainingPriority  = 2
	DefaultPollSeconds       = 5
	DefaultGenTimeoutSeconds = 120
	DefaultMaxTokens         = 4096

	// Monday 03:00, the weekly retraining sweep.
	DefaultScanSchedule = "0 3 * * 1"
)

// GenerationConfig holds settings for the external generation capability.
type GenerationConfig struct {
	// BaseURL of an OpenAI-compatible chat completions endpoint.
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`
	// TimeoutSeconds bounds a single generation call; a timeout is a failure.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxTokens      int `yaml:"max_tokens"`
}

// RunnerConfig holds execution loop settings.
type RunnerConfig struct {
	AgentID     string `yaml:"agent_id"`
	PollSeconds int    `yaml:"poll_seconds"`
	// ProjectFile points at the YAML project tree the loop drives.
	ProjectFile string `yaml:"project_file"`
}

// TrainingConfig holds training scanner settings.
type TrainingConfig struct {
	// Schedule is a standard 5-field cron expression.
	Schedule string `yaml:"schedule"`
	// Agents lists the agent ids scanned for underperforming skills.
	Agents []string `yaml:"agents"`
	// AccuracyThreshold marks skills below it as underperforming.
	AccuracyThreshold float64 `yaml:"accuracy_threshold"`
	// TargetAccuracy tags retraining tasks with the accuracy goal.
	TargetAccuracy float64 `yaml:"target_accuracy"`
	// Priority for retraining tasks, above the default 0.
	Priority int `yaml:"priority"`
}

// RetentionConfig holds per-store retention caps.
type RetentionConfig struct {
	// SessionsPerAgent caps retained session snapshots per agent.
	SessionsPerAgent int `yaml:"sessions_per_agent"`
	// CheckpointsPerProject caps retained checkpoints per project.
	CheckpointsPerProject int `yaml:"checkpoints_per_project"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	Generation GenerationConfig `yaml:"generation"`
	Runner     RunnerConfig     `yaml:"runner"`
	Training   TrainingConfig   `yaml:"training"`
	Retention  RetentionConfig  `yaml:"retention"`
	Otel       otel.Config      `yaml:"otel"`
}

// DefaultHomeDir returns ~/.titan, falling back to the working directory.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".titan")
}

func defaults(homeDir string) Config {
	return Config{
		HomeDir:  homeDir,
		DBPath:   filepath.Join(homeDir, "titan.db"),
		LogLevel: "info",
		Generation: GenerationConfig{
			BaseURL:        "http://localhost:11434/v1",
			Model:          "default",
			APIKeyEnv:      "TITAN_API_KEY",
			TimeoutSeconds: DefaultGenTimeoutSeconds,
			MaxTokens:      DefaultMaxTokens,
		},
		Runner: RunnerConfig{
			AgentID:     "jason",
			PollSeconds: DefaultPollSeconds,
		},
		Training: TrainingConfig{
			Schedule:          DefaultScanSchedule,
			Agents:            []string{"jason"},
			AccuracyThreshold: DefaultAccuracyThreshold,
			TargetAccuracy:    DefaultTargetAccuracy,
			Priority:          DefaultTrainingPriority,
		},
		Retention: RetentionConfig{
			SessionsPerAgent:      DefaultSessionCap,
			CheckpointsPerProject: DefaultCheckpointCap,
		},
	}
}

// Load reads <homeDir>/config.yaml, filling missing fields with defaults and
// applying environment overrides. A missing file yields pure defaults.
func Load(homeDir string) (Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := defaults(homeDir)

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.HomeDir = homeDir
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// Save writes the config to <homeDir>/config.yaml, creating the directory.
func (c Config) Save() error {
	if err := os.MkdirAll(c.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(c.HomeDir, "config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TITAN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TITAN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TITAN_GENERATION_URL"); v != "" {
		cfg.Generation.BaseURL = v
	}
	if v := os.Getenv("TITAN_GENERATION_MODEL"); v != "" {
		cfg.Generation.Model = v
	}
	if v := os.Getenv("TITAN_AGENT_ID"); v != "" {
		cfg.Runner.AgentID = v
	}
	if v := os.Getenv("TITAN_POLL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runner.PollSeconds = n
		}
	}
}

// normalize clamps zero or negative values back to defaults so a sparse
// config file cannot disable retention or stall the loop.
func normalize(cfg *Config) {
	if cfg.Runner.PollSeconds <= 0 {
		cfg.Runner.PollSeconds = DefaultPollSeconds
	}
	if cfg.Generation.TimeoutSeconds <= 0 {
		cfg.Generation.TimeoutSeconds = DefaultGenTimeoutSeconds
	}
	if cfg.Generation.MaxTokens <= 0 {
		cfg.Generation.MaxTokens = DefaultMaxTokens
	}
	if cfg.Retention.SessionsPerAgent <= 0 {
		cfg.Retention.SessionsPerAgent = DefaultSessionCap
	}
	if cfg.Retention.CheckpointsPerProject <= 0 {
		cfg.Retention.CheckpointsPerProject = DefaultCheckpointCap
	}
	if cfg.Training.AccuracyThreshold <= 0 {
		cfg.Training.AccuracyThreshold = DefaultAccuracyThreshold
	}
	if cfg.Training.TargetAccuracy <= 0 {
		cfg.Training.TargetAccuracy = DefaultTargetAccuracy
	}
	if cfg.Training.Priority <= 0 {
		cfg.Training.Priority = DefaultTrainingPriority
	}
	if cfg.Training.Schedule == "" {
		cfg.Training.Schedule = DefaultScanSchedule
	}
}
