// Package config loads the runtime settings for the task execution core.
// Settings come from an optional YAML file with environment variable
// overrides; database connection settings are environment-only (see
// pkg/database).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StageRule maps an output pattern to a human-readable stage label. The
// heartbeat supervisor matches rules in order; the first match wins.
type StageRule struct {
	Pattern string `yaml:"pattern"` // case-insensitive regular expression
	Label   string `yaml:"label"`
}

// Settings contains task execution configuration.
type Settings struct {
	// MaxConcurrentTasks is the global cap on simultaneously running tasks.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// TaskMaxCost is the hard per-task cost ceiling in USD. A task whose
	// accumulated stream cost crosses it fails immediately without retry.
	TaskMaxCost float64 `yaml:"task_max_cost"`

	// TaskMaxDuration is the expected upper bound on a single task's
	// wall-clock run time. Informational: the manager never kills a task for
	// exceeding it; timeout handling is the heartbeat's idle detection.
	TaskMaxDuration time.Duration `yaml:"task_max_duration"`

	// HeartbeatInterval is the supervisor tick period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatTimeout is the idle threshold after which the supervisor
	// reports a timeout.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// RetryDelay is the pause between the initial attempt and the single retry.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// BackgroundModel optionally overrides the provider model for
	// background tasks. Opaque to the core.
	BackgroundModel string `yaml:"background_model"`

	// TaskRetentionDays is how long finished task records are kept before
	// the cleanup service deletes them. Zero or negative disables cleanup.
	TaskRetentionDays int `yaml:"task_retention_days"`

	// CleanupInterval is the retention sweep period.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// Stages is the ordered stage classification table. Empty means the
	// built-in defaults.
	Stages []StageRule `yaml:"stages"`
}

// Default returns the built-in settings.
func Default() *Settings {
	return &Settings{
		MaxConcurrentTasks: 3,
		TaskMaxCost:        10.0,
		TaskMaxDuration:    30 * time.Minute,
		HeartbeatInterval:  60 * time.Second,
		HeartbeatTimeout:   300 * time.Second,
		RetryDelay:         30 * time.Second,
		TaskRetentionDays:  90,
		CleanupInterval:    6 * time.Hour,
		Stages:             DefaultStageRules(),
	}
}

// DefaultStageRules is the built-in stage classification table, detecting
// common agent tool activity in streamed output.
func DefaultStageRules() []StageRule {
	return []StageRule{
		{Pattern: `Read|Glob|Grep|searching`, Label: "reading code"},
		{Pattern: `Write|Edit|creating file`, Label: "writing code"},
		{Pattern: `pytest|npm test|jest|go test|make test`, Label: "running tests"},
		{Pattern: `git commit|git push`, Label: "committing"},
		{Pattern: `thinking|planning|analyzing`, Label: "planning"},
		{Pattern: `pip install|npm install|go get|poetry`, Label: "installing dependencies"},
	}
}

// Load reads settings from the YAML file at path (if it exists), then
// applies environment overrides, then validates.
func Load(path string) (*Settings, error) {
	s := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Missing file is fine — env/defaults apply.
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, s); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
			if len(s.Stages) == 0 {
				s.Stages = DefaultStageRules()
			}
		}
	}

	if err := s.applyEnv(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// applyEnv overrides settings from FOREMAN_* environment variables.
func (s *Settings) applyEnv() error {
	if v := os.Getenv("FOREMAN_MAX_CONCURRENT_TASKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FOREMAN_MAX_CONCURRENT_TASKS %q: %w", v, err)
		}
		s.MaxConcurrentTasks = n
	}
	if v := os.Getenv("FOREMAN_TASK_MAX_COST"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid FOREMAN_TASK_MAX_COST %q: %w", v, err)
		}
		s.TaskMaxCost = f
	}
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"FOREMAN_TASK_MAX_DURATION", &s.TaskMaxDuration},
		{"FOREMAN_HEARTBEAT_INTERVAL", &s.HeartbeatInterval},
		{"FOREMAN_HEARTBEAT_TIMEOUT", &s.HeartbeatTimeout},
		{"FOREMAN_RETRY_DELAY", &s.RetryDelay},
		{"FOREMAN_CLEANUP_INTERVAL", &s.CleanupInterval},
	} {
		if v := os.Getenv(d.env); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", d.env, v, err)
			}
			*d.dst = dur
		}
	}
	if v := os.Getenv("FOREMAN_TASK_RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FOREMAN_TASK_RETENTION_DAYS %q: %w", v, err)
		}
		s.TaskRetentionDays = n
	}
	if v := os.Getenv("FOREMAN_BACKGROUND_MODEL"); v != "" {
		s.BackgroundModel = v
	}
	return nil
}

// Validate checks settings consistency.
func (s *Settings) Validate() error {
	if s.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be >= 1, got %d", s.MaxConcurrentTasks)
	}
	if s.TaskMaxCost <= 0 {
		return fmt.Errorf("task_max_cost must be positive, got %g", s.TaskMaxCost)
	}
	if s.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %v", s.HeartbeatInterval)
	}
	if s.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive, got %v", s.HeartbeatTimeout)
	}
	if s.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must be non-negative, got %v", s.RetryDelay)
	}
	if s.TaskRetentionDays > 0 && s.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive when retention is enabled, got %v", s.CleanupInterval)
	}
	return nil
}
