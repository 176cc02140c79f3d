// Package config provides configuration loading and validation for
// triangulum heal runs.
//
// Configuration is value-based: Load returns a validated copy and callers
// never mutate shared state. Anything that is run state (progress, bug
// snapshots) belongs in the database, never here.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML files can say "30s" or "1h"
// instead of nanosecond integers.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or a bare integer of
// seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalYAML renders the duration in the string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Config holds the orchestration knobs. The zero value is not usable;
// start from Default.
type Config struct {
	// Orchestration policy
	MaxIterations int      `yaml:"max_iterations"` // Escalation ceiling on per-bug attempts
	StepTimeout   Duration `yaml:"step_timeout"`   // Per-agent-call bound
	MaxTicks      int      `yaml:"max_ticks"`      // Engine tick budget, 0 selects the default

	// Scheduling
	Workers      int      `yaml:"workers"`       // Concurrent bugs per tick
	MaxFiles     int      `yaml:"max_files"`     // Candidate cap per heal run
	Depth        int      `yaml:"depth"`         // Relationship analysis depth
	PollInterval Duration `yaml:"poll_interval"` // Completion poll cadence
	HealCeiling  Duration `yaml:"heal_ceiling"`  // Wall-clock ceiling per run

	// Collaborator hints
	BugType  string `yaml:"bug_type"` // Optional detector filter
	Strategy string `yaml:"strategy"` // Optional patch strategy

	// Storage and observability
	DBPath     string `yaml:"db_path"`     // SQLite file, empty disables persistence
	LogDir     string `yaml:"log_dir"`     // JSONL event log dir, empty disables tracing
	MetricsURL string `yaml:"metrics_url"` // External Prometheus, empty disables queries
	QueueSize  int    `yaml:"queue_size"`  // Persistence write backlog
}

// Default returns the standard configuration.
func Default() Config {
	return Config{
		MaxIterations: 15,
		StepTimeout:   Duration(120 * time.Second),
		MaxTicks:      0,
		Workers:       1,
		MaxFiles:      50,
		Depth:         3,
		PollInterval:  Duration(time.Second),
		HealCeiling:   Duration(time.Hour),
		QueueSize:     256,
	}
}

// Load reads a YAML file over the defaults and validates the result.
// An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the orchestration core cannot run with.
func (c Config) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", c.MaxIterations)
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("step_timeout must be positive, got %s", c.StepTimeout)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.MaxFiles < 1 {
		return fmt.Errorf("max_files must be at least 1, got %d", c.MaxFiles)
	}
	if c.Depth < 1 {
		return fmt.Errorf("depth must be at least 1, got %d", c.Depth)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.HealCeiling <= 0 {
		return fmt.Errorf("heal_ceiling must be positive, got %s", c.HealCeiling)
	}
	if c.MaxTicks < 0 {
		return fmt.Errorf("max_ticks must not be negative, got %d", c.MaxTicks)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}
	return nil
}
