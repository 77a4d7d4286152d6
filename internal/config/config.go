package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for strings like "30m".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config models .crewcoord/config.yaml.
type Config struct {
	Version int    `yaml:"version"`
	Trunk   string `yaml:"trunk"`

	// Staleness is the window after which a sub-worker status record or a
	// foreign lock with no progress counts as abandoned.
	Staleness Duration `yaml:"staleness"`

	Retry   RetryConfig             `yaml:"retry"`
	Gate    GateConfig              `yaml:"gate"`
	Workers map[string]WorkerConfig `yaml:"workers"`
	Tasks   []TaskConfig            `yaml:"tasks"`
}

// RetryConfig bounds sub-worker redispatch.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// GateConfig is the local verification gate run before any merge back.
type GateConfig struct {
	Cmd []string `yaml:"cmd"`
}

// WorkerConfig describes how to launch one work-unit process.
type WorkerConfig struct {
	Cmd      []string          `yaml:"cmd"`
	Env      map[string]string `yaml:"env,omitempty"`
	TimeoutS int               `yaml:"timeout_s,omitempty"`
}

// Risk levels for task classification. Selection heuristics live outside
// the coordinator; the config just carries the result.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// TaskConfig declares one claimable task.
type TaskConfig struct {
	Name       string   `yaml:"name"`
	Scope      string   `yaml:"scope,omitempty"`
	Risk       string   `yaml:"risk"`
	DocOnly    bool     `yaml:"doc_only,omitempty"`
	SubWorkers []string `yaml:"sub_workers,omitempty"`
}

// Default returns a configuration with workable defaults.
func Default() *Config {
	return &Config{
		Version:   1,
		Trunk:     "main",
		Staleness: Duration(30 * time.Minute),
		Retry:     RetryConfig{MaxAttempts: 3},
		Gate:      GateConfig{Cmd: []string{"go", "test", "./..."}},
		Workers:   map[string]WorkerConfig{},
		Tasks:     []TaskConfig{},
	}
}

// Load reads and parses a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config with 0600 permissions.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration and returns errors with hints.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("configuration error: unsupported version %d\n\nHint: set\n  version: 1", c.Version)
	}
	if c.Trunk == "" {
		return fmt.Errorf("configuration error: missing 'trunk'\n\nHint: name the shared branch, e.g.\n  trunk: main")
	}
	if time.Duration(c.Staleness) <= 0 {
		return fmt.Errorf("configuration error: 'staleness' must be positive\n\nHint: e.g.\n  staleness: 30m")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("configuration error: 'retry.max_attempts' must be positive\n\nHint: e.g.\n  retry:\n    max_attempts: 3")
	}
	if len(c.Gate.Cmd) == 0 {
		return fmt.Errorf("configuration error: missing 'gate.cmd'\n\nHint: the verification gate runs before every merge, e.g.\n  gate:\n    cmd: [\"go\", \"test\", \"./...\"]")
	}

	seen := make(map[string]bool)
	for _, task := range c.Tasks {
		if task.Name == "" {
			return fmt.Errorf("configuration error: task with empty name")
		}
		if !safeName(task.Name) {
			return fmt.Errorf("configuration error: task name %q contains path characters\n\nHint: task names become lock, branch, and log file names; use letters, digits, '-' and '_'", task.Name)
		}
		if seen[task.Name] {
			return fmt.Errorf("configuration error: duplicate task %q", task.Name)
		}
		seen[task.Name] = true

		switch task.Risk {
		case RiskLow, RiskMedium, RiskHigh:
		default:
			return fmt.Errorf("configuration error: task %q has invalid risk %q\n\nHint: risk must be LOW, MEDIUM, or HIGH", task.Name, task.Risk)
		}

		for _, w := range task.SubWorkers {
			if _, ok := c.Workers[w]; !ok {
				return fmt.Errorf("configuration error: task %q references unknown worker %q\n\nHint: declare it under workers:", task.Name, w)
			}
		}
	}

	for name, w := range c.Workers {
		if !safeName(name) {
			return fmt.Errorf("configuration error: worker name %q contains path characters\n\nHint: worker names become status file names; use letters, digits, '-' and '_'", name)
		}
		if len(w.Cmd) == 0 {
			return fmt.Errorf("configuration error: worker %q has empty 'cmd'\n\nHint: specify the command to launch the work unit", name)
		}
	}
	return nil
}

// safeName reports whether a task or worker name can be embedded in file
// paths and branch names without escaping the control directory.
func safeName(name string) bool {
	return name != "" &&
		!strings.ContainsAny(name, `/\`) &&
		!strings.Contains(name, "..")
}

// FindTask returns the task config by name.
func (c *Config) FindTask(name string) (TaskConfig, bool) {
	for _, t := range c.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskConfig{}, false
}
