// Package config loads orchestrator settings from conveyor.yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5m" or "2h" parse.
// Plain integers are taken as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the orchestrator configuration. Zero values fall back to the
// defaults from DefaultConfig.
type Config struct {
	// StatePath is the JSON ticket store location. Ignored when DBPath is
	// set.
	StatePath string `yaml:"state_path"`
	// DBPath switches persistence to SQLite when non-empty.
	DBPath string `yaml:"db_path"`
	// QueuePath is where the build queue artifact is written.
	QueuePath string `yaml:"queue_path"`

	RepoRoot   string `yaml:"repo_root"`
	BaseBranch string `yaml:"base_branch"`

	// AgentCLI is the coding agent binary; PromptsDir holds its prompt
	// templates.
	AgentCLI     string   `yaml:"agent_cli"`
	PromptsDir   string   `yaml:"prompts_dir"`
	AgentTimeout Duration `yaml:"agent_timeout"`

	Interval   Duration `yaml:"interval"`
	MaxRuntime Duration `yaml:"max_runtime"`
	Pacing     string   `yaml:"pacing"`

	MaxRetries  int `yaml:"max_retries"`
	StallWindow int `yaml:"stall_window"`

	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		StatePath:    ".conveyor/status.json",
		QueuePath:    ".conveyor/queue.json",
		RepoRoot:     ".",
		BaseBranch:   "main",
		AgentCLI:     "claude",
		PromptsDir:   "prompts",
		AgentTimeout: Duration(30 * time.Minute),
		Interval:     Duration(5 * time.Minute),
		MaxRuntime:   Duration(4 * time.Hour),
		Pacing:       "moderate",
		MaxRetries:   3,
		StallWindow:  3,
	}
}

// Load reads the config file at path, layering it over the defaults. A
// missing file yields the defaults; a malformed file is an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.StallWindow < 0 {
		return fmt.Errorf("stall_window must not be negative")
	}
	if c.Interval < 0 || c.MaxRuntime < 0 || c.AgentTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}
