package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := DefaultConfig()
	if cfg.StatePath != def.StatePath || cfg.Pacing != def.Pacing || cfg.MaxRetries != def.MaxRetries {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadParsesDurationsAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	content := `
state_path: /tmp/tickets.json
base_branch: develop
interval: 90s
max_runtime: 2h
agent_timeout: 600
pacing: aggressive
max_retries: 5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Interval.Std() != 90*time.Second {
		t.Errorf("interval = %s, want 90s", cfg.Interval.Std())
	}
	if cfg.MaxRuntime.Std() != 2*time.Hour {
		t.Errorf("max_runtime = %s, want 2h", cfg.MaxRuntime.Std())
	}
	// Bare integers are seconds.
	if cfg.AgentTimeout.Std() != 600*time.Second {
		t.Errorf("agent_timeout = %s, want 10m", cfg.AgentTimeout.Std())
	}
	if cfg.BaseBranch != "develop" || cfg.Pacing != "aggressive" || cfg.MaxRetries != 5 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	// Unset keys keep their defaults.
	if cfg.QueuePath != DefaultConfig().QueuePath {
		t.Errorf("queue_path default lost: %s", cfg.QueuePath)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	if err := os.WriteFile(path, []byte("interval: [not, a, duration]\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadRejectsNegativeRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	if err := os.WriteFile(path, []byte("max_retries: -1\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}
