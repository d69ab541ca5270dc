package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestValidateRejectsBadCeilings(t *testing.T) {
	cases := []func(*EngineConfig){
		func(c *EngineConfig) { c.MaxGlobalCycles = 0 },
		func(c *EngineConfig) { c.MaxLoopsPerTask = 0 },
		func(c *EngineConfig) { c.QueriesPerCycle = 0 },
		func(c *EngineConfig) { c.SearchConcurrency = 0 },
		func(c *EngineConfig) { c.Retry.MaxAttempts = 0 },
		func(c *EngineConfig) { c.QualityThreshold = 1.5 },
		func(c *EngineConfig) { c.Scenarios = map[string]ScenarioConfig{"bad": {}} },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestForScenario(t *testing.T) {
	cfg := Default()

	simple := cfg.ForScenario("simple")
	if simple.MaxGlobalCycles != 4 || simple.MaxLoopsPerTask != 1 {
		t.Errorf("unexpected simple scenario budgets: %+v", simple)
	}

	same := cfg.ForScenario("nonexistent")
	if same.MaxGlobalCycles != cfg.MaxGlobalCycles {
		t.Error("unknown scenario must keep base budgets")
	}

	trimmed := cfg.ForScenario("  Complex ")
	if trimmed.MaxLoopsPerTask != 4 {
		t.Errorf("scenario lookup should trim and lowercase, got %+v", trimmed)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.MaxGlobalCycles != 12 {
		t.Errorf("expected default ceilings, got %d", cfg.MaxGlobalCycles)
	}
}

func TestLoadReadsFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	content := []byte(`
max_global_cycles: 6
max_loops_per_task: 2
scrape_timeout: 5s
retry:
  max_attempts: 2
  base_delay: 500ms
  attempt_timeout: 10s
excluded_domains:
  - spam.example
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.MaxGlobalCycles != 6 || cfg.MaxLoopsPerTask != 2 {
		t.Errorf("file ceilings not applied: %+v", cfg)
	}
	if cfg.ScrapeTimeout != 5*time.Second {
		t.Errorf("duration not parsed: %v", cfg.ScrapeTimeout)
	}
	if cfg.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("retry config not applied: %+v", cfg.Retry)
	}
	if len(cfg.ExcludedDomains) != 1 || cfg.ExcludedDomains[0] != "spam.example" {
		t.Errorf("domain list not applied: %v", cfg.ExcludedDomains)
	}
	// Untouched keys keep defaults.
	if cfg.QueriesPerCycle != 3 {
		t.Errorf("default not preserved: %d", cfg.QueriesPerCycle)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	if err := os.WriteFile(path, []byte("max_global_cycles: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	if _, err := Load(); err == nil {
		t.Fatal("expected validation failure for zero ceiling")
	}
}
