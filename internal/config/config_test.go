package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dopcast/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[workflow]
worker_count = 4
poll_interval = 1
stage_timeout = 30
max_attempts = 5
retry_base_delay_ms = 50

[scheduler]
tick_interval = 5
catch_up_policy = "skip"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workflow.WorkerCount != 4 {
		t.Fatalf("worker_count = %d", cfg.Workflow.WorkerCount)
	}
	if cfg.Scheduler.CatchUpPolicy != config.CatchUpSkip {
		t.Fatalf("catch_up_policy = %q", cfg.Scheduler.CatchUpPolicy)
	}
	// Untouched sections keep their defaults.
	if cfg.LLM.Model == "" || cfg.Paths.APIBind == "" {
		t.Fatal("defaults not applied to omitted sections")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[workflow]\nworker_cnt = 2\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestValidateCatchUpPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.CatchUpPolicy = "replay_all"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "catch_up_policy") {
		t.Fatalf("expected catch_up_policy error, got %v", err)
	}
}

func TestValidateS3RequiresCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendS3
	cfg.Storage.S3.Endpoint = "s3.example.com"
	cfg.Storage.S3.Bucket = "episodes"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing s3 credentials to fail validation")
	}
}

func TestEnvOverridesApplied(t *testing.T) {
	t.Setenv("DOPCAST_LLM_API_KEY", "from-env")
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "from-env" {
		t.Fatalf("llm.api_key = %q", cfg.LLM.APIKey)
	}
}
