package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cortexd.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "llm:\n  provider: anthropic\n  model: claude\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.HTTPPort != 8080 {
		t.Fatalf("Server defaults = %+v", cfg.Server)
	}
	if cfg.Server.TurnsPerSecond != 2 || cfg.Server.TurnsBurst != 5 {
		t.Fatalf("turn rate-limit defaults = %v/%v, want 2/5", cfg.Server.TurnsPerSecond, cfg.Server.TurnsBurst)
	}
	if cfg.Compaction.Threshold != 0.8 || cfg.Compaction.KeepRecent != 10 {
		t.Fatalf("Compaction defaults = %+v", cfg.Compaction)
	}
	if cfg.DAG.SweepSchedule != "@every 1m" {
		t.Fatalf("DAG.SweepSchedule = %q", cfg.DAG.SweepSchedule)
	}
	if cfg.Bedrock.Enabled {
		t.Fatalf("Bedrock.Enabled = true, want false (not configured)")
	}
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("CORTEX_TEST_API_KEY", "sk-test-123")
	path := writeConfig(t, "llm:\n  provider: anthropic\n  anthropic_api_key: ${CORTEX_TEST_API_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.AnthropicAPIKey != "sk-test-123" {
		t.Fatalf("AnthropicAPIKey = %q, want expanded env value", cfg.LLM.AnthropicAPIKey)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "llm:\n  providerr: anthropic\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("Load() with unknown field: want error, got nil")
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, "llm:\n  provider: anthropic\n---\nllm:\n  provider: openai\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("Load() with multiple YAML documents: want error, got nil")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load() on missing file: want error, got nil")
	}
}

func TestLoadPreservesExplicitValuesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  http_port: 9999
  turns_per_second: 10
  turns_burst: 20
llm:
  provider: venice
  venice_api_key: vk-abc
  dag_fallbacks:
    - openai
    - anthropic
bedrock:
  enabled: true
  region: us-east-1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.HTTPPort != 9999 {
		t.Fatalf("Server = %+v", cfg.Server)
	}
	if cfg.Server.TurnsPerSecond != 10 || cfg.Server.TurnsBurst != 20 {
		t.Fatalf("turn rate limit = %v/%v", cfg.Server.TurnsPerSecond, cfg.Server.TurnsBurst)
	}
	if cfg.LLM.VeniceAPIKey != "vk-abc" || len(cfg.LLM.DAGFallbacks) != 2 {
		t.Fatalf("LLM = %+v", cfg.LLM)
	}
	if !cfg.Bedrock.Enabled || cfg.Bedrock.Region != "us-east-1" {
		t.Fatalf("Bedrock = %+v", cfg.Bedrock)
	}
}
