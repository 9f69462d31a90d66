package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "llm:\n  model: gpt-4o\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("server address = %q", cfg.Server.Address)
	}
	if cfg.Pipeline.MaxIterations != 3 || cfg.Pipeline.MaxCollectionIterations != 3 {
		t.Fatalf("pipeline defaults = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.MinTools != 2 || cfg.Pipeline.MinConfidence != 0.7 {
		t.Fatalf("gate defaults = %+v", cfg.Pipeline)
	}
	if cfg.Tools.MaxWorkers != 6 || cfg.Tools.BatchTimeout != 2*time.Minute || cfg.Tools.MaxResultLength != 3000 {
		t.Fatalf("tools defaults = %+v", cfg.Tools)
	}
	if cfg.Insight.MaxInsights != 100 || cfg.Insight.ForgetDays != 90 || cfg.Insight.SearchTopK != 3 {
		t.Fatalf("insight defaults = %+v", cfg.Insight)
	}
	if cfg.LLM.BaseURL != "https://api.openai.com/v1" {
		t.Fatalf("llm base url = %q", cfg.LLM.BaseURL)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, strings.TrimSpace(`
llm:
  model: gpt-4o-mini
  temperature: 0.5
pipeline:
  max_collection_iterations: 5
  min_confidence: 0.8
tools:
  max_workers: 2
  batch_timeout: 30s
insight:
  path: /tmp/x.db
  max_insights: 10
`))
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LLM.Model != "gpt-4o-mini" || cfg.LLM.Temperature != 0.5 {
		t.Fatalf("llm = %+v", cfg.LLM)
	}
	if cfg.Pipeline.MaxCollectionIterations != 5 || cfg.Pipeline.MinConfidence != 0.8 {
		t.Fatalf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Tools.MaxWorkers != 2 || cfg.Tools.BatchTimeout != 30*time.Second {
		t.Fatalf("tools = %+v", cfg.Tools)
	}
	if cfg.Insight.Path != "/tmp/x.db" || cfg.Insight.MaxInsights != 10 {
		t.Fatalf("insight = %+v", cfg.Insight)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("HQ_LLM_MODEL", "env-model")
	path := writeConfig(t, "llm:\n  model: file-model\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LLM.Model != "env-model" {
		t.Fatalf("model = %q, env must win", cfg.LLM.Model)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"temperature out of range", "llm:\n  model: gpt-4o\n  temperature: 3.0\n"},
		{"confidence out of range", "pipeline:\n  min_confidence: 1.5\n"},
		{"postgres host without dbname", "storage:\n  postgres:\n    host: db\n    port: \"5432\"\n"},
		{"redis host without port", "storage:\n  redis:\n    host: cache\n"},
	}
	for _, c := range cases {
		path := writeConfig(t, c.yaml)
		if _, err := LoadConfig(path); err == nil {
			t.Fatalf("%s: expected validation error", c.name)
		}
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(cwd)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Fatalf("default model = %q", cfg.LLM.Model)
	}
}
