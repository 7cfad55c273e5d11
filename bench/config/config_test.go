package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/traitlab/biasbench/bench/store"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Defaults.BatchSize != 8 {
		t.Errorf("default batch_size = %d, want 8", cfg.Defaults.BatchSize)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
store:
  driver: postgres
  dsn: postgres://bench:secret@db/bench
llm:
  base_url: http://gpu-node:8000/v1
defaults:
  batch_size: 16
  dual_fraction: 0.5
log_level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("driver = %q, want postgres", cfg.Store.Driver)
	}
	if cfg.LLM.BaseURL != "http://gpu-node:8000/v1" {
		t.Errorf("base_url = %q", cfg.LLM.BaseURL)
	}
	if cfg.Defaults.BatchSize != 16 {
		t.Errorf("batch_size = %d, want 16", cfg.Defaults.BatchSize)
	}
	if cfg.Defaults.DualFraction != 0.5 {
		t.Errorf("dual_fraction = %v, want 0.5", cfg.Defaults.DualFraction)
	}
	// Unset fields keep their defaults.
	if cfg.Defaults.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want default 3", cfg.Defaults.MaxAttempts)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store: [not: a: mapping"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VLLM_BASE_URL", "http://override:8000/v1")
	t.Setenv("PROMPT_LOG_ENABLED", "true")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("BIASBENCH_DB_DRIVER", "mysql")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.BaseURL != "http://override:8000/v1" {
		t.Errorf("base_url = %q", cfg.LLM.BaseURL)
	}
	if !cfg.PromptLog.Enabled {
		t.Error("prompt log not enabled by env")
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q, want warn", cfg.LogLevel)
	}
	if cfg.Store.Driver != "mysql" {
		t.Errorf("driver = %q, want mysql", cfg.Store.Driver)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "token-123"
	cfg.LLM.AnthropicAPIKey = "sk-ant"

	run := &store.BenchmarkRun{DatasetID: "ds-1", ModelID: "m", ScaleMode: store.ModeDual}
	cfg.ApplyDefaults(run)
	if run.BatchSize != 8 || run.MaxAttempts != 3 || run.MaxNewTokens != 256 {
		t.Errorf("defaults not applied: %+v", run)
	}
	if run.DualFraction != 0.2 {
		t.Errorf("dual_fraction = %v, want default 0.2", run.DualFraction)
	}
	if run.Backend != "vllm" || run.APIKey != "token-123" {
		t.Errorf("backend/key = %q/%q", run.Backend, run.APIKey)
	}

	anth := &store.BenchmarkRun{DatasetID: "ds-1", ModelID: "m", Backend: "anthropic"}
	cfg.ApplyDefaults(anth)
	if anth.APIKey != "sk-ant" {
		t.Errorf("anthropic key = %q, want sk-ant", anth.APIKey)
	}
}

func TestValidateRun(t *testing.T) {
	valid := func() *store.BenchmarkRun {
		return &store.BenchmarkRun{
			DatasetID:    "ds-1",
			ModelID:      "model",
			Backend:      "vllm",
			BatchSize:    8,
			MaxAttempts:  3,
			MaxNewTokens: 256,
			ScaleMode:    store.ModeIn,
		}
	}
	if err := ValidateRun(valid()); err != nil {
		t.Fatalf("valid run rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*store.BenchmarkRun)
	}{
		{"batch size zero", func(r *store.BenchmarkRun) { r.BatchSize = 0 }},
		{"batch size too large", func(r *store.BenchmarkRun) { r.BatchSize = 65 }},
		{"max attempts zero", func(r *store.BenchmarkRun) { r.MaxAttempts = 0 }},
		{"max attempts too large", func(r *store.BenchmarkRun) { r.MaxAttempts = 6 }},
		{"max new tokens over cap", func(r *store.BenchmarkRun) { r.MaxNewTokens = 2048 }},
		{"dual fraction negative", func(r *store.BenchmarkRun) { r.DualFraction = -0.1 }},
		{"dual fraction above one", func(r *store.BenchmarkRun) { r.DualFraction = 1.5 }},
		{"unknown scale mode", func(r *store.BenchmarkRun) { r.ScaleMode = "sideways" }},
		{"unknown backend", func(r *store.BenchmarkRun) { r.Backend = "ollama" }},
		{"missing dataset", func(r *store.BenchmarkRun) { r.DatasetID = "" }},
		{"missing model", func(r *store.BenchmarkRun) { r.ModelID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := valid()
			tt.mutate(run)
			err := ValidateRun(run)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidOptions) {
				t.Errorf("error does not wrap ErrInvalidOptions: %v", err)
			}
		})
	}
}
