// Package config loads the harness configuration from a YAML file
// with environment variable overrides, and validates run options.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/traitlab/biasbench/bench/store"
)

// ErrInvalidOptions is wrapped by every run-option validation failure.
var ErrInvalidOptions = errors.New("invalid run options")

// Run option bounds. Batch size doubles as the gateway concurrency, so
// its ceiling protects the endpoint.
const (
	MinBatchSize   = 1
	MaxBatchSize   = 64
	MinMaxAttempts = 1
	MaxMaxAttempts = 5
	MaxNewTokenCap = 1024
)

// Backends lists the supported LLM gateway backends. The empty string
// resolves to vllm.
var Backends = []string{"vllm", "anthropic", "gemini", "fake"}

// Config is the root configuration of the daemon.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	LLM       LLMConfig       `yaml:"llm"`
	PromptLog PromptLogConfig `yaml:"prompt_log"`
	Server    ServerConfig    `yaml:"server"`
	Defaults  RunDefaults     `yaml:"defaults"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is one of sqlite, mysql, postgres, memory.
	Driver string `yaml:"driver"`

	// DSN is the driver-specific connection string; for sqlite it is
	// the database file path.
	DSN string `yaml:"dsn"`
}

// LLMConfig carries endpoint coordinates and credentials.
type LLMConfig struct {
	BaseURL         string `yaml:"base_url"`
	APIKey          string `yaml:"api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`
}

// PromptLogConfig controls the rotating JSONL prompt log.
type PromptLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// ServerConfig carries the daemon's listen addresses.
type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

// RunDefaults seeds new runs that leave options unset.
type RunDefaults struct {
	BatchSize    int     `yaml:"batch_size"`
	MaxAttempts  int     `yaml:"max_attempts"`
	MaxNewTokens int     `yaml:"max_new_tokens"`
	DualFraction float64 `yaml:"dual_fraction"`
	Backend      string  `yaml:"backend"`
	ScaleMode    string  `yaml:"scale_mode"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "biasbench.db",
		},
		PromptLog: PromptLogConfig{
			Dir: "prompt-logs",
		},
		Server: ServerConfig{
			MetricsAddr: ":9090",
		},
		Defaults: RunDefaults{
			BatchSize:    8,
			MaxAttempts:  3,
			MaxNewTokens: 256,
			DualFraction: 0.2,
			Backend:      "vllm",
			ScaleMode:    string(store.ModeIn),
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path on top of the defaults, then
// applies environment overrides. A missing file is not an error; the
// defaults plus environment apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv layers environment variables over the file values.
func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString(&c.Store.Driver, "BIASBENCH_DB_DRIVER")
	setString(&c.Store.DSN, "BIASBENCH_DB_DSN")
	setString(&c.LLM.BaseURL, "VLLM_BASE_URL")
	setString(&c.LLM.APIKey, "VLLM_API_KEY")
	setString(&c.LLM.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&c.LLM.GeminiAPIKey, "GEMINI_API_KEY")
	setString(&c.PromptLog.Dir, "PROMPT_LOG_DIR")
	setString(&c.Server.MetricsAddr, "BIASBENCH_METRICS_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")

	if v, ok := os.LookupEnv("PROMPT_LOG_ENABLED"); ok {
		c.PromptLog.Enabled = parseBool(v)
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// ApplyDefaults fills unset run options from the configured defaults.
func (c Config) ApplyDefaults(run *store.BenchmarkRun) {
	if run.BatchSize == 0 {
		run.BatchSize = c.Defaults.BatchSize
	}
	if run.MaxAttempts == 0 {
		run.MaxAttempts = c.Defaults.MaxAttempts
	}
	if run.MaxNewTokens == 0 {
		run.MaxNewTokens = c.Defaults.MaxNewTokens
	}
	if run.Backend == "" {
		run.Backend = c.Defaults.Backend
	}
	if run.ScaleMode == "" {
		run.ScaleMode = store.ScaleMode(c.Defaults.ScaleMode)
	}
	if run.ScaleMode == store.ModeDual && run.DualFraction == 0 {
		run.DualFraction = c.Defaults.DualFraction
	}
	if run.BaseURL == "" {
		run.BaseURL = c.LLM.BaseURL
	}
	if run.APIKey == "" {
		switch run.Backend {
		case "anthropic":
			run.APIKey = c.LLM.AnthropicAPIKey
		case "gemini":
			run.APIKey = c.LLM.GeminiAPIKey
		default:
			run.APIKey = c.LLM.APIKey
		}
	}
}

// ValidateRun checks a run's options against the supported bounds.
// All violations wrap ErrInvalidOptions.
func ValidateRun(run *store.BenchmarkRun) error {
	if run.BatchSize < MinBatchSize || run.BatchSize > MaxBatchSize {
		return fmt.Errorf("%w: batch_size %d outside [%d, %d]", ErrInvalidOptions, run.BatchSize, MinBatchSize, MaxBatchSize)
	}
	if run.MaxAttempts < MinMaxAttempts || run.MaxAttempts > MaxMaxAttempts {
		return fmt.Errorf("%w: max_attempts %d outside [%d, %d]", ErrInvalidOptions, run.MaxAttempts, MinMaxAttempts, MaxMaxAttempts)
	}
	if run.MaxNewTokens < 1 || run.MaxNewTokens > MaxNewTokenCap {
		return fmt.Errorf("%w: max_new_tokens %d outside [1, %d]", ErrInvalidOptions, run.MaxNewTokens, MaxNewTokenCap)
	}
	if run.DualFraction < 0 || run.DualFraction > 1 {
		return fmt.Errorf("%w: dual_fraction %v outside [0, 1]", ErrInvalidOptions, run.DualFraction)
	}
	switch run.ScaleMode {
	case store.ModeIn, store.ModeRev, store.ModeDual:
	default:
		return fmt.Errorf("%w: unknown scale_mode %q", ErrInvalidOptions, run.ScaleMode)
	}
	if !validBackend(run.Backend) {
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidOptions, run.Backend)
	}
	if run.DatasetID == "" {
		return fmt.Errorf("%w: dataset_id is required", ErrInvalidOptions)
	}
	if run.ModelID == "" {
		return fmt.Errorf("%w: model_id is required", ErrInvalidOptions)
	}
	return nil
}

func validBackend(backend string) bool {
	if backend == "" {
		return true
	}
	for _, b := range Backends {
		if backend == b {
			return true
		}
	}
	return false
}
