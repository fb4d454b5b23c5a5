package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/usagesim/pkg/synth"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Ingest.BatchSize != 100 {
		t.Errorf("expected batch size 100, got %d", cfg.Ingest.BatchSize)
	}
	if cfg.Ingest.MaxRetries != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Ingest.MaxRetries)
	}
	if cfg.Ingest.Timeout != 10*time.Second {
		t.Errorf("expected 10s timeout, got %v", cfg.Ingest.Timeout)
	}
	if cfg.Ingest.BatchDelay != 100*time.Millisecond {
		t.Errorf("expected 100ms delay, got %v", cfg.Ingest.BatchDelay)
	}
	if cfg.Simulation.BaseHourlyEvents != 4 {
		t.Errorf("expected baseline simulation, got base %v", cfg.Simulation.BaseHourlyEvents)
	}
	if len(cfg.Pricing.Rates) != 6 {
		t.Errorf("expected 6 reference rates, got %d", len(cfg.Pricing.Rates))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "mk-test-123")

	path := writeConfig(t, `
db_path: "test.db"
ingest:
  url: http://localhost:9999/ingest
  api_key: ${TEST_API_KEY}
  batch_size: 50
  timeout: 2s
  retry_rate_limited: false
sources:
  customers: customers.csv
  customer_limit: 5
simulation:
  days: 3
  seed: 99
  gpu_usage_probability: 0.1
  input_tokens: {min: 10, max: 20}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Ingest.APIKey != "mk-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.Ingest.APIKey)
	}
	if cfg.Ingest.BatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", cfg.Ingest.BatchSize)
	}
	if cfg.Ingest.MaxRetries != 3 {
		t.Errorf("expected default attempts kept, got %d", cfg.Ingest.MaxRetries)
	}
	if cfg.Ingest.RetryRateLimited {
		t.Error("expected rate-limit retry disabled")
	}
	if cfg.Sources.CustomerLimit != 5 {
		t.Errorf("expected limit 5, got %d", cfg.Sources.CustomerLimit)
	}
	sim := cfg.Simulation
	if sim.Days != 3 || sim.Seed != 99 {
		t.Errorf("expected days 3 seed 99, got %d %d", sim.Days, sim.Seed)
	}
	if sim.GPUUsageProbability != (synth.FloatRange{Min: 0.1, Max: 0.1}) {
		t.Errorf("scalar probability not expanded: %+v", sim.GPUUsageProbability)
	}
	if sim.InputTokens != (synth.IntRange{Min: 10, Max: 20}) {
		t.Errorf("unexpected input tokens %+v", sim.InputTokens)
	}
	if sim.BaseHourlyEvents != 4 {
		t.Errorf("expected baseline base kept, got %v", sim.BaseHourlyEvents)
	}
}

func TestLoadProfileOverlay(t *testing.T) {
	path := writeConfig(t, `
profile: high_usage
simulation:
  base_hourly_events: 20
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Profile != synth.ProfileHighUsage {
		t.Errorf("expected high_usage, got %s", cfg.Profile)
	}
	if cfg.Simulation.BaseHourlyEvents != 20 {
		t.Errorf("explicit key should override preset, got %v", cfg.Simulation.BaseHourlyEvents)
	}
	if cfg.Simulation.BatchHourMultiplier != 5 || !cfg.Simulation.AnnotateCost {
		t.Error("expected high_usage preset beneath explicit keys")
	}

	cfg, err = LoadProfile(path, synth.ProfileBaseline)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Simulation.AnnotateCost || len(cfg.Simulation.BatchHours) != 0 {
		t.Error("forced baseline profile should replace the file's profile")
	}
	if cfg.Simulation.BaseHourlyEvents != 20 {
		t.Errorf("explicit key should still apply, got %v", cfg.Simulation.BaseHourlyEvents)
	}
}

func TestLoadUnknownProfile(t *testing.T) {
	path := writeConfig(t, "profile: burst\n")
	if _, err := Load(path); !errors.Is(err, synth.ErrInvalidConfig) {
		t.Errorf("expected invalid profile error, got %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty url", func(c *Config) { c.Ingest.URL = "" }},
		{"relative url", func(c *Config) { c.Ingest.URL = "/v1/ingest" }},
		{"zero batch size", func(c *Config) { c.Ingest.BatchSize = 0 }},
		{"zero attempts", func(c *Config) { c.Ingest.MaxRetries = 0 }},
		{"zero timeout", func(c *Config) { c.Ingest.Timeout = 0 }},
		{"negative delay", func(c *Config) { c.Ingest.BatchDelay = -time.Second }},
		{"bad backoff", func(c *Config) { c.Ingest.Backoff.Multiplier = 0.5 }},
		{"negative limit", func(c *Config) { c.Sources.CustomerLimit = -1 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"relative sink path", func(c *Config) { c.Sink.Path = "ingest" }},
		{"negative sink fault", func(c *Config) { c.Sink.ErrorEvery = -1 }},
		{"bad simulation", func(c *Config) { c.Simulation.Days = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	cfg := Default()
	cfg.Simulation.Days = 0
	if err := cfg.Validate(); !errors.Is(err, synth.ErrInvalidConfig) {
		t.Errorf("expected wrapped simulation error, got %v", err)
	}
}

func TestRequireAPIKey(t *testing.T) {
	t.Setenv(APIKeyEnv, "")
	cfg := Default()
	if err := cfg.RequireAPIKey(); err == nil {
		t.Error("expected error for empty key")
	}
	cfg.Ingest.APIKey = "k"
	if err := cfg.RequireAPIKey(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAPIKeyFromEnv(t *testing.T) {
	t.Setenv(APIKeyEnv, "env-key")

	cfg, err := ForProfile("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ingest.APIKey != "env-key" {
		t.Errorf("expected key from env without a config file, got %q", cfg.Ingest.APIKey)
	}
	if err := cfg.RequireAPIKey(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	cfg, err = Load(writeConfig(t, "profile: baseline\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ingest.APIKey != "env-key" {
		t.Errorf("expected key from env when the file omits it, got %q", cfg.Ingest.APIKey)
	}

	cfg, err = Load(writeConfig(t, "ingest:\n  api_key: file-key\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ingest.APIKey != "file-key" {
		t.Errorf("expected file key to win, got %q", cfg.Ingest.APIKey)
	}
}
