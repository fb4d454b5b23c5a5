package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/pario-ai/usagesim/pkg/models"
	"github.com/pario-ai/usagesim/pkg/synth"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all usagesim configuration.
type Config struct {
	Profile    string        `yaml:"profile"`
	DBPath     string        `yaml:"db_path"`
	Log        LogConfig     `yaml:"log"`
	Metrics    MetricsConfig `yaml:"metrics"`
	Ingest     IngestConfig  `yaml:"ingest"`
	Sources    SourcesConfig `yaml:"sources"`
	Output     OutputConfig  `yaml:"output"`
	Sink       SinkConfig    `yaml:"sink"`
	Simulation synth.Config  `yaml:"simulation"`
	Pricing    PricingConfig `yaml:"pricing"`
}

// LogConfig controls the logger. Format is "json" (default) or "console".
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// IngestConfig defines the ingestion endpoint and delivery policy.
// MaxRetries is the total number of attempts per batch.
type IngestConfig struct {
	URL              string        `yaml:"url"`
	APIKey           string        `yaml:"api_key"`
	BatchSize        int           `yaml:"batch_size"`
	MaxRetries       int           `yaml:"max_retries"`
	Timeout          time.Duration `yaml:"timeout"`
	BatchDelay       time.Duration `yaml:"batch_delay"`
	RetryRateLimited bool          `yaml:"retry_rate_limited"`
	Backoff          BackoffConfig `yaml:"backoff"`
}

// BackoffConfig shapes the wait between rate-limited attempts.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// SourcesConfig points at the rate-card and customer tables.
type SourcesConfig struct {
	RateCard      string `yaml:"rate_card"`
	Customers     string `yaml:"customers"`
	CustomerLimit int    `yaml:"customer_limit"`
}

// OutputConfig controls the event journal.
type OutputConfig struct {
	EventsPath string `yaml:"events_path"`
}

// SinkConfig controls the local ingestion endpoint. Every Nth request
// (counting from 1) is answered with the configured fault; zero disables it.
type SinkConfig struct {
	Listen         string        `yaml:"listen"`
	Path           string        `yaml:"path"`
	APIKey         string        `yaml:"api_key"`
	RateLimitEvery int           `yaml:"rate_limit_every"`
	RetryAfter     time.Duration `yaml:"retry_after"`
	ErrorEvery     int           `yaml:"error_every"`
	StallEvery     int           `yaml:"stall_every"`
	Stall          time.Duration `yaml:"stall"`
}

// PricingConfig holds the rate table. Rate-card rows with prices override
// entries with the same id.
type PricingConfig struct {
	DefaultModel string             `yaml:"default_model"`
	Rates        []models.RateEntry `yaml:"rates"`
}

// APIKeyEnv seeds ingest.api_key when no config file sets one.
const APIKeyEnv = "USAGESIM_API_KEY"

// Default returns a Config with sensible defaults and the baseline profile.
func Default() *Config {
	return &Config{
		Profile: synth.ProfileBaseline,
		DBPath:  "usagesim.db",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Ingest: IngestConfig{
			URL:              "https://api.metronome.com/v1/ingest",
			APIKey:           os.Getenv(APIKeyEnv),
			BatchSize:        100,
			MaxRetries:       3,
			Timeout:          10 * time.Second,
			BatchDelay:       100 * time.Millisecond,
			RetryRateLimited: true,
			Backoff: BackoffConfig{
				Initial:    time.Second,
				Max:        30 * time.Second,
				Multiplier: 2,
			},
		},
		Sources: SourcesConfig{
			RateCard:  "current_rate_card_rates.csv",
			Customers: "new_customer_data.csv",
		},
		Output: OutputConfig{
			EventsPath: "generated_usage_events.json",
		},
		Sink: SinkConfig{
			Listen:     "127.0.0.1:8089",
			Path:       "/v1/ingest",
			RetryAfter: time.Second,
			Stall:      15 * time.Second,
		},
		Simulation: synth.Baseline(),
		Pricing: PricingConfig{
			DefaultModel: "claude-3.5-sonnet",
			Rates:        ReferenceRates(),
		},
	}
}

// ReferenceRates returns the built-in rate card.
func ReferenceRates() []models.RateEntry {
	return []models.RateEntry{
		{ID: "gpt4-o", InputPricePer1K: models.Price(0.03), OutputPricePer1K: models.Price(0.06)},
		{ID: "claude-3.5-sonnet", InputPricePer1K: models.Price(0.02), OutputPricePer1K: models.Price(0.04)},
		{ID: "gemini-1.5-flash-8B", InputPricePer1K: models.Price(0.01), OutputPricePer1K: models.Price(0.03)},
		{ID: "gpu_type_1", PricePerHour: models.Price(0.80)},
		{ID: "gpu_type_2", PricePerHour: models.Price(1.60)},
		{ID: "gpu_type_3", PricePerHour: models.Price(2.40)},
	}
}

// ForProfile returns the defaults with the named simulation preset applied.
func ForProfile(profile string) (*Config, error) {
	sim, err := synth.Preset(profile)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if profile != "" {
		cfg.Profile = profile
	}
	cfg.Simulation = sim
	return cfg, nil
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	return LoadProfile(path, "")
}

// LoadProfile is Load with the profile forced; an empty profile uses the one
// named in the file. Keys set in the file override the profile's preset.
func LoadProfile(path, profile string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))

	cfg := Default()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if profile == "" {
		profile = cfg.Profile
	}

	// Second pass: lay the file over the selected preset.
	cfg, err = ForProfile(profile)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Profile = profile

	return cfg, nil
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	in := c.Ingest
	if in.URL == "" {
		return fmt.Errorf("%w: ingest.url is required", ErrInvalidConfig)
	}
	if u, err := url.Parse(in.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: ingest.url %q is not an absolute URL", ErrInvalidConfig, in.URL)
	}
	if in.BatchSize < 1 {
		return fmt.Errorf("%w: ingest.batch_size must be at least 1", ErrInvalidConfig)
	}
	if in.MaxRetries < 1 {
		return fmt.Errorf("%w: ingest.max_retries must be at least 1", ErrInvalidConfig)
	}
	if in.Timeout <= 0 {
		return fmt.Errorf("%w: ingest.timeout must be positive", ErrInvalidConfig)
	}
	if in.BatchDelay < 0 {
		return fmt.Errorf("%w: ingest.batch_delay must not be negative", ErrInvalidConfig)
	}
	if in.RetryRateLimited && (in.Backoff.Initial <= 0 || in.Backoff.Multiplier < 1) {
		return fmt.Errorf("%w: ingest.backoff needs a positive initial delay and multiplier >= 1", ErrInvalidConfig)
	}
	if c.Sources.CustomerLimit < 0 {
		return fmt.Errorf("%w: sources.customer_limit must not be negative", ErrInvalidConfig)
	}
	if err := c.Sink.validate(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("%w: unknown log.format %q", ErrInvalidConfig, c.Log.Format)
	}
	if err := c.Simulation.Validate(); err != nil {
		return fmt.Errorf("%w: simulation: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (s SinkConfig) validate() error {
	if s.RateLimitEvery < 0 || s.ErrorEvery < 0 || s.StallEvery < 0 {
		return fmt.Errorf("%w: sink fault intervals must not be negative", ErrInvalidConfig)
	}
	if s.Path == "" || s.Path[0] != '/' {
		return fmt.Errorf("%w: sink.path %q must start with /", ErrInvalidConfig, s.Path)
	}
	if s.RetryAfter < 0 || s.Stall < 0 {
		return fmt.Errorf("%w: sink durations must not be negative", ErrInvalidConfig)
	}
	return nil
}

// RequireAPIKey reports an error when no ingestion API key is configured.
func (c *Config) RequireAPIKey() error {
	if c.Ingest.APIKey == "" {
		return fmt.Errorf("%w: ingest.api_key is empty (set %s)", ErrInvalidConfig, APIKeyEnv)
	}
	return nil
}
