package models

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config holds configuration for a pipeline run
type Config struct {
	NVD            NVDConfig            `toml:"nvd"`
	D3FEND         D3FENDConfig         `toml:"d3fend"`
	RateLimit      RateLimitConfig      `toml:"rate_limit"`
	Retry          RetryConfig          `toml:"retry"`
	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
	Retrieval      RetrievalConfig      `toml:"retrieval"`
	Cache          CacheConfig          `toml:"cache"`
	Processing     ProcessingConfig     `toml:"processing"`
	Taxonomy       TaxonomyConfig       `toml:"taxonomy"`
	Output         OutputConfig         `toml:"output"`
	Logging        LoggingConfig        `toml:"logging"`
}

// NVDConfig describes the remote CVE catalog
type NVDConfig struct {
	BaseURL        string        `toml:"base_url" validate:"required,url"`
	APIKeyEnv      string        `toml:"api_key_env"`
	APIKey         string        `toml:"-"`
	Timeout        time.Duration `toml:"timeout" validate:"gt=0"`
	ResultsPerPage int           `toml:"results_per_page" validate:"gt=0,lte=2000"`
	PubStartDate   string        `toml:"pub_start_date"`
	PubEndDate     string        `toml:"pub_end_date"`
}

// D3FENDConfig describes the defensive-technique API used by defend-sync
type D3FENDConfig struct {
	BaseURL string        `toml:"base_url" validate:"required,url"`
	Timeout time.Duration `toml:"timeout" validate:"gt=0"`
}

// RateLimitConfig selects and tunes the outbound limiter. A positive Burst
// selects a token bucket, otherwise a sliding window is used.
type RateLimitConfig struct {
	CallsPerSecond  float64       `toml:"calls_per_second" validate:"gt=0"`
	Burst           int           `toml:"burst" validate:"gte=0"`
	Window          time.Duration `toml:"window" validate:"gt=0"`
	MinCallsPerSec  float64       `toml:"min_calls_per_second" validate:"gt=0"`
	MaxCallsPerSec  float64       `toml:"max_calls_per_second" validate:"gt=0"`
	IncreaseFactor  float64       `toml:"increase_factor" validate:"gte=1"`
	BackoffFactor   float64       `toml:"backoff_factor" validate:"gt=0,lt=1"`
	DisableAdaptive bool          `toml:"disable_adaptive"`
}

// RetryConfig tunes the retry manager
type RetryConfig struct {
	MaxAttempts int           `toml:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `toml:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `toml:"max_delay" validate:"gt=0"`
	Multiplier  float64       `toml:"backoff_multiplier" validate:"gte=1"`
	Jitter      bool          `toml:"jitter"`
	Strategy    string        `toml:"strategy" validate:"oneof=fixed exponential linear random"`
}

// CircuitBreakerConfig tunes the per-resource circuit breakers
type CircuitBreakerConfig struct {
	FailureThreshold int           `toml:"failure_threshold" validate:"gte=1"`
	RecoveryTimeout  time.Duration `toml:"recovery_timeout" validate:"gt=0"`
}

// RetrievalConfig controls the paginated retrieval loop
type RetrievalConfig struct {
	CheckpointPath   string        `toml:"checkpoint_path" validate:"required"`
	CheckpointEvery  int           `toml:"checkpoint_every" validate:"gte=1"`
	SpoolPath        string        `toml:"spool_path" validate:"required"`
	BaseDelay        time.Duration `toml:"base_delay" validate:"gte=0"`
	MaxDelay         time.Duration `toml:"max_delay" validate:"gt=0"`
	ThrottleFactor   float64       `toml:"throttle_factor" validate:"gt=2"`
	ThrottleStreak   int           `toml:"throttle_streak" validate:"gte=1"`
	ProgressInterval time.Duration `toml:"progress_interval" validate:"gte=0"`
}

// CacheConfig sizes the correlation cache
type CacheConfig struct {
	MaxSize    int           `toml:"max_size" validate:"gte=1"`
	DefaultTTL time.Duration `toml:"default_ttl" validate:"gt=0"`
	ParentTTL  time.Duration `toml:"parent_ttl" validate:"gt=0"`
}

// ProcessingConfig controls batch correlation
type ProcessingConfig struct {
	BatchSize  int `toml:"batch_size" validate:"gte=1"`
	MaxWorkers int `toml:"max_workers" validate:"gte=1"`
	ParentHops int `toml:"parent_hops" validate:"gte=1"`
}

// TaxonomyConfig points at the externally produced taxonomy tables and the
// identifier prefixes used to normalize them
type TaxonomyConfig struct {
	WeaknessesFile     string `toml:"weaknesses_file"`
	AttackPatternsFile string `toml:"attack_patterns_file"`
	TechniquesFile     string `toml:"techniques_file"`
	RiskCategoriesFile string `toml:"risk_categories_file"`

	WeaknessPrefix      string `toml:"weakness_prefix"`
	AttackPatternPrefix string `toml:"attack_pattern_prefix"`
	TechniquePrefix     string `toml:"technique_prefix"`
	TechniqueSeparator  string `toml:"technique_separator"`
}

// OutputConfig controls where enriched records and the summary go
type OutputConfig struct {
	Path       string `toml:"path" validate:"required"`
	Format     string `toml:"format" validate:"oneof=terminal json"`
	MetricsOut string `toml:"metrics_out"`
}

// LoggingConfig controls the zap logger
type LoggingConfig struct {
	Level    string `toml:"level" validate:"oneof=debug info warn error"`
	Encoding string `toml:"encoding" validate:"oneof=console json"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NVD: NVDConfig{
			BaseURL:        "https://services.nvd.nist.gov/rest/json/cves/2.0/",
			APIKeyEnv:      "NVD_API_KEY",
			Timeout:        30 * time.Second,
			ResultsPerPage: 2000,
		},
		D3FEND: D3FENDConfig{
			BaseURL: "https://d3fend.mitre.org/api/offensive-technique/attack/",
			Timeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			CallsPerSecond: 0.16, // public NVD quota: 5 requests per 30s
			Window:         30 * time.Second,
			MinCallsPerSec: 0.05,
			MaxCallsPerSec: 1.6,
			IncreaseFactor: 1.1,
			BackoffFactor:  0.5,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    60 * time.Second,
			Multiplier:  2.0,
			Jitter:      true,
			Strategy:    "exponential",
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
		},
		Retrieval: RetrievalConfig{
			CheckpointPath:   "cve_progress.json",
			CheckpointEvery:  5000,
			SpoolPath:        "results/retrieved.jsonl",
			BaseDelay:        500 * time.Millisecond,
			MaxDelay:         30 * time.Second,
			ThrottleFactor:   2.5,
			ThrottleStreak:   3,
			ProgressInterval: 10 * time.Second,
		},
		Cache: CacheConfig{
			MaxSize:    1000,
			DefaultTTL: time.Hour,
			ParentTTL:  time.Hour,
		},
		Processing: ProcessingConfig{
			BatchSize:  1000,
			MaxWorkers: 10,
			ParentHops: 1,
		},
		Taxonomy: TaxonomyConfig{
			WeaknessesFile:      "resources/cwe_db.json",
			AttackPatternsFile:  "resources/capec_db.json",
			TechniquesFile:      "resources/techniques_db.json",
			RiskCategoriesFile:  "resources/owasp_db.json",
			WeaknessPrefix:      "CWE",
			AttackPatternPrefix: "CAPEC",
			TechniquePrefix:     "T",
		},
		Output: OutputConfig{
			Path:   "results/new_cves.jsonl",
			Format: "terminal",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "console",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadConfig reads a TOML file over the defaults, resolves the API key from
// the environment and validates the result. An empty path uses defaults only.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, config); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if config.NVD.APIKeyEnv != "" {
		config.NVD.APIKey = os.Getenv(config.NVD.APIKeyEnv)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks field constraints and cross-field invariants
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.RateLimit.MaxCallsPerSec < c.RateLimit.MinCallsPerSec {
		return errors.New("invalid configuration: rate_limit.max_calls_per_second below min_calls_per_second")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("invalid configuration: retry.max_delay below base_delay")
	}
	if c.Retrieval.MaxDelay < c.Retrieval.BaseDelay {
		return errors.New("invalid configuration: retrieval.max_delay below base_delay")
	}
	return nil
}
