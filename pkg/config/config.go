// Package config loads daemon configuration from a YAML file with
// environment variable overrides for secrets and deployment-specific values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the daemon exposes. Zero values are filled in
// by defaults before validation.
type Config struct {
	// Listen is the HTTP facade bind address.
	Listen string `yaml:"listen"`

	// CDPEndpoint is the remote debugging endpoint of the user's browser.
	CDPEndpoint string `yaml:"cdp_endpoint"`

	// ProbeTimeout bounds the reachability check against CDPEndpoint.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// CacheTTL is the listing freshness window.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// ServeStaleOnError returns an expired entry, annotated stale, when a
	// refresh fails. Explicit policy, not an accident.
	ServeStaleOnError bool `yaml:"serve_stale_on_error"`

	// FetchTimeout bounds one listing scrape.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// RedisURL enables the optional L2 listing cache when non-empty.
	RedisURL string `yaml:"redis_url"`

	// Workers is the summary worker pool size. Keep it small: the shared
	// browser cannot parallelize arbitrarily.
	Workers int `yaml:"workers"`

	// QueueBuffer is the pending-channel capacity.
	QueueBuffer int `yaml:"queue_buffer"`

	// JobTimeout bounds one summarization job end to end.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// RetentionAge and RetentionMax bound terminal request retention.
	RetentionAge time.Duration `yaml:"retention_age"`
	RetentionMax int           `yaml:"retention_max"`

	// AllowedURLPatterns are glob patterns a submitted video URL must match.
	AllowedURLPatterns []string `yaml:"allowed_url_patterns"`

	// OpenAIAPIKey and Model configure the summarizer. The key is normally
	// supplied via OPENAI_API_KEY rather than the file.
	OpenAIAPIKey string `yaml:"openai_api_key"`
	OpenAIBase   string `yaml:"openai_base_url"`
	Model        string `yaml:"model"`

	// DBPath is the SQLite file for persisted summaries.
	DBPath string `yaml:"db_path"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
}

// Default returns the conservative defaults used when no file is present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Listen:            "127.0.0.1:8090",
		CDPEndpoint:       "http://127.0.0.1:9222",
		ProbeTimeout:      5 * time.Second,
		CacheTTL:          5 * time.Minute,
		ServeStaleOnError: true,
		FetchTimeout:      45 * time.Second,
		Workers:           2,
		QueueBuffer:       256,
		JobTimeout:        120 * time.Second,
		RetentionAge:      24 * time.Hour,
		RetentionMax:      200,
		AllowedURLPatterns: []string{
			"https://www.youtube.com/watch*",
			"https://youtube.com/watch*",
			"https://youtu.be/*",
			"https://m.youtube.com/watch*",
		},
		Model:  "gpt-4o-mini",
		DBPath: filepath.Join(home, ".ytsum", "summaries.db"),
	}
}

// Load reads the YAML file at path (missing file is fine — defaults apply),
// then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.OpenAIBase = v
	}
	if v := os.Getenv("YTSUM_CDP_URL"); v != "" {
		c.CDPEndpoint = v
	}
	if v := os.Getenv("YTSUM_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("YTSUM_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("YTSUM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Workers = n
		}
	}
	if v := os.Getenv("YTSUM_DEBUG"); v == "1" || v == "true" {
		c.Debug = true
	}
}

func (c *Config) validate() error {
	if c.CDPEndpoint == "" {
		return fmt.Errorf("cdp_endpoint must not be empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive, got %s", c.CacheTTL)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive, got %s", c.JobTimeout)
	}
	if c.RetentionMax < 1 {
		return fmt.Errorf("retention_max must be at least 1, got %d", c.RetentionMax)
	}
	return nil
}

// DefaultPath returns ~/.ytsum/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".ytsum", "config.yaml")
}
