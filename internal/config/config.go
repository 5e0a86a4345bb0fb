package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid is wrapped by every validation failure returned from Validate.
var ErrInvalid = errors.New("invalid configuration")

const (
	LedgerRedis    = "redis"
	LedgerPostgres = "postgres"
)

// Config is built once at startup and handed to each component by value.
type Config struct {
	Port        string `mapstructure:"port"`
	RedisURL    string `mapstructure:"redis_url"`
	DatabaseURL string `mapstructure:"database_url"`

	LedgerBackend string `mapstructure:"ledger_backend"`

	DefaultProcessorURL  string `mapstructure:"payment_processor_url_default"`
	FallbackProcessorURL string `mapstructure:"payment_processor_url_fallback"`
	ProcessorToken       string `mapstructure:"processor_token"`

	Workers     int           `mapstructure:"workers"`
	PopTimeout  time.Duration `mapstructure:"pop_timeout"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`

	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	HealthTTL        time.Duration `mapstructure:"health_ttl"`

	ProcessedCacheTTL time.Duration `mapstructure:"processed_cache_ttl"`

	LogLevel       string `mapstructure:"log_level"`
	LogDevelopment bool   `mapstructure:"log_development"`
}

var defaults = map[string]interface{}{
	"port":                           "8080",
	"redis_url":                      "redis://localhost:6379",
	"database_url":                   "",
	"ledger_backend":                 LedgerRedis,
	"payment_processor_url_default":  "http://localhost:8001",
	"payment_processor_url_fallback": "http://localhost:8002",
	"processor_token":                "123",
	"workers":                        8,
	"pop_timeout":                    "1s",
	"http_timeout":                   "1500ms",
	"lock_ttl":                       "60s",
	"max_retries":                    2,
	"retry_delay":                    "100ms",
	"probe_interval":                 "5s",
	"probe_timeout":                  "2s",
	"failure_threshold":              3,
	"cooldown":                       "2500ms",
	"health_ttl":                     "8s",
	"processed_cache_ttl":            "30s",
	"log_level":                      "info",
	"log_development":                false,
}

// Load merges defaults, the optional YAML file at path and the environment,
// in that order of precedence (environment wins).
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the pipeline cannot run without.
func (c *Config) Validate() error {
	var problems []string

	if c.DefaultProcessorURL == "" || c.FallbackProcessorURL == "" {
		problems = append(problems, "both processor URLs are required")
	}
	if c.RedisURL == "" {
		problems = append(problems, "redis_url is required")
	}
	switch c.LedgerBackend {
	case LedgerRedis:
	case LedgerPostgres:
		if c.DatabaseURL == "" {
			problems = append(problems, "database_url is required for the postgres ledger")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown ledger_backend %q", c.LedgerBackend))
	}
	if c.Workers <= 0 {
		problems = append(problems, "workers must be positive")
	}
	if c.MaxRetries < 0 {
		problems = append(problems, "max_retries must not be negative")
	}
	if c.FailureThreshold <= 0 {
		problems = append(problems, "failure_threshold must be positive")
	}
	for name, d := range map[string]time.Duration{
		"pop_timeout":    c.PopTimeout,
		"http_timeout":   c.HTTPTimeout,
		"lock_ttl":       c.LockTTL,
		"probe_interval": c.ProbeInterval,
		"probe_timeout":  c.ProbeTimeout,
		"health_ttl":     c.HealthTTL,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// MaskURL hides the password part of a URL so it can be logged.
func MaskURL(url string) string {
	if strings.Contains(url, "://") && strings.Contains(url, "@") {
		parts := strings.SplitN(url, "@", 2)
		schemeParts := strings.SplitN(parts[0], "://", 2)
		if len(schemeParts) == 2 {
			return schemeParts[0] + "://***@" + parts[1]
		}
	}
	return url
}
