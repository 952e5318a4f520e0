// Package config loads the server configuration from YAML with
// environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/mcp-markdownify/pkg/middleware"
	"github.com/txn2/mcp-markdownify/pkg/transcribe"
)

// Config holds the complete server configuration.
type Config struct {
	Server     ServerConfig          `yaml:"server"`
	Redis      RedisConfig           `yaml:"redis"`
	Session    SessionConfig         `yaml:"session"`
	Events     EventsConfig          `yaml:"events"`
	Auth       middleware.AuthConfig `yaml:"auth"`
	RateLimits middleware.RateConfig `yaml:"rate_limits"`
	CORS       CORSConfig            `yaml:"cors"`
	Converter  ConverterConfig       `yaml:"converter"`
	Transcribe transcribe.Config     `yaml:"transcribe"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Name            string        `yaml:"name"`
	Version         string        `yaml:"version"`
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig configures the durable backend. An empty URL runs the
// server on its in-memory fallback only.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SessionConfig configures the session registry.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// EventsConfig configures the event store.
type EventsConfig struct {
	Retention   time.Duration `yaml:"retention"`
	FallbackCap int           `yaml:"fallback_cap"`
}

// CORSConfig configures cross-origin policy.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ConverterConfig configures file conversion limits.
type ConverterConfig struct {
	MaxFileBytes int64 `yaml:"max_file_bytes"`
}

// Load reads, expands, parses, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mcp-markdownify"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = os.Getenv("REDIS_URL")
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = time.Hour
	}
	if cfg.Events.Retention == 0 {
		cfg.Events.Retention = 24 * time.Hour
	}
	if cfg.Events.FallbackCap == 0 {
		cfg.Events.FallbackCap = 1000
	}
	if cfg.RateLimits == (middleware.RateConfig{}) {
		cfg.RateLimits = middleware.DefaultRateConfig()
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		errs = append(errs, "auth.jwt_secret or auth.api_keys is required when auth is enabled")
	}
	if c.Session.TTL < 0 {
		errs = append(errs, "session.ttl must not be negative")
	}
	if c.Events.Retention > 0 && c.Events.Retention < c.Session.TTL {
		errs = append(errs, "events.retention must be at least session.ttl so resumption outlives the session")
	}
	if c.Converter.MaxFileBytes < 0 {
		errs = append(errs, "converter.max_file_bytes must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
