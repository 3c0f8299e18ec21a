// ABOUTME: Configuration loading and parsing for toolgate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete toolgate configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Stream     StreamConfig     `yaml:"stream"`
	Connectors ConnectorsConfig `yaml:"connectors"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RateLimitConfig holds the per-user token bucket settings
type RateLimitConfig struct {
	Capacity int           `yaml:"capacity"`
	Interval time.Duration `yaml:"-"`

	IntervalRaw string `yaml:"interval"`
}

// DiscoveryConfig holds tool discovery cache settings
type DiscoveryConfig struct {
	TTL time.Duration `yaml:"-"`

	TTLRaw string `yaml:"ttl"`
}

// SessionsConfig holds attachment lifecycle timing configuration
type SessionsConfig struct {
	HealthCheckInterval time.Duration `yaml:"-"`
	ConnectTimeout      time.Duration `yaml:"-"`

	HealthCheckIntervalRaw string `yaml:"health_check_interval"`
	ConnectTimeoutRaw      string `yaml:"connect_timeout"`
}

// StreamConfig holds streaming translator settings
type StreamConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	CoalesceWindow time.Duration `yaml:"-"`
	Retention      time.Duration `yaml:"-"`

	CoalesceWindowRaw string `yaml:"coalesce_window"`
	RetentionRaw      string `yaml:"retention"`
}

// ConnectorsConfig holds the system connector catalog location
type ConnectorsConfig struct {
	CatalogPath string `yaml:"catalog_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.RateLimit.Capacity < 0 {
		return fmt.Errorf("rate_limit.capacity must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"rate_limit.interval", cfg.RateLimit.IntervalRaw, &cfg.RateLimit.Interval},
		{"discovery.ttl", cfg.Discovery.TTLRaw, &cfg.Discovery.TTL},
		{"sessions.health_check_interval", cfg.Sessions.HealthCheckIntervalRaw, &cfg.Sessions.HealthCheckInterval},
		{"sessions.connect_timeout", cfg.Sessions.ConnectTimeoutRaw, &cfg.Sessions.ConnectTimeout},
		{"stream.coalesce_window", cfg.Stream.CoalesceWindowRaw, &cfg.Stream.CoalesceWindow},
		{"stream.retention", cfg.Stream.RetentionRaw, &cfg.Stream.Retention},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// Default returns a config populated with development defaults.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{HTTPAddr: ":8080"},
		Database:  DatabaseConfig{Path: "toolgate.db"},
		Auth:      AuthConfig{JWTSecret: "${TOOLGATE_JWT_SECRET}"},
		RateLimit: RateLimitConfig{Capacity: 50, Interval: time.Hour},
		Discovery: DiscoveryConfig{TTL: 5 * time.Minute},
		Sessions: SessionsConfig{
			HealthCheckInterval: time.Minute,
			ConnectTimeout:      10 * time.Second,
		},
		Stream: StreamConfig{
			BufferSize:     16,
			CoalesceWindow: 200 * time.Millisecond,
			Retention:      7 * 24 * time.Hour,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}
