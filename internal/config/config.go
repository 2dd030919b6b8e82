// Package config loads and validates the gate service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the QRG_ prefix (e.g., QRG_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments — no recompilation or different binaries needed.
//
// The feed API keys and database password support ${VAR} expansion so they can
// be injected by infrastructure secret tooling rather than stored in the YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Passes    PassConfig      `mapstructure:"passes"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the optional Redis connection used by the distributed feed
// push limiter. When Enabled is false the reconciler uses a process-local
// limiter, which is correct for single-replica deployments.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PassConfig holds visitor pass issuance configuration.
//
// TTL is a config value rather than a constant: the expiry window legitimately
// differs per site (a day pass vs. a short meeting window) and changing it must
// not require a rebuild.
type PassConfig struct {
	// TTL is how long a freshly issued pass remains valid for entry checks.
	TTL time.Duration `mapstructure:"ttl"`
	// Timezone is the IANA name of the civil time zone all gate decisions
	// and rendered timestamps use (e.g. "Asia/Manila").
	Timezone string `mapstructure:"timezone"`
	// TokenBytes is the entropy of a generated QR token in random bytes.
	// Tokens are hex-encoded, so the token string is twice this length.
	TokenBytes int `mapstructure:"token_bytes"`
}

// FeedConfig holds the external registration channel configuration. The channel
// is a ThingSpeak-style append-only feed of eight named fields per entry; the
// reconciler polls it for pending registrations and pushes processed markers back.
type FeedConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// BaseURL is the channel API root, e.g. "https://api.thingspeak.com".
	BaseURL   string `mapstructure:"base_url"`
	ChannelID string `mapstructure:"channel_id"`
	ReadKey   string `mapstructure:"read_key"`
	WriteKey  string `mapstructure:"write_key"`
	// PageSize is how many of the most recent entries each poll fetches.
	PageSize int `mapstructure:"page_size"`
	// PollInterval is how often the reconciler runs a pass.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MinPushInterval is the minimum spacing between writes to the channel.
	// The upstream rejects writes closer than ~15s apart; 16s leaves margin.
	MinPushInterval time.Duration `mapstructure:"min_push_interval"`
	// MarkInvalidEntries controls what happens to candidate feed entries that
	// carry an empty name. False (default) leaves them unmarked so a corrected
	// resend under the same entry id can still be imported; true writes a dedup
	// marker so the malformed entry is never reconsidered.
	MarkInvalidEntries bool `mapstructure:"mark_invalid_entries"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	APIKeys APIKeyConfig `mapstructure:"api_keys"`
}

// APIKeyConfig holds API key authentication configuration
type APIKeyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
// viper.BindEnv only errors when called with zero keys; since every key here is a non-empty
// hardcoded string, any error indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.enabled",
		"redis.addr",
		"redis.password",
		"redis.db",

		// Passes
		"passes.ttl",
		"passes.timezone",
		"passes.token_bytes",

		// Feed
		"feed.enabled",
		"feed.base_url",
		"feed.channel_id",
		"feed.read_key",
		"feed.write_key",
		"feed.page_size",
		"feed.poll_interval",
		"feed.min_push_interval",
		"feed.mark_invalid_entries",

		// Auth
		"auth.api_keys.enabled",
		"auth.api_keys.prefix",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Set config file path if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/qrgate")
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	// Enable environment variable support
	v.SetEnvPrefix("QRG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Feed.ReadKey = expandEnv(cfg.Feed.ReadKey)
	cfg.Feed.WriteKey = expandEnv(cfg.Feed.WriteKey)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "qrgate")
	v.SetDefault("database.user", "qrgate")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Pass defaults
	v.SetDefault("passes.ttl", "24h")
	v.SetDefault("passes.timezone", "Asia/Manila")
	v.SetDefault("passes.token_bytes", 16)

	// Feed defaults
	v.SetDefault("feed.enabled", false)
	v.SetDefault("feed.base_url", "https://api.thingspeak.com")
	v.SetDefault("feed.page_size", 10)
	v.SetDefault("feed.poll_interval", "1m")
	v.SetDefault("feed.min_push_interval", "16s")
	v.SetDefault("feed.mark_invalid_entries", false)

	// Auth defaults
	v.SetDefault("auth.api_keys.enabled", true)
	v.SetDefault("auth.api_keys.prefix", "qrg")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)
	v.SetDefault("security.rate_limiting.burst", 10)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Validate passes
	if c.Passes.TTL <= 0 {
		return fmt.Errorf("passes.ttl must be positive")
	}
	if c.Passes.Timezone == "" {
		return fmt.Errorf("passes.timezone is required")
	}
	if c.Passes.TokenBytes < 16 {
		return fmt.Errorf("passes.token_bytes must be at least 16 (got %d)", c.Passes.TokenBytes)
	}

	// Validate feed if enabled
	if c.Feed.Enabled {
		if c.Feed.BaseURL == "" {
			return fmt.Errorf("feed.base_url is required when the feed is enabled")
		}
		if c.Feed.ChannelID == "" {
			return fmt.Errorf("feed.channel_id is required when the feed is enabled")
		}
		if c.Feed.ReadKey == "" {
			return fmt.Errorf("feed.read_key is required when the feed is enabled")
		}
		if c.Feed.PageSize < 1 {
			return fmt.Errorf("feed.page_size must be at least 1")
		}
		if c.Feed.MinPushInterval < 15*time.Second {
			return fmt.Errorf("feed.min_push_interval must be at least 15s (upstream write limit)")
		}
	}

	// Validate Redis if enabled
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	// Validate TLS if enabled
	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
