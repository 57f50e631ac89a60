package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ngnpope/mellon/pkg/observability"
	"github.com/ngnpope/mellon/pkg/saml"
	"github.com/ngnpope/mellon/pkg/sessions"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    sessions.Config
	SP       saml.SPConfig

	// ProvidersFile is the YAML document listing identity providers.
	ProvidersFile string

	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// MetadataRefreshSchedule is a cron expression driving periodic IdP
	// metadata refresh.
	MetadataRefreshSchedule string
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	URL         string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
}

// ObservabilityConfig holds logging and metrics settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:                    getEnv("MELLON_HOST", "0.0.0.0"),
			Port:                    getEnv("MELLON_PORT", "8080"),
			ReadTimeout:             getEnvDuration("MELLON_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:            getEnvDuration("MELLON_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:             getEnvDuration("MELLON_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout:         getEnvDuration("MELLON_SHUTDOWN_TIMEOUT", 30*time.Second),
			MetadataRefreshSchedule: getEnv("MELLON_METADATA_REFRESH_SCHEDULE", "@every 1h"),
		},
		Database: DatabaseConfig{
			URL:         getEnv("MELLON_POSTGRES_URL", ""),
			MaxConns:    getEnvInt("MELLON_POSTGRES_MAX_CONNS", 25),
			MinConns:    getEnvInt("MELLON_POSTGRES_MIN_CONNS", 5),
			Timeout:     getEnvDuration("MELLON_POSTGRES_TIMEOUT", 10*time.Second),
			MaxLifetime: getEnvDuration("MELLON_POSTGRES_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: sessions.Config{
			URL:      getEnv("MELLON_REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("MELLON_REDIS_PASSWORD", ""),
			DB:       getEnvInt("MELLON_REDIS_DB", 0),
		},
		SP: saml.SPConfig{
			BaseURL:      getEnv("MELLON_BASE_URL", ""),
			EntityID:     getEnv("MELLON_SP_ENTITY_ID", ""),
			Certificate:  readEnvFile("MELLON_SP_CERTIFICATE_FILE"),
			PrivateKey:   readEnvFile("MELLON_SP_PRIVATE_KEY_FILE"),
			SignRequests: getEnvBool("MELLON_SP_SIGN_REQUESTS", false),
		},
		ProvidersFile: getEnv("MELLON_PROVIDERS_FILE", "providers.yaml"),
		Observability: ObservabilityConfig{
			LogLevel:       observability.ParseLogLevel(getEnv("MELLON_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("MELLON_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.SP.BaseURL == "" {
		return fmt.Errorf("service provider base URL is required")
	}
	if c.ProvidersFile == "" {
		return fmt.Errorf("identity providers file is required")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// readEnvFile reads the file named by an environment variable, "" when the
// variable is unset or the file cannot be read.
func readEnvFile(key string) string {
	path := os.Getenv(key)
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
