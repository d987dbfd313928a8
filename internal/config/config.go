// Package config loads the gateway's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level consent-edge configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Privacy   PrivacyConfig   `yaml:"privacy"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	AdminRateLimit  int        `yaml:"admin_rate_limit"` // requests per IP per minute
	CORS            CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// WarehouseConfig selects and configures the analytics warehouse backend.
// Driver is one of bigquery, sqlite, pgx.
type WarehouseConfig struct {
	Driver   string         `yaml:"driver"`
	DSN      string         `yaml:"dsn"` // sqlite path or postgres DSN
	BigQuery BigQueryConfig `yaml:"bigquery"`
}

// BigQueryConfig configures the managed warehouse backend.
type BigQueryConfig struct {
	ProjectID       string `yaml:"project_id"`
	Dataset         string `yaml:"dataset"`
	EventsTable     string `yaml:"events_table"`
	KeysTable       string `yaml:"keys_table"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AuthConfig controls admin-surface authentication.
type AuthConfig struct {
	// AdminDomains lists the email domains whose verified identities may
	// manage API keys.
	AdminDomains []string `yaml:"admin_domains"`
	// TokeninfoURL overrides the identity oracle endpoint. Empty means the
	// Google tokeninfo endpoint.
	TokeninfoURL string `yaml:"tokeninfo_url"`
}

// RateLimitConfig controls the ingestion fixed-window limiter.
type RateLimitConfig struct {
	Window  string `yaml:"window"`
	Ceiling int    `yaml:"ceiling"`
}

// PrivacyConfig holds data-protection settings.
type PrivacyConfig struct {
	// IPSalt feeds the salted IP hash stored alongside (or instead of) the
	// raw address.
	IPSalt string `yaml:"ip_salt"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses a YAML configuration file. Environment variables
// referenced as ${VAR_NAME} in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Default returns a Config pre-filled with production defaults: a local
// SQLite warehouse and the stock limiter geometry.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			AdminRateLimit:  30,
			CORS: CORSConfig{
				Origins: []string{"*"},
			},
		},
		Warehouse: WarehouseConfig{
			Driver: "sqlite",
			DSN:    "consent-edge.db",
			BigQuery: BigQueryConfig{
				Dataset:     "consent_analytics",
				EventsTable: "consent_events",
				KeysTable:   "api_keys",
			},
		},
		Auth: AuthConfig{
			AdminDomains: []string{"conicle.com"},
		},
		RateLimit: RateLimitConfig{
			Window:  "10s",
			Ceiling: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefault writes the default configuration to a YAML file.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Duration parses a duration string, falling back to def when the field is
// empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
