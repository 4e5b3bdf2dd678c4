// Package config loads the gateway configuration from a JSON file plus
// environment variables. Secrets (Postgres DSN, Firebase credentials path)
// come from the environment only and are never written back to disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the root configuration for the chat gateway.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Identity  IdentityConfig  `json:"identity"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Push      PushConfig      `json:"push,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// ServerConfig configures the WebSocket listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// AllowedOrigins whitelists browser origins for the WS upgrade.
	// Empty = allow all. Empty Origin headers (non-browser clients) always
	// pass.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// RateLimitRPM caps inbound action frames per connection per minute.
	// 0 disables the limiter.
	RateLimitRPM int `json:"rate_limit_rpm,omitempty"`
}

// IdentityConfig points at the user-info service that resolves access
// tokens.
type IdentityConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// DatabaseConfig selects the storage backend. When the Postgres DSN env
// var is set the gateway runs managed; otherwise it falls back to the
// sqlite file.
type DatabaseConfig struct {
	// PostgresDSN is read from CHATGATE_POSTGRES_DSN only (secret, never
	// in the config file).
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// PushConfig configures FCM. CredentialsFile is read from
// CHATGATE_FIREBASE_CREDENTIALS only; push is disabled when unset.
type PushConfig struct {
	CredentialsFile string `json:"-"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	// OTLPEndpoint is a host:port for the OTLP/HTTP collector. Empty
	// disables export (spans become no-ops).
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	Insecure     bool   `json:"otlp_insecure,omitempty"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Identity: IdentityConfig{
			BaseURL:        "https://sm.simpass.co.kr",
			TimeoutSeconds: 10,
		},
		Database: DatabaseConfig{
			SQLitePath: "chatgate.db",
		},
	}
}

// Load reads the config file, falling back to defaults when it does not
// exist, then overlays environment secrets.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Database.PostgresDSN = os.Getenv("CHATGATE_POSTGRES_DSN")
	cfg.Push.CredentialsFile = os.Getenv("CHATGATE_FIREBASE_CREDENTIALS")

	if cfg.Identity.TimeoutSeconds <= 0 {
		cfg.Identity.TimeoutSeconds = 10
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "chatgate.db"
	}
	return cfg, nil
}

// IsManaged reports whether Postgres should back the store.
func (c *Config) IsManaged() bool {
	return c.Database.PostgresDSN != ""
}
