// Package config handles YAML configuration loading with environment
// variable expansion, plus direct environment-variable overrides for the
// security-sensitive fields (master key, admin key) that operators
// typically inject via the process environment rather than a config file.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Cache       CacheConfig       `yaml:"cache"`
	Security    SecurityConfig    `yaml:"security"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
}

// ServerConfig holds HTTP server bind settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"` // bind port, e.g. ":8080"
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig holds the relational store DSN. The scheme selects the
// driver: "postgres://..." or a bare file path / ":memory:" for sqlite.
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// CacheConfig holds the two-tier response/rate-limit cache settings.
type CacheConfig struct {
	RedisDSN     string `yaml:"redis_dsn"` // cache store DSN; empty disables the remote tier
	LocalMaxSize int    `yaml:"local_max_size"`
}

// SecurityConfig holds the envelope-encryption master key and the
// management-surface admin key.
type SecurityConfig struct {
	MasterKeyHex string `yaml:"master_key"` // 64 hex chars (32-byte KEK)
	AdminKey     string `yaml:"admin_key"`
	Environment  string `yaml:"environment"` // "production" enables strict validation
}

// ObjectStoreConfig holds the optional audit body offload target.
type ObjectStoreConfig struct {
	URL string `yaml:"url"` // "file://..." or "s3://bucket?region=...&endpoint=..."
}

// TelemetryConfig holds optional exporter endpoints.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	StatsdAddr   string  `yaml:"statsd_addr"`
}

// UpstreamConfig holds tunables for the pooled upstream HTTP client. Zero
// values fall back to upstream.DefaultConfig()'s own defaults.
type UpstreamConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables,
// then applies direct environment overrides for the security-sensitive
// fields so operators can inject them without touching the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			DSN: "ailinkgw.db",
		},
		Cache: CacheConfig{
			LocalMaxSize: 10_000,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("AILINKGW_MASTER_KEY"); ok {
		cfg.Security.MasterKeyHex = v
	}
	if v, ok := os.LookupEnv("AILINKGW_ADMIN_KEY"); ok {
		cfg.Security.AdminKey = v
	}
	if v, ok := os.LookupEnv("AILINKGW_STORE_DSN"); ok {
		cfg.Store.DSN = v
	}
	if v, ok := os.LookupEnv("AILINKGW_REDIS_DSN"); ok {
		cfg.Cache.RedisDSN = v
	}
}

// ValidateMasterKey checks that the configured master key is present and is
// exactly 64 hex characters (a 32-byte KEK). In production this is an error;
// outside production a missing key only logs a prominent warning, since
// local/dev runs commonly operate without envelope encryption configured.
func (c *Config) ValidateMasterKey(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if c.Security.MasterKeyHex == "" {
		msg := "AILINKGW_MASTER_KEY is not set: credential injection for any token with a credential_id will fail"
		if c.Security.Environment == "production" {
			return fmt.Errorf("config: master key required in production")
		}
		logger.Warn(msg)
		return nil
	}
	raw, err := hex.DecodeString(c.Security.MasterKeyHex)
	if err != nil || len(raw) != 32 {
		if c.Security.Environment == "production" {
			return fmt.Errorf("config: master key must be 64 hex characters (32 bytes)")
		}
		logger.Warn("master key is not 64 hex characters; envelope encryption will fail")
	}
	return nil
}
