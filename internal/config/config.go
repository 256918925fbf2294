// Package config defines the service configuration and its loading rules:
// values come from an optional YAML file, overridden by PIISWEEP_* environment
// variables.
package config

import "time"

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Source    SourceConfig    `mapstructure:"source"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PostgresConfig holds the database connection settings.
type PostgresConfig struct {
	DSN           string `mapstructure:"dsn"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// SourceConfig holds the content source connection settings.
type SourceConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Username  string `mapstructure:"username"`
	APIToken  string `mapstructure:"api_token"`
	PageLimit int    `mapstructure:"page_limit"`
}

// DetectorConfig holds the detection service settings.
type DetectorConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxRetryElapsed   time.Duration `mapstructure:"max_retry_elapsed"`
}

// CryptoConfig holds the field-encryption settings. Exactly one of KeyHex or
// Passphrase must be set.
type CryptoConfig struct {
	KeyHex     string `mapstructure:"key_hex"`
	Passphrase string `mapstructure:"passphrase"`
	SaltHex    string `mapstructure:"salt_hex"`
}

// AuditConfig holds the decryption audit trail settings.
type AuditConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ScanConfig holds orchestration tuning knobs.
type ScanConfig struct {
	PersistBuffer   int `mapstructure:"persist_buffer"`
	SubscribeBuffer int `mapstructure:"subscribe_buffer"`
}

// TelemetryConfig holds tracing exporter settings.
type TelemetryConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Endpoint      string   `mapstructure:"endpoint"`
	SampleRate    float64  `mapstructure:"sample_rate"`
	ServiceName   string   `mapstructure:"service_name"`
	Environment   string   `mapstructure:"environment"`
	ExcludedPaths []string `mapstructure:"excluded_paths"`
}
