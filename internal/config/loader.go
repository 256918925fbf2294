package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads configuration from the given YAML file (optional; pass "" to
// rely on defaults and environment only) with PIISWEEP_* environment
// variables taking precedence. Nested keys map to underscores, e.g.
// PIISWEEP_POSTGRES_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PIISWEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 0) // SSE responses stream indefinitely
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	// Required keys get empty defaults so environment-only configuration
	// still binds them.
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.migrations_dir", "db/migrations")

	v.SetDefault("source.base_url", "")
	v.SetDefault("source.username", "")
	v.SetDefault("source.api_token", "")
	v.SetDefault("source.page_limit", 50)

	v.SetDefault("detector.base_url", "")
	v.SetDefault("crypto.key_hex", "")
	v.SetDefault("crypto.passphrase", "")
	v.SetDefault("crypto.salt_hex", "")

	v.SetDefault("detector.timeout", 30*time.Second)
	v.SetDefault("detector.requests_per_second", 10)
	v.SetDefault("detector.burst", 5)
	v.SetDefault("detector.max_retry_elapsed", 30*time.Second)

	v.SetDefault("audit.retention", 90*24*time.Hour)
	v.SetDefault("audit.sweep_interval", time.Hour)

	v.SetDefault("scan.persist_buffer", 64)
	v.SetDefault("scan.subscribe_buffer", 256)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.sample_rate", 0.1)
	v.SetDefault("telemetry.service_name", "piisweep")
	v.SetDefault("telemetry.environment", "dev")
	v.SetDefault("telemetry.excluded_paths", []string{"/health", "/ready"})
}

// Validate checks the settings a running service cannot do without.
func (c *Config) Validate() error {
	var errs []error
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if c.Source.BaseURL == "" {
		errs = append(errs, errors.New("source.base_url is required"))
	}
	if c.Detector.BaseURL == "" {
		errs = append(errs, errors.New("detector.base_url is required"))
	}
	if c.Crypto.KeyHex == "" && c.Crypto.Passphrase == "" {
		errs = append(errs, errors.New("one of crypto.key_hex or crypto.passphrase is required"))
	}
	if c.Crypto.KeyHex != "" && c.Crypto.Passphrase != "" {
		errs = append(errs, errors.New("crypto.key_hex and crypto.passphrase are mutually exclusive"))
	}
	if c.Crypto.Passphrase != "" && c.Crypto.SaltHex == "" {
		errs = append(errs, errors.New("crypto.salt_hex is required with crypto.passphrase"))
	}
	return errors.Join(errs...)
}
