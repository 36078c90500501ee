// Copyright 2025 Aura Protocol

package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds process-wide configuration for an Aura authority node.
type Config struct {
	// Server Configuration
	ListenAddr  string
	MetricsAddr string

	// Storage backend selection: "memory" (pkg/memeffects, tests/dev
	// only), "kvstore" (pkg/kvstore, CometBFT dbm.DB), or "postgres"
	// (pkg/pgjournal mirrors the fact journal alongside whichever
	// backend holds ceremony/tree/threshold state).
	StorageBackend string
	KVStorePath    string // directory for the embedded dbm.DB, not a file
	PostgresURL    string

	LogLevel string

	// Ceremony defaults: deadline_ms defaults to 120s, overridable per flow.
	DefaultCeremonyDeadline time.Duration

	// PolicyOverridesPath optionally points at a YAML file of per-flow
	// keygen/agreement-mode/deadline overrides (see policy_overrides.go).
	PolicyOverridesPath string
}

// Load reads configuration from environment variables. Call Validate
// after Load before starting a node.
//
// CRITICAL: this core only reads the AURA_* variable names below; it does
// not fall back to any other naming convention.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("AURA_HOST", "0.0.0.0") + ":" + getEnv("AURA_PORT", "7420"),
		MetricsAddr: getEnv("AURA_HOST", "0.0.0.0") + ":" + getEnv("AURA_METRICS_PORT", "7421"),

		StorageBackend: getEnv("AURA_STORAGE_BACKEND", "memory"),
		KVStorePath:    getEnv("AURA_KVSTORE_PATH", "./data/aura-authority"),
		PostgresURL:    getEnv("AURA_POSTGRES_URL", ""),

		LogLevel: getEnv("AURA_LOG_LEVEL", "info"),

		DefaultCeremonyDeadline: getEnvDuration("AURA_CEREMONY_DEADLINE", 120*time.Second),

		PolicyOverridesPath: getEnv("AURA_POLICY_OVERRIDES_PATH", ""),
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent. It
// must be called after Load() before starting a node.
func (c *Config) Validate() error {
	var errors []string

	switch c.StorageBackend {
	case "memory", "kvstore", "postgres":
	default:
		errors = append(errors, fmt.Sprintf("AURA_STORAGE_BACKEND %q is not one of memory|kvstore|postgres", c.StorageBackend))
	}

	if c.StorageBackend == "postgres" && c.PostgresURL == "" {
		errors = append(errors, "AURA_POSTGRES_URL is required when AURA_STORAGE_BACKEND=postgres")
	}

	if c.DefaultCeremonyDeadline <= 0 {
		errors = append(errors, "AURA_CEREMONY_DEADLINE must be positive")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}

// Helper functions for environment variable parsing.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

