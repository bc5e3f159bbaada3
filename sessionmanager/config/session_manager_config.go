// --- File: sessionmanager/config/session_manager_config.go ---
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/tinywideclouds/go-session-manager/internal/platform/bus"
)

// RunModeLocal replaces the relational store and the broker with in-memory fakes.
const RunModeLocal = "local"

// Defaults applied when a value is left empty.
const (
	defaultNamespace        = "mkm"
	defaultInterval         = 120 * time.Second
	defaultLatency          = 5 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	defaultAlgorithm        = "HS256"
)

// AppConfig is the canonical, validated configuration object used throughout the application.
// It is created by NewConfigFromYaml (Stage 1) and finalized by
// UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	RunMode          string
	Port             string
	HandshakeTimeout time.Duration
	FrontMachine     YamlFrontMachineConfig
	Registry         YamlRegistryConfig
	JWT              YamlJWTConfig
	Auth             YamlAuthConfig
	Redis            YamlRedisConfig
	Bus              YamlBusConfig
	Postgres         YamlPostgresConfig
	LocalSessions    []YamlSessionSeed
}

// IsLocal reports whether the in-memory fakes replace Postgres and RabbitMQ.
func (c *AppConfig) IsLocal() bool {
	return c.RunMode == RunModeLocal
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables, defaults and final validation.
// This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger *slog.Logger) (*AppConfig, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	overrides := []struct {
		key    string
		target *string
	}{
		{"RUN_MODE", &cfg.RunMode},
		{"PORT", &cfg.Port},
		{"FM_ID", &cfg.FrontMachine.ID},
		{"FM_IP", &cfg.FrontMachine.IP},
		{"FM_PORT", &cfg.FrontMachine.Port},
		{"JWT_SECRET", &cfg.JWT.Secret},
		{"REDIS_ADDR", &cfg.Redis.Addr},
		{"REDIS_PASSWORD", &cfg.Redis.Password},
		{"AMQP_URL", &cfg.Bus.URL},
		{"POSTGRES_DSN", &cfg.Postgres.DSN},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.key); v != "" {
			logger.Debug("Overriding config value", "key", o.key, "source", "env")
			*o.target = v
		}
	}
	if raw := os.Getenv("IP_AFFINITY"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			logger.Error("Final config validation failed", "error", "IP_AFFINITY is not a boolean")
			return nil, fmt.Errorf("IP_AFFINITY must be a boolean: %w", err)
		}
		logger.Debug("Overriding config value", "key", "IP_AFFINITY", "source", "env")
		cfg.Auth.IPAffinity = v
	}

	// 2. Defaults
	applyDefaults(cfg)

	// 3. Final Validation
	if err := validate(cfg); err != nil {
		logger.Error("Final config validation failed", "error", err.Error())
		return nil, err
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Registry.Namespace == "" {
		cfg.Registry.Namespace = defaultNamespace
	}
	if cfg.Registry.Interval == 0 {
		cfg.Registry.Interval = defaultInterval
	}
	if cfg.Registry.Latency == 0 {
		cfg.Registry.Latency = defaultLatency
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.JWT.Algorithm == "" {
		cfg.JWT.Algorithm = defaultAlgorithm
	}
	if cfg.Bus.Namespace == "" {
		cfg.Bus.Namespace = cfg.Registry.Namespace
	}
	if cfg.Bus.QueuePolicy == "" {
		cfg.Bus.QueuePolicy = string(bus.QueueDurable)
	}
	if cfg.Bus.ForwardMode == "" {
		cfg.Bus.ForwardMode = string(bus.ForwardByCategory)
	}
	if cfg.FrontMachine.Port == "" {
		cfg.FrontMachine.Port = cfg.Port
	}
}

func validate(cfg *AppConfig) error {
	if cfg.Port == "" {
		return fmt.Errorf("PORT is not set in config or env var")
	}
	if cfg.FrontMachine.ID == "" {
		return fmt.Errorf("FM_ID is not set in config or env var")
	}
	if cfg.JWT.Secret == "" && cfg.JWT.PublicKey == "" {
		return fmt.Errorf("JWT_SECRET is not set in config or env var, and no jwt public key is configured")
	}
	if cfg.Registry.Interval <= cfg.Registry.Latency {
		return fmt.Errorf("registry interval (%s) must be greater than registry latency (%s)", cfg.Registry.Interval, cfg.Registry.Latency)
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is not set in config or env var")
	}
	if _, err := bus.ParseQueuePolicy(cfg.Bus.QueuePolicy); err != nil {
		return fmt.Errorf("invalid bus config: %w", err)
	}
	if _, err := bus.ParseForwardMode(cfg.Bus.ForwardMode); err != nil {
		return fmt.Errorf("invalid bus config: %w", err)
	}
	if cfg.IsLocal() {
		return nil
	}
	if cfg.Bus.URL == "" {
		return fmt.Errorf("AMQP_URL is not set in config or env var")
	}
	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("POSTGRES_DSN is not set in config or env var")
	}
	return nil
}
