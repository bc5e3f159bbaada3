package config

import (
	"log/slog"
	"time"
)

// --- YAML-Specific Structs ---

type YamlFrontMachineConfig struct {
	ID   string `yaml:"id"`
	IP   string `yaml:"ip"`
	Port string `yaml:"port"`
}

type YamlRegistryConfig struct {
	Namespace string        `yaml:"namespace"`
	Interval  time.Duration `yaml:"interval"`
	Latency   time.Duration `yaml:"latency"`
}

type YamlJWTConfig struct {
	Algorithm string `yaml:"algorithm"`
	Secret    string `yaml:"secret"`
	// PublicKey is a PEM encoded key for asymmetric algorithms.
	PublicKey string `yaml:"public_key"`
	Audience  string `yaml:"audience"`
	Subject   string `yaml:"subject"`
	Issuer    string `yaml:"issuer"`
}

type YamlAuthConfig struct {
	IPAffinity     bool `yaml:"ip_affinity"`
	VerboseReasons bool `yaml:"verbose_reasons"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type YamlBusConfig struct {
	URL                 string `yaml:"url"`
	Namespace           string `yaml:"namespace"`
	QueuePolicy         string `yaml:"queue_policy"` // "durable" or "exclusive"
	ForwardMode         string `yaml:"forward_mode"` // "category" or "exchange"
	RetainDurableQueues bool   `yaml:"retain_durable_queues"`
}

type YamlPostgresConfig struct {
	DSN          string `yaml:"dsn"`
	EnsureSchema bool   `yaml:"ensure_schema"`
}

// YamlSessionSeed is a session preloaded into the in-memory repository in local mode.
type YamlSessionSeed struct {
	ID       string `yaml:"id"`
	UserID   string `yaml:"user_id"`
	DeviceID string `yaml:"device_id"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	RunMode          string                 `yaml:"run_mode"`
	Port             string                 `yaml:"port"`
	HandshakeTimeout time.Duration          `yaml:"handshake_timeout"`
	FrontMachine     YamlFrontMachineConfig `yaml:"front_machine"`
	Registry         YamlRegistryConfig     `yaml:"registry"`
	JWT              YamlJWTConfig          `yaml:"jwt"`
	Auth             YamlAuthConfig         `yaml:"auth"`
	Redis            YamlRedisConfig        `yaml:"redis"`
	Bus              YamlBusConfig          `yaml:"bus"`
	Postgres         YamlPostgresConfig     `yaml:"postgres"`
	LocalSessions    []YamlSessionSeed      `yaml:"local_sessions"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a clean, base AppConfig struct.
// Stage 1 complete: The AppConfig struct now exists, but without environment overrides.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger *slog.Logger) (*AppConfig, error) {
	logger.Debug("Mapping YAML config to base config struct")

	appCfg := &AppConfig{
		RunMode:          yamlCfg.RunMode,
		Port:             yamlCfg.Port,
		HandshakeTimeout: yamlCfg.HandshakeTimeout,
		FrontMachine:     yamlCfg.FrontMachine,
		Registry:         yamlCfg.Registry,
		JWT:              yamlCfg.JWT,
		Auth:             yamlCfg.Auth,
		Redis:            yamlCfg.Redis,
		Bus:              yamlCfg.Bus,
		Postgres:         yamlCfg.Postgres,
		LocalSessions:    yamlCfg.LocalSessions,
	}

	logger.Debug("YAML config mapping complete",
		"run_mode", appCfg.RunMode,
		"port", appCfg.Port,
		"fm_id", appCfg.FrontMachine.ID,
		"registry_namespace", appCfg.Registry.Namespace,
		"queue_policy", appCfg.Bus.QueuePolicy,
		"forward_mode", appCfg.Bus.ForwardMode,
	)

	return appCfg, nil
}
