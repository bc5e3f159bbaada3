/*
File: cmd/sessionmanager/main.go
Description: Main entrypoint for a front machine.
Handles config loading, dependency injection, and starting the application.
*/
package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-session-manager/internal/app"
	"github.com/tinywideclouds/go-session-manager/internal/auth"
	"github.com/tinywideclouds/go-session-manager/internal/platform/bus"
	"github.com/tinywideclouds/go-session-manager/internal/platform/persistence"
	"github.com/tinywideclouds/go-session-manager/internal/realtime"
	"github.com/tinywideclouds/go-session-manager/internal/registry"
	"github.com/tinywideclouds/go-session-manager/internal/test/fakes"
	"github.com/tinywideclouds/go-session-manager/pkg/edge"
	"github.com/tinywideclouds/go-session-manager/sessionmanager/config"
)

//go:embed config.yaml
var configFile []byte

// dependencies are the mode-specific collaborators: production backends or in-memory fakes.
type dependencies struct {
	repository edge.Repository
	channels   edge.ChannelManager
	busClosed  <-chan error
	// closers run during shutdown, before the front machine is released.
	closers []func() error
	// release runs once the front machine record has been deleted.
	release func()
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file (defaults to the embedded config)")
	logLevelFlag := pflag.String("log-level", "", "log level: debug, info, warn or error (overrides LOG_LEVEL)")
	pflag.Parse()

	// --- 1. Setup structured logging (slog) ---
	level := *logLevelFlag
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-session-manager")

	slog.SetDefault(logger)

	// --- 2. Load Configuration (Stage 0: Unmarshal) ---
	raw := configFile
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			logger.Error("Failed to read config file", "path", *configPath, "err", err)
			os.Exit(1)
		}
		raw = data
	}
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal yaml config", "err", err)
		os.Exit(1)
	}

	// --- 3. Build Base Config (Stage 1: YAML to Base Struct) ---
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Failed to build base configuration from YAML", "err", err)
		os.Exit(1)
	}

	// --- 4. Apply Overrides & Validate (Stage 2: Env Vars) ---
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Failed to finalize configuration with environment overrides", "err", err)
		os.Exit(1)
	}

	// --- 5. Create dependencies ---
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to redis", "addr", cfg.Redis.Addr, "err", err)
		os.Exit(1)
	}

	reg, err := registry.New(rdb, registry.Config{
		Namespace: cfg.Registry.Namespace,
		Interval:  cfg.Registry.Interval,
		Latency:   cfg.Registry.Latency,
	}, registryHooks(logger), logger)
	if err != nil {
		logger.Error("Failed to create registry", "err", err)
		os.Exit(1)
	}

	deps, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize dependencies", "err", err)
		os.Exit(1)
	}

	// --- 6. Create the authentication pipeline ---
	verifier, err := auth.NewVerifier(auth.TokenConfig{
		Algorithm:    cfg.JWT.Algorithm,
		Secret:       cfg.JWT.Secret,
		PublicKeyPEM: cfg.JWT.PublicKey,
		Audience:     cfg.JWT.Audience,
		Subject:      cfg.JWT.Subject,
		Issuer:       cfg.JWT.Issuer,
	}, logger)
	if err != nil {
		logger.Error("Failed to create token verifier", "err", err)
		os.Exit(1)
	}

	authenticator, err := auth.NewAuthenticator(auth.SessionConfig{
		FrontMachineID: cfg.FrontMachine.ID,
		IPAffinity:     cfg.Auth.IPAffinity,
	}, deps.repository, logger)
	if err != nil {
		logger.Error("Failed to create session authenticator", "err", err)
		os.Exit(1)
	}

	// --- 7. Create the connection manager ---
	connManager, err := realtime.NewConnectionManager(realtime.Config{
		Port:             cfg.Port,
		HandshakeTimeout: cfg.HandshakeTimeout,
		VerboseReasons:   cfg.Auth.VerboseReasons,
	}, realtime.Dependencies{
		Verifier:      verifier,
		Authenticator: authenticator,
		Tracker:       reg,
		Channels:      deps.channels,
		Membership:    reg,
	}, logger)
	if err != nil {
		logger.Error("Failed to create Connection Manager", "err", err)
		os.Exit(1)
	}

	// --- 8. Run the application ---
	err = app.Run(ctx, logger, app.Service{
		FrontMachine: edge.FrontMachine{
			ID:   cfg.FrontMachine.ID,
			IP:   cfg.FrontMachine.IP,
			Port: cfg.FrontMachine.Port,
		},
		Membership: reg,
		Repository: deps.repository,
		Gateway:    connManager,
		BusClosed:  deps.busClosed,
		Closers:    deps.closers,
	})
	if deps.release != nil {
		deps.release()
	}
	if err != nil {
		logger.Error("Front machine failed to start", "err", err)
		os.Exit(1)
	}
}

func registryHooks(logger *slog.Logger) registry.Hooks {
	log := logger.With("component", "RegistryEvents")
	return registry.Hooks{
		OnRegistered: func(fmID string) {
			log.Info("Front machine joined", "event", edge.EventFMRegistered, "fm_id", fmID)
		},
		OnUnregistered: func(fmID string) {
			log.Info("Front machine left", "event", edge.EventFMUnregistered, "fm_id", fmID)
		},
		OnError: func(err error) { log.Error("Registry keep-alive error", "err", err) },
	}
}

// newDependencies builds the service dependency container.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*dependencies, error) {
	if cfg.IsLocal() {
		return newLocalDependencies(cfg, logger), nil
	}
	return newProdDependencies(ctx, cfg, logger)
}

// newLocalDependencies replaces Postgres and RabbitMQ with in-memory fakes.
func newLocalDependencies(cfg *config.AppConfig, logger *slog.Logger) *dependencies {
	logger.Warn("Running in local mode with in-memory repository and channel manager")
	repo := fakes.NewRepository(logger)
	for _, s := range cfg.LocalSessions {
		repo.PutSession(edge.Session{ID: s.ID, UserID: s.UserID, DeviceID: s.DeviceID})
	}
	return &dependencies{
		repository: repo,
		channels:   fakes.NewChannelManager(logger),
	}
}

// newProdDependencies connects to Postgres and RabbitMQ.
func newProdDependencies(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*dependencies, error) {
	logger.Debug("Connecting to Postgres")
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	repo, err := persistence.NewPostgresRepository(pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.Postgres.EnsureSchema {
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	logger.Debug("Connecting to RabbitMQ")
	conn, err := amqp.Dial(cfg.Bus.URL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	channels, err := bus.NewChannelManager(bus.WrapConnection(conn), bus.Config{
		Namespace:           cfg.Bus.Namespace,
		QueuePolicy:         bus.QueuePolicy(cfg.Bus.QueuePolicy),
		ForwardMode:         bus.ForwardMode(cfg.Bus.ForwardMode),
		RetainDurableQueues: cfg.Bus.RetainDurableQueues,
	}, logger)
	if err != nil {
		_ = conn.Close()
		pool.Close()
		return nil, fmt.Errorf("failed to create channel manager: %w", err)
	}

	busClosed := make(chan error, 1)
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-notify; ok {
			busClosed <- amqpErr
		}
	}()

	logger.Debug("All production dependencies initialized")

	return &dependencies{
		repository: repo,
		channels:   channels,
		busClosed:  busClosed,
		closers: []func() error{
			func() error {
				if conn.IsClosed() {
					return nil
				}
				return conn.Close()
			},
		},
		release: pool.Close,
	}, nil
}
