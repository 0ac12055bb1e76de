// Aegis coordination kernel server: alert ingress, the agent pipeline,
// consensus, and both API listeners in one process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sentinelops/aegis/pkg/agent"
	"github.com/sentinelops/aegis/pkg/api"
	"github.com/sentinelops/aegis/pkg/bus"
	"github.com/sentinelops/aegis/pkg/config"
	"github.com/sentinelops/aegis/pkg/consensus"
	"github.com/sentinelops/aegis/pkg/database"
	"github.com/sentinelops/aegis/pkg/eventstore"
	"github.com/sentinelops/aegis/pkg/hub"
	"github.com/sentinelops/aegis/pkg/masking"
	"github.com/sentinelops/aegis/pkg/metrics"
	"github.com/sentinelops/aegis/pkg/orchestrator"
	"github.com/sentinelops/aegis/pkg/provider"
	"github.com/sentinelops/aegis/pkg/resilience"
	"github.com/sentinelops/aegis/pkg/secrets"
	"github.com/sentinelops/aegis/pkg/version"
)

// Exit codes: 0 clean, 2 configuration error, 3 store unreachable at startup,
// 130 interrupted.
const (
	exitConfig      = 2
	exitStore       = 3
	exitInterrupted = 130
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// openStore selects the event store backend. The returned cleanup is safe to
// call once after everything reading the store has stopped.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (eventstore.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return eventstore.NewMemoryStore(logger), func() {}, nil

	case config.StoreLevelDB:
		store, err := eventstore.OpenLevelDB(cfg.Store.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if cerr := store.Close(); cerr != nil {
				logger.Error("Error closing leveldb store", "error", cerr)
			}
		}, nil

	case config.StorePostgres:
		dbCfg, err := database.LoadConfigFromEnv()
		if err != nil {
			return nil, nil, err
		}
		client, err := database.NewClient(ctx, dbCfg)
		if err != nil {
			return nil, nil, err
		}
		if err := database.RunMigrations(client.DB(), dbCfg.Database); err != nil {
			client.Close()
			return nil, nil, err
		}
		store := eventstore.NewPostgresStore(client.DB(), logger)
		if err := store.StartListener(ctx, client.DSN()); err != nil {
			client.Close()
			return nil, nil, err
		}
		return store, func() {
			if cerr := store.Close(); cerr != nil {
				logger.Error("Error closing postgres store", "error", cerr)
			}
			if cerr := client.Close(); cerr != nil {
				logger.Error("Error closing database client", "error", cerr)
			}
		}, nil

	default:
		return nil, nil, config.NewLoadError("store.backend", nil)
	}
}

func breakerSettings(cfg config.BreakersConfig) (resilience.BreakerConfig, map[string]resilience.BreakerConfig) {
	defaults := resilience.DefaultBreakerConfig()
	if cfg.Defaults.FailureThreshold > 0 {
		defaults.FailureThreshold = cfg.Defaults.FailureThreshold
	}
	if cfg.Defaults.Window > 0 {
		defaults.Window = cfg.Defaults.Window
	}
	if cfg.Defaults.Cooldown > 0 {
		defaults.Cooldown = cfg.Defaults.Cooldown
	}
	overrides := make(map[string]resilience.BreakerConfig, len(cfg.Overrides))
	for name, o := range cfg.Overrides {
		entry := defaults
		if o.FailureThreshold > 0 {
			entry.FailureThreshold = o.FailureThreshold
		}
		if o.Window > 0 {
			entry.Window = o.Window
		}
		if o.Cooldown > 0 {
			entry.Cooldown = o.Cooldown
		}
		overrides[name] = entry
	}
	return defaults, overrides
}

func limiterSettings(cfg map[string]config.RateLimitConfig) (resilience.LimitConfig, map[string]resilience.LimitConfig, time.Duration) {
	defaults := resilience.DefaultLimitConfig()
	var idleTTL time.Duration
	if d, ok := cfg["default"]; ok {
		if d.Capacity > 0 {
			defaults.Capacity = d.Capacity
		}
		if d.RefillRate > 0 {
			defaults.RefillRate = d.RefillRate
		}
		idleTTL = d.IdleTTL
	}
	overrides := make(map[string]resilience.LimitConfig)
	for name, l := range cfg {
		if name == "default" {
			continue
		}
		overrides[name] = resilience.LimitConfig{Capacity: l.Capacity, RefillRate: l.RefillRate}
	}
	return defaults, overrides, idleTTL
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(exitConfig)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info("Starting aegis",
		"version", version.Full(),
		"store_backend", cfg.Store.Backend,
		"config_dir", *configDir)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open event store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(exitStore)
	}
	defer closeStore()

	broker := bus.New(bus.Config{
		MaxAttempts:  cfg.Bus.MaxAttempts,
		PendingLimit: cfg.Bus.PendingLimit,
		Retry:        cfg.Bus.Retry,
	}, nil, nil, logger)
	defer broker.Close()

	facade := provider.NewFacade(nil, broker, logger)
	if err := facade.RegisterFromConfig(cfg.Providers, secrets.EnvSource{}); err != nil {
		logger.Error("Failed to register providers", "error", err)
		os.Exit(exitConfig)
	}

	breakerDefaults, breakerOverrides := breakerSettings(cfg.Breakers)
	breakers := resilience.NewBreakerGroup(breakerDefaults, breakerOverrides, logger, nil)

	limitDefaults, limitOverrides, idleTTL := limiterSettings(cfg.RateLimits)
	limiter := resilience.NewRateLimiter(limitDefaults, limitOverrides, idleTTL)
	defer limiter.Stop()

	runner := agent.NewRunner(cfg.Agents, facade, breakers, limiter, cfg.Bus.Retry, nil, broker, nil, logger)

	engine, err := consensus.NewEngine(consensus.Config{
		Weights:           cfg.Agents.Weights,
		AgreeThreshold:    cfg.Consensus.AgreeThreshold,
		DecisionThreshold: cfg.Consensus.Threshold,
	}, nil, logger)
	if err != nil {
		logger.Error("Invalid consensus configuration", "error", err)
		os.Exit(exitConfig)
	}

	maskEnabled := cfg.Masking.Enabled == nil || *cfg.Masking.Enabled
	masker := masking.NewMasker(masking.Config{
		Enabled:      maskEnabled,
		PatternGroup: cfg.Masking.PatternGroup,
	}, logger)

	hubRef := hub.New(cfg.Hub, store, nil, nil, logger)
	go func() {
		if err := hubRef.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Subscriber hub stopped", "error", err)
		}
	}()
	defer hubRef.Close()

	metricsSvc := metrics.NewService(cfg.Metrics, store, broker, hubRef, nil, logger)
	go func() {
		if err := metricsSvc.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Metrics service stopped", "error", err)
		}
	}()

	orch := orchestrator.New(cfg, store, runner, engine, masker, nil, cfg.Bus.Retry, nil, nil, logger)
	if err := orch.Start(ctx); err != nil {
		logger.Error("Failed to start orchestrator", "error", err)
		os.Exit(exitStore)
	}
	defer orch.Stop()

	core := api.NewCore(orch, hubRef, metricsSvc, store)

	rpcServer := api.NewRPCServer(cfg.Server, core, hubRef, nil, nil, logger)
	if err := rpcServer.Start(); err != nil {
		logger.Error("Failed to start RPC listener", "error", err)
		os.Exit(exitConfig)
	}
	defer rpcServer.Stop()

	httpServer := api.NewHTTPServer(cfg.Server, core, hubRef, metricsSvc.Registry(), nil, logger)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP listener", "error", err)
		os.Exit(exitConfig)
	}

	logger.Info("Aegis started",
		"rpc_addr", cfg.Server.RPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"workers", cfg.Workers.Max)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("Shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	rpcServer.Stop()
	orch.Stop()
	cancel()

	logger.Info("Shutdown complete")
	os.Exit(exitInterrupted)
}
