// Package main provides the entry point for the permission decision engine
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/docreview/permengine/internal/cache"
	"github.com/docreview/permengine/internal/config"
	"github.com/docreview/permengine/internal/db"
	"github.com/docreview/permengine/internal/engine"
	"github.com/docreview/permengine/internal/logging"
	"github.com/docreview/permengine/internal/metrics"
	"github.com/docreview/permengine/internal/server"
	"github.com/docreview/permengine/internal/store"
)

// Version information (set at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Path to YAML configuration file")
		addr            = flag.String("addr", ":8080", "Ops HTTP listen address")
		dbDSN           = flag.String("db-dsn", os.Getenv("PERMENGINE_DB_DSN"), "Postgres DSN for the permission store")
		runMigrations   = flag.Bool("migrate", true, "Apply schema migrations on startup")
		logLevel        = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		logFormat       = flag.String("log-format", "json", "Log format (json, console)")
		logFile         = flag.String("log-file", "", "Optional rotating log file path")
		showVersion     = flag.Bool("version", false, "Show version information")
		gracefulTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("permengine-server %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = *logLevel
	logCfg.Format = *logFormat
	logCfg.File = *logFile
	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatal("failed to load configuration", zap.Error(err))
		}
	}
	cfgStore, err := config.NewStore(cfg)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, cfgStore, logger.Named("config"))
		if err != nil {
			logger.Warn("config hot reload unavailable", zap.Error(err))
		} else if err := watcher.Watch(); err != nil {
			logger.Warn("config hot reload unavailable", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	if *dbDSN == "" {
		logger.Fatal("a Postgres DSN is required (-db-dsn or PERMENGINE_DB_DSN)")
	}
	resolver, err := store.Open(store.Config{
		DSN:             *dbDSN,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}, logger.Named("store"))
	if err != nil {
		logger.Fatal("failed to connect to permission store", zap.Error(err))
	}
	defer resolver.Close()

	if *runMigrations {
		runner, err := db.NewMigrationRunner(resolver.DB(), logger.Named("migrations"))
		if err != nil {
			logger.Fatal("failed to create migration runner", zap.Error(err))
		}
		if err := runner.Up(); err != nil {
			logger.Fatal("schema migration failed", zap.Error(err))
		}
	}

	decisionCache, err := buildCache(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build decision cache", zap.Error(err))
	}

	promMetrics := metrics.NewPrometheusMetrics("permengine")

	eng, err := engine.New(engine.Options{
		Config:   cfgStore,
		Cache:    decisionCache,
		Resolver: resolver,
		DB:       resolver.DB(),
		Logger:   logger,
		Metrics:  promMetrics,
	})
	if err != nil {
		logger.Fatal("failed to create engine", zap.Error(err))
	}
	defer eng.Close()

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = *addr
	srv, err := server.New(srvCfg, eng, promMetrics, logger.Named("server"))
	if err != nil {
		logger.Fatal("failed to create ops server", zap.Error(err))
	}

	logger.Info("permission engine starting",
		zap.String("version", Version),
		zap.String("addr", *addr),
		zap.Bool("redis_enabled", cfg.RedisEnabled))

	errChan := make(chan error, 1)
	go func() { errChan <- srv.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			logger.Fatal("ops server error", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), *gracefulTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("ops server shutdown failed", zap.Error(err))
		}
	}

	logger.Info("permission engine stopped")
}

// buildCache assembles the layered cache from the configuration. Redis being
// unreachable is not fatal; the hybrid cache degrades to L1-only.
func buildCache(cfg config.Config, logger *zap.Logger) (cache.DecisionCache, error) {
	if !cfg.RedisEnabled {
		return cache.NewLRU(cfg.L1Capacity), nil
	}

	redisCfg := cache.DefaultRedisConfig()
	redisCfg.Host = cfg.RedisHost
	redisCfg.Port = cfg.RedisPort
	redisCfg.DB = cfg.RedisDB
	if cfg.RedisKeyPrefix != "" {
		redisCfg.KeyPrefix = cfg.RedisKeyPrefix
	}

	hybrid, err := cache.NewHybridCache(&cache.HybridConfig{
		L1Capacity: cfg.L1Capacity,
		L2Enabled:  true,
		L2Config:   redisCfg,
	})
	if err != nil {
		return nil, err
	}
	if !hybrid.L2Enabled() {
		logger.Warn("redis unreachable, serving from local cache only",
			zap.String("host", cfg.RedisHost),
			zap.Int("port", cfg.RedisPort))
	}
	return hybrid, nil
}
