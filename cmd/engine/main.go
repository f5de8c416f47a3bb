package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"binance-grid-engine-go/internal/config"
	"binance-grid-engine-go/internal/events"
	"binance-grid-engine-go/internal/killswitch"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/manager"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/persistence"
	"binance-grid-engine-go/internal/ratelimit"
	"binance-grid-engine-go/internal/reporter"
	"binance-grid-engine-go/internal/stream"
	"binance-grid-engine-go/internal/vault"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	// A default logger so config loading itself can be logged; the real one
	// replaces it once the file is parsed.
	logger.Init(models.LogConfig{Level: "info", Output: "console"})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.S().Fatalf("loading config failed: %v", err)
	}
	logger.Init(cfg.LogConfig)
	defer logger.S().Sync()

	masterKey := config.MasterKey()
	if masterKey == "" {
		logger.S().Fatal("GRID_MASTER_KEY is not set; credentials cannot be unsealed")
	}
	v, err := vault.New(masterKey)
	if err != nil {
		logger.S().Fatalf("building vault failed: %v", err)
	}

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("opening database at %s failed: %v", cfg.DBPath, err)
	}
	defer repo.Close()

	guard, err := killswitch.New(repo, time.Duration(cfg.KillSwitchPollSec)*time.Second)
	if err != nil {
		logger.S().Fatalf("loading kill switch state failed: %v", err)
	}
	if guard.Engaged() {
		logger.S().Warn("kill switch is engaged from a previous session; no orders will be placed until it is released")
	}

	registry := ratelimit.NewRegistry(cfg.WeightPerMinute, cfg.OrdersPerTenSec)
	mux := stream.NewMultiplexer(cfg.LiveWSURL, cfg.TestnetWSURL,
		cfg.SubscriberQueueSize, time.Duration(cfg.ListenKeyRenewSec)*time.Second)
	defer mux.Close()

	bus := events.NewBus()
	mgr := manager.New(cfg, repo, v, registry, mux, guard, bus, nil)
	rep := reporter.New(repo, bus, time.Duration(cfg.ReporterIntervalSec)*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go rep.Run(ctx)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		logger.L().Info("shutdown signal received", zap.String("signal", s.String()))
		cancel()
	}()

	logger.L().Info("engine starting", zap.String("db", cfg.DBPath))
	if err := mgr.Run(ctx); err != nil && ctx.Err() == nil {
		logger.S().Fatalf("engine exited with error: %v", err)
	}
	logger.L().Info("engine stopped")
}
