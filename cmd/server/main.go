// Package main provides the API server entry point for the marketplace sync
// service.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/market-sync/internal/adapter"
	"github.com/market-sync/internal/aggregate"
	"github.com/market-sync/internal/api"
	"github.com/market-sync/internal/config"
	"github.com/market-sync/internal/crosstab"
	"github.com/market-sync/internal/images"
	"github.com/market-sync/internal/livequery"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/mutation"
	"github.com/market-sync/internal/service"
	"github.com/market-sync/internal/stats"
	"github.com/market-sync/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Connect to the shared store
	logger.Info("Connecting to Redis...")
	redisStore, err := storage.NewRedisStore(&cfg.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisStore.Close()
	statsStore := storage.NewStatsStore(redisStore)
	logger.Info("Shared store connected")

	// Listing feed: GraphQL transport driven by the live query manager
	marketplace := adapter.NewMarketplaceAdapter(&cfg.Listing, logger)
	manager := livequery.NewManager(marketplace, livequery.Config{
		SubscriptionTimeout: cfg.Listing.SubscriptionTimeout,
		RefreshDelay:        cfg.Listing.RefreshDelay,
	}, logger)

	// Stats cache over the shared store
	statsCache := stats.NewCache(statsStore, cfg.Stats.FreshnessWindow, cfg.Stats.Capacity, logger)

	// Cross-context sync: this process broadcasts its mutations and observes
	// everyone else's through the shared store's pub/sub channel.
	broadcaster := crosstab.NewBroadcaster(statsStore, cfg.CrossTab.Channel)

	// Wallet session and optimistic mutation engine
	session := service.NewWalletSession()
	engine := mutation.NewEngine(statsCache, statsStore, broadcaster, session, cfg.Mutation.ViewDebounce, logger)

	observer := crosstab.NewObserver(
		statsStore,
		cfg.CrossTab.Channel,
		broadcaster.Origin(),
		cfg.CrossTab.ThrottleWindow,
		engine.ApplyRemote,
		logger,
	)

	// Gateway-fallback image loader
	prober := images.NewHTTPProber(cfg.Images.ProbeTimeout)
	loader := images.NewLoader(prober, images.Config{
		Gateways:      cfg.Images.Gateways,
		CacheCapacity: cfg.Images.CacheCapacity,
		MaxConcurrent: cfg.Images.MaxConcurrent,
	}, logger)

	// Join layer and service
	aggregator := aggregate.NewAggregator(manager, statsCache, engine, loader, logger)
	market := service.NewMarketService(manager, statsCache, engine, aggregator, loader, observer, session, logger)

	// Background machinery runs until shutdown
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	market.Run(runCtx)
	defer market.Stop()

	logger.Info("Market sync service initialized")

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RequestsPerSec:  cfg.Server.RequestsPerSec,
		Burst:           cfg.Server.Burst,
	}

	server := api.NewServer(serverConfig, market, logger)

	go func() {
		if err := server.Start(runCtx); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
