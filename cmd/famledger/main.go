package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"famledger/internal/backend"
	"famledger/internal/cache"
	"famledger/internal/cli"
	apphttp "famledger/internal/http"
	"famledger/internal/log"
	"famledger/internal/metrics"
	"famledger/internal/services"
)

const (
	categoryCacheSize    = 512
	cacheCleanupInterval = time.Minute
	shutdownTimeout      = 30 * time.Second
)

func main() {
	cli.LoadEnvFile()

	cfg, err := cli.LoadAndValidateConfig()
	if err != nil {
		cli.Fatal(log.New(log.DefaultConfig()), "Configuration validation failed", err)
	}
	logger := cli.SetupLogger(cfg, log.ComponentApp)
	logger.Info("Starting famledger", "backend", cfg.DataBackend, "port", cfg.Port)

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		cli.Fatal(logger, "Invalid backend configuration", err)
	}
	store, err := backend.Open(bcfg, logger)
	if err != nil {
		cli.Fatal(logger, "Failed to open backend", err)
	}
	defer store.Close()

	m := metrics.New()
	deps := services.Deps{
		Gateway:        store.Gateway,
		Logger:         logger,
		Metrics:        m,
		GatewayTimeout: cfg.GatewayTimeout,
	}

	// Event publishing is optional: payments work without a broker.
	amqpClient, err := cli.DialAMQP(cfg, logger)
	if err != nil {
		logger.Warn("Failed to initialize AMQP client, continuing without events", log.FieldError, err)
	}
	if amqpClient != nil {
		deps.Events = amqpClient
		defer amqpClient.Close()
	}

	categoryCache := cache.NewLRUCache[string](categoryCacheSize, cfg.CategoryCacheTTL)
	cacheManager := cache.NewManager()
	cacheManager.Register(categoryCache)
	cacheManager.StartCleanup(cacheCleanupInterval)
	defer cacheManager.Stop()
	m.WatchCache("categories", categoryCache.Stats, categoryCache.Size)

	categories := services.NewCategoryResolverWithCache(deps, categoryCache)
	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Services{
		Ledger:     services.NewLedgerService(deps),
		Debts:      services.NewDebtService(deps, categories),
		Budgets:    services.NewBudgetService(deps),
		Categories: categories,
		Reconciler: services.NewReconciler(deps),
	}, apphttp.Options{
		Logger:       logger,
		Metrics:      m,
		RateLimitRPM: cfg.RateLimitRPM,
		Ready:        store.Ping,
	})

	ctx, stop := cli.SignalContext()
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", log.FieldOperation, log.OpShutdown)
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server error", log.FieldError, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", log.FieldError, err, log.FieldOperation, log.OpShutdown)
	}
	logger.Info("Server stopped gracefully")
}
