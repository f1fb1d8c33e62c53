package main

import (
	"context"
	"errors"
	"sync"

	"famledger/internal/backend"
	"famledger/internal/cli"
	"famledger/internal/log"
	"famledger/internal/metrics"
	"famledger/internal/services"
	"famledger/internal/worker"
)

func main() {
	cli.LoadEnvFile()

	cfg, err := cli.LoadAndValidateConfig()
	if err != nil {
		cli.Fatal(log.New(log.DefaultConfig()), "Configuration validation failed", err)
	}
	logger := cli.SetupLogger(cfg, log.ComponentWorker)
	logger.Info("Starting reconcile-worker",
		"backend", cfg.DataBackend,
		"interval", cfg.ReconcileInterval,
		"auto_fix", cfg.ReconcileAutoFix)

	if cfg.DataBackend == string(backend.Memory) {
		// The memory backend lives in the API process; a separate worker
		// would reconcile an empty ledger.
		logger.Warn("reconcile-worker is running against a private memory backend")
	}

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		cli.Fatal(logger, "Invalid backend configuration", err)
	}
	store, err := backend.Open(bcfg, logger)
	if err != nil {
		cli.Fatal(logger, "Failed to open backend", err)
	}
	defer store.Close()

	reconciler := services.NewReconciler(services.Deps{
		Gateway:        store.Gateway,
		Logger:         logger,
		Metrics:        metrics.New(),
		GatewayTimeout: cfg.GatewayTimeout,
	})
	w := worker.NewReconcileWorker(reconciler, logger, cfg.ReconcileAutoFix)

	ctx, stop := cli.SignalContext()
	defer stop()

	var wg sync.WaitGroup

	amqpClient, err := cli.DialAMQP(cfg, logger)
	if err != nil {
		logger.Warn("Failed to initialize AMQP client, running periodic sweeps only", log.FieldError, err)
	}
	if amqpClient != nil {
		defer amqpClient.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := amqpClient.ConsumeLedgerEvents(ctx, w.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Message consumption failed", log.FieldError, err, log.FieldOperation, log.OpConsume)
				stop()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx, cfg.ReconcileInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Reconcile loop stopped", log.FieldError, err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down reconcile-worker", log.FieldOperation, log.OpShutdown)
	wg.Wait()
	logger.Info("Worker stopped gracefully")
}
