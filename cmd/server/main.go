// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

// Package main is the entry point for the Procguard server.
//
// Procguard is an exactly-once work-processing engine: callers submit
// units of work keyed by (tenant, message ID) and the engine guarantees
// the work runs at most once per processing round, with durable retry
// scheduling, dead lettering, and an operator API.
//
// The server initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered sources (defaults, config file,
//     environment variables)
//  2. Record store: BadgerDB with the retry index keyspace
//  3. Engine: retry scheduler, dead letter manager, coordinator
//  4. Background loops: retry sweeper and retention purger
//  5. HTTP server: operator API with Prometheus metrics
//
// All long-running components run under a suture supervision tree; the
// server handles graceful shutdown on SIGINT and SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mwhitfield/procguard/internal/api"
	"github.com/mwhitfield/procguard/internal/audit"
	"github.com/mwhitfield/procguard/internal/config"
	"github.com/mwhitfield/procguard/internal/coordinator"
	"github.com/mwhitfield/procguard/internal/deadletter"
	"github.com/mwhitfield/procguard/internal/ingestion"
	"github.com/mwhitfield/procguard/internal/logging"
	"github.com/mwhitfield/procguard/internal/pipeline"
	"github.com/mwhitfield/procguard/internal/retry"
	"github.com/mwhitfield/procguard/internal/store"
	"github.com/mwhitfield/procguard/internal/supervisor"
	"github.com/mwhitfield/procguard/internal/supervisor/services"
	"github.com/mwhitfield/procguard/internal/sweeper"
)

func main() {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("store_path", cfg.Store.Path).
		Int("max_retry_attempts", cfg.Engine.MaxRetryAttempts).
		Bool("dead_letter_queue", cfg.Engine.EnableDeadLetterQueue).
		Msg("Starting Procguard")

	recordStore, err := store.Open(cfg.Store)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open record store")
	}
	defer func() {
		if err := recordStore.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing record store")
		}
	}()

	// The audit store shares the Badger database under its own prefix.
	auditStore := audit.NewBadgerStore(recordStore.DB())
	auditLog := audit.NewLogger(auditStore, audit.DefaultConfig())
	defer func() {
		if err := auditLog.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing audit logger")
		}
	}()

	scheduler := retry.NewScheduler(retry.Policy{
		BaseDelay:   cfg.Engine.BaseRetryDelay,
		MaxDelay:    cfg.Engine.MaxRetryDelay,
		JitterRatio: cfg.Engine.JitterRatio,
	})

	deadLetters := deadletter.NewManager(recordStore, auditLog)
	engine := coordinator.New(recordStore, scheduler, deadLetters, cfg.Engine, cfg.Breaker)

	validator := ingestion.NewValidator(
		ingestion.WithQualityThreshold(cfg.Ingestion.QualityThreshold),
	)
	ingestPipeline := pipeline.New(validator, engine)

	// The sweep re-executes due records from their stored payloads; the
	// coordinator re-applies every claim check on the way back in.
	retrySweeper := sweeper.New(recordStore, auditLog, cfg.Sweep)
	retrySweeper.SetFallback(ingestPipeline.Resubmit)
	purger := sweeper.NewPurger(recordStore, auditLog, cfg.Engine, cfg.Sweep)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auditLog.StartCleanupRoutine(ctx)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddDataService(services.NewLoopService("retry-sweeper", retrySweeper.Run))
	tree.AddDataService(services.NewLoopService("retention-purger", purger.Run))

	handler := api.NewHandler(recordStore, deadLetters, auditLog, ingestPipeline)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.NewRouter(handler, cfg.Server),
		ReadHeaderTimeout: cfg.Server.Timeout,
	}
	tree.AddAPIService(services.NewHTTPServerService(httpServer, cfg.Server.Timeout))

	errCh := tree.ServeBackground(ctx)

	logging.Info().
		Str("addr", httpServer.Addr).
		Msg("Procguard running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			logging.Error().Err(err).Msg("Supervisor tree stopped unexpectedly")
		}
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", fmt.Sprintf("%v", svc.Service)).Msg("Service did not stop in time")
		}
	}

	logging.Info().Msg("Procguard stopped")
}
