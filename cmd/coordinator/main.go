// Package main is the entrypoint for the Queryline schedule execution
// coordinator.
//
// The coordinator is a long-running process. Multiple instances may run
// concurrently against the same database with no leader election; the
// schedule store's compare-and-swap claim guarantees each due occurrence is
// executed at most once. This file handles dependency wiring and delegates
// all business logic to the internal/coordinator package.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"queryline/internal/config"
	"queryline/internal/coordinator"
	"queryline/internal/db"
	"queryline/internal/external"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})).With("service", cfg.Service, "env", cfg.Environment)
	slog.SetDefault(logger)

	logger.Info("coordinator initializing")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("invalid database URL", "error", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	scheduleRepo := db.NewScheduleRepository(pool)
	executionRepo := db.NewExecutionRepository(pool)
	queryRepo := db.NewQueryRepository(pool)
	credentialRepo := db.NewCredentialRepository(pool)

	httpClient := &http.Client{Timeout: cfg.Analytics.Timeout}

	tokens := external.NewTokenService(httpClient, credentialRepo, external.TokenServiceConfig{
		TokenURL:     cfg.Auth.TokenURL,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		RefreshSkew:  cfg.Auth.RefreshSkew,
		Logger:       logger,
	})

	analytics := external.NewAnalyticsClient(httpClient, external.AnalyticsClientConfig{
		BaseURL: cfg.Analytics.BaseURL,
		Logger:  logger,
	})

	claimer := coordinator.NewClaimer(scheduleRepo, executionRepo, cfg.Coordinator.DueBuffer, logger)
	dispatcher := coordinator.NewDispatcher(queryRepo, executionRepo, tokens, analytics, logger)
	runner := coordinator.NewOccurrenceRunner(scheduleRepo, executionRepo, dispatcher, logger)

	pollLoop := coordinator.NewPollLoop(
		scheduleRepo,
		claimer,
		runner,
		cfg.Coordinator.PollInterval,
		cfg.Coordinator.DueBuffer,
		cfg.Coordinator.Concurrency,
		logger,
	)

	recovery := coordinator.NewRecoveryMonitor(
		scheduleRepo,
		cfg.Coordinator.RecoveryInterval,
		cfg.Coordinator.RecoveryTimeout,
		cfg.Coordinator.RecoveryBatch,
		logger,
	)

	logger.Info("coordinator initialized",
		"poll_interval", cfg.Coordinator.PollInterval.String(),
		"concurrency", cfg.Coordinator.Concurrency,
		"recovery_timeout", cfg.Coordinator.RecoveryTimeout.String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pollLoop.Start(gctx) })
	g.Go(func() error { return recovery.Start(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("coordinator exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("coordinator shut down")
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
