package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"carsync/internal/config"
	"carsync/internal/domain"
	"carsync/internal/lifecycle"
	"carsync/internal/publisher"
	"carsync/internal/retry"
	"carsync/internal/scheduler"
	"carsync/internal/service"
	"carsync/internal/source/auctionfeed"
	"carsync/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	retryAttempts := flag.Int("retry-attempts", 3, "max sync invocation attempts")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			"reason", domain.ReasonMissingConfig,
			"error", err,
		)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
		URL:        cfg.RabbitMQ.URL,
		Exchange:   cfg.RabbitMQ.Exchange,
		RoutingKey: cfg.RabbitMQ.RoutingKey,
		QueueName:  cfg.RabbitMQ.QueueName,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer rabbitMQ.Close()

	listingStore := postgres.NewListingStore(db)
	syncJobStore := postgres.NewSyncJobStore(db)
	cleanupStore := postgres.NewCleanupQueueStore(db)
	txManager := postgres.NewTransactionManager(db)

	feed := auctionfeed.New(auctionfeed.Config{
		BaseURL:            cfg.Feed.BaseURL,
		APIKey:             cfg.Feed.APIKey,
		PageSize:           cfg.Feed.PageSize,
		Timeout:            cfg.Feed.Timeout,
		MinRequestInterval: cfg.Feed.MinRequestInterval,
		MaxAttempts:        cfg.Feed.Retry.MaxAttempts,
		InitialBackoff:     cfg.Feed.Retry.InitialBackoff,
		MaxBackoff:         cfg.Feed.Retry.MaxBackoff,
	}, logger)

	lifecycleManager := lifecycle.NewManager(
		listingStore,
		cleanupStore,
		txManager,
		rabbitMQ,
		cfg.Sync.GraceWindow,
		logger,
	)

	supervisor := service.NewSupervisor(
		feed,
		listingStore,
		syncJobStore,
		lifecycleManager,
		service.SystemClock,
		logger,
		cfg.Sync,
	)

	coordinator := retry.NewCoordinator(supervisor, feed, logger, *retryAttempts)
	sched := scheduler.NewScheduler(coordinator, cfg.Sync.Interval, cfg.Sync.IncrementalMinutes, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("starting inventory syncer",
		"source", auctionfeed.SourceID,
		"interval", cfg.Sync.Interval,
		"page_concurrency", cfg.Sync.PageConcurrency,
		"max_execution", cfg.Sync.MaxExecution,
	)

	if err := sched.Start(ctx); err != nil && err != context.Canceled {
		logger.Error("scheduler error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
