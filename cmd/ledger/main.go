package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"ledger/internal/amqp"
	"ledger/internal/bus"
	"ledger/internal/cache"
	"ledger/internal/config"
	"ledger/internal/log"
	"ledger/internal/progress"
	"ledger/internal/services"
	"ledger/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.Config{Level: slog.LevelInfo}).WithComponent(log.ComponentApp)
	log.SetDefault(logger)

	logger.Info("Starting ledger")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	// Prefer the broker; fall back to the in-process bus so a missing
	// RabbitMQ never blocks local development.
	var (
		publisher  bus.Publisher
		auditSink  services.AuditPublisher
		amqpClient *amqp.Client
	)
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn("AMQP unavailable, using in-process bus", "error", err)
		}
	}
	if amqpClient != nil {
		defer amqpClient.Close()
		publisher = amqpClient
		auditSink = amqpClient
	} else {
		memory := bus.NewMemoryBus()
		services.NewLinkConsumer(repo).SubscribeAll(memory)
		publisher = memory
	}

	listCache := cache.NewExpenseListCache(cfg.CacheMaxUsers, cfg.CacheTTL)
	tracker := progress.NewTracker(cfg.JobRetention)

	manager := cache.NewManager()
	manager.Register(listCache)
	manager.Register(tracker)
	manager.StartCleanup(cfg.CacheSweep)
	defer manager.Stop()

	recorder := services.NewAuditRecorder(repo, auditSink)

	service := services.NewExpenseService(repo, publisher, recorder, listCache, tracker, services.Options{
		StatelessThreshold: cfg.BulkStatelessThreshold,
		FlushSize:          cfg.BulkFlushSize,
		DeleteBatchSize:    cfg.DeleteBatchSize,
		MaxConcurrentJobs:  4,
	})
	defer service.Close()

	logger.Info("Ledger ready",
		"db", cfg.SQLiteDBPath,
		"amqp", amqpClient != nil,
		"stateless_threshold", cfg.BulkStatelessThreshold)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Shutting down", "signal", sig)
}
