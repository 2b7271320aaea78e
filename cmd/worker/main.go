package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linolazarous/app/internal/billing"
	"github.com/linolazarous/app/internal/cache"
	"github.com/linolazarous/app/internal/catalog"
	"github.com/linolazarous/app/internal/config"
	"github.com/linolazarous/app/internal/database"
	"github.com/linolazarous/app/internal/ledger"
	"github.com/linolazarous/app/internal/logging"
	"github.com/linolazarous/app/internal/metrics"
	"github.com/linolazarous/app/internal/monitoring"
	"github.com/linolazarous/app/internal/queue"
	"github.com/linolazarous/app/internal/tracing"
	"github.com/linolazarous/app/pkg/models"
	"github.com/spf13/pflag"
)

const depthInterval = 30 * time.Second

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	var requeue bool
	flags := pflag.NewFlagSet("worker", pflag.ExitOnError)
	flags.StringVarP(&configPath, "config", "c", configPath, "path to the YAML config file")
	flags.BoolVar(&requeue, "requeue-dead-letters", false, "move dead-lettered billing events back onto the main queue and exit when interrupted")
	flags.Parse(os.Args[1:])

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger = logger.WithComponent("worker")

	tracer, err := tracing.InitTracer(cfg.Tracing)
	if err != nil {
		logger.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer tracer.Close()

	// Initialize queue
	q, err := queue.New(cfg.Queue, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	if err := q.SetupDeadLetterQueue(); err != nil {
		logger.Fatalf("Failed to set up dead letter queue: %v", err)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker gracefully...")
		cancel()
	}()

	if requeue {
		if err := requeueDeadLetters(ctx, q, logger); err != nil {
			logger.Fatalf("Failed to requeue dead letters: %v", err)
		}
		<-ctx.Done()
		return
	}

	// Initialize database
	openStart := time.Now()
	store, err := database.Open(ctx, cfg.Database)
	logger.LogDatabaseOperation("open_"+cfg.Database.Driver, time.Since(openStart), err)
	if err != nil {
		logger.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	redisCache, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisCache.Close()

	plans, err := catalog.New(cfg.Plans)
	if err != nil {
		logger.Fatalf("Invalid plan catalog: %v", err)
	}

	reconciler := billing.NewReconciler(store, plans, ledger.New(store, logger), billing.Config{
		WebhookSecret:      cfg.Billing.WebhookSecret,
		SignatureTolerance: cfg.Billing.SignatureTolerance,
		LockTTL:            cfg.Billing.LockTTL,
	}, logger, billing.WithLocker(redisCache))

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Port, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
		defer metricsServer.Shutdown(context.Background())
	}

	handler := func(ctx context.Context, event *models.BillingEvent) error {
		_, err := reconciler.Apply(ctx, event)
		return err
	}

	// Start consuming billing events
	logger.Info("Worker started, waiting for billing events...")
	if err := q.ConsumeBillingEvents(ctx, handler); err != nil {
		logger.Fatalf("Failed to consume billing events: %v", err)
	}

	go monitoring.NewMonitor(q, store, depthInterval, logger).Start(ctx)

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("Worker stopped")
}

func requeueDeadLetters(ctx context.Context, q *queue.Queue, logger *logging.Logger) error {
	depth, err := q.DLQDepth()
	if err != nil {
		return err
	}
	logger.Infof("Requeueing %d dead-lettered billing events", depth)

	return q.ConsumeDLQ(ctx, func(event *models.BillingEvent, reason string) error {
		if err := q.RetryFromDLQ(ctx, event); err != nil {
			return fmt.Errorf("requeue %s: %w", event.ID, err)
		}
		logger.WithEventID(event.ID).WithField("failure_reason", reason).Info("billing event requeued")
		return nil
	})
}
