package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/linolazarous/app/internal/billing"
	"github.com/linolazarous/app/internal/cache"
	"github.com/linolazarous/app/internal/catalog"
	"github.com/linolazarous/app/internal/config"
	"github.com/linolazarous/app/internal/database"
	"github.com/linolazarous/app/internal/identity"
	"github.com/linolazarous/app/internal/ledger"
	"github.com/linolazarous/app/internal/logging"
	"github.com/linolazarous/app/internal/metrics"
	"github.com/linolazarous/app/internal/middleware"
	"github.com/linolazarous/app/internal/monitoring"
	"github.com/linolazarous/app/internal/oauth"
	"github.com/linolazarous/app/internal/queue"
	"github.com/linolazarous/app/internal/storage"
	"github.com/linolazarous/app/internal/token"
	"github.com/linolazarous/app/internal/tracing"
	"github.com/linolazarous/app/pkg/models"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

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
	logger = logger.WithComponent("api")

	gin.SetMode(cfg.Server.Mode)

	tracer, err := tracing.InitTracer(cfg.Tracing)
	if err != nil {
		logger.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer tracer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	openStart := time.Now()
	store, err := database.Open(ctx, cfg.Database)
	logger.LogDatabaseOperation("open_"+cfg.Database.Driver, time.Since(openStart), err)
	if err != nil {
		logger.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	// Initialize Redis
	redisCache, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisCache.Close()

	plans, err := catalog.New(cfg.Plans)
	if err != nil {
		logger.Fatalf("Invalid plan catalog: %v", err)
	}

	tokens, err := token.NewService(token.Config{
		AccessSecret:  cfg.Auth.AccessSecret,
		RefreshSecret: cfg.Auth.RefreshSecret,
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
		Issuer:        cfg.Auth.Issuer,
	}, token.WithRefreshGuard(redisCache))
	if err != nil {
		logger.Fatalf("Failed to initialize token service: %v", err)
	}

	accounts, err := identity.NewService(store, plans, identity.Config{
		BcryptCost:      cfg.Auth.BcryptCost,
		VerificationTTL: cfg.Auth.VerificationTTL,
		LoginAttempts:   cfg.Auth.LoginAttempts,
		LoginWindow:     cfg.Auth.LoginWindow,
	}, logger, identity.WithThrottle(redisCache))
	if err != nil {
		logger.Fatalf("Failed to initialize identity service: %v", err)
	}

	credits := ledger.New(store, logger)

	deps := []dependency{
		{name: "database", check: store.Health},
		{name: "redis", check: redisCache.Ping},
	}
	billingOpts := []billing.Option{billing.WithLocker(redisCache)}

	// Optional billing event archive
	var archive Archive
	if cfg.Storage.Enabled {
		stor, err := storage.New(cfg.Storage, logger)
		if err != nil {
			logger.Fatalf("Failed to initialize storage: %v", err)
		}
		archive = stor
		billingOpts = append(billingOpts, billing.WithArchiver(stor))
		deps = append(deps, dependency{name: "storage", check: stor.Health})
	}

	// Optional queue for asynchronous reconciliation
	var monitor *monitoring.Monitor
	if cfg.Queue.Enabled {
		q, err := queue.New(cfg.Queue, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to queue: %v", err)
		}
		defer q.Close()

		if cfg.Billing.Async {
			billingOpts = append(billingOpts, billing.WithPublisher(q))
		}
		deps = append(deps, dependency{name: "queue", check: func(context.Context) error {
			_, err := q.QueueDepth()
			return err
		}})

		monitor = monitoring.NewMonitor(q, store, 30*time.Second, logger)
		go monitor.Start(ctx)
	}

	reconciler := billing.NewReconciler(store, plans, credits, billing.Config{
		WebhookSecret:      cfg.Billing.WebhookSecret,
		SignatureTolerance: cfg.Billing.SignatureTolerance,
		LockTTL:            cfg.Billing.LockTTL,
	}, logger, billingOpts...)

	var checkout *billing.CheckoutClient
	if cfg.Billing.APIKey != "" {
		checkout = billing.NewCheckoutClient(cfg.Billing, plans, logger)
	} else {
		logger.Warn("Billing API key is not configured; checkout is disabled")
	}

	var github *oauth.Flow
	if cfg.OAuth.GitHub.ClientID != "" {
		linker := identity.NewLinker(store, plans, logger)
		github = oauth.NewFlow(oauth.NewGitHubProvider(cfg.OAuth), redisCache, linker, cfg.OAuth.StateTTL, logger)
	} else {
		logger.Warn("GitHub OAuth is not configured; /api/auth/github is disabled")
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	go limiter.Cleanup(ctx)

	api := &API{
		store:    store,
		accounts: accounts,
		tokens:   tokens,
		credits:  credits,
		plans:    plans,
		github:   github,
		billing:  reconciler,
		checkout: checkout,
		archive:  archive,
		monitor:  monitor,
		deps:     deps,
		reloadPlans: func() ([]models.Plan, error) {
			fresh, err := config.Load(configPath)
			if err != nil {
				return nil, err
			}
			return fresh.Plans, nil
		},
		limiter: limiter,
		logger:  logger,
	}

	// Metrics server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	// Setup router
	router := setupRouter(api)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Metrics server forced to shutdown")
		}
	}

	logger.Info("Server stopped")
}
