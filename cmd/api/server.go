package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/linolazarous/app/internal/billing"
	"github.com/linolazarous/app/internal/catalog"
	"github.com/linolazarous/app/internal/database"
	"github.com/linolazarous/app/internal/identity"
	"github.com/linolazarous/app/internal/ledger"
	"github.com/linolazarous/app/internal/logging"
	"github.com/linolazarous/app/internal/middleware"
	"github.com/linolazarous/app/internal/monitoring"
	"github.com/linolazarous/app/internal/oauth"
	"github.com/linolazarous/app/internal/token"
	"github.com/linolazarous/app/pkg/models"
)

// Archive is the read side of the billing event archive
type Archive interface {
	ListArchived(ctx context.Context, day time.Time) ([]string, error)
	ReadArchived(ctx context.Context, key string) ([]byte, error)
}

// dependency is one backend reported by /api/health
type dependency struct {
	name  string
	check func(context.Context) error
}

type API struct {
	store    database.Store
	accounts *identity.Service
	tokens   *token.Service
	credits  ledger.Consumer
	plans    *catalog.Catalog
	github   *oauth.Flow
	billing  *billing.Reconciler
	checkout *billing.CheckoutClient
	archive  Archive
	monitor  *monitoring.Monitor
	deps     []dependency
	// reloadPlans rereads the plan catalog from configuration
	reloadPlans func() ([]models.Plan, error)
	limiter     *middleware.RateLimiter
	logger      *logging.Logger
}

func setupRouter(api *API) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.Logger(api.logger),
		middleware.Metrics(),
	)

	auth := middleware.JWTAuth(api.tokens, api.accounts)
	limit := middleware.RateLimit(api.limiter)

	r := router.Group("/api")
	{
		r.GET("/health", api.healthCheck)
		r.GET("/plans", api.listPlans)

		// Signed by the billing provider, so neither bearer auth nor the
		// per-client limiter applies
		r.POST("/webhooks/billing", api.billingWebhook)

		public := r.Group("/auth", limit)
		{
			public.POST("/signup", api.signup)
			public.POST("/login", api.login)
			public.POST("/refresh", api.refresh)
			public.GET("/github", api.githubBegin)
			public.POST("/github/callback", api.githubCallback)
			public.GET("/verify-email", api.verifyEmail)
		}

		session := r.Group("/auth", auth, limit)
		{
			session.GET("/me", api.me)
			session.POST("/resend-verification", api.resendVerification)
			session.POST("/change-password", api.changePassword)
		}

		credits := r.Group("/credits", auth, limit)
		{
			credits.GET("", api.getBalance)
			credits.POST("", api.consumeCredits)
			credits.GET("/usage", api.listUsage)
		}

		subscriptions := r.Group("/subscriptions", auth, limit)
		{
			subscriptions.GET("/current", api.currentSubscription)
			subscriptions.POST("/create-checkout", api.createCheckout)
		}

		admin := r.Group("/admin", auth, middleware.RequireAdmin())
		{
			admin.GET("/stats", api.adminStats)
			admin.GET("/users", api.adminUsers)
			admin.GET("/usage", api.adminUsage)
			admin.POST("/plans/reload", api.adminReloadPlans)
			admin.PUT("/users/:id/plan", api.adminOverridePlan)
			admin.GET("/system", api.adminSystem)
			admin.GET("/billing/archive", api.adminListArchive)
			admin.POST("/billing/replay", api.adminReplay)
		}
	}

	return router
}

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for _, dep := range api.deps {
		if err := dep.check(ctx); err != nil {
			api.logger.WithError(err).WithField("dependency", dep.name).Warn("health check failed")
			checks[dep.name] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[dep.name] = "healthy"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{"status": overall, "checks": checks})
}
