package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/middleware"
	"github.com/linolazarous/app/pkg/models"
)

type statsResponse struct {
	*models.AccountStats
	TotalUsers       int64                     `json:"total_users"`
	PlanDistribution map[models.PlanTier]int64 `json:"plan_distribution"`
	MonthlyRevenue   float64                   `json:"monthly_revenue"`
}

func (api *API) adminStats(c *gin.Context) {
	stats, err := api.store.Stats(c.Request.Context())
	if err != nil {
		middleware.RespondError(c, apperr.Internal(err, "failed to load stats"))
		return
	}

	// Revenue at current catalog prices
	var cents int64
	for tier, count := range stats.ByPlan {
		if plan, ok := api.plans.Get(tier); ok {
			cents += plan.PriceCents * count
		}
	}

	c.JSON(http.StatusOK, statsResponse{
		AccountStats:     stats,
		TotalUsers:       stats.TotalAccounts,
		PlanDistribution: stats.ByPlan,
		MonthlyRevenue:   float64(cents) / 100,
	})
}

func (api *API) adminUsers(c *gin.Context) {
	limit, offset, ok := page(c)
	if !ok {
		return
	}

	users, err := api.store.ListAccounts(c.Request.Context(), limit, offset)
	if err != nil {
		middleware.RespondError(c, apperr.Internal(err, "failed to list users"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "limit": limit, "offset": offset})
}

func (api *API) adminUsage(c *gin.Context) {
	limit, offset, ok := page(c)
	if !ok {
		return
	}

	usage, err := api.credits.Usage(c.Request.Context(), c.Query("account_id"), limit, offset)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": usage, "limit": limit, "offset": offset})
}

func (api *API) adminReloadPlans(c *gin.Context) {
	plans, err := api.reloadPlans()
	if err != nil {
		middleware.RespondError(c, apperr.Validation("failed to read plans: "+err.Error()))
		return
	}
	if err := api.plans.Reload(plans); err != nil {
		middleware.RespondError(c, err)
		return
	}

	admin, _ := middleware.GetAccountID(c)
	api.logger.WithAccountID(admin).WithField("plans", len(plans)).Info("plan catalog reloaded")
	c.JSON(http.StatusOK, gin.H{"plans": api.plans.All()})
}

func (api *API) adminOverridePlan(c *gin.Context) {
	var req struct {
		Plan string `json:"plan" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	tier, err := models.ParsePlanTier(req.Plan)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	balance, err := api.billing.OverridePlan(c.Request.Context(), c.Param("id"), tier)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newBalanceResponse(balance))
}

func (api *API) adminSystem(c *gin.Context) {
	if api.monitor == nil {
		middleware.RespondError(c, apperr.NotFound("queue monitoring is not enabled"))
		return
	}
	c.JSON(http.StatusOK, api.monitor.Snapshot())
}

func (api *API) adminListArchive(c *gin.Context) {
	if api.archive == nil {
		middleware.RespondError(c, apperr.NotFound("billing archive is not configured"))
		return
	}

	day := time.Now().UTC()
	if raw := c.Query("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			middleware.RespondError(c, apperr.Validation("date must be YYYY-MM-DD"))
			return
		}
		day = parsed
	}

	keys, err := api.archive.ListArchived(c.Request.Context(), day)
	if err != nil {
		middleware.RespondError(c, apperr.Internal(err, "failed to list archive"))
		return
	}
	if keys == nil {
		keys = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"date": day.Format("2006-01-02"), "keys": keys})
}

func (api *API) adminReplay(c *gin.Context) {
	if api.archive == nil {
		middleware.RespondError(c, apperr.NotFound("billing archive is not configured"))
		return
	}

	var req struct {
		Key string `json:"key" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	payload, err := api.archive.ReadArchived(c.Request.Context(), req.Key)
	if err != nil {
		middleware.RespondError(c, apperr.Internal(err, "failed to read archived event"))
		return
	}

	result, err := api.billing.Replay(c.Request.Context(), payload)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
