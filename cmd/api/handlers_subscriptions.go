package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/middleware"
	"github.com/linolazarous/app/pkg/models"
)

type subscriptionResponse struct {
	balanceResponse
	PlanDetails *models.Plan `json:"plan_details,omitempty"`
}

func (api *API) currentSubscription(c *gin.Context) {
	account, ok := currentAccount(c)
	if !ok {
		return
	}

	balance, err := api.credits.Balance(c.Request.Context(), account.ID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	resp := subscriptionResponse{balanceResponse: newBalanceResponse(balance)}
	if plan, ok := api.plans.Get(balance.Plan); ok {
		resp.PlanDetails = &plan
	}
	c.JSON(http.StatusOK, resp)
}

func (api *API) createCheckout(c *gin.Context) {
	if api.checkout == nil {
		middleware.RespondError(c, apperr.NotFound("billing checkout is not configured"))
		return
	}
	account, ok := currentAccount(c)
	if !ok {
		return
	}

	tier, err := models.ParsePlanTier(c.Query("plan"))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	session, err := api.checkout.CreateSession(c.Request.Context(), account, tier)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}
