package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/middleware"
	"github.com/linolazarous/app/pkg/models"
)

type balanceResponse struct {
	*models.Balance
	Remaining int `json:"remaining"`
}

func newBalanceResponse(b *models.Balance) balanceResponse {
	return balanceResponse{Balance: b, Remaining: b.Remaining()}
}

// page reads limit and offset query parameters
func page(c *gin.Context) (int, int, bool) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		middleware.RespondError(c, apperr.Validation("limit must be a number"))
		return 0, 0, false
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		middleware.RespondError(c, apperr.Validation("offset must be a non-negative number"))
		return 0, 0, false
	}
	return limit, offset, true
}

func (api *API) listPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": api.plans.All()})
}

func (api *API) getBalance(c *gin.Context) {
	account, ok := currentAccount(c)
	if !ok {
		return
	}

	balance, err := api.credits.Balance(c.Request.Context(), account.ID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newBalanceResponse(balance))
}

func (api *API) consumeCredits(c *gin.Context) {
	account, ok := currentAccount(c)
	if !ok {
		return
	}

	var req struct {
		Amount       int    `json:"amount" binding:"required"`
		TaskCategory string `json:"task_category"`
		Model        string `json:"model"`
	}
	if !bindJSON(c, &req) {
		return
	}

	balance, err := api.credits.Consume(c.Request.Context(), account.ID, req.Amount, req.TaskCategory, req.Model)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newBalanceResponse(balance))
}

func (api *API) listUsage(c *gin.Context) {
	account, ok := currentAccount(c)
	if !ok {
		return
	}
	limit, offset, ok := page(c)
	if !ok {
		return
	}

	usage, err := api.credits.Usage(c.Request.Context(), account.ID, limit, offset)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": usage, "limit": limit, "offset": offset})
}
