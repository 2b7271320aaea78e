package main

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/billing"
	"github.com/linolazarous/app/internal/middleware"
)

// maxWebhookBody bounds the payload read from the billing provider
const maxWebhookBody = 1 << 20

func (api *API) billingWebhook(c *gin.Context) {
	// The signature covers the exact bytes received
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		middleware.RespondError(c, apperr.Validation("failed to read request body"))
		return
	}
	if len(payload) > maxWebhookBody {
		middleware.RespondError(c, apperr.Validation("request body too large"))
		return
	}

	result, err := api.billing.Handle(c.Request.Context(), payload, c.GetHeader(billing.SignatureHeader))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"event_id": result.EventID,
		"outcome":  result.Outcome,
	})
}
