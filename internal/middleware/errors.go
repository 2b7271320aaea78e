package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/metrics"
)

// ErrorResponse is the JSON body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// RespondError writes err as {error, code} with the status of its kind and
// aborts the chain. Internal errors never leak their cause.
func RespondError(c *gin.Context, err error) {
	code := apperr.Code(err)
	if code == apperr.CodeInternal {
		metrics.RecordError("http", "internal")
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), ErrorResponse{
		Error: apperr.Message(err),
		Code:  code,
	})
}
