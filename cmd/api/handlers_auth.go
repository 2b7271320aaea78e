package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/middleware"
	"github.com/linolazarous/app/pkg/models"
)

// RefreshTokenHeader carries the refresh token on /api/auth/refresh
const RefreshTokenHeader = "refresh-token"

type sessionResponse struct {
	*models.TokenPair
	User *models.Account `json:"user"`
}

// bindJSON decodes the request body or answers 400
func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		middleware.RespondError(c, apperr.Validation("invalid request body: "+err.Error()))
		return false
	}
	return true
}

// currentAccount is only called behind JWTAuth
func currentAccount(c *gin.Context) (*models.Account, bool) {
	account, ok := middleware.GetAccount(c)
	if !ok {
		middleware.RespondError(c, apperr.Authentication(apperr.ReasonMalformed, "not authenticated"))
	}
	return account, ok
}

func (api *API) startSession(c *gin.Context, status int, account *models.Account) {
	pair, err := api.tokens.IssuePair(account.ID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(status, sessionResponse{TokenPair: pair, User: account})
}

func (api *API) signup(c *gin.Context) {
	var req struct {
		Name     string `json:"name" binding:"required"`
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	account, err := api.accounts.CreateLocal(c.Request.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	api.logger.WithAccountID(account.ID).Info("verification email pending")

	api.startSession(c, http.StatusCreated, account)
}

func (api *API) login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	account, err := api.accounts.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	api.startSession(c, http.StatusOK, account)
}

func (api *API) refresh(c *gin.Context) {
	refreshToken := c.GetHeader(RefreshTokenHeader)
	if refreshToken == "" {
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		// An empty or absent body leaves the token blank
		_ = c.ShouldBindJSON(&body)
		refreshToken = body.RefreshToken
	}
	if refreshToken == "" {
		middleware.RespondError(c, apperr.Authentication(apperr.ReasonMalformed, "refresh token is required"))
		return
	}

	pair, accountID, err := api.tokens.Refresh(c.Request.Context(), refreshToken)
	if err != nil {
		api.logger.LogAuthEvent("refresh", "", "failure", apperr.Reason(err))
		middleware.RespondError(c, err)
		return
	}

	account, err := api.accounts.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			err = apperr.InvalidCredentials()
		}
		middleware.RespondError(c, err)
		return
	}

	api.logger.LogAuthEvent("refresh", accountID, "success", "")
	c.JSON(http.StatusOK, sessionResponse{TokenPair: pair, User: account})
}

func (api *API) me(c *gin.Context) {
	account, ok := currentAccount(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, account)
}

func (api *API) githubBegin(c *gin.Context) {
	if api.github == nil {
		middleware.RespondError(c, apperr.NotFound("github login is not configured"))
		return
	}

	url, err := api.github.Begin(c.Request.Context())
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (api *API) githubCallback(c *gin.Context) {
	if api.github == nil {
		middleware.RespondError(c, apperr.NotFound("github login is not configured"))
		return
	}

	code := c.Query("code")
	if code == "" {
		middleware.RespondError(c, apperr.Validation("code is required"))
		return
	}

	result, err := api.github.Callback(c.Request.Context(), code, c.Query("state"))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	pair, err := api.tokens.IssuePair(result.Account.ID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"token_type":    pair.TokenType,
		"expires_in":    pair.ExpiresIn,
		"user":          result.Account,
		"outcome":       result.Outcome,
	})
}

func (api *API) verifyEmail(c *gin.Context) {
	account, err := api.accounts.VerifyEmail(c.Request.Context(), c.Query("token"))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "email verified", "user": account})
}

func (api *API) resendVerification(c *gin.Context) {
	account, ok := currentAccount(c)
	if !ok {
		return
	}

	if _, err := api.accounts.GenerateVerificationToken(c.Request.Context(), account.ID); err != nil {
		middleware.RespondError(c, err)
		return
	}
	api.logger.WithAccountID(account.ID).Info("verification email pending")

	c.JSON(http.StatusAccepted, gin.H{"message": "verification email sent"})
}

func (api *API) changePassword(c *gin.Context) {
	account, ok := currentAccount(c)
	if !ok {
		return
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	if err := api.accounts.SetPassword(c.Request.Context(), account.ID, req.CurrentPassword, req.NewPassword); err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
