package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/pkg/models"
)

const (
	AuthContextKey    = "account_id"
	AccountContextKey = "account"
)

// TokenVerifier checks a signed token and returns its subject
type TokenVerifier interface {
	Verify(token string, expected models.TokenType) (string, error)
}

// AccountLoader reads the account a token belongs to
type AccountLoader interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

// JWTAuth requires a valid bearer access token and loads its account with
// the current balance. Refresh tokens are rejected.
func JWTAuth(verifier TokenVerifier, accounts AccountLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			RespondError(c, apperr.Authentication(apperr.ReasonMalformed, "bearer token required"))
			return
		}

		accountID, err := verifier.Verify(token, models.TokenTypeAccess)
		if err != nil {
			RespondError(c, err)
			return
		}

		account, err := accounts.GetAccount(c.Request.Context(), accountID)
		if err != nil {
			if apperr.Is(err, apperr.CodeNotFound) {
				RespondError(c, apperr.Authentication(apperr.ReasonInvalidCredentials, "account no longer exists"))
				return
			}
			RespondError(c, err)
			return
		}

		c.Set(AuthContextKey, account.ID)
		c.Set(AccountContextKey, account)
		c.Next()
	}
}

// RequireAdmin allows only accounts flagged as administrators. It must run
// after JWTAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := GetAccount(c)
		if !ok {
			RespondError(c, apperr.Authentication(apperr.ReasonMalformed, "authentication required"))
			return
		}
		if !account.IsAdmin {
			RespondError(c, apperr.Authorization("administrator access required"))
			return
		}
		c.Next()
	}
}

// GetAccountID retrieves the authenticated account id from the context
func GetAccountID(c *gin.Context) (string, bool) {
	accountID, exists := c.Get(AuthContextKey)
	if !exists {
		return "", false
	}

	id, ok := accountID.(string)
	return id, ok
}

// GetAccount retrieves the authenticated account from the context
func GetAccount(c *gin.Context) (*models.Account, bool) {
	value, exists := c.Get(AccountContextKey)
	if !exists {
		return nil, false
	}
	account, ok := value.(*models.Account)
	return account, ok
}

func bearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}
