package database

import (
	"context"
	"fmt"
	"time"

	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/pkg/models"
)

// Store is the persistence contract shared by the postgres and sqlite backends.
//
// Every mutation of credits_used happens inside a single conditional statement so
// concurrent callers can never push used past allowance. Billing events are
// recorded in processed_events in the same transaction as the plan change they
// cause.
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccountByID(ctx context.Context, id string) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	GetAccountByIdentity(ctx context.Context, provider, providerID string) (*models.Account, error)
	AttachIdentity(ctx context.Context, accountID string, identity *models.ExternalIdentity) (*models.Account, error)
	UpdateIdentity(ctx context.Context, accountID string, identity *models.ExternalIdentity) (*models.Account, error)
	SetPasswordHash(ctx context.Context, accountID, hash string) error
	SetVerificationToken(ctx context.Context, accountID, token string, expiresAt time.Time) error
	VerifyEmailToken(ctx context.Context, token string, now time.Time) (*models.Account, error)
	ListAccounts(ctx context.Context, limit, offset int) ([]*models.Account, error)
	Stats(ctx context.Context) (*models.AccountStats, error)

	// Credits
	ConsumeCredits(ctx context.Context, record *models.UsageRecord) (*models.Balance, error)
	ResetPlan(ctx context.Context, accountID string, plan models.PlanTier, allowance int) (*models.Balance, error)
	ListUsage(ctx context.Context, accountID string, limit, offset int) ([]*models.UsageRecord, error)

	// Billing
	ApplyBillingEvent(ctx context.Context, event *models.BillingEvent) (models.EventOutcome, *models.Balance, error)

	Health(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func accountNotFound(key string) error {
	return apperr.NotFound(fmt.Sprintf("account %s not found", key))
}

func insufficient(allowance, used, amount int) error {
	remaining := allowance - used
	if remaining < 0 {
		remaining = 0
	}
	return apperr.InsufficientCredits(fmt.Sprintf("insufficient credits: %d remaining, %d required", remaining, amount))
}

func errDuplicateEmail() error {
	return apperr.Conflict(apperr.ReasonDuplicateEmail, "email is already registered")
}

func errDuplicateIdentity() error {
	return apperr.Conflict(apperr.ReasonDuplicateIdentity, "identity is already linked to an account")
}

func errAlreadyLinked() error {
	return apperr.Conflict(apperr.ReasonDuplicateIdentity, "account is already linked to another identity")
}

func errTokenInvalid() error {
	return apperr.Validation("invalid or already used verification token")
}

func errTokenExpired() error {
	return apperr.Validation("verification token has expired")
}

func prepareAccount(account *models.Account, newID func() string, now time.Time) {
	if account.ID == "" {
		account.ID = newID()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
}

// eventIsStale reports whether an event created at createdAt is older than the
// last billing event applied to the account.
func eventIsStale(lastApplied *time.Time, createdAt time.Time) bool {
	if lastApplied == nil || createdAt.IsZero() {
		return false
	}
	return createdAt.Before(*lastApplied)
}
