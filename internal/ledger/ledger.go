// Package ledger debits and resets account credit allowances.
//
// Every mutation is a single conditional statement in the store, so concurrent
// debits against one account can never take credits_used past the allowance.
package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/logging"
	"github.com/linolazarous/app/internal/metrics"
	"github.com/linolazarous/app/internal/tracing"
	"github.com/linolazarous/app/pkg/models"
)

// MaxAmount is the largest single debit; credit columns are 32-bit
const MaxAmount = math.MaxInt32

// Store is the persistence the ledger needs
type Store interface {
	GetAccountByID(ctx context.Context, id string) (*models.Account, error)
	ConsumeCredits(ctx context.Context, record *models.UsageRecord) (*models.Balance, error)
	ResetPlan(ctx context.Context, accountID string, plan models.PlanTier, allowance int) (*models.Balance, error)
	ListUsage(ctx context.Context, accountID string, limit, offset int) ([]*models.UsageRecord, error)
}

// Resetter is the narrow view handed to billing. Request handlers get a
// *Ledger typed as Consumer and cannot reach it.
type Resetter interface {
	ResetOnPlanChange(ctx context.Context, accountID string, plan models.PlanTier, allowance int) (*models.Balance, error)
}

// Consumer is the view used by request handlers
type Consumer interface {
	Consume(ctx context.Context, accountID string, amount int, taskCategory, model string) (*models.Balance, error)
	Balance(ctx context.Context, accountID string) (*models.Balance, error)
	Usage(ctx context.Context, accountID string, limit, offset int) ([]*models.UsageRecord, error)
}

// Ledger implements Consumer and Resetter
type Ledger struct {
	store  Store
	logger *logging.Logger
}

// New creates a ledger
func New(store Store, logger *logging.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.WithComponent("ledger"),
	}
}

// Consume debits amount credits and appends a usage record. When fewer than
// amount credits remain nothing changes and an InsufficientCredits error
// reports what is left.
func (l *Ledger) Consume(ctx context.Context, accountID string, amount int, taskCategory, model string) (*models.Balance, error) {
	span, ctx := tracing.StartAccountSpan(ctx, "ledger.consume", accountID)
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "credits.amount", amount)

	if amount <= 0 || amount > MaxAmount {
		err := apperr.Validation(fmt.Sprintf("amount must be between 1 and %d, got %d", MaxAmount, amount))
		tracing.LogError(span, err)
		return nil, err
	}
	if accountID == "" {
		return nil, apperr.Validation("account id is required")
	}

	record := &models.UsageRecord{
		AccountID:    accountID,
		Amount:       amount,
		TaskCategory: strings.TrimSpace(taskCategory),
		Model:        strings.TrimSpace(model),
		CreatedAt:    time.Now().UTC(),
	}

	start := time.Now()
	balance, err := l.store.ConsumeCredits(ctx, record)
	metrics.RecordStorageOperation("consume_credits", storageStatus(err), time.Since(start).Seconds())
	if err != nil {
		tracing.LogError(span, err)
		if apperr.Is(err, apperr.CodeInsufficientCredits) {
			metrics.RecordCreditRejection()
		}
		l.logger.LogLedgerEvent("consume", accountID, amount, 0, 0, err)
		return nil, err
	}

	metrics.RecordCreditsConsumed(record.TaskCategory, amount)
	tracing.SetTag(span, "credits.remaining", balance.Remaining())
	l.logger.LogLedgerEvent("consume", accountID, amount, balance.Used, balance.Allowance, nil)
	return balance, nil
}

// ResetOnPlanChange sets the plan and allowance and zeroes credits_used
func (l *Ledger) ResetOnPlanChange(ctx context.Context, accountID string, plan models.PlanTier, allowance int) (*models.Balance, error) {
	span, ctx := tracing.StartAccountSpan(ctx, "ledger.reset", accountID)
	defer tracing.FinishSpan(span)

	if !plan.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("unknown plan tier %q", plan))
	}
	if allowance < 0 {
		return nil, apperr.Validation("allowance cannot be negative")
	}

	balance, err := l.store.ResetPlan(ctx, accountID, plan, allowance)
	if err != nil {
		tracing.LogError(span, err)
		l.logger.LogLedgerEvent("reset", accountID, 0, 0, allowance, err)
		return nil, err
	}

	l.logger.LogLedgerEvent("reset", accountID, 0, balance.Used, balance.Allowance, nil)
	return balance, nil
}

// Balance reads the current balance
func (l *Ledger) Balance(ctx context.Context, accountID string) (*models.Balance, error) {
	account, err := l.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return account.Balance(), nil
}

// Usage lists usage records newest first
func (l *Ledger) Usage(ctx context.Context, accountID string, limit, offset int) ([]*models.UsageRecord, error) {
	return l.store.ListUsage(ctx, accountID, limit, offset)
}

func storageStatus(err error) string {
	if err == nil || apperr.Is(err, apperr.CodeInsufficientCredits) {
		return "success"
	}
	return "error"
}
