package models

import (
	"time"
)

// UsageRecord is one immutable entry of the credit usage log
type UsageRecord struct {
	ID           string    `json:"id" db:"id"`
	AccountID    string    `json:"account_id" db:"account_id"`
	Amount       int       `json:"amount" db:"amount"`
	TaskCategory string    `json:"task_category" db:"task_category"`
	Model        string    `json:"model" db:"model"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Balance is the credit state of an account after a ledger operation
type Balance struct {
	AccountID string   `json:"account_id"`
	Plan      PlanTier `json:"plan"`
	Allowance int      `json:"credits"`
	Used      int      `json:"credits_used"`
}

// Remaining returns allowance minus used
func (b Balance) Remaining() int {
	if b.Used > b.Allowance {
		return 0
	}
	return b.Allowance - b.Used
}
