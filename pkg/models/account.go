package models

import (
	"time"
)

// Account is the identity and entitlement record of a single person
type Account struct {
	ID                string            `json:"id" db:"id"`
	Email             string            `json:"email" db:"email"`
	Name              string            `json:"name" db:"name"`
	PasswordHash      string            `json:"-" db:"password_hash"`
	Plan              PlanTier          `json:"plan" db:"plan"`
	CreditsAllowance  int               `json:"credits" db:"credits_allowance"`
	CreditsUsed       int               `json:"credits_used" db:"credits_used"`
	Identity          *ExternalIdentity `json:"identity,omitempty" db:"-"`
	EmailVerified     bool              `json:"email_verified" db:"email_verified"`
	VerificationToken string            `json:"-" db:"verification_token"`
	VerificationExp   *time.Time        `json:"-" db:"verification_expires_at"`
	IsAdmin           bool              `json:"is_admin" db:"is_admin"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

// ExternalIdentity binds an account to a third-party identity provider user
type ExternalIdentity struct {
	Provider    string          `json:"provider" db:"oauth_provider"`
	ProviderID  string          `json:"provider_id" db:"oauth_provider_id"`
	Profile     IdentityProfile `json:"profile" db:"oauth_profile"`
	AccessToken string          `json:"-" db:"oauth_access_token"`
}

// IdentityProfile is the cached copy of the provider profile
type IdentityProfile struct {
	Login     string `json:"login,omitempty"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Identity providers
const (
	ProviderGitHub = "github"
)

// HasPassword reports whether the account can sign in with a password
func (a *Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// RemainingCredits is the read-only balance shown to collaborators
func (a *Account) RemainingCredits() int {
	remaining := a.CreditsAllowance - a.CreditsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Balance returns the credit view of the account
func (a *Account) Balance() *Balance {
	return &Balance{
		AccountID: a.ID,
		Plan:      a.Plan,
		Allowance: a.CreditsAllowance,
		Used:      a.CreditsUsed,
	}
}

// HasIdentity reports whether the account is bound to provider
func (a *Account) HasIdentity(provider string) bool {
	return a.Identity != nil && a.Identity.Provider == provider
}

// AccountStats aggregates account totals for the admin view
type AccountStats struct {
	TotalAccounts    int64              `json:"total_accounts"`
	VerifiedAccounts int64              `json:"verified_accounts"`
	LinkedAccounts   int64              `json:"linked_accounts"`
	ByPlan           map[PlanTier]int64 `json:"by_plan"`
	CreditsUsed      int64              `json:"credits_used"`
}
