package models

import (
	"testing"
	"time"

	"github.com/linolazarous/app/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountRemainingCredits(t *testing.T) {
	a := &Account{CreditsAllowance: 10, CreditsUsed: 9}
	assert.Equal(t, 1, a.RemainingCredits())

	a.CreditsUsed = 12
	assert.Equal(t, 0, a.RemainingCredits())
}

func TestAccountHasIdentity(t *testing.T) {
	a := &Account{}
	assert.False(t, a.HasIdentity(ProviderGitHub))

	a.Identity = &ExternalIdentity{Provider: ProviderGitHub, ProviderID: "42"}
	assert.True(t, a.HasIdentity(ProviderGitHub))
	assert.False(t, a.HasIdentity("google"))
}

func TestParsePlanTier(t *testing.T) {
	tier, err := ParsePlanTier(" Pro ")
	require.NoError(t, err)
	assert.Equal(t, PlanPro, tier)

	_, err = ParsePlanTier("enterprise")
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestTransitionFor(t *testing.T) {
	assert.Equal(t, TransitionActivate, TransitionFor(BillingEventActivated))
	assert.Equal(t, TransitionActivate, TransitionFor(BillingEventInvoicePaid))
	assert.Equal(t, TransitionCancel, TransitionFor(BillingEventSubscriptionDeleted))
	assert.Equal(t, TransitionNone, TransitionFor("customer.updated"))
}

func validDocument() map[string]any {
	return map[string]any{
		"id":              "acc-1",
		"email":           "Ada@Example.com",
		"name":            "Ada",
		"plan":            "standard",
		"credits":         float64(75),
		"credits_used":    float64(5),
		"email_verified":  true,
		"created_at":      "2025-01-02T03:04:05Z",
		"password_hash":   "$2a$10$abcdefghijklmnopqrstuv",
		"github_id":       float64(123456),
		"github_username": "ada",
	}
}

func TestParseAccountDocument(t *testing.T) {
	account, err := ParseAccountDocument(validDocument())
	require.NoError(t, err)

	assert.Equal(t, "acc-1", account.ID)
	assert.Equal(t, "ada@example.com", account.Email)
	assert.Equal(t, PlanStandard, account.Plan)
	assert.Equal(t, 75, account.CreditsAllowance)
	assert.Equal(t, 5, account.CreditsUsed)
	assert.True(t, account.EmailVerified)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), account.CreatedAt)
	require.NotNil(t, account.Identity)
	assert.Equal(t, "123456", account.Identity.ProviderID)
	assert.Equal(t, "ada", account.Identity.Profile.Login)
}

func TestParseAccountDocumentRejectsShapeMismatch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing credits", func(d map[string]any) { delete(d, "credits") }},
		{"credits as string", func(d map[string]any) { d["credits"] = "75" }},
		{"fractional credits", func(d map[string]any) { d["credits"] = 7.5 }},
		{"unknown plan", func(d map[string]any) { d["plan"] = "gold" }},
		{"missing email_verified", func(d map[string]any) { delete(d, "email_verified") }},
		{"bad timestamp", func(d map[string]any) { d["created_at"] = "yesterday" }},
		{"used above allowance", func(d map[string]any) { d["credits_used"] = float64(100) }},
		{"bad github id", func(d map[string]any) { d["github_id"] = true }},
		{"credits above 32 bits", func(d map[string]any) { d["credits"] = float64(1 << 40) }},
		{"credits overflowing int", func(d map[string]any) { d["credits"] = 1e300 }},
		{"int64 credits above 32 bits", func(d map[string]any) { d["credits"] = int64(1) << 33 }},
		{"github id beyond float precision", func(d map[string]any) { d["github_id"] = 1e300 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validDocument()
			tt.mutate(doc)

			_, err := ParseAccountDocument(doc)
			assert.True(t, apperr.Is(err, apperr.CodeValidation), "got %v", err)
		})
	}
}
