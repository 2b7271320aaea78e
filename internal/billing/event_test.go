package billing

import (
	"testing"
	"time"

	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/catalog"
	"github.com/linolazarous/app/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	plans, err := catalog.New(models.DefaultPlans())
	require.NoError(t, err)
	return plans
}

func TestParseEventActivation(t *testing.T) {
	plans := testCatalog(t)

	event, err := ParseEvent([]byte(`{
		"id": "evt_1",
		"type": "invoice.paid",
		"created": 1767225600,
		"data": {"object": {"metadata": {"account_id": "acc-1", "plan": "Pro"}}}
	}`), plans)
	require.NoError(t, err)

	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, models.TransitionActivate, event.Transition)
	assert.Equal(t, "acc-1", event.AccountID)
	assert.Equal(t, models.PlanPro, event.Plan)
	assert.Equal(t, 150, event.Allowance)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), event.CreatedAt)
	assert.NotEmpty(t, event.Raw)
}

func TestParseEventResolvesPrice(t *testing.T) {
	plans := testCatalog(t)

	event, err := ParseEvent([]byte(`{
		"id": "evt_2",
		"type": "checkout.session.completed",
		"data": {"object": {"metadata": {"account_id": "acc-1"}, "price_id": "price_premier_monthly"}}
	}`), plans)
	require.NoError(t, err)
	assert.Equal(t, models.PlanPremier, event.Plan)
	assert.Equal(t, 600, event.Allowance)
	assert.True(t, event.CreatedAt.IsZero())

	event, err = ParseEvent([]byte(`{
		"id": "evt_3",
		"type": "subscription.renewed",
		"data": {"object": {"metadata": {"account_id": "acc-1"}, "items": {"data": [{"price": {"id": "price_standard_monthly"}}]}}}
	}`), plans)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStandard, event.Plan)
}

func TestParseEventCancellation(t *testing.T) {
	event, err := ParseEvent([]byte(`{
		"id": "evt_4",
		"type": "customer.subscription.deleted",
		"data": {"object": {"metadata": {"account_id": "acc-1"}}}
	}`), testCatalog(t))
	require.NoError(t, err)

	assert.Equal(t, models.TransitionCancel, event.Transition)
	assert.Equal(t, models.PlanStarter, event.Plan)
	assert.Equal(t, 10, event.Allowance)
}

func TestParseEventUnknownType(t *testing.T) {
	event, err := ParseEvent([]byte(`{"id": "evt_5", "type": "charge.refunded", "data": {}}`), testCatalog(t))
	require.NoError(t, err)
	assert.Equal(t, models.TransitionNone, event.Transition)
}

func TestParseEventRejectsIncompletePayloads(t *testing.T) {
	plans := testCatalog(t)

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{"id":`},
		{"missing id", `{"type": "invoice.paid"}`},
		{"missing type", `{"id": "evt_6"}`},
		{"missing account", `{"id": "evt_6", "type": "invoice.paid", "data": {"object": {"metadata": {"plan": "pro"}}}}`},
		{"missing plan", `{"id": "evt_6", "type": "invoice.paid", "data": {"object": {"metadata": {"account_id": "a"}}}}`},
		{"unknown plan", `{"id": "evt_6", "type": "invoice.paid", "data": {"object": {"metadata": {"account_id": "a", "plan": "gold"}}}}`},
		{"unknown price", `{"id": "evt_6", "type": "invoice.paid", "data": {"object": {"metadata": {"account_id": "a"}, "price_id": "price_x"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tt.payload), plans)
			assert.True(t, apperr.Is(err, apperr.CodeValidation), "got %v", err)
		})
	}
}
