package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/config"
	"github.com/linolazarous/app/internal/logging"
	"github.com/linolazarous/app/internal/metrics"
	"github.com/linolazarous/app/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	server *httptest.Server
	hits   atomic.Int32
	status int
	delay  time.Duration

	mu    sync.Mutex
	form  map[string]string
	auth  string
	idemp string
}

// field returns a form value of the last request
func (f *fakeProvider) field(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.form[key]
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	f := &fakeProvider{status: http.StatusOK}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		if r.URL.Path != "/v1/checkout/sessions" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		r.ParseForm()
		f.mu.Lock()
		f.form = map[string]string{}
		for key := range r.PostForm {
			f.form[key] = r.PostForm.Get(key)
		}
		f.auth = r.Header.Get("Authorization")
		f.idemp = r.Header.Get("Idempotency-Key")
		f.mu.Unlock()
		if f.delay > 0 {
			time.Sleep(f.delay)
		}

		if f.status != http.StatusOK {
			w.WriteHeader(f.status)
			w.Write([]byte(`{"error":{"message":"boom"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"id":  "cs_test_123",
			"url": "https://checkout.example/pay/cs_test_123",
		})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func newTestCheckout(t *testing.T, f *fakeProvider, timeout time.Duration) *CheckoutClient {
	t.Helper()
	return NewCheckoutClient(config.BillingConfig{
		APIKey:          "sk_test",
		APIBase:         f.server.URL + "/",
		SuccessURL:      "https://app.example/settings",
		CancelURL:       "https://app.example/pricing",
		ProviderTimeout: timeout,
	}, testCatalog(t), logging.Nop())
}

func checkoutAccount() *models.Account {
	return &models.Account{ID: "acct-1", Email: "buyer@example.com", Plan: models.PlanStarter}
}

func TestCreateSession(t *testing.T) {
	f := newFakeProvider(t)
	client := newTestCheckout(t, f, time.Second)

	session, err := client.CreateSession(context.Background(), checkoutAccount(), models.PlanPro)
	require.NoError(t, err)

	assert.Equal(t, "cs_test_123", session.ID)
	assert.Equal(t, "https://checkout.example/pay/cs_test_123", session.URL)
	assert.Equal(t, models.PlanPro, session.Plan)

	f.mu.Lock()
	assert.Equal(t, "Bearer sk_test", f.auth)
	assert.NotEmpty(t, f.idemp)
	f.mu.Unlock()
	assert.Equal(t, "subscription", f.field("mode"))
	assert.Equal(t, "price_pro_monthly", f.field("line_items[0][price]"))
	assert.Equal(t, "acct-1", f.field("metadata[account_id]"))
	assert.Equal(t, "pro", f.field("metadata[plan]"))
	assert.Equal(t, "acct-1", f.field("subscription_data[metadata][account_id]"))
	assert.Equal(t, "buyer@example.com", f.field("customer_email"))
}

func TestCreateSessionMetadataResolvesInWebhook(t *testing.T) {
	f := newFakeProvider(t)
	client := newTestCheckout(t, f, time.Second)

	_, err := client.CreateSession(context.Background(), checkoutAccount(), models.PlanStandard)
	require.NoError(t, err)

	// The completed-checkout event echoes the session metadata back
	payload, err := json.Marshal(map[string]interface{}{
		"id":      "evt_checkout",
		"type":    models.BillingEventCheckoutCompleted,
		"created": testNow.Unix(),
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"metadata": map[string]string{
					"account_id": f.field("metadata[account_id]"),
					"plan":       f.field("metadata[plan]"),
				},
			},
		},
	})
	require.NoError(t, err)

	event, err := ParseEvent(payload, testCatalog(t))
	require.NoError(t, err)
	assert.Equal(t, "acct-1", event.AccountID)
	assert.Equal(t, models.PlanStandard, event.Plan)
}

func TestCreateSessionTimeout(t *testing.T) {
	f := newFakeProvider(t)
	f.delay = 200 * time.Millisecond
	client := newTestCheckout(t, f, 20*time.Millisecond)

	before := testutil.ToFloat64(metrics.ProviderRequestsTotal.WithLabelValues("billing", "checkout", "error"))

	_, err := client.CreateSession(context.Background(), checkoutAccount(), models.PlanPro)
	require.Error(t, err)
	assert.True(t, apperr.HasReason(err, apperr.CodeExternalService, apperr.ReasonTimeout))
	assert.True(t, apperr.Retryable(err))

	// A mutating call is attempted once
	assert.EqualValues(t, 1, f.hits.Load())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ProviderRequestsTotal.WithLabelValues("billing", "checkout", "error")))
}

func TestCreateSessionProviderError(t *testing.T) {
	f := newFakeProvider(t)
	f.status = http.StatusInternalServerError
	client := newTestCheckout(t, f, time.Second)

	_, err := client.CreateSession(context.Background(), checkoutAccount(), models.PlanPro)
	require.Error(t, err)
	assert.True(t, apperr.HasReason(err, apperr.CodeExternalService, apperr.ReasonUpstream))
	assert.Equal(t, http.StatusBadGateway, apperr.HTTPStatus(err))
	assert.EqualValues(t, 1, f.hits.Load())
}

func TestCreateSessionRejectsUnpurchasablePlans(t *testing.T) {
	f := newFakeProvider(t)
	client := newTestCheckout(t, f, time.Second)

	tests := []struct {
		name string
		tier models.PlanTier
	}{
		{"unknown tier", models.PlanTier("gold")},
		{"free tier", models.PlanStarter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.CreateSession(context.Background(), checkoutAccount(), tt.tier)
			assert.True(t, apperr.Is(err, apperr.CodeValidation))
		})
	}
	assert.EqualValues(t, 0, f.hits.Load())
}
