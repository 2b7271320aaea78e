package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/catalog"
	"github.com/linolazarous/app/internal/config"
	"github.com/linolazarous/app/internal/logging"
	"github.com/linolazarous/app/internal/metrics"
	"github.com/linolazarous/app/pkg/models"
)

const providerName = "billing"

// CheckoutSession is a hosted payment page opened at the billing provider
type CheckoutSession struct {
	ID   string          `json:"session_id"`
	URL  string          `json:"url"`
	Plan models.PlanTier `json:"plan"`
}

// CheckoutClient opens subscription checkouts at the billing provider. The
// session metadata carries account_id and plan so the resulting webhook events
// resolve without a lookup.
type CheckoutClient struct {
	plans      *catalog.Catalog
	apiBase    string
	apiKey     string
	successURL string
	cancelURL  string
	timeout    time.Duration
	httpClient *http.Client
	logger     *logging.Logger
}

// CheckoutOption customises a CheckoutClient
type CheckoutOption func(*CheckoutClient)

// WithCheckoutHTTPClient sets the client used for provider calls
func WithCheckoutHTTPClient(client *http.Client) CheckoutOption {
	return func(c *CheckoutClient) { c.httpClient = client }
}

// NewCheckoutClient creates a checkout client from configuration
func NewCheckoutClient(cfg config.BillingConfig, plans *catalog.Catalog, logger *logging.Logger, opts ...CheckoutOption) *CheckoutClient {
	c := &CheckoutClient{
		plans:      plans,
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		apiKey:     cfg.APIKey,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		timeout:    cfg.ProviderTimeout,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateSession opens a checkout for account on tier. Session creation is a
// mutating call, so a failure is reported and never retried here; the
// idempotency key lets the provider drop a resubmitted request.
func (c *CheckoutClient) CreateSession(ctx context.Context, account *models.Account, tier models.PlanTier) (*CheckoutSession, error) {
	plan, ok := c.plans.Get(tier)
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("plan %q is not in the catalog", tier))
	}
	if plan.ExternalPriceID == "" {
		return nil, apperr.Validation(fmt.Sprintf("plan %q cannot be purchased", tier))
	}

	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("line_items[0][price]", plan.ExternalPriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", c.successURL)
	form.Set("cancel_url", c.cancelURL)
	form.Set("client_reference_id", account.ID)
	form.Set("customer_email", account.Email)
	form.Set("metadata[account_id]", account.ID)
	form.Set("metadata[plan]", string(plan.Tier))
	// Renewal invoices inherit the subscription metadata
	form.Set("subscription_data[metadata][account_id]", account.ID)
	form.Set("subscription_data[metadata][plan]", string(plan.Tier))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	session, err := c.post(ctx, "/v1/checkout/sessions", form)
	if err != nil {
		metrics.RecordProviderRequest(providerName, "checkout", "error")
		reason := apperr.ReasonUpstream
		if apperr.IsTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = apperr.ReasonTimeout
		}
		c.logger.WithAccountID(account.ID).WithError(err).Warn("checkout session creation failed")
		return nil, apperr.External(err, reason, "billing provider checkout failed")
	}
	metrics.RecordProviderRequest(providerName, "checkout", "success")

	c.logger.WithAccountID(account.ID).WithField("plan", plan.Tier).Info("checkout session created")
	return &CheckoutSession{ID: session.ID, URL: session.URL, Plan: plan.Tier}, nil
}

func (c *CheckoutClient) post(ctx context.Context, path string, form url.Values) (*sessionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to decode checkout session: %w", err)
	}
	if session.URL == "" {
		return nil, errors.New("provider returned a session without a url")
	}
	return &session, nil
}
