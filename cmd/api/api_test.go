package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/billing"
	"github.com/linolazarous/app/internal/cache"
	"github.com/linolazarous/app/internal/catalog"
	"github.com/linolazarous/app/internal/config"
	"github.com/linolazarous/app/internal/database"
	"github.com/linolazarous/app/internal/identity"
	"github.com/linolazarous/app/internal/ledger"
	"github.com/linolazarous/app/internal/logging"
	"github.com/linolazarous/app/internal/middleware"
	"github.com/linolazarous/app/internal/storage"
	"github.com/linolazarous/app/internal/token"
	"github.com/linolazarous/app/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const webhookSecret = "whsec_api_test"

// memoryArchive stands in for the object storage archive
type memoryArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (a *memoryArchive) ArchiveEvent(ctx context.Context, event *models.BillingEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[storage.ArchiveKey(event, time.Now())] = event.Raw
	return nil
}

func (a *memoryArchive) ListArchived(ctx context.Context, day time.Time) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prefix := fmt.Sprintf("billing-events/%s/", day.UTC().Format("2006/01/02"))
	var keys []string
	for key := range a.objects {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (a *memoryArchive) ReadArchived(ctx context.Context, key string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

type testEnv struct {
	api     *API
	router  *gin.Engine
	store   *database.SQLiteStore
	archive *memoryArchive
	redis   *miniredis.Miniredis
	plans   []models.Plan
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisCache, err := cache.NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { redisCache.Close() })

	store, err := database.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	plans, err := catalog.New(models.DefaultPlans())
	require.NoError(t, err)

	tokens, err := token.NewService(token.Config{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
		Issuer:        "app-test",
	}, token.WithRefreshGuard(redisCache))
	require.NoError(t, err)

	accounts, err := identity.NewService(store, plans, identity.Config{
		BcryptCost:    bcrypt.MinCost,
		LoginAttempts: 5,
		LoginWindow:   time.Minute,
	}, logging.Nop(), identity.WithThrottle(redisCache))
	require.NoError(t, err)

	credits := ledger.New(store, logging.Nop())
	archive := &memoryArchive{objects: map[string][]byte{}}

	reconciler := billing.NewReconciler(store, plans, credits, billing.Config{
		WebhookSecret:      webhookSecret,
		SignatureTolerance: 5 * time.Minute,
		LockTTL:            5 * time.Second,
	}, logging.Nop(), billing.WithLocker(redisCache), billing.WithArchiver(archive))

	env := &testEnv{store: store, archive: archive, redis: mr, plans: models.DefaultPlans()}

	api := &API{
		store:    store,
		accounts: accounts,
		tokens:   tokens,
		credits:  credits,
		plans:    plans,
		billing:  reconciler,
		archive:  archive,
		deps: []dependency{
			{name: "database", check: store.Health},
			{name: "redis", check: redisCache.Ping},
		},
		reloadPlans: func() ([]models.Plan, error) { return env.plans, nil },
		limiter:     middleware.NewRateLimiter(1000, 1000),
		logger:      logging.Nop(),
	}
	env.api = api
	env.router = setupRouter(api)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

type session struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    int64           `json:"expires_in"`
	User         *models.Account `json:"user"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body middleware.ErrorResponse
	decode(t, w, &body)
	return body.Code
}

func (e *testEnv) signup(t *testing.T, email string) session {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/auth/signup", gin.H{
		"name": "Test User", "email": email, "password": "correct-horse",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var s session
	decode(t, w, &s)
	return s
}

func (e *testEnv) admin(t *testing.T) string {
	t.Helper()
	account := &models.Account{Email: "admin@example.com", Name: "Admin", Plan: models.PlanStarter, CreditsAllowance: 10, IsAdmin: true}
	require.NoError(t, e.store.CreateAccount(context.Background(), account))

	hash, err := bcrypt.GenerateFromPassword([]byte("admin-password"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, e.store.SetPasswordHash(context.Background(), account.ID, string(hash)))

	w := e.do(t, http.MethodPost, "/api/auth/login", gin.H{"email": account.Email, "password": "admin-password"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var s session
	decode(t, w, &s)
	return s.AccessToken
}

func TestSignupLoginAndMe(t *testing.T) {
	env := newTestEnv(t)

	s := env.signup(t, "  Alice@Example.com ")
	assert.Equal(t, "bearer", s.TokenType)
	assert.NotEmpty(t, s.AccessToken)
	assert.NotEmpty(t, s.RefreshToken)
	assert.Equal(t, "alice@example.com", s.User.Email)
	assert.Equal(t, models.PlanStarter, s.User.Plan)
	assert.Equal(t, 10, s.User.CreditsAllowance)
	assert.NotContains(t, env.do(t, http.MethodGet, "/api/auth/me", nil, bearer(s.AccessToken)).Body.String(), "password")

	// Duplicate email
	w := env.do(t, http.MethodPost, "/api/auth/signup", gin.H{
		"name": "Again", "email": "alice@example.com", "password": "correct-horse",
	}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperr.CodeConflict, errorCode(t, w))

	w = env.do(t, http.MethodPost, "/api/auth/login", gin.H{"email": "alice@example.com", "password": "correct-horse"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Unknown email and wrong password look the same
	wrong := env.do(t, http.MethodPost, "/api/auth/login", gin.H{"email": "alice@example.com", "password": "nope-nope"}, nil)
	unknown := env.do(t, http.MethodPost, "/api/auth/login", gin.H{"email": "bob@example.com", "password": "nope-nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, wrong.Code, unknown.Code)
	assert.Equal(t, wrong.Body.String(), unknown.Body.String())

	w = env.do(t, http.MethodGet, "/api/auth/me", nil, bearer(s.AccessToken))
	require.Equal(t, http.StatusOK, w.Code)
	var me models.Account
	decode(t, w, &me)
	assert.Equal(t, s.User.ID, me.ID)
}

func TestSignupValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/auth/signup", gin.H{"name": "x", "email": "not-an-email", "password": "correct-horse"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperr.CodeValidation, errorCode(t, w))

	w = env.do(t, http.MethodPost, "/api/auth/signup", []byte(`{"name":`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	s := env.signup(t, "carol@example.com")

	w := env.do(t, http.MethodPost, "/api/auth/refresh", gin.H{}, map[string]string{RefreshTokenHeader: s.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rotated session
	decode(t, w, &rotated)
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, s.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, s.User.ID, rotated.User.ID)

	// A refresh token can be exchanged once
	w = env.do(t, http.MethodPost, "/api/auth/refresh", nil, map[string]string{RefreshTokenHeader: s.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, apperr.CodeAuthentication, errorCode(t, w))

	// Body form
	w = env.do(t, http.MethodPost, "/api/auth/refresh", gin.H{"refresh_token": rotated.RefreshToken}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// An access token is not a refresh token
	w = env.do(t, http.MethodPost, "/api/auth/refresh", nil, map[string]string{RefreshTokenHeader: s.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/auth/refresh", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestVerifyEmailFlow(t *testing.T) {
	env := newTestEnv(t)
	s := env.signup(t, "dave@example.com")
	ctx := context.Background()

	w := env.do(t, http.MethodPost, "/api/auth/resend-verification", nil, bearer(s.AccessToken))
	require.Equal(t, http.StatusAccepted, w.Code)

	account, err := env.store.GetAccountByID(ctx, s.User.ID)
	require.NoError(t, err)
	require.NotEmpty(t, account.VerificationToken)

	w = env.do(t, http.MethodGet, "/api/auth/verify-email?token="+account.VerificationToken, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Single use
	w = env.do(t, http.MethodGet, "/api/auth/verify-email?token="+account.VerificationToken, nil, nil)
	assert.NotEqual(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/auth/resend-verification", nil, bearer(s.AccessToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	s := env.signup(t, "erin@example.com")

	w := env.do(t, http.MethodPost, "/api/auth/change-password", gin.H{
		"current_password": "wrong-password", "new_password": "better-horse",
	}, bearer(s.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/auth/change-password", gin.H{
		"current_password": "correct-horse", "new_password": "better-horse",
	}, bearer(s.AccessToken))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodPost, "/api/auth/login", gin.H{"email": "erin@example.com", "password": "better-horse"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGitHubLoginDisabled(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/auth/github", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreditsConsumeAndUsage(t *testing.T) {
	env := newTestEnv(t)
	s := env.signup(t, "frank@example.com")
	auth := bearer(s.AccessToken)

	w := env.do(t, http.MethodGet, "/api/credits", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"account_id":%q,"plan":"starter","credits":10,"credits_used":0,"remaining":10}`, s.User.ID), w.Body.String())

	w = env.do(t, http.MethodPost, "/api/credits", gin.H{"amount": 7, "task_category": "code_generation", "model": "gpt"}, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/credits", gin.H{"amount": 4}, auth)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, apperr.CodeInsufficientCredits, errorCode(t, w))

	w = env.do(t, http.MethodPost, "/api/credits", gin.H{"amount": -1}, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/credits/usage", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	var usage struct {
		Usage []models.UsageRecord `json:"usage"`
	}
	decode(t, w, &usage)
	require.Len(t, usage.Usage, 1)
	assert.Equal(t, 7, usage.Usage[0].Amount)
	assert.Equal(t, "code_generation", usage.Usage[0].TaskCategory)

	w = env.do(t, http.MethodGet, "/api/credits/usage?limit=abc", nil, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/credits", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func signedWebhook(env *testEnv, t *testing.T, payload []byte, secret string) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, http.MethodPost, "/api/webhooks/billing", payload, map[string]string{
		billing.SignatureHeader: billing.Sign(payload, secret, time.Now()),
	})
}

func activation(id, accountID, plan string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":"invoice.paid","created":%d,"data":{"object":{"metadata":{"account_id":%q,"plan":%q}}}}`,
		id, time.Now().Unix(), accountID, plan))
}

func TestBillingWebhook(t *testing.T) {
	env := newTestEnv(t)
	s := env.signup(t, "grace@example.com")
	auth := bearer(s.AccessToken)

	w := env.do(t, http.MethodPost, "/api/credits", gin.H{"amount": 5}, auth)
	require.Equal(t, http.StatusOK, w.Code)

	payload := activation("evt_api_1", s.User.ID, "pro")

	w = signedWebhook(env, t, payload, "wrong-secret")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = signedWebhook(env, t, payload, webhookSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"received":true,"event_id":"evt_api_1","outcome":"applied"}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/credits", nil, auth)
	var balance struct {
		Plan      models.PlanTier `json:"plan"`
		Allowance int             `json:"credits"`
		Used      int             `json:"credits_used"`
	}
	decode(t, w, &balance)
	assert.Equal(t, models.PlanPro, balance.Plan)
	assert.Equal(t, 150, balance.Allowance)
	assert.Equal(t, 0, balance.Used)

	// Redelivery changes nothing
	w = env.do(t, http.MethodPost, "/api/credits", gin.H{"amount": 3}, auth)
	require.Equal(t, http.StatusOK, w.Code)
	w = signedWebhook(env, t, payload, webhookSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duplicate"`)

	account, err := env.store.GetAccountByID(context.Background(), s.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, account.CreditsUsed)

	// Missing signature
	w = env.do(t, http.MethodPost, "/api/webhooks/billing", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t)
	user := env.signup(t, "heidi@example.com")
	adminToken := env.admin(t)

	// Regular users are refused
	w := env.do(t, http.MethodGet, "/api/admin/stats", nil, bearer(user.AccessToken))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apperr.CodeAuthorization, errorCode(t, w))

	w = env.do(t, http.MethodPut, "/api/admin/users/"+user.User.ID+"/plan", gin.H{"plan": "standard"}, bearer(adminToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/admin/stats", nil, bearer(adminToken))
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		TotalUsers       int64                     `json:"total_users"`
		PlanDistribution map[models.PlanTier]int64 `json:"plan_distribution"`
		MonthlyRevenue   float64                   `json:"monthly_revenue"`
	}
	decode(t, w, &stats)
	assert.EqualValues(t, 2, stats.TotalUsers)
	assert.EqualValues(t, 1, stats.PlanDistribution[models.PlanStandard])
	assert.InDelta(t, 29.0, stats.MonthlyRevenue, 0.001)

	w = env.do(t, http.MethodGet, "/api/admin/users", nil, bearer(adminToken))
	require.Equal(t, http.StatusOK, w.Code)
	var users struct {
		Users []models.Account `json:"users"`
	}
	decode(t, w, &users)
	assert.Len(t, users.Users, 2)

	w = env.do(t, http.MethodPost, "/api/credits", gin.H{"amount": 2, "task_category": "chat"}, bearer(user.AccessToken))
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, "/api/admin/usage", nil, bearer(adminToken))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"task_category":"chat"`)

	w = env.do(t, http.MethodPut, "/api/admin/users/"+user.User.ID+"/plan", gin.H{"plan": "gold"}, bearer(adminToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// No queue, so no pipeline monitor
	w = env.do(t, http.MethodGet, "/api/admin/system", nil, bearer(adminToken))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminReloadPlans(t *testing.T) {
	env := newTestEnv(t)
	adminToken := env.admin(t)

	env.plans = []models.Plan{
		{Tier: models.PlanStarter, Name: "Starter", Credits: 25},
		{Tier: models.PlanPro, Name: "Pro", PriceCents: 4900, Credits: 300, ExternalPriceID: "price_pro_v2"},
	}
	w := env.do(t, http.MethodPost, "/api/admin/plans/reload", nil, bearer(adminToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/plans", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"credits":300`)

	// New signups get the reloaded starter allowance
	s := env.signup(t, "ivan@example.com")
	assert.Equal(t, 25, s.User.CreditsAllowance)

	// A table without a starter tier is refused and the current one stays
	env.plans = []models.Plan{{Tier: models.PlanPro, Name: "Pro", Credits: 1}}
	w = env.do(t, http.MethodPost, "/api/admin/plans/reload", nil, bearer(adminToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/plans", nil, nil)
	assert.Contains(t, w.Body.String(), `"credits":300`)
}

func TestAdminArchiveAndReplay(t *testing.T) {
	env := newTestEnv(t)
	user := env.signup(t, "judy@example.com")
	adminToken := env.admin(t)

	w := signedWebhook(env, t, activation("evt_archived", user.User.ID, "premier"), webhookSecret)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/admin/billing/archive?date="+time.Now().UTC().Format("2006-01-02"), nil, bearer(adminToken))
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Keys []string `json:"keys"`
	}
	decode(t, w, &listing)
	require.Len(t, listing.Keys, 1)

	w = env.do(t, http.MethodPost, "/api/admin/billing/replay", gin.H{"key": listing.Keys[0]}, bearer(adminToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"outcome":"duplicate"`)

	w = env.do(t, http.MethodGet, "/api/admin/billing/archive?date=yesterday", nil, bearer(adminToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","checks":{"database":"healthy","redis":"healthy"}}`, w.Body.String())

	env.redis.Close()
	w = env.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"unhealthy"`)
}

func TestCurrentSubscription(t *testing.T) {
	env := newTestEnv(t)
	user := env.signup(t, "ivan@example.com")

	w := env.do(t, http.MethodGet, "/api/subscriptions/current", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/subscriptions/current", nil, bearer(user.AccessToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var sub struct {
		Plan        models.PlanTier `json:"plan"`
		Credits     int             `json:"credits"`
		Remaining   int             `json:"remaining"`
		PlanDetails models.Plan     `json:"plan_details"`
	}
	decode(t, w, &sub)
	assert.Equal(t, models.PlanStarter, sub.Plan)
	assert.Equal(t, 10, sub.Credits)
	assert.Equal(t, 10, sub.Remaining)
	assert.Equal(t, "Starter", sub.PlanDetails.Name)
}

func TestCreateCheckout(t *testing.T) {
	env := newTestEnv(t)
	user := env.signup(t, "judy@example.com")

	// Disabled until a provider key is configured
	w := env.do(t, http.MethodPost, "/api/subscriptions/create-checkout?plan=pro", nil, bearer(user.AccessToken))
	assert.Equal(t, http.StatusNotFound, w.Code)

	var (
		mu       sync.Mutex
		delay    time.Duration
		metadata string
	)
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		mu.Lock()
		metadata = r.PostForm.Get("metadata[account_id]")
		wait := delay
		mu.Unlock()
		time.Sleep(wait)
		json.NewEncoder(w).Encode(map[string]string{"id": "cs_1", "url": "https://checkout.example/cs_1"})
	}))
	defer provider.Close()

	env.api.checkout = billing.NewCheckoutClient(config.BillingConfig{
		APIKey:          "sk_test",
		APIBase:         provider.URL,
		ProviderTimeout: 50 * time.Millisecond,
	}, env.api.plans, logging.Nop())

	w = env.do(t, http.MethodPost, "/api/subscriptions/create-checkout?plan=pro", nil, bearer(user.AccessToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var checkout struct {
		SessionID string `json:"session_id"`
		URL       string `json:"url"`
	}
	decode(t, w, &checkout)
	assert.Equal(t, "cs_1", checkout.SessionID)
	assert.Equal(t, "https://checkout.example/cs_1", checkout.URL)
	mu.Lock()
	assert.Equal(t, user.User.ID, metadata)
	mu.Unlock()

	w = env.do(t, http.MethodPost, "/api/subscriptions/create-checkout?plan=gold", nil, bearer(user.AccessToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperr.CodeValidation, errorCode(t, w))

	w = env.do(t, http.MethodPost, "/api/subscriptions/create-checkout?plan=starter", nil, bearer(user.AccessToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	mu.Lock()
	delay = 300 * time.Millisecond
	mu.Unlock()
	w = env.do(t, http.MethodPost, "/api/subscriptions/create-checkout?plan=pro", nil, bearer(user.AccessToken))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, apperr.CodeExternalService, errorCode(t, w))
}
