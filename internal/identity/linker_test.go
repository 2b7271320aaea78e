package identity

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkCreatesIdentityOnlyAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.linker.LinkOrCreateOAuth(ctx, models.ProviderGitHub, Profile{
		ProviderID:  "1001",
		Email:       "Octo@Example.com",
		DisplayName: "Octo Cat",
		Login:       "octo",
		AccessToken: "gho_1",
	})
	require.NoError(t, err)

	assert.Equal(t, LinkCreated, result.Outcome)
	account := result.Account
	assert.Equal(t, "octo@example.com", account.Email)
	assert.Equal(t, "Octo Cat", account.Name)
	assert.True(t, account.EmailVerified)
	assert.False(t, account.HasPassword())
	assert.Equal(t, models.PlanStarter, account.Plan)
	assert.Equal(t, 10, account.CreditsAllowance)
	assert.Equal(t, 0, account.CreditsUsed)
	assert.True(t, account.HasIdentity(models.ProviderGitHub))
}

func TestLinkRefreshesExistingBinding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.linker.LinkOrCreateOAuth(ctx, models.ProviderGitHub, Profile{
		ProviderID: "1001", Email: "octo@example.com", Login: "octo", AccessToken: "gho_1",
	})
	require.NoError(t, err)

	// Email changed at the provider; the binding still wins
	second, err := env.linker.LinkOrCreateOAuth(ctx, models.ProviderGitHub, Profile{
		ProviderID: "1001", Email: "renamed@example.com", Login: "octo2", AccessToken: "gho_2",
	})
	require.NoError(t, err)

	assert.Equal(t, LinkRefreshed, second.Outcome)
	assert.Equal(t, first.Account.ID, second.Account.ID)
	assert.Equal(t, "octo2", second.Account.Identity.Profile.Login)
	assert.Equal(t, "gho_2", second.Account.Identity.AccessToken)
	assert.Equal(t, "octo@example.com", second.Account.Email)
}

func TestLinkAttachesToNativeAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	native, err := env.service.CreateLocal(ctx, "ada@example.com", "Ada", "correct horse")
	require.NoError(t, err)

	before, err := env.store.Stats(ctx)
	require.NoError(t, err)

	result, err := env.linker.LinkOrCreateOAuth(ctx, models.ProviderGitHub, Profile{
		ProviderID: "2002", Email: "ADA@example.com", Login: "ada",
	})
	require.NoError(t, err)

	assert.Equal(t, LinkAttached, result.Outcome)
	assert.Equal(t, native.ID, result.Account.ID)
	assert.True(t, result.Account.EmailVerified)
	assert.True(t, result.Account.HasPassword())

	after, err := env.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.TotalAccounts, after.TotalAccounts)

	// Password login still works on the merged account
	_, err = env.service.Authenticate(ctx, "ada@example.com", "correct horse")
	assert.NoError(t, err)
}

func TestLinkRequiresEmailForNewBinding(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.linker.LinkOrCreateOAuth(context.Background(), models.ProviderGitHub, Profile{
		ProviderID: "3003", Login: "private",
	})
	assert.True(t, apperr.Is(err, apperr.CodeValidation), "got %v", err)

	_, err = env.linker.LinkOrCreateOAuth(context.Background(), models.ProviderGitHub, Profile{})
	assert.True(t, apperr.Is(err, apperr.CodeValidation), "got %v", err)
}

func TestLinkWithoutEmailUsesExistingBinding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.linker.LinkOrCreateOAuth(ctx, models.ProviderGitHub, Profile{
		ProviderID: "3004", Email: "octo@example.com",
	})
	require.NoError(t, err)

	result, err := env.linker.LinkOrCreateOAuth(ctx, models.ProviderGitHub, Profile{ProviderID: "3004"})
	require.NoError(t, err)
	assert.Equal(t, LinkRefreshed, result.Outcome)
}

func TestLinkConflictWhenEmailOwnerHasOtherIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.linker.LinkOrCreateOAuth(ctx, models.ProviderGitHub, Profile{
		ProviderID: "4001", Email: "octo@example.com",
	})
	require.NoError(t, err)

	_, err = env.linker.LinkOrCreateOAuth(ctx, models.ProviderGitHub, Profile{
		ProviderID: "4002", Email: "octo@example.com",
	})
	assert.True(t, apperr.Is(err, apperr.CodeConflict), "got %v", err)
}

func TestLinkConcurrentFirstLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const callers = 10
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]int{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := env.linker.LinkOrCreateOAuth(ctx, models.ProviderGitHub, Profile{
				ProviderID: "5005", Email: "race@example.com", Login: "racer",
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			ids[result.Account.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1, "all callers must resolve to the same account")

	stats, err := env.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalAccounts)
}

func TestImportDocuments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	input := strings.Join([]string{
		`{"id":"legacy-1","email":"Old@Example.com","name":"Old","plan":"pro","credits":150,"credits_used":20,"email_verified":true,"created_at":"2024-05-01T10:00:00Z","password_hash":"$2a$04$abcdefghijklmnopqrstuv"}`,
		`{"id":"legacy-2","email":"gh@example.com","name":"GH","plan":"starter","credits":10,"credits_used":0,"email_verified":false,"created_at":"2024-05-02T10:00:00Z","github_id":12345,"github_username":"gh","verification_token":"abc"}`,
		`{"id":"legacy-3","email":"bad@example.com","name":"Bad","plan":"gold","credits":10,"credits_used":0,"email_verified":false,"created_at":"2024-05-02T10:00:00Z"}`,
		`{"id":"legacy-4","email":"neg@example.com","name":"Neg","plan":"starter","credits":10,"credits_used":11,"email_verified":false,"created_at":"2024-05-02T10:00:00Z"}`,
	}, "\n")

	result, err := env.service.ImportDocuments(ctx, strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 2, result.Failed)
	assert.Len(t, result.Errors, 2)

	old, err := env.store.GetAccountByEmail(ctx, "old@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.PlanPro, old.Plan)
	assert.Equal(t, 20, old.CreditsUsed)

	gh, err := env.store.GetAccountByIdentity(ctx, models.ProviderGitHub, "12345")
	require.NoError(t, err)
	assert.Equal(t, "legacy-2", gh.ID)

	// Pending verification tokens survive the import with a fresh expiry
	verified, err := env.service.VerifyEmail(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "legacy-2", verified.ID)

	// Rerunning is harmless
	again, err := env.service.ImportDocuments(ctx, strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 0, again.Imported)
	assert.Equal(t, 2, again.Skipped)
}

func TestImportDocumentsRejectsBrokenStream(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.ImportDocuments(context.Background(), strings.NewReader(`{"id": `))
	assert.True(t, apperr.Is(err, apperr.CodeValidation), "got %v", err)
}
