package identity

import (
	"context"
	"strings"

	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/catalog"
	"github.com/linolazarous/app/internal/logging"
	"github.com/linolazarous/app/internal/metrics"
	"github.com/linolazarous/app/pkg/models"
)

// LinkOutcome says which branch of the linking decision was taken
type LinkOutcome string

const (
	// LinkRefreshed: the identity was already bound; its cached profile was updated
	LinkRefreshed LinkOutcome = "refreshed"
	// LinkAttached: an existing account with the same email got the binding
	LinkAttached LinkOutcome = "attached"
	// LinkCreated: a new identity-only account was created
	LinkCreated LinkOutcome = "created"
)

// maxLinkAttempts bounds re-evaluation after losing a uniqueness race
const maxLinkAttempts = 3

// Profile is what an identity provider tells us about a user
type Profile struct {
	ProviderID  string
	Email       string
	DisplayName string
	Login       string
	AvatarURL   string
	AccessToken string
}

// LinkResult is the account a third-party login resolved to
type LinkResult struct {
	Account *models.Account
	Outcome LinkOutcome
}

// Linker resolves third-party logins to accounts
type Linker struct {
	store  Store
	plans  *catalog.Catalog
	logger *logging.Logger
}

// NewLinker creates a new identity linker
func NewLinker(store Store, plans *catalog.Catalog, logger *logging.Logger) *Linker {
	return &Linker{
		store:  store,
		plans:  plans,
		logger: logger.WithComponent("linker"),
	}
}

// LinkOrCreateOAuth applies the linking decision table:
//
//	binding (provider, id) exists       -> refresh cached profile, return it
//	no binding, account with email      -> attach binding, mark email verified
//	neither                             -> create identity-only verified account
//
// Concurrent first logins for the same person are settled by the store's unique
// constraints: the loser re-reads and returns the winner's account.
func (l *Linker) LinkOrCreateOAuth(ctx context.Context, provider string, profile Profile) (*LinkResult, error) {
	if provider == "" || strings.TrimSpace(profile.ProviderID) == "" {
		return nil, apperr.Validation("identity provider and provider id are required")
	}

	identity := &models.ExternalIdentity{
		Provider:   provider,
		ProviderID: profile.ProviderID,
		Profile: models.IdentityProfile{
			Login:     profile.Login,
			Name:      profile.DisplayName,
			AvatarURL: profile.AvatarURL,
		},
		AccessToken: profile.AccessToken,
	}
	email := NormalizeEmail(profile.Email)

	var lastErr error
	for attempt := 0; attempt < maxLinkAttempts; attempt++ {
		result, err := l.decide(ctx, identity, email, profile)
		if err == nil {
			l.logger.WithAccountID(result.Account.ID).
				WithFields(map[string]interface{}{"provider": provider, "outcome": string(result.Outcome)}).
				Info("identity linked")
			metrics.RecordIdentityLink(provider, string(result.Outcome))
			return result, nil
		}
		if !apperr.Is(err, apperr.CodeConflict) {
			return nil, err
		}
		lastErr = err
	}

	// Repeated conflicts without a winning binding: the email belongs to an
	// account already linked to a different identity
	l.logger.WithField("provider", provider).WithError(lastErr).Warn("identity link conflict")
	metrics.RecordIdentityLink(provider, "conflict")
	return nil, lastErr
}

func (l *Linker) decide(ctx context.Context, identity *models.ExternalIdentity, email string, profile Profile) (*LinkResult, error) {
	// Branch 1: binding exists
	account, err := l.store.GetAccountByIdentity(ctx, identity.Provider, identity.ProviderID)
	if err == nil {
		updated, err := l.store.UpdateIdentity(ctx, account.ID, identity)
		if err != nil {
			return nil, err
		}
		return &LinkResult{Account: updated, Outcome: LinkRefreshed}, nil
	}
	if !apperr.Is(err, apperr.CodeNotFound) {
		return nil, err
	}

	if email == "" {
		return nil, apperr.Validation("identity provider did not supply an email address")
	}

	// Branch 2: account with the same email
	account, err = l.store.GetAccountByEmail(ctx, email)
	if err == nil {
		attached, err := l.store.AttachIdentity(ctx, account.ID, identity)
		if err != nil {
			return nil, err
		}
		return &LinkResult{Account: attached, Outcome: LinkAttached}, nil
	}
	if !apperr.Is(err, apperr.CodeNotFound) {
		return nil, err
	}

	// Branch 3: new identity-only account
	starter := l.plans.Starter()
	account = &models.Account{
		Email:            email,
		Name:             displayName(profile, email),
		Plan:             starter.Tier,
		CreditsAllowance: starter.Credits,
		CreditsUsed:      0,
		Identity:         identity,
		EmailVerified:    true,
	}
	if err := l.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return &LinkResult{Account: account, Outcome: LinkCreated}, nil
}

func displayName(profile Profile, email string) string {
	if name := strings.TrimSpace(profile.DisplayName); name != "" {
		return name
	}
	if login := strings.TrimSpace(profile.Login); login != "" {
		return login
	}
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}
