package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"

	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/identity"
	"github.com/linolazarous/app/internal/logging"
)

// StateStore keeps login state values between redirect and callback
type StateStore interface {
	PutOAuthState(ctx context.Context, state, provider string, ttl time.Duration) error
	TakeOAuthState(ctx context.Context, state, provider string) (bool, error)
}

// Linker resolves a provider profile to an account
type Linker interface {
	LinkOrCreateOAuth(ctx context.Context, provider string, profile identity.Profile) (*identity.LinkResult, error)
}

// Flow runs the authorization-code login for one provider
type Flow struct {
	provider Provider
	states   StateStore
	linker   Linker
	stateTTL time.Duration
	logger   *logging.Logger
}

// NewFlow creates a login flow
func NewFlow(provider Provider, states StateStore, linker Linker, stateTTL time.Duration, logger *logging.Logger) *Flow {
	if stateTTL <= 0 {
		stateTTL = 10 * time.Minute
	}
	return &Flow{
		provider: provider,
		states:   states,
		linker:   linker,
		stateTTL: stateTTL,
		logger:   logger.WithComponent("oauth").WithField("provider", provider.Name()),
	}
}

// Begin creates a state value and returns the provider consent URL
func (f *Flow) Begin(ctx context.Context) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Internal(err, "failed to generate login state")
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	if err := f.states.PutOAuthState(ctx, state, f.provider.Name(), f.stateTTL); err != nil {
		return "", apperr.Internal(err, "failed to store login state")
	}
	return f.provider.AuthCodeURL(state), nil
}

// Callback validates state, exchanges the code, fetches the profile and links
// the identity
func (f *Flow) Callback(ctx context.Context, code, state string) (*identity.LinkResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, apperr.Validation("authorization code is required")
	}

	ok, err := f.states.TakeOAuthState(ctx, state, f.provider.Name())
	if err != nil {
		return nil, apperr.Internal(err, "failed to check login state")
	}
	if !ok {
		f.logger.LogAuthEvent("oauth_callback", "", "failure", apperr.ReasonInvalidState)
		return nil, apperr.Authentication(apperr.ReasonInvalidState, "login session expired or invalid, start again")
	}

	accessToken, err := f.provider.Exchange(ctx, code)
	if err != nil {
		f.logger.WithError(err).Warn("code exchange failed")
		return nil, err
	}

	profile, err := f.provider.FetchProfile(ctx, accessToken)
	if err != nil {
		f.logger.WithError(err).Warn("profile fetch failed")
		return nil, err
	}

	result, err := f.linker.LinkOrCreateOAuth(ctx, f.provider.Name(), *profile)
	if err != nil {
		f.logger.LogAuthEvent("oauth_callback", "", "failure", apperr.Code(err))
		return nil, err
	}

	f.logger.LogAuthEvent("oauth_callback", result.Account.ID, "success", "")
	return result, nil
}
