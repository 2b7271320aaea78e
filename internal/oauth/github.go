// Package oauth talks to third-party identity providers and turns a successful
// authorization-code callback into a linked account.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/config"
	"github.com/linolazarous/app/internal/identity"
	"github.com/linolazarous/app/internal/metrics"
	"github.com/linolazarous/app/pkg/models"
	"golang.org/x/oauth2"
	githubOAuth "golang.org/x/oauth2/github"
)

const defaultGitHubAPI = "https://api.github.com"

// DefaultGitHubScopes are requested when none are configured
var DefaultGitHubScopes = []string{"read:user", "user:email"}

// errUpstream marks responses worth retrying
var errUpstream = errors.New("provider returned a server error")

// Provider is an identity provider using the authorization-code flow
type Provider interface {
	Name() string
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
	FetchProfile(ctx context.Context, accessToken string) (*identity.Profile, error)
}

// GitHubProvider implements Provider for GitHub OAuth apps
type GitHubProvider struct {
	config     *oauth2.Config
	apiBase    string
	httpClient *http.Client
	timeout    time.Duration
	retries    int
	backoff    time.Duration
}

// GitHubOption customises a GitHubProvider
type GitHubOption func(*GitHubProvider)

// WithGitHubEndpoints points the provider at other authorize, token and API URLs
func WithGitHubEndpoints(authURL, tokenURL, apiBase string) GitHubOption {
	return func(p *GitHubProvider) {
		p.config.Endpoint = oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL}
		p.apiBase = strings.TrimRight(apiBase, "/")
	}
}

// WithHTTPClient sets the client used for every provider call
func WithHTTPClient(client *http.Client) GitHubOption {
	return func(p *GitHubProvider) { p.httpClient = client }
}

// WithRetryBackoff sets the pause between profile fetch attempts
func WithRetryBackoff(d time.Duration) GitHubOption {
	return func(p *GitHubProvider) { p.backoff = d }
}

// NewGitHubProvider creates a GitHub provider from configuration
func NewGitHubProvider(cfg config.OAuthConfig, opts ...GitHubOption) *GitHubProvider {
	scopes := cfg.GitHub.Scopes
	if len(scopes) == 0 {
		scopes = DefaultGitHubScopes
	}

	p := &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			RedirectURL:  cfg.GitHub.RedirectURL,
			Scopes:       scopes,
			Endpoint:     githubOAuth.Endpoint,
		},
		apiBase:    defaultGitHubAPI,
		httpClient: http.DefaultClient,
		timeout:    cfg.Timeout,
		retries:    cfg.ProfileRetries,
		backoff:    200 * time.Millisecond,
	}
	if p.timeout <= 0 {
		p.timeout = 10 * time.Second
	}
	if p.retries < 0 {
		p.retries = 0
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider key stored on linked accounts
func (p *GitHubProvider) Name() string {
	return models.ProviderGitHub
}

// AuthCodeURL returns the consent page URL carrying state
func (p *GitHubProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for a provider access token. Codes are
// single use at the provider, so this is never retried.
func (p *GitHubProvider) Exchange(ctx context.Context, code string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		metrics.RecordProviderRequest(p.Name(), "exchange", "error")
		return "", externalError(ctx, err, "code exchange with github failed")
	}
	if token.AccessToken == "" {
		metrics.RecordProviderRequest(p.Name(), "exchange", "error")
		return "", apperr.External(nil, apperr.ReasonUpstream, "github returned no access token")
	}

	metrics.RecordProviderRequest(p.Name(), "exchange", "success")
	return token.AccessToken, nil
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// FetchProfile reads the user and, when the public email is hidden, the primary
// verified address. The read is retried on timeouts and server errors.
func (p *GitHubProvider) FetchProfile(ctx context.Context, accessToken string) (*identity.Profile, error) {
	var user githubUser
	if err := p.withRetry(ctx, "profile", func(ctx context.Context) error {
		return p.getJSON(ctx, "/user", accessToken, &user)
	}); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, apperr.External(nil, apperr.ReasonUpstream, "github returned a profile without an id")
	}

	email := user.Email
	if email == "" {
		var emails []githubEmail
		if err := p.withRetry(ctx, "emails", func(ctx context.Context) error {
			return p.getJSON(ctx, "/user/emails", accessToken, &emails)
		}); err != nil {
			return nil, err
		}
		email = primaryEmail(emails)
	}

	return &identity.Profile{
		ProviderID:  strconv.FormatInt(user.ID, 10),
		Email:       email,
		DisplayName: user.Name,
		Login:       user.Login,
		AvatarURL:   user.AvatarURL,
		AccessToken: accessToken,
	}, nil
}

func primaryEmail(emails []githubEmail) string {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email
		}
	}
	return ""
}

func (p *GitHubProvider) withRetry(ctx context.Context, operation string, call func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return externalError(ctx, ctx.Err(), "github request canceled")
			case <-time.After(p.backoff * time.Duration(attempt)):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		raw := call(callCtx)
		if raw == nil {
			cancel()
			metrics.RecordProviderRequest(p.Name(), operation, "success")
			return nil
		}
		transient := isTransient(callCtx, raw)
		err = externalError(callCtx, raw, fmt.Sprintf("github %s request failed", operation))
		cancel()

		metrics.RecordProviderRequest(p.Name(), operation, "error")
		if ctx.Err() != nil || !transient {
			return err
		}
	}
	return err
}

func (p *GitHubProvider) getJSON(ctx context.Context, path, accessToken string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", errUpstream, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("github %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode github %s response: %w", path, err)
	}
	return nil
}

// externalError maps a provider failure to an ExternalServiceError
func externalError(ctx context.Context, err error, message string) error {
	if apperr.Is(err, apperr.CodeExternalService) {
		return err
	}
	reason := apperr.ReasonUpstream
	if isTimeout(ctx, err) {
		reason = apperr.ReasonTimeout
	}
	return apperr.External(err, reason, message)
}

func isTimeout(ctx context.Context, err error) bool {
	if apperr.IsTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isTransient reports whether a failed read is worth another attempt
func isTransient(ctx context.Context, err error) bool {
	return isTimeout(ctx, err) || errors.Is(err, errUpstream)
}
