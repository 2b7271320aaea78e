// Package token issues and verifies signed access and refresh tokens.
//
// Verification is stateless: a token is valid when its signature, type tag and
// expiry check out. Access and refresh tokens are signed with different secrets.
// The only server-side state is the single-use guard consulted on refresh.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/metrics"
	"github.com/linolazarous/app/pkg/models"
)

var errWrongType = errors.New("token type mismatch")

// Claims is the signed claim set {sub, exp, type}
type Claims struct {
	Type models.TokenType `json:"type"`
	jwt.RegisteredClaims
}

// RefreshGuard records refresh token ids that have been exchanged
type RefreshGuard interface {
	// ClaimRefreshToken returns false when jti was already claimed.
	ClaimRefreshToken(ctx context.Context, jti string, ttl time.Duration) (bool, error)
}

// Config holds the signing parameters
type Config struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// Service issues and verifies tokens
type Service struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	guard         RefreshGuard
	now           func() time.Time
}

// Option customises a Service
type Option func(*Service)

// WithRefreshGuard makes refresh tokens single-use
func WithRefreshGuard(guard RefreshGuard) Option {
	return func(s *Service) { s.guard = guard }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a token service. Secrets must be non-empty and distinct.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, fmt.Errorf("token: signing secrets are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, fmt.Errorf("token: access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, fmt.Errorf("token: TTLs must be positive")
	}

	s := &Service{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        cfg.Issuer,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AccessTTL returns the configured access token lifetime
func (s *Service) AccessTTL() time.Duration {
	return s.accessTTL
}

// IssueAccess signs an access token for accountID
func (s *Service) IssueAccess(accountID string) (string, error) {
	return s.issue(accountID, models.TokenTypeAccess)
}

// IssueRefresh signs a refresh token for accountID
func (s *Service) IssueRefresh(accountID string) (string, error) {
	return s.issue(accountID, models.TokenTypeRefresh)
}

// IssuePair signs a fresh access/refresh pair
func (s *Service) IssuePair(accountID string) (*models.TokenPair, error) {
	access, err := s.IssueAccess(accountID)
	if err != nil {
		return nil, err
	}
	refresh, err := s.IssueRefresh(accountID)
	if err != nil {
		return nil, err
	}
	return &models.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

func (s *Service) issue(accountID string, typ models.TokenType) (string, error) {
	if accountID == "" {
		return "", apperr.Validation("token subject is required")
	}

	now := s.now()
	claims := Claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    s.issuer,
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl(typ))),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret(typ))
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", typ, err)
	}
	metrics.RecordTokenIssued(string(typ))
	return signed, nil
}

// Verify returns the subject of a valid token of the expected type. Any failure
// is an authentication error whose reason is one of malformed,
// signature_invalid, expired or wrong_type.
func (s *Service) Verify(tokenString string, expected models.TokenType) (string, error) {
	claims, err := s.VerifyClaims(tokenString, expected)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// VerifyClaims is Verify returning the full claim set
func (s *Service) VerifyClaims(tokenString string, expected models.TokenType) (*Claims, error) {
	if expected != models.TokenTypeAccess && expected != models.TokenTypeRefresh {
		return nil, apperr.Validation(fmt.Sprintf("unknown token type %q", expected))
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		c, ok := t.Claims.(*Claims)
		if !ok || c.Type != expected {
			return nil, errWrongType
		}
		return s.secret(expected), nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if claims.Subject == "" {
		return nil, apperr.Authentication(apperr.ReasonMalformed, "token has no subject")
	}
	return claims, nil
}

// Refresh exchanges a valid refresh token for a new pair. With a guard
// configured each refresh token can be exchanged once; presenting it again fails
// with reason refresh_reused.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, string, error) {
	claims, err := s.VerifyClaims(refreshToken, models.TokenTypeRefresh)
	if err != nil {
		return nil, "", err
	}

	if s.guard != nil {
		if claims.ID == "" {
			return nil, "", apperr.Authentication(apperr.ReasonMalformed, "refresh token has no id")
		}
		remaining := claims.ExpiresAt.Time.Sub(s.now())
		if remaining < time.Second {
			remaining = time.Second
		}
		fresh, err := s.guard.ClaimRefreshToken(ctx, claims.ID, remaining)
		if err != nil {
			return nil, "", apperr.Internal(err, "failed to record refresh token")
		}
		if !fresh {
			return nil, "", apperr.Authentication(apperr.ReasonRefreshReused, "refresh token already used")
		}
	}

	pair, err := s.IssuePair(claims.Subject)
	if err != nil {
		return nil, "", err
	}
	return pair, claims.Subject, nil
}

func (s *Service) secret(typ models.TokenType) []byte {
	if typ == models.TokenTypeRefresh {
		return s.refreshSecret
	}
	return s.accessSecret
}

func (s *Service) ttl(typ models.TokenType) time.Duration {
	if typ == models.TokenTypeRefresh {
		return s.refreshTTL
	}
	return s.accessTTL
}

func classify(err error) error {
	switch {
	case errors.Is(err, errWrongType):
		return apperr.Authentication(apperr.ReasonWrongType, "wrong token type")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return apperr.Authentication(apperr.ReasonMalformed, "malformed token")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperr.Authentication(apperr.ReasonSignatureInvalid, "invalid token signature")
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.Authentication(apperr.ReasonExpired, "token expired")
	default:
		return apperr.Authentication(apperr.ReasonMalformed, "invalid token")
	}
}
