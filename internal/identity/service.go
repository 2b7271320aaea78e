// Package identity owns account records: native signup and password login,
// email verification, and linking of third-party identities.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/linolazarous/app/internal/apperr"
	"github.com/linolazarous/app/internal/catalog"
	"github.com/linolazarous/app/internal/logging"
	"github.com/linolazarous/app/internal/metrics"
	"github.com/linolazarous/app/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 8
	// bcrypt ignores everything past 72 bytes
	maxPasswordLength = 72
)

// Store is the account persistence the identity service needs
type Store interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccountByID(ctx context.Context, id string) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	GetAccountByIdentity(ctx context.Context, provider, providerID string) (*models.Account, error)
	AttachIdentity(ctx context.Context, accountID string, identity *models.ExternalIdentity) (*models.Account, error)
	UpdateIdentity(ctx context.Context, accountID string, identity *models.ExternalIdentity) (*models.Account, error)
	SetPasswordHash(ctx context.Context, accountID, hash string) error
	SetVerificationToken(ctx context.Context, accountID, token string, expiresAt time.Time) error
	VerifyEmailToken(ctx context.Context, token string, now time.Time) (*models.Account, error)
}

// Throttle counts attempts per key within a window
type Throttle interface {
	CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
	ResetRateLimit(ctx context.Context, key string) error
}

// Config holds identity settings
type Config struct {
	BcryptCost      int
	VerificationTTL time.Duration
	LoginAttempts   int64
	LoginWindow     time.Duration
}

// Service handles native accounts
type Service struct {
	store     Store
	plans     *catalog.Catalog
	cfg       Config
	throttle  Throttle
	logger    *logging.Logger
	validate  *validator.Validate
	now       func() time.Time
	dummyHash []byte
}

// Option customises a Service
type Option func(*Service)

// WithThrottle limits failed logins per email
func WithThrottle(t Throttle) Option {
	return func(s *Service) { s.throttle = t }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new identity service
func NewService(store Store, plans *catalog.Catalog, cfg Config, logger *logging.Logger, opts ...Option) (*Service, error) {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range", cfg.BcryptCost)
	}
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = 48 * time.Hour
	}

	// Compared against on unknown emails so every login pays for one hash
	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare password hasher: %w", err)
	}

	s := &Service{
		store:     store,
		plans:     plans,
		cfg:       cfg,
		logger:    logger.WithComponent("identity"),
		validate:  validator.New(),
		now:       time.Now,
		dummyHash: dummy,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NormalizeEmail trims and lower-cases an address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateLocal registers a password account on the starter plan. The returned
// account carries a fresh verification token.
func (s *Service) CreateLocal(ctx context.Context, email, name, password string) (*models.Account, error) {
	email = NormalizeEmail(email)
	name = strings.TrimSpace(name)

	if err := s.validateEmail(email); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, apperr.Internal(err, "failed to hash password")
	}

	token, err := newVerificationToken()
	if err != nil {
		return nil, apperr.Internal(err, "failed to generate verification token")
	}
	expires := s.now().Add(s.cfg.VerificationTTL)

	starter := s.plans.Starter()
	account := &models.Account{
		Email:             email,
		Name:              name,
		PasswordHash:      string(hash),
		Plan:              starter.Tier,
		CreditsAllowance:  starter.Credits,
		CreditsUsed:       0,
		VerificationToken: token,
		VerificationExp:   &expires,
	}

	if err := s.store.CreateAccount(ctx, account); err != nil {
		s.logger.LogAuthEvent("signup", "", "failure", apperr.Reason(err))
		metrics.RecordAuthAttempt("signup", "failure")
		return nil, err
	}

	s.logger.LogAuthEvent("signup", account.ID, "success", "")
	metrics.RecordAuthAttempt("signup", "success")
	return account, nil
}

// Authenticate checks an email and password. Unknown email, identity-only
// account and wrong password all produce the same InvalidCredentials error.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*models.Account, error) {
	email = NormalizeEmail(email)

	if s.throttle != nil && s.cfg.LoginAttempts > 0 {
		allowed, err := s.throttle.CheckRateLimit(ctx, "login:"+email, s.cfg.LoginAttempts, s.cfg.LoginWindow)
		if err != nil {
			// fail open
			s.logger.WithError(err).Warn("login throttle unavailable")
		} else if !allowed {
			s.fail(email, "throttled")
			return nil, apperr.RateLimited("too many login attempts, try again later")
		}
	}

	account, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if !apperr.Is(err, apperr.CodeNotFound) {
			return nil, err
		}
		bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		s.fail(email, "unknown_email")
		return nil, apperr.InvalidCredentials()
	}

	if !account.HasPassword() {
		bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		s.fail(email, "no_password")
		return nil, apperr.InvalidCredentials()
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		s.fail(email, "wrong_password")
		return nil, apperr.InvalidCredentials()
	}

	if s.throttle != nil {
		if err := s.throttle.ResetRateLimit(ctx, "login:"+email); err != nil {
			s.logger.WithError(err).Warn("failed to reset login throttle")
		}
	}

	s.logger.LogAuthEvent("login", account.ID, "success", "")
	metrics.RecordAuthAttempt("password", "success")
	return account, nil
}

func (s *Service) fail(email, reason string) {
	s.logger.WithField("email", email).LogAuthEvent("login", "", "failure", reason)
	metrics.RecordAuthAttempt("password", "failure")
}

// GetAccount returns an account by id
func (s *Service) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return s.store.GetAccountByID(ctx, id)
}

// SetPassword changes the password. Accounts that already have one must present
// it; identity-only accounts may set a first password.
func (s *Service) SetPassword(ctx context.Context, accountID, current, next string) error {
	account, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	if account.HasPassword() {
		if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(current)); err != nil {
			s.logger.LogAuthEvent("change_password", accountID, "failure", "wrong_password")
			return apperr.InvalidCredentials()
		}
	}
	if err := validatePassword(next); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.cfg.BcryptCost)
	if err != nil {
		return apperr.Internal(err, "failed to hash password")
	}

	if err := s.store.SetPasswordHash(ctx, accountID, string(hash)); err != nil {
		return err
	}

	s.logger.LogAuthEvent("change_password", accountID, "success", "")
	return nil
}

// GenerateVerificationToken issues a new single-use email verification token,
// replacing any pending one
func (s *Service) GenerateVerificationToken(ctx context.Context, accountID string) (string, error) {
	account, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return "", err
	}
	if account.EmailVerified {
		return "", apperr.Validation("email is already verified")
	}

	token, err := newVerificationToken()
	if err != nil {
		return "", apperr.Internal(err, "failed to generate verification token")
	}

	if err := s.store.SetVerificationToken(ctx, accountID, token, s.now().Add(s.cfg.VerificationTTL)); err != nil {
		return "", err
	}
	return token, nil
}

// VerifyEmail consumes a verification token and marks the account verified
func (s *Service) VerifyEmail(ctx context.Context, token string) (*models.Account, error) {
	if strings.TrimSpace(token) == "" {
		return nil, apperr.Validation("verification token is required")
	}

	account, err := s.store.VerifyEmailToken(ctx, token, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.LogAuthEvent("verify_email", account.ID, "success", "")
	return account, nil
}

func (s *Service) validateEmail(email string) error {
	if err := s.validate.Var(email, "required,email,max=254"); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return apperr.Validation("a valid email address is required")
		}
		return apperr.Internal(err, "failed to validate email")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return apperr.Validation(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	if len(password) > maxPasswordLength {
		return apperr.Validation(fmt.Sprintf("password must be at most %d bytes", maxPasswordLength))
	}
	return nil
}

func newVerificationToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
