package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/linolazarous/app/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                      TEXT PRIMARY KEY,
	email                   TEXT NOT NULL,
	name                    TEXT NOT NULL,
	password_hash           TEXT,
	plan                    TEXT NOT NULL,
	credits_allowance       INTEGER NOT NULL CHECK (credits_allowance >= 0),
	credits_used            INTEGER NOT NULL DEFAULT 0 CHECK (credits_used >= 0),
	oauth_provider          TEXT,
	oauth_provider_id       TEXT,
	oauth_profile           JSONB,
	oauth_access_token      TEXT,
	email_verified          BOOLEAN NOT NULL DEFAULT FALSE,
	verification_token      TEXT,
	verification_expires_at TIMESTAMPTZ,
	is_admin                BOOLEAN NOT NULL DEFAULT FALSE,
	billing_event_at        TIMESTAMPTZ,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT accounts_email_key UNIQUE (email),
	CONSTRAINT accounts_identity_key UNIQUE (oauth_provider, oauth_provider_id),
	CONSTRAINT accounts_credits_check CHECK (credits_used <= credits_allowance)
);

CREATE UNIQUE INDEX IF NOT EXISTS accounts_verification_token_idx
	ON accounts (verification_token) WHERE verification_token IS NOT NULL;

CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
	amount        INTEGER NOT NULL CHECK (amount > 0),
	task_category TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS usage_records_account_idx
	ON usage_records (account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS processed_events (
	event_id     TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	account_id   TEXT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const accountColumns = `
	id, email, name, password_hash, plan, credits_allowance, credits_used,
	oauth_provider, oauth_provider_id, oauth_profile, oauth_access_token,
	email_verified, verification_token, verification_expires_at, is_admin,
	created_at, updated_at`

const uniqueViolation = "23505"

// PostgresStore implements Store on a pgx connection pool
type PostgresStore struct {
	db *DB
}

// NewPostgresStore creates a new postgres-backed store
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the schema if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Health checks if the database is healthy
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Accounts

// CreateAccount inserts a new account. Email and identity collisions surface as
// conflict errors.
func (s *PostgresStore) CreateAccount(ctx context.Context, account *models.Account) error {
	prepareAccount(account, uuid.NewString, time.Now().UTC())

	provider, providerID, profile, accessToken, err := identityColumns(account.Identity)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO accounts (id, email, name, password_hash, plan, credits_allowance, credits_used,
		                      oauth_provider, oauth_provider_id, oauth_profile, oauth_access_token,
		                      email_verified, verification_token, verification_expires_at, is_admin,
		                      created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = s.db.Pool.Exec(ctx, query,
		account.ID, account.Email, account.Name, nullString(account.PasswordHash),
		string(account.Plan), account.CreditsAllowance, account.CreditsUsed,
		provider, providerID, profile, accessToken,
		account.EmailVerified, nullString(account.VerificationToken), account.VerificationExp,
		account.IsAdmin, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		if dup := duplicateError(err); dup != nil {
			return dup
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetAccountByID retrieves an account by ID
func (s *PostgresStore) GetAccountByID(ctx context.Context, id string) (*models.Account, error) {
	return s.getAccount(ctx, "id = $1", id)
}

// GetAccountByEmail retrieves an account by its normalised email
func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return s.getAccount(ctx, "email = $1", email)
}

// GetAccountByIdentity retrieves the account bound to a provider identity
func (s *PostgresStore) GetAccountByIdentity(ctx context.Context, provider, providerID string) (*models.Account, error) {
	return s.getAccount(ctx, "oauth_provider = $1 AND oauth_provider_id = $2", provider, providerID)
}

func (s *PostgresStore) getAccount(ctx context.Context, where string, args ...interface{}) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE ` + where

	account, err := scanAccount(s.db.Pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, accountNotFound(fmt.Sprint(args[0]))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return account, nil
}

// AttachIdentity binds an identity to an account that has none yet and marks
// its email verified
func (s *PostgresStore) AttachIdentity(ctx context.Context, accountID string, identity *models.ExternalIdentity) (*models.Account, error) {
	provider, providerID, profile, accessToken, err := identityColumns(identity)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE accounts
		SET oauth_provider = $2, oauth_provider_id = $3, oauth_profile = $4, oauth_access_token = $5,
		    email_verified = TRUE, updated_at = NOW()
		WHERE id = $1 AND oauth_provider IS NULL
		RETURNING ` + accountColumns

	account, err := scanAccount(s.db.Pool.QueryRow(ctx, query, accountID, provider, providerID, profile, accessToken))
	if err == nil {
		return account, nil
	}
	if dup := duplicateError(err); dup != nil {
		return nil, dup
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to attach identity: %w", err)
	}

	// Either the account is gone or it is already bound
	if _, err := s.GetAccountByID(ctx, accountID); err != nil {
		return nil, err
	}
	return nil, errAlreadyLinked()
}

// UpdateIdentity refreshes the cached profile and provider token of a binding
func (s *PostgresStore) UpdateIdentity(ctx context.Context, accountID string, identity *models.ExternalIdentity) (*models.Account, error) {
	_, _, profile, accessToken, err := identityColumns(identity)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE accounts
		SET oauth_profile = $4, oauth_access_token = $5, updated_at = NOW()
		WHERE id = $1 AND oauth_provider = $2 AND oauth_provider_id = $3
		RETURNING ` + accountColumns

	account, err := scanAccount(s.db.Pool.QueryRow(ctx, query,
		accountID, identity.Provider, identity.ProviderID, profile, accessToken))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, accountNotFound(accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update identity: %w", err)
	}

	return account, nil
}

// SetPasswordHash replaces the password hash of an account
func (s *PostgresStore) SetPasswordHash(ctx context.Context, accountID, hash string) error {
	query := `UPDATE accounts SET password_hash = $2, updated_at = NOW() WHERE id = $1`

	tag, err := s.db.Pool.Exec(ctx, query, accountID, hash)
	if err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return accountNotFound(accountID)
	}

	return nil
}

// SetVerificationToken stores a pending email verification token
func (s *PostgresStore) SetVerificationToken(ctx context.Context, accountID, token string, expiresAt time.Time) error {
	query := `
		UPDATE accounts
		SET verification_token = $2, verification_expires_at = $3, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := s.db.Pool.Exec(ctx, query, accountID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to set verification token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return accountNotFound(accountID)
	}

	return nil
}

// VerifyEmailToken marks the owning account verified and clears the token
func (s *PostgresStore) VerifyEmailToken(ctx context.Context, token string, now time.Time) (*models.Account, error) {
	query := `
		UPDATE accounts
		SET email_verified = TRUE, verification_token = NULL, verification_expires_at = NULL, updated_at = NOW()
		WHERE verification_token = $1 AND verification_expires_at > $2
		RETURNING ` + accountColumns

	account, err := scanAccount(s.db.Pool.QueryRow(ctx, query, token, now))
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to verify email: %w", err)
	}

	var exists bool
	err = s.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE verification_token = $1)`, token,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to verify email: %w", err)
	}
	if exists {
		return nil, errTokenExpired()
	}
	return nil, errTokenInvalid()
}

// ListAccounts retrieves accounts with pagination, newest first
func (s *PostgresStore) ListAccounts(ctx context.Context, limit, offset int) ([]*models.Account, error) {
	limit, offset = normalizePage(limit, offset)

	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`

	rows, err := s.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}

	return accounts, rows.Err()
}

// Stats aggregates account totals
func (s *PostgresStore) Stats(ctx context.Context) (*models.AccountStats, error) {
	stats := &models.AccountStats{ByPlan: make(map[models.PlanTier]int64)}

	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE email_verified),
		       COUNT(*) FILTER (WHERE oauth_provider IS NOT NULL),
		       COALESCE(SUM(credits_used), 0)
		FROM accounts
	`
	err := s.db.Pool.QueryRow(ctx, query).Scan(
		&stats.TotalAccounts, &stats.VerifiedAccounts, &stats.LinkedAccounts, &stats.CreditsUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get account stats: %w", err)
	}

	rows, err := s.db.Pool.Query(ctx, `SELECT plan, COUNT(*) FROM accounts GROUP BY plan`)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var plan string
		var count int64
		if err := rows.Scan(&plan, &count); err != nil {
			return nil, fmt.Errorf("failed to scan plan stats: %w", err)
		}
		stats.ByPlan[models.PlanTier(plan)] = count
	}

	return stats, rows.Err()
}

// Credits

// ConsumeCredits debits an account and appends a usage record in one transaction.
// The debit is a single conditional UPDATE so concurrent consumers cannot
// overdraw the allowance.
func (s *PostgresStore) ConsumeCredits(ctx context.Context, record *models.UsageRecord) (*models.Balance, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	balance := &models.Balance{AccountID: record.AccountID}

	query := `
		UPDATE accounts
		SET credits_used = credits_used + $2, updated_at = NOW()
		WHERE id = $1 AND credits_allowance - credits_used >= $2
		RETURNING plan, credits_allowance, credits_used
	`
	err = tx.QueryRow(ctx, query, record.AccountID, record.Amount).
		Scan(&balance.Plan, &balance.Allowance, &balance.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		var allowance, used int
		err := tx.QueryRow(ctx,
			`SELECT credits_allowance, credits_used FROM accounts WHERE id = $1`, record.AccountID,
		).Scan(&allowance, &used)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, accountNotFound(record.AccountID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read balance: %w", err)
		}
		return nil, insufficient(allowance, used, record.Amount)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume credits: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO usage_records (id, account_id, amount, task_category, model, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.ID, record.AccountID, record.Amount, record.TaskCategory, record.Model, record.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return balance, nil
}

// ResetPlan sets plan and allowance and zeroes used
func (s *PostgresStore) ResetPlan(ctx context.Context, accountID string, plan models.PlanTier, allowance int) (*models.Balance, error) {
	balance := &models.Balance{AccountID: accountID}

	query := `
		UPDATE accounts
		SET plan = $2, credits_allowance = $3, credits_used = 0, updated_at = NOW()
		WHERE id = $1
		RETURNING plan, credits_allowance, credits_used
	`
	err := s.db.Pool.QueryRow(ctx, query, accountID, string(plan), allowance).
		Scan(&balance.Plan, &balance.Allowance, &balance.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, accountNotFound(accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reset plan: %w", err)
	}

	return balance, nil
}

// ListUsage retrieves usage records, newest first. An empty accountID lists all accounts.
func (s *PostgresStore) ListUsage(ctx context.Context, accountID string, limit, offset int) ([]*models.UsageRecord, error) {
	limit, offset = normalizePage(limit, offset)

	query := `
		SELECT id, account_id, amount, task_category, model, created_at
		FROM usage_records
		WHERE ($1 = '' OR account_id = $1)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Pool.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		var record models.UsageRecord
		err := rows.Scan(&record.ID, &record.AccountID, &record.Amount,
			&record.TaskCategory, &record.Model, &record.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, &record)
	}

	return records, rows.Err()
}

// Billing

// ApplyBillingEvent records the event id and applies its plan change in one
// transaction. A repeated event id is a no-op reported as EventDuplicate. An event
// older than the last applied one is recorded but leaves the account untouched.
func (s *PostgresStore) ApplyBillingEvent(ctx context.Context, event *models.BillingEvent) (models.EventOutcome, *models.Balance, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_events (event_id, type, account_id, processed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, event.ID, event.Type, event.AccountID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to record billing event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.EventDuplicate, nil, nil
	}

	// Row lock serialises events racing for the same account
	var lastApplied *time.Time
	err = tx.QueryRow(ctx,
		`SELECT billing_event_at FROM accounts WHERE id = $1 FOR UPDATE`, event.AccountID,
	).Scan(&lastApplied)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, accountNotFound(event.AccountID)
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to lock account: %w", err)
	}

	outcome := models.EventApplied
	var balance *models.Balance

	if eventIsStale(lastApplied, event.CreatedAt) {
		outcome = models.EventStale
	} else {
		var eventAt *time.Time
		if !event.CreatedAt.IsZero() {
			eventAt = &event.CreatedAt
		}

		balance = &models.Balance{AccountID: event.AccountID}
		err = tx.QueryRow(ctx, `
			UPDATE accounts
			SET plan = $2, credits_allowance = $3, credits_used = 0,
			    billing_event_at = COALESCE($4, billing_event_at), updated_at = NOW()
			WHERE id = $1
			RETURNING plan, credits_allowance, credits_used
		`, event.AccountID, string(event.Plan), event.Allowance, eventAt).
			Scan(&balance.Plan, &balance.Allowance, &balance.Used)
		if err != nil {
			return "", nil, fmt.Errorf("failed to apply billing event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return outcome, balance, nil
}

// helpers

func scanAccount(row pgx.Row) (*models.Account, error) {
	var (
		account                           models.Account
		plan                              string
		passwordHash, verificationToken   *string
		provider, providerID, accessToken *string
		profile                           []byte
	)

	err := row.Scan(
		&account.ID, &account.Email, &account.Name, &passwordHash, &plan,
		&account.CreditsAllowance, &account.CreditsUsed,
		&provider, &providerID, &profile, &accessToken,
		&account.EmailVerified, &verificationToken, &account.VerificationExp, &account.IsAdmin,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	account.Plan = models.PlanTier(plan)
	account.PasswordHash = deref(passwordHash)
	account.VerificationToken = deref(verificationToken)

	if provider != nil && providerID != nil {
		identity := &models.ExternalIdentity{
			Provider:    *provider,
			ProviderID:  *providerID,
			AccessToken: deref(accessToken),
		}
		if len(profile) > 0 {
			if err := json.Unmarshal(profile, &identity.Profile); err != nil {
				return nil, fmt.Errorf("failed to decode identity profile: %w", err)
			}
		}
		account.Identity = identity
	}

	return &account, nil
}

func identityColumns(identity *models.ExternalIdentity) (provider, providerID *string, profile []byte, accessToken *string, err error) {
	if identity == nil {
		return nil, nil, nil, nil, nil
	}
	profile, err = json.Marshal(identity.Profile)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode identity profile: %w", err)
	}
	return &identity.Provider, &identity.ProviderID, profile, nullString(identity.AccessToken), nil
}

func duplicateError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return nil
	}
	switch pgErr.ConstraintName {
	case "accounts_email_key":
		return errDuplicateEmail()
	case "accounts_identity_key":
		return errDuplicateIdentity()
	default:
		return fmt.Errorf("unique violation on %s: %w", pgErr.ConstraintName, err)
	}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
