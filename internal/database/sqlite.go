package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/linolazarous/app/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// accountRow is the gorm mapping of the accounts table
type accountRow struct {
	ID                    string  `gorm:"primaryKey"`
	Email                 string  `gorm:"uniqueIndex;not null"`
	Name                  string  `gorm:"not null"`
	PasswordHash          *string `gorm:"column:password_hash"`
	Plan                  string  `gorm:"not null;index"`
	CreditsAllowance      int     `gorm:"not null"`
	CreditsUsed           int     `gorm:"not null"`
	OAuthProvider         *string `gorm:"column:oauth_provider;uniqueIndex:idx_accounts_identity"`
	OAuthProviderID       *string `gorm:"column:oauth_provider_id;uniqueIndex:idx_accounts_identity"`
	OAuthProfile          *string `gorm:"column:oauth_profile"`
	OAuthAccessToken      *string `gorm:"column:oauth_access_token"`
	EmailVerified         bool    `gorm:"not null"`
	VerificationToken     *string `gorm:"uniqueIndex"`
	VerificationExpiresAt *time.Time
	IsAdmin               bool `gorm:"not null"`
	BillingEventAt        *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (accountRow) TableName() string { return "accounts" }

type usageRow struct {
	ID           string `gorm:"primaryKey"`
	AccountID    string `gorm:"not null;index:idx_usage_account"`
	Amount       int    `gorm:"not null"`
	TaskCategory string `gorm:"not null"`
	Model        string `gorm:"not null"`
	CreatedAt    time.Time
}

func (usageRow) TableName() string { return "usage_records" }

type processedEventRow struct {
	EventID     string `gorm:"primaryKey"`
	Type        string `gorm:"not null"`
	AccountID   string `gorm:"not null"`
	ProcessedAt time.Time
}

func (processedEventRow) TableName() string { return "processed_events" }

// SQLiteStore implements Store on an embedded SQLite database through gorm. It
// is used for single-node deployments and as the test backend.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" gives an
// ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
	}
	// One writer at a time; this also keeps an in-memory database on one connection
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&accountRow{}, &usageRow{}, &processedEventRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Health checks if the database is healthy
func (s *SQLiteStore) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Accounts

// CreateAccount inserts a new account
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *models.Account) error {
	prepareAccount(account, uuid.NewString, time.Now().UTC())

	row, err := toAccountRow(account)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if dup := sqliteDuplicateError(err); dup != nil {
			return dup
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetAccountByID retrieves an account by ID
func (s *SQLiteStore) GetAccountByID(ctx context.Context, id string) (*models.Account, error) {
	return s.getAccount(s.db.WithContext(ctx), id, "id = ?", id)
}

// GetAccountByEmail retrieves an account by its normalised email
func (s *SQLiteStore) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return s.getAccount(s.db.WithContext(ctx), email, "email = ?", email)
}

// GetAccountByIdentity retrieves the account bound to a provider identity
func (s *SQLiteStore) GetAccountByIdentity(ctx context.Context, provider, providerID string) (*models.Account, error) {
	return s.getAccount(s.db.WithContext(ctx), providerID,
		"oauth_provider = ? AND oauth_provider_id = ?", provider, providerID)
}

func (s *SQLiteStore) getAccount(db *gorm.DB, key string, where string, args ...interface{}) (*models.Account, error) {
	var row accountRow
	err := db.Where(where, args...).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, accountNotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return row.toModel()
}

// AttachIdentity binds an identity to an account that has none yet and marks
// its email verified
func (s *SQLiteStore) AttachIdentity(ctx context.Context, accountID string, identity *models.ExternalIdentity) (*models.Account, error) {
	profile, err := encodeProfile(identity.Profile)
	if err != nil {
		return nil, err
	}

	var account *models.Account
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&accountRow{}).
			Where("id = ? AND oauth_provider IS NULL", accountID).
			Updates(map[string]interface{}{
				"oauth_provider":     identity.Provider,
				"oauth_provider_id":  identity.ProviderID,
				"oauth_profile":      profile,
				"oauth_access_token": nullString(identity.AccessToken),
				"email_verified":     true,
			})
		if res.Error != nil {
			if dup := sqliteDuplicateError(res.Error); dup != nil {
				return dup
			}
			return fmt.Errorf("failed to attach identity: %w", res.Error)
		}

		// Either the account is gone or it is already bound
		current, err := s.getAccount(tx, accountID, "id = ?", accountID)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return errAlreadyLinked()
		}
		account = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	return account, nil
}

// UpdateIdentity refreshes the cached profile and provider token of a binding
func (s *SQLiteStore) UpdateIdentity(ctx context.Context, accountID string, identity *models.ExternalIdentity) (*models.Account, error) {
	profile, err := encodeProfile(identity.Profile)
	if err != nil {
		return nil, err
	}

	var account *models.Account
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&accountRow{}).
			Where("id = ? AND oauth_provider = ? AND oauth_provider_id = ?",
				accountID, identity.Provider, identity.ProviderID).
			Updates(map[string]interface{}{
				"oauth_profile":      profile,
				"oauth_access_token": nullString(identity.AccessToken),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update identity: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return accountNotFound(accountID)
		}

		account, err = s.getAccount(tx, accountID, "id = ?", accountID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return account, nil
}

// SetPasswordHash replaces the password hash of an account
func (s *SQLiteStore) SetPasswordHash(ctx context.Context, accountID, hash string) error {
	res := s.db.WithContext(ctx).Model(&accountRow{}).
		Where("id = ?", accountID).
		Update("password_hash", nullString(hash))
	if res.Error != nil {
		return fmt.Errorf("failed to set password: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return accountNotFound(accountID)
	}
	return nil
}

// SetVerificationToken stores a pending email verification token
func (s *SQLiteStore) SetVerificationToken(ctx context.Context, accountID, token string, expiresAt time.Time) error {
	expiresAt = expiresAt.UTC()
	res := s.db.WithContext(ctx).Model(&accountRow{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"verification_token":      token,
			"verification_expires_at": &expiresAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to set verification token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return accountNotFound(accountID)
	}
	return nil
}

// VerifyEmailToken marks the owning account verified and clears the token
func (s *SQLiteStore) VerifyEmailToken(ctx context.Context, token string, now time.Time) (*models.Account, error) {
	var account *models.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row accountRow
		err := tx.Where("verification_token = ?", token).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errTokenInvalid()
		}
		if err != nil {
			return fmt.Errorf("failed to verify email: %w", err)
		}
		if row.VerificationExpiresAt == nil || !now.Before(*row.VerificationExpiresAt) {
			return errTokenExpired()
		}

		res := tx.Model(&accountRow{}).
			Where("id = ? AND verification_token = ?", row.ID, token).
			Updates(map[string]interface{}{
				"email_verified":          true,
				"verification_token":      nil,
				"verification_expires_at": nil,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to verify email: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errTokenInvalid()
		}

		account, err = s.getAccount(tx, row.ID, "id = ?", row.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return account, nil
}

// ListAccounts retrieves accounts with pagination, newest first
func (s *SQLiteStore) ListAccounts(ctx context.Context, limit, offset int) ([]*models.Account, error) {
	limit, offset = normalizePage(limit, offset)

	var rows []accountRow
	err := s.db.WithContext(ctx).
		Order("created_at DESC").Order("id").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	accounts := make([]*models.Account, 0, len(rows))
	for i := range rows {
		account, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	return accounts, nil
}

// Stats aggregates account totals
func (s *SQLiteStore) Stats(ctx context.Context) (*models.AccountStats, error) {
	stats := &models.AccountStats{ByPlan: make(map[models.PlanTier]int64)}
	db := s.db.WithContext(ctx)

	if err := db.Model(&accountRow{}).Count(&stats.TotalAccounts).Error; err != nil {
		return nil, fmt.Errorf("failed to count accounts: %w", err)
	}
	if err := db.Model(&accountRow{}).Where("email_verified = ?", true).Count(&stats.VerifiedAccounts).Error; err != nil {
		return nil, fmt.Errorf("failed to count verified accounts: %w", err)
	}
	if err := db.Model(&accountRow{}).Where("oauth_provider IS NOT NULL").Count(&stats.LinkedAccounts).Error; err != nil {
		return nil, fmt.Errorf("failed to count linked accounts: %w", err)
	}
	if err := db.Model(&accountRow{}).Select("COALESCE(SUM(credits_used), 0)").Scan(&stats.CreditsUsed).Error; err != nil {
		return nil, fmt.Errorf("failed to sum credits: %w", err)
	}

	var byPlan []struct {
		Plan  string
		Count int64
	}
	if err := db.Model(&accountRow{}).Select("plan, COUNT(*) AS count").Group("plan").Scan(&byPlan).Error; err != nil {
		return nil, fmt.Errorf("failed to get plan stats: %w", err)
	}
	for _, p := range byPlan {
		stats.ByPlan[models.PlanTier(p.Plan)] = p.Count
	}

	return stats, nil
}

// Credits

// ConsumeCredits debits an account and appends a usage record in one transaction
func (s *SQLiteStore) ConsumeCredits(ctx context.Context, record *models.UsageRecord) (*models.Balance, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	var balance *models.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&accountRow{}).
			Where("id = ? AND credits_allowance - credits_used >= ?", record.AccountID, record.Amount).
			Update("credits_used", gorm.Expr("credits_used + ?", record.Amount))
		if res.Error != nil {
			return fmt.Errorf("failed to consume credits: %w", res.Error)
		}

		var row accountRow
		if err := tx.Where("id = ?", record.AccountID).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return accountNotFound(record.AccountID)
			}
			return fmt.Errorf("failed to read balance: %w", err)
		}
		if res.RowsAffected == 0 {
			return insufficient(row.CreditsAllowance, row.CreditsUsed, record.Amount)
		}

		usage := usageRow{
			ID:           record.ID,
			AccountID:    record.AccountID,
			Amount:       record.Amount,
			TaskCategory: record.TaskCategory,
			Model:        record.Model,
			CreatedAt:    record.CreatedAt,
		}
		if err := tx.Create(&usage).Error; err != nil {
			return fmt.Errorf("failed to record usage: %w", err)
		}

		balance = row.balance()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return balance, nil
}

// ResetPlan sets plan and allowance and zeroes used
func (s *SQLiteStore) ResetPlan(ctx context.Context, accountID string, plan models.PlanTier, allowance int) (*models.Balance, error) {
	var balance *models.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = resetPlan(tx, accountID, plan, allowance, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

func resetPlan(tx *gorm.DB, accountID string, plan models.PlanTier, allowance int, eventAt *time.Time) (*models.Balance, error) {
	updates := map[string]interface{}{
		"plan":              string(plan),
		"credits_allowance": allowance,
		"credits_used":      0,
	}
	if eventAt != nil {
		updates["billing_event_at"] = eventAt
	}

	res := tx.Model(&accountRow{}).Where("id = ?", accountID).Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to reset plan: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, accountNotFound(accountID)
	}

	return &models.Balance{AccountID: accountID, Plan: plan, Allowance: allowance, Used: 0}, nil
}

// ListUsage retrieves usage records, newest first. An empty accountID lists all accounts.
func (s *SQLiteStore) ListUsage(ctx context.Context, accountID string, limit, offset int) ([]*models.UsageRecord, error) {
	limit, offset = normalizePage(limit, offset)

	query := s.db.WithContext(ctx).Model(&usageRow{})
	if accountID != "" {
		query = query.Where("account_id = ?", accountID)
	}

	var rows []usageRow
	err := query.Order("created_at DESC").Order("id").Limit(limit).Offset(offset).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}

	records := make([]*models.UsageRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, &models.UsageRecord{
			ID:           row.ID,
			AccountID:    row.AccountID,
			Amount:       row.Amount,
			TaskCategory: row.TaskCategory,
			Model:        row.Model,
			CreatedAt:    row.CreatedAt,
		})
	}

	return records, nil
}

// Billing

// ApplyBillingEvent records the event id and applies its plan change in one
// transaction
func (s *SQLiteStore) ApplyBillingEvent(ctx context.Context, event *models.BillingEvent) (models.EventOutcome, *models.Balance, error) {
	var (
		outcome models.EventOutcome
		balance *models.Balance
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		processed := processedEventRow{
			EventID:     event.ID,
			Type:        event.Type,
			AccountID:   event.AccountID,
			ProcessedAt: time.Now().UTC(),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&processed)
		if res.Error != nil {
			return fmt.Errorf("failed to record billing event: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			outcome = models.EventDuplicate
			return nil
		}

		var row accountRow
		if err := tx.Where("id = ?", event.AccountID).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return accountNotFound(event.AccountID)
			}
			return fmt.Errorf("failed to read account: %w", err)
		}

		if eventIsStale(row.BillingEventAt, event.CreatedAt) {
			outcome = models.EventStale
			return nil
		}

		var eventAt *time.Time
		if !event.CreatedAt.IsZero() {
			at := event.CreatedAt.UTC()
			eventAt = &at
		}

		var err error
		balance, err = resetPlan(tx, event.AccountID, event.Plan, event.Allowance, eventAt)
		if err != nil {
			return err
		}
		outcome = models.EventApplied
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	return outcome, balance, nil
}

// helpers

func toAccountRow(account *models.Account) (*accountRow, error) {
	row := &accountRow{
		ID:                    account.ID,
		Email:                 account.Email,
		Name:                  account.Name,
		PasswordHash:          nullString(account.PasswordHash),
		Plan:                  string(account.Plan),
		CreditsAllowance:      account.CreditsAllowance,
		CreditsUsed:           account.CreditsUsed,
		EmailVerified:         account.EmailVerified,
		VerificationToken:     nullString(account.VerificationToken),
		VerificationExpiresAt: account.VerificationExp,
		IsAdmin:               account.IsAdmin,
		CreatedAt:             account.CreatedAt,
		UpdatedAt:             account.UpdatedAt,
	}

	if account.Identity != nil {
		profile, err := encodeProfile(account.Identity.Profile)
		if err != nil {
			return nil, err
		}
		row.OAuthProvider = &account.Identity.Provider
		row.OAuthProviderID = &account.Identity.ProviderID
		row.OAuthProfile = &profile
		row.OAuthAccessToken = nullString(account.Identity.AccessToken)
	}

	return row, nil
}

func (r *accountRow) toModel() (*models.Account, error) {
	account := &models.Account{
		ID:                r.ID,
		Email:             r.Email,
		Name:              r.Name,
		PasswordHash:      deref(r.PasswordHash),
		Plan:              models.PlanTier(r.Plan),
		CreditsAllowance:  r.CreditsAllowance,
		CreditsUsed:       r.CreditsUsed,
		EmailVerified:     r.EmailVerified,
		VerificationToken: deref(r.VerificationToken),
		VerificationExp:   r.VerificationExpiresAt,
		IsAdmin:           r.IsAdmin,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}

	if r.OAuthProvider != nil && r.OAuthProviderID != nil {
		identity := &models.ExternalIdentity{
			Provider:    *r.OAuthProvider,
			ProviderID:  *r.OAuthProviderID,
			AccessToken: deref(r.OAuthAccessToken),
		}
		if r.OAuthProfile != nil && *r.OAuthProfile != "" {
			if err := json.Unmarshal([]byte(*r.OAuthProfile), &identity.Profile); err != nil {
				return nil, fmt.Errorf("failed to decode identity profile: %w", err)
			}
		}
		account.Identity = identity
	}

	return account, nil
}

func (r *accountRow) balance() *models.Balance {
	return &models.Balance{
		AccountID: r.ID,
		Plan:      models.PlanTier(r.Plan),
		Allowance: r.CreditsAllowance,
		Used:      r.CreditsUsed,
	}
}

func encodeProfile(profile models.IdentityProfile) (string, error) {
	data, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("failed to encode identity profile: %w", err)
	}
	return string(data), nil
}

func sqliteDuplicateError(err error) error {
	if !errors.Is(err, gorm.ErrDuplicatedKey) && !strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return nil
	}
	switch {
	case strings.Contains(err.Error(), "accounts.oauth_provider"):
		return errDuplicateIdentity()
	case strings.Contains(err.Error(), "accounts.email"):
		return errDuplicateEmail()
	default:
		return fmt.Errorf("unique violation: %w", err)
	}
}
