package repository

import (
	"context"
	"errors"
	"time"

	"harvest-backend/internal/mailbox/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AccountRepository defines the interface for mailbox account persistence
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*domain.MailboxAccount, error)
	GetByDeviceID(ctx context.Context, deviceID string) (*domain.MailboxAccount, error)
	GetByEmail(ctx context.Context, email string) (*domain.MailboxAccount, error)
	ListActive(ctx context.Context) ([]*domain.MailboxAccount, error)
	// Link creates or re-links the device's account. The backfill cursor of an
	// existing row is preserved.
	Link(ctx context.Context, account *domain.MailboxAccount) (*domain.MailboxAccount, error)
	// UpdateTokens stores a refreshed access token. A nil refreshSealed keeps the stored one.
	UpdateTokens(ctx context.Context, id, accessToken string, expiresAt *time.Time, refreshSealed []byte) error
	ClearAccessToken(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status domain.AccountStatus, lastErr string) error
	SetLastError(ctx context.Context, id, lastErr string) error
	// StartBackfill records when backfill first began. Later calls keep the first value.
	StartBackfill(ctx context.Context, id string, at time.Time) error
	SaveCursor(ctx context.Context, id, cursor string, completedAt *time.Time) error
}

type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new instance of accountRepository
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{
		db: db,
	}
}

func (r *accountRepository) first(ctx context.Context, query string, args ...interface{}) (*domain.MailboxAccount, error) {
	var account domain.MailboxAccount
	err := r.db.WithContext(ctx).Where(query, args...).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) GetByID(ctx context.Context, id string) (*domain.MailboxAccount, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *accountRepository) GetByDeviceID(ctx context.Context, deviceID string) (*domain.MailboxAccount, error) {
	return r.first(ctx, "device_id = ?", deviceID)
}

func (r *accountRepository) GetByEmail(ctx context.Context, email string) (*domain.MailboxAccount, error) {
	return r.first(ctx, "account_email = ? AND status <> ?", email, domain.StatusDisabled)
}

func (r *accountRepository) ListActive(ctx context.Context) ([]*domain.MailboxAccount, error) {
	var accounts []*domain.MailboxAccount
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.StatusActive).
		Order("created_at ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepository) Link(ctx context.Context, account *domain.MailboxAccount) (*domain.MailboxAccount, error) {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	account.UpdatedAt = now
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}

	// INSERT ... ON CONFLICT (device_id) DO UPDATE, leaving the cursor alone
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"account_email", "access_token", "access_token_expires_at",
			"refresh_token_sealed", "status", "last_error", "updated_at",
		}),
	}).Create(account).Error
	if err != nil {
		return nil, err
	}
	return r.GetByDeviceID(ctx, account.DeviceID)
}

func (r *accountRepository) UpdateTokens(ctx context.Context, id, accessToken string, expiresAt *time.Time, refreshSealed []byte) error {
	updates := map[string]interface{}{
		"access_token":            accessToken,
		"access_token_expires_at": expiresAt,
		"updated_at":              time.Now().UTC(),
	}
	if refreshSealed != nil {
		updates["refresh_token_sealed"] = refreshSealed
	}
	return r.db.WithContext(ctx).Model(&domain.MailboxAccount{}).Where("id = ?", id).Updates(updates).Error
}

func (r *accountRepository) ClearAccessToken(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&domain.MailboxAccount{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"access_token":            "",
			"access_token_expires_at": nil,
			"updated_at":              time.Now().UTC(),
		}).Error
}

func (r *accountRepository) SetStatus(ctx context.Context, id string, status domain.AccountStatus, lastErr string) error {
	return r.db.WithContext(ctx).Model(&domain.MailboxAccount{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"last_error": lastErr,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *accountRepository) SetLastError(ctx context.Context, id, lastErr string) error {
	return r.db.WithContext(ctx).Model(&domain.MailboxAccount{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_error": lastErr,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *accountRepository) StartBackfill(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.MailboxAccount{}).
		Where("id = ? AND backfill_started_at IS NULL", id).
		Updates(map[string]interface{}{
			"backfill_started_at": at,
			"updated_at":          time.Now().UTC(),
		}).Error
}

func (r *accountRepository) SaveCursor(ctx context.Context, id, cursor string, completedAt *time.Time) error {
	updates := map[string]interface{}{
		"backfill_cursor": cursor,
		"updated_at":      time.Now().UTC(),
	}
	if completedAt != nil {
		updates["backfill_completed_at"] = completedAt
	}
	return r.db.WithContext(ctx).Model(&domain.MailboxAccount{}).Where("id = ?", id).Updates(updates).Error
}
