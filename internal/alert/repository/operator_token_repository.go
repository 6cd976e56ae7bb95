package repository

import (
	"context"
	"time"

	alertdomain "harvest-backend/internal/alert/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OperatorTokenRepository defines the interface for operator FCM token operations
type OperatorTokenRepository interface {
	SaveToken(ctx context.Context, operatorID, token, deviceInfo string) error
	ListTokens(ctx context.Context) ([]alertdomain.OperatorToken, error)
	DeleteToken(ctx context.Context, token string) error
}

// operatorTokenRepository implements OperatorTokenRepository interface
type operatorTokenRepository struct {
	db *gorm.DB
}

// NewOperatorTokenRepository creates a new instance of operatorTokenRepository
func NewOperatorTokenRepository(db *gorm.DB) OperatorTokenRepository {
	return &operatorTokenRepository{
		db: db,
	}
}

// SaveToken saves or updates an FCM token for an operator (atomic upsert)
func (r *operatorTokenRepository) SaveToken(ctx context.Context, operatorID, token, deviceInfo string) error {
	now := time.Now().UTC()
	operatorToken := &alertdomain.OperatorToken{
		ID:         uuid.New().String(),
		OperatorID: operatorID,
		Token:      token,
		DeviceInfo: deviceInfo,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// Atomic upsert: INSERT ... ON CONFLICT (token) DO UPDATE
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"operator_id", "device_info", "updated_at"}),
	}).Create(operatorToken).Error
}

// ListTokens returns every registered operator token
func (r *operatorTokenRepository) ListTokens(ctx context.Context) ([]alertdomain.OperatorToken, error) {
	var tokens []alertdomain.OperatorToken
	err := r.db.WithContext(ctx).Order("created_at ASC").Find(&tokens).Error
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// DeleteToken removes a specific FCM token
func (r *operatorTokenRepository) DeleteToken(ctx context.Context, token string) error {
	return r.db.WithContext(ctx).Where("token = ?", token).Delete(&alertdomain.OperatorToken{}).Error
}
