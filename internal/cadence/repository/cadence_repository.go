package repository

import (
	"context"
	"errors"
	"time"

	"harvest-backend/internal/cadence/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CadenceRepository persists ChannelCadence rows in the primary store
type CadenceRepository interface {
	// Get returns nil, nil when the pair was never configured
	Get(ctx context.Context, deviceID, channel string) (*domain.ChannelCadence, error)
	ListByDevice(ctx context.Context, deviceID string) ([]*domain.ChannelCadence, error)
	// Upsert writes the configuration fields (interval, enabled) of a cadence
	Upsert(ctx context.Context, cadence *domain.ChannelCadence) error
	// AdvanceHarvest moves last_harvest_at forward to at; an earlier at is a no-op.
	// A missing row is created with intervalSeconds first.
	AdvanceHarvest(ctx context.Context, deviceID, channel string, at time.Time, intervalSeconds int64) (bool, error)
}

type cadenceRepository struct {
	db *gorm.DB
}

// NewCadenceRepository creates a new instance of cadenceRepository
func NewCadenceRepository(db *gorm.DB) CadenceRepository {
	return &cadenceRepository{
		db: db,
	}
}

func (r *cadenceRepository) Get(ctx context.Context, deviceID, channel string) (*domain.ChannelCadence, error) {
	var cadence domain.ChannelCadence
	err := r.db.WithContext(ctx).Where("device_id = ? AND channel = ?", deviceID, channel).First(&cadence).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cadence, nil
}

func (r *cadenceRepository) ListByDevice(ctx context.Context, deviceID string) ([]*domain.ChannelCadence, error) {
	var cadences []*domain.ChannelCadence
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("channel ASC").Find(&cadences).Error
	if err != nil {
		return nil, err
	}
	return cadences, nil
}

func (r *cadenceRepository) Upsert(ctx context.Context, cadence *domain.ChannelCadence) error {
	now := time.Now().UTC()
	if cadence.CreatedAt.IsZero() {
		cadence.CreatedAt = now
	}
	cadence.UpdatedAt = now

	// Atomic upsert: INSERT ... ON CONFLICT (device_id, channel) DO UPDATE
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "channel"}},
		DoUpdates: clause.AssignmentColumns([]string{"interval_seconds", "enabled", "updated_at"}),
	}).Create(cadence).Error
}

func (r *cadenceRepository) AdvanceHarvest(ctx context.Context, deviceID, channel string, at time.Time, intervalSeconds int64) (bool, error) {
	advanced := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		seed := &domain.ChannelCadence{
			DeviceID:        deviceID,
			Channel:         channel,
			IntervalSeconds: intervalSeconds,
			Enabled:         true,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
			return err
		}

		// Conditional update keeps last_harvest_at monotonic across instances
		result := tx.Model(&domain.ChannelCadence{}).
			Where("device_id = ? AND channel = ? AND (last_harvest_at IS NULL OR last_harvest_at < ?)", deviceID, channel, at).
			Updates(map[string]interface{}{
				"last_harvest_at": at,
				"updated_at":      now,
			})
		if result.Error != nil {
			return result.Error
		}
		advanced = result.RowsAffected > 0
		return nil
	})
	return advanced, err
}
