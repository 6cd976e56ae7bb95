package repository

import (
	"context"
	"errors"
	"time"

	"harvest-backend/internal/ingest/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordRepository is the primary durable store for ingest records
type RecordRepository interface {
	ExistsByFingerprint(ctx context.Context, deviceID, channel, fingerprint string) (bool, error)
	// InsertIfAbsent inserts the record unless (device, channel, fingerprint)
	// already exists. Returns true when a row was written.
	InsertIfAbsent(ctx context.Context, record *domain.IngestRecord) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.IngestRecord, error)
	Count(ctx context.Context, deviceID, channel string) (int64, error)
	ListRecent(ctx context.Context, deviceID, channel string, limit int) ([]*domain.IngestRecord, error)

	// Mirror bookkeeping, owned by the writer and the sweeper
	MarkMirrored(ctx context.Context, id string, at time.Time) error
	// MarkMirrorFailed records a failed attempt. A non-empty owner must still
	// hold the lease, otherwise the report is dropped.
	MarkMirrorFailed(ctx context.Context, id, owner string, state domain.MirrorState, attempts int, lastErr string, nextAttemptAt *time.Time) error
	ListMirrorCandidates(ctx context.Context, now, createdBefore time.Time, limit int) ([]*domain.IngestRecord, error)
	// ClaimLease takes the record only if it is still the row the caller listed:
	// same attempt count, due, and not leased.
	ClaimLease(ctx context.Context, id, owner string, attempts int, now, until time.Time) (bool, error)
	RequeueTerminal(ctx context.Context, deviceID string) (int64, error)
	MirrorHealth(ctx context.Context, deviceID string) ([]domain.MirrorHealth, error)
}

var retryableStates = []string{string(domain.MirrorPending), string(domain.MirrorFailed)}

type recordRepository struct {
	db *gorm.DB
}

// NewRecordRepository creates a new instance of recordRepository
func NewRecordRepository(db *gorm.DB) RecordRepository {
	return &recordRepository{
		db: db,
	}
}

func (r *recordRepository) ExistsByFingerprint(ctx context.Context, deviceID, channel, fingerprint string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.IngestRecord{}).
		Where("device_id = ? AND channel = ? AND fingerprint = ?", deviceID, channel, fingerprint).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *recordRepository) InsertIfAbsent(ctx context.Context, record *domain.IngestRecord) (bool, error) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.MirrorState == "" {
		record.MirrorState = domain.MirrorPending
	}

	// INSERT ... ON CONFLICT (device_id, channel, fingerprint) DO NOTHING;
	// the unique index is the final arbiter of duplicates
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "channel"}, {Name: "fingerprint"}},
		DoNothing: true,
	}).Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *recordRepository) GetByID(ctx context.Context, id string) (*domain.IngestRecord, error) {
	var record domain.IngestRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *recordRepository) Count(ctx context.Context, deviceID, channel string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.IngestRecord{}).
		Where("device_id = ? AND channel = ?", deviceID, channel).
		Count(&count).Error
	return count, err
}

func (r *recordRepository) ListRecent(ctx context.Context, deviceID, channel string, limit int) ([]*domain.IngestRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	var records []*domain.IngestRecord
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND channel = ?", deviceID, channel).
		Order("received_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *recordRepository) MarkMirrored(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.IngestRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"mirror_state":           domain.MirrorMirrored,
			"mirrored_at":            at,
			"mirror_last_error":      "",
			"mirror_next_attempt_at": nil,
			"lease_owner":            "",
			"lease_until":            nil,
			"updated_at":             time.Now().UTC(),
		}).Error
}

func (r *recordRepository) MarkMirrorFailed(ctx context.Context, id, owner string, state domain.MirrorState, attempts int, lastErr string, nextAttemptAt *time.Time) error {
	// A concurrent success wins over a late failure report
	query := r.db.WithContext(ctx).Model(&domain.IngestRecord{}).
		Where("id = ? AND mirror_state <> ?", id, domain.MirrorMirrored)
	if owner != "" {
		query = query.Where("lease_owner = ?", owner)
	}
	return query.Updates(map[string]interface{}{
		"mirror_state":           state,
		"mirror_attempts":        attempts,
		"mirror_last_error":      lastErr,
		"mirror_next_attempt_at": nextAttemptAt,
		"lease_owner":            "",
		"lease_until":            nil,
		"updated_at":             time.Now().UTC(),
	}).Error
}

func (r *recordRepository) ListMirrorCandidates(ctx context.Context, now, createdBefore time.Time, limit int) ([]*domain.IngestRecord, error) {
	var records []*domain.IngestRecord
	err := r.db.WithContext(ctx).
		Where("mirror_state IN ?", retryableStates).
		Where("created_at <= ?", createdBefore).
		Where("(mirror_next_attempt_at IS NULL OR mirror_next_attempt_at <= ?)", now).
		Where("(lease_until IS NULL OR lease_until < ?)", now).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *recordRepository) ClaimLease(ctx context.Context, id, owner string, attempts int, now, until time.Time) (bool, error) {
	// Conditional update: a candidate another instance already retried has a
	// higher attempt count or a future next attempt and is no longer claimable
	result := r.db.WithContext(ctx).Model(&domain.IngestRecord{}).
		Where("id = ? AND mirror_state IN ? AND mirror_attempts = ?", id, retryableStates, attempts).
		Where("(mirror_next_attempt_at IS NULL OR mirror_next_attempt_at <= ?)", now).
		Where("(lease_until IS NULL OR lease_until < ?)", now).
		Updates(map[string]interface{}{
			"lease_owner": owner,
			"lease_until": until,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *recordRepository) RequeueTerminal(ctx context.Context, deviceID string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&domain.IngestRecord{}).
		Where("device_id = ? AND mirror_state = ?", deviceID, domain.MirrorFailedTerminal).
		Updates(map[string]interface{}{
			"mirror_state":           domain.MirrorPending,
			"mirror_attempts":        0,
			"mirror_next_attempt_at": nil,
			"updated_at":             time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

func (r *recordRepository) MirrorHealth(ctx context.Context, deviceID string) ([]domain.MirrorHealth, error) {
	var rows []domain.MirrorHealth
	err := r.db.WithContext(ctx).Model(&domain.IngestRecord{}).
		Select("channel, mirror_state AS state, COUNT(*) AS count").
		Where("device_id = ?", deviceID).
		Group("channel, mirror_state").
		Order("channel ASC, mirror_state ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
