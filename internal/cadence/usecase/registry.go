package usecase

import (
	"context"
	"fmt"
	"time"

	"harvest-backend/internal/cadence/domain"
	"harvest-backend/internal/cadence/repository"
	"harvest-backend/pkg/keylock"
)

// ConfigureRequest carries the optional fields of a cadence configuration write
type ConfigureRequest struct {
	IntervalSeconds *int64
	Enabled         *bool
}

// Registry answers "is this (device, channel) due?" and records harvests.
// All mutations for one key go through a per-key lock.
type Registry struct {
	repo  repository.CadenceRepository
	locks *keylock.Locker
	now   func() time.Time
}

func NewRegistry(repo repository.CadenceRepository) *Registry {
	return &Registry{
		repo:  repo,
		locks: keylock.New(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

func lockKey(deviceID, channel string) string {
	return deviceID + "/" + channel
}

// Lookup returns the stored cadence or the effective one for an unconfigured pair
func (r *Registry) Lookup(ctx context.Context, deviceID, channel string) (*domain.ChannelCadence, error) {
	cadence, err := r.repo.Get(ctx, deviceID, channel)
	if err != nil {
		return nil, fmt.Errorf("load cadence %s/%s: %w", deviceID, channel, err)
	}
	if cadence == nil {
		cadence = &domain.ChannelCadence{
			DeviceID:        deviceID,
			Channel:         channel,
			IntervalSeconds: int64(domain.SafeDefaultInterval / time.Second),
			Enabled:         true,
		}
	}
	return cadence, nil
}

// IsDue reports whether the channel may be harvested now
func (r *Registry) IsDue(ctx context.Context, deviceID, channel string) (bool, error) {
	cadence, err := r.Lookup(ctx, deviceID, channel)
	if err != nil {
		return false, err
	}
	return cadence.IsDue(r.now()), nil
}

// NextDueAt returns when the channel becomes due; zero means now.
// Disabled channels report ok=false.
func (r *Registry) NextDueAt(ctx context.Context, deviceID, channel string) (time.Time, bool, error) {
	cadence, err := r.Lookup(ctx, deviceID, channel)
	if err != nil {
		return time.Time{}, false, err
	}
	if !cadence.Enabled {
		return time.Time{}, false, nil
	}
	return cadence.NextDueAt(), true, nil
}

// MarkHarvested records a successful harvest at the given time. Calls with an
// older timestamp than the stored one are no-ops.
func (r *Registry) MarkHarvested(ctx context.Context, deviceID, channel string, at time.Time) error {
	unlock := r.locks.Lock(lockKey(deviceID, channel))
	defer unlock()

	_, err := r.repo.AdvanceHarvest(ctx, deviceID, channel, at.UTC(), int64(domain.SafeDefaultInterval/time.Second))
	if err != nil {
		return fmt.Errorf("mark harvested %s/%s: %w", deviceID, channel, err)
	}
	return nil
}

// Configure creates or updates a cadence. A new row without an interval gets
// the channel default.
func (r *Registry) Configure(ctx context.Context, deviceID, channel string, req ConfigureRequest) (*domain.ChannelCadence, error) {
	if req.IntervalSeconds != nil && *req.IntervalSeconds <= 0 {
		return nil, domain.ErrInvalidInterval
	}

	unlock := r.locks.Lock(lockKey(deviceID, channel))
	defer unlock()

	cadence, err := r.repo.Get(ctx, deviceID, channel)
	if err != nil {
		return nil, fmt.Errorf("load cadence %s/%s: %w", deviceID, channel, err)
	}
	if cadence == nil {
		cadence = &domain.ChannelCadence{
			DeviceID:        deviceID,
			Channel:         channel,
			IntervalSeconds: domain.DefaultIntervalSeconds(channel),
			Enabled:         true,
		}
	}
	if req.IntervalSeconds != nil {
		cadence.IntervalSeconds = *req.IntervalSeconds
	}
	if req.Enabled != nil {
		cadence.Enabled = *req.Enabled
	}

	if err := r.repo.Upsert(ctx, cadence); err != nil {
		return nil, fmt.Errorf("save cadence %s/%s: %w", deviceID, channel, err)
	}
	return cadence, nil
}

// Disable stops a channel from ever being due until re-enabled
func (r *Registry) Disable(ctx context.Context, deviceID, channel string) error {
	enabled := false
	_, err := r.Configure(ctx, deviceID, channel, ConfigureRequest{Enabled: &enabled})
	return err
}

func (r *Registry) List(ctx context.Context, deviceID string) ([]*domain.ChannelCadence, error) {
	return r.repo.ListByDevice(ctx, deviceID)
}
