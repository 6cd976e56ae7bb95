package domain

import (
	"errors"
	"time"
)

// Channel names shared by devices, the gateway and the mailbox harvester
const (
	ChannelNotifications = "notifications"
	ChannelSMS           = "sms"
	ChannelCallLog       = "call_log"
	ChannelContacts      = "contacts"
	ChannelChat          = "chat"
	ChannelMailbox       = "mailbox"
)

// SafeDefaultInterval applies to (device, channel) pairs that were never configured
const SafeDefaultInterval = time.Hour

var defaultIntervals = map[string]int64{
	ChannelNotifications: 600,
	ChannelSMS:           900,
	ChannelCallLog:       1800,
	ChannelContacts:      86400,
	ChannelChat:          1800,
	ChannelMailbox:       7200,
}

var ErrInvalidInterval = errors.New("interval must be greater than zero")

// DefaultIntervalSeconds returns the interval used when a configuration write omits one
func DefaultIntervalSeconds(channel string) int64 {
	if v, ok := defaultIntervals[channel]; ok {
		return v
	}
	return int64(SafeDefaultInterval / time.Second)
}

// IsKnownChannel reports whether channel is one of the harvested categories
func IsKnownChannel(channel string) bool {
	_, ok := defaultIntervals[channel]
	return ok
}

// ChannelCadence is the per-(device, channel) harvest schedule.
// Rows are never deleted, only disabled.
type ChannelCadence struct {
	DeviceID        string     `json:"device_id" gorm:"primaryKey"`
	Channel         string     `json:"channel" gorm:"primaryKey"`
	IntervalSeconds int64      `json:"interval_seconds" gorm:"not null"`
	LastHarvestAt   *time.Time `json:"last_harvest_at"`
	Enabled         bool       `json:"enabled" gorm:"not null"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (ChannelCadence) TableName() string {
	return "channel_cadences"
}

func (c *ChannelCadence) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// NextDueAt returns the zero time when the channel is due immediately
func (c *ChannelCadence) NextDueAt() time.Time {
	if c.LastHarvestAt == nil {
		return time.Time{}
	}
	return c.LastHarvestAt.Add(c.Interval())
}

// IsDue is true when enabled and either never harvested or the interval elapsed
func (c *ChannelCadence) IsDue(now time.Time) bool {
	if !c.Enabled {
		return false
	}
	if c.LastHarvestAt == nil {
		return true
	}
	return now.Sub(*c.LastHarvestAt) >= c.Interval()
}
