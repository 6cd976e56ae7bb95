package dto

import (
	"time"

	"harvest-backend/internal/cadence/domain"
)

type CadenceResponse struct {
	DeviceID        string     `json:"device_id"`
	Channel         string     `json:"channel"`
	IntervalSeconds int64      `json:"interval_seconds"`
	LastHarvestAt   *time.Time `json:"last_harvest_at"`
	NextDueAt       *time.Time `json:"next_due_at"`
	Enabled         bool       `json:"enabled"`
}

type CadencesResponse struct {
	Cadences []CadenceResponse `json:"cadences"`
}

type UpdateCadenceRequest struct {
	IntervalSeconds *int64 `json:"interval_seconds"`
	Enabled         *bool  `json:"enabled"`
}

func NewCadenceResponse(c *domain.ChannelCadence) CadenceResponse {
	resp := CadenceResponse{
		DeviceID:        c.DeviceID,
		Channel:         c.Channel,
		IntervalSeconds: c.IntervalSeconds,
		LastHarvestAt:   c.LastHarvestAt,
		Enabled:         c.Enabled,
	}
	if next := c.NextDueAt(); !next.IsZero() && c.Enabled {
		resp.NextDueAt = &next
	}
	return resp
}
