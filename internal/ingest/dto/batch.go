package dto

import (
	"encoding/json"
	"time"

	"harvest-backend/internal/ingest/domain"
)

// Outcome statuses
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
)

// Rejection reasons
const (
	ReasonValidation      = "validation"
	ReasonThrottled       = "throttled"
	ReasonChannelDisabled = "channel_disabled"
	ReasonPrimaryStore    = "primary_store"
)

// BatchItem is one harvested record as submitted by a device
type BatchItem struct {
	DeviceID   string          `json:"device_id,omitempty"`
	Channel    string          `json:"channel"`
	ExternalID string          `json:"external_id,omitempty"`
	ObservedAt *time.Time      `json:"observed_at,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

type BatchRequest struct {
	Items []BatchItem `json:"items" binding:"required"`
}

type ItemOutcome struct {
	Index             int    `json:"index"`
	Status            string `json:"status"`
	Reason            string `json:"reason,omitempty"`
	Detail            string `json:"detail,omitempty"`
	RecordID          string `json:"record_id,omitempty"`
	Fingerprint       string `json:"fingerprint,omitempty"`
	Mirrored          bool   `json:"mirrored,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

type BatchResponse struct {
	Outcomes   []ItemOutcome `json:"outcomes"`
	Accepted   int           `json:"accepted"`
	Duplicates int           `json:"duplicates"`
	Rejected   int           `json:"rejected"`
}

// Tally fills the summary counters from the outcomes
func (r *BatchResponse) Tally() {
	r.Accepted, r.Duplicates, r.Rejected = 0, 0, 0
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusAccepted:
			r.Accepted++
		case StatusDuplicate:
			r.Duplicates++
		default:
			r.Rejected++
		}
	}
}

type MirrorHealthResponse struct {
	DeviceID string                `json:"device_id"`
	Channels []domain.MirrorHealth `json:"channels"`
	Terminal int64                 `json:"failed_terminal"`
}

type RequeueResponse struct {
	Requeued int64 `json:"requeued"`
}

type RecordListResponse struct {
	DeviceID string                 `json:"device_id"`
	Channel  string                 `json:"channel"`
	Records  []*domain.IngestRecord `json:"records"`
}
