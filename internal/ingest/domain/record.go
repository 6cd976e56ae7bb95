package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// MirrorState tracks the copy of a record in the secondary live store
type MirrorState string

const (
	MirrorPending        MirrorState = "pending"
	MirrorMirrored       MirrorState = "mirrored"
	MirrorFailed         MirrorState = "failed"
	MirrorFailedTerminal MirrorState = "failed_terminal"
)

// IngestRecord is one externally observed event. Content is immutable once
// persisted; only the mirror columns change.
type IngestRecord struct {
	ID          string         `json:"id" gorm:"primaryKey"`
	DeviceID    string         `json:"device_id" gorm:"not null;uniqueIndex:idx_record_fingerprint,priority:1;index:idx_record_device_channel,priority:1"`
	Channel     string         `json:"channel" gorm:"not null;uniqueIndex:idx_record_fingerprint,priority:2;index:idx_record_device_channel,priority:2"`
	Fingerprint string         `json:"fingerprint" gorm:"not null;uniqueIndex:idx_record_fingerprint,priority:3"`
	ExternalID  string         `json:"external_id"`
	Payload     datatypes.JSON `json:"payload"`
	ObservedAt  time.Time      `json:"observed_at"`
	ReceivedAt  time.Time      `json:"received_at"`

	MirrorState         MirrorState `json:"mirror_state" gorm:"not null;index:idx_record_mirror_scan,priority:1"`
	MirrorAttempts      int         `json:"mirror_attempts" gorm:"not null"`
	MirrorLastError     string      `json:"mirror_last_error,omitempty"`
	MirrorNextAttemptAt *time.Time  `json:"mirror_next_attempt_at,omitempty"`
	MirroredAt          *time.Time  `json:"mirrored_at,omitempty"`
	LeaseOwner          string      `json:"-"`
	LeaseUntil          *time.Time  `json:"-"`

	CreatedAt time.Time `json:"created_at" gorm:"index:idx_record_mirror_scan,priority:2"`
	UpdatedAt time.Time `json:"updated_at"`

	// Decoded payload, not persisted
	Body Payload `json:"-" gorm:"-"`
}

func (IngestRecord) TableName() string {
	return "ingest_records"
}

// NewIngestRecord builds an unsaved record around a validated payload
func NewIngestRecord(deviceID, externalID string, body Payload, observedAt, receivedAt time.Time) (*IngestRecord, error) {
	if deviceID == "" {
		return nil, invalid("device_id is required")
	}
	if body == nil {
		return nil, invalid("payload is required")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if observedAt.IsZero() {
		observedAt = receivedAt
	}
	return &IngestRecord{
		DeviceID:    deviceID,
		Channel:     body.Channel(),
		ExternalID:  strings.TrimSpace(externalID),
		Payload:     datatypes.JSON(raw),
		ObservedAt:  observedAt.UTC(),
		ReceivedAt:  receivedAt.UTC(),
		MirrorState: MirrorPending,
		Body:        body,
	}, nil
}

// MirrorDocument is the projection of a record kept in the live store,
// keyed identically to the primary uniqueness constraint
type MirrorDocument struct {
	RecordID    string                 `json:"record_id" firestore:"record_id"`
	DeviceID    string                 `json:"device_id" firestore:"device_id"`
	Channel     string                 `json:"channel" firestore:"channel"`
	Fingerprint string                 `json:"fingerprint" firestore:"fingerprint"`
	ObservedAt  time.Time              `json:"observed_at" firestore:"observed_at"`
	ReceivedAt  time.Time              `json:"received_at" firestore:"received_at"`
	Summary     map[string]interface{} `json:"summary" firestore:"summary"`
}

// DocumentID is stable for a given (device, channel, fingerprint)
func (d *MirrorDocument) DocumentID() string {
	return strings.ReplaceAll(d.DeviceID, "/", "_") + "_" + d.Channel + "_" + d.Fingerprint
}

// MirrorDocument projects the record for the live store. Records loaded from
// the database have no decoded Body and are decoded on demand.
func (r *IngestRecord) MirrorDocument() (*MirrorDocument, error) {
	body := r.Body
	if body == nil {
		decoded, err := DecodePayload(r.Channel, json.RawMessage(r.Payload))
		if err != nil {
			return nil, err
		}
		body = decoded
	}
	return &MirrorDocument{
		RecordID:    r.ID,
		DeviceID:    r.DeviceID,
		Channel:     r.Channel,
		Fingerprint: r.Fingerprint,
		ObservedAt:  r.ObservedAt,
		ReceivedAt:  r.ReceivedAt,
		Summary:     body.Projection(),
	}, nil
}

// MirrorHealth is the per-channel count of records in each mirror state
type MirrorHealth struct {
	Channel string      `json:"channel"`
	State   MirrorState `json:"state"`
	Count   int64       `json:"count"`
}
