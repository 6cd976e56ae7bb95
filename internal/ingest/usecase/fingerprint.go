package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"harvest-backend/internal/ingest/domain"
	"harvest-backend/internal/ingest/repository"
)

// Verdict is the outcome of a dedup check
type Verdict int

const (
	VerdictNew Verdict = iota
	VerdictDuplicate
)

func (v Verdict) String() string {
	if v == VerdictDuplicate {
		return "duplicate"
	}
	return "new"
}

// Fingerprint derives the dedup key of a record. Records with an external ID
// hash (channel, externalID); the rest hash (channel, normalized payload fields),
// so cosmetically different copies of an ID-less record count as distinct.
func Fingerprint(record *domain.IngestRecord) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	write(record.Channel)
	if record.ExternalID != "" {
		write("id")
		write(record.ExternalID)
	} else {
		write("content")
		if record.Body != nil {
			for _, field := range record.Body.FingerprintFields() {
				write(field)
			}
		} else {
			h.Write(record.Payload)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Deduplicator fingerprints records and checks them against the primary store
type Deduplicator struct {
	repo repository.RecordRepository
}

func NewDeduplicator(repo repository.RecordRepository) *Deduplicator {
	return &Deduplicator{repo: repo}
}

// Fingerprint assigns and returns the record's fingerprint
func (d *Deduplicator) Fingerprint(record *domain.IngestRecord) string {
	if record.Fingerprint == "" {
		record.Fingerprint = Fingerprint(record)
	}
	return record.Fingerprint
}

// Accept reports whether the record is new. The writer's conflict-ignoring
// insert remains the final arbiter under concurrency.
func (d *Deduplicator) Accept(ctx context.Context, record *domain.IngestRecord) (Verdict, error) {
	fp := d.Fingerprint(record)
	exists, err := d.repo.ExistsByFingerprint(ctx, record.DeviceID, record.Channel, fp)
	if err != nil {
		return VerdictNew, fmt.Errorf("dedup lookup: %w", err)
	}
	if exists {
		return VerdictDuplicate, nil
	}
	return VerdictNew, nil
}
