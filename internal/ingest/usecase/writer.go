package usecase

import (
	"context"
	"fmt"
	"log"
	"time"

	"harvest-backend/internal/ingest/domain"
	"harvest-backend/internal/ingest/repository"
	"harvest-backend/pkg/backoff"
	"harvest-backend/pkg/keylock"
)

// MirrorStore is the secondary, low-latency copy of ingest records.
// Upserts are keyed by the document ID so retries converge.
type MirrorStore interface {
	Upsert(ctx context.Context, doc *domain.MirrorDocument) error
}

// WriteResult reports what happened to one record
type WriteResult struct {
	RecordID    string
	Fingerprint string
	Duplicate   bool
	PrimaryOK   bool
	MirrorOK    bool
	Err         error
}

// WriterOptions tunes the first mirror attempt
type WriterOptions struct {
	MirrorTimeout time.Duration
	Backoff       backoff.Exponential
}

// Writer persists records to the primary store and mirrors them on a best-effort basis.
// The primary write is authoritative; a mirror failure never fails the write.
type Writer struct {
	repo   repository.RecordRepository
	dedup  *Deduplicator
	mirror MirrorStore
	locks  *keylock.Locker
	opts   WriterOptions
	now    func() time.Time
}

// NewWriter builds a writer. mirror may be nil, in which case records stay
// pending until the sweeper finds a configured mirror.
func NewWriter(repo repository.RecordRepository, dedup *Deduplicator, mirror MirrorStore, opts WriterOptions) *Writer {
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = 3 * time.Second
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = backoff.Exponential{Base: 30 * time.Second, Max: 30 * time.Minute}
	}
	return &Writer{
		repo:   repo,
		dedup:  dedup,
		mirror: mirror,
		locks:  keylock.New(),
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source
func (w *Writer) SetClock(now func() time.Time) {
	w.now = now
}

func recordKey(deviceID, channel string) string {
	return deviceID + "/" + channel
}

// Write persists a single record
func (w *Writer) Write(ctx context.Context, record *domain.IngestRecord) (WriteResult, error) {
	results := w.WriteAll(ctx, []*domain.IngestRecord{record})
	return results[0], results[0].Err
}

// WriteAll persists records in order. Records sharing a (device, channel)
// are written to the primary store under one lock, in slice order.
// Results are index-aligned with records.
func (w *Writer) WriteAll(ctx context.Context, records []*domain.IngestRecord) []WriteResult {
	results := make([]WriteResult, len(records))

	var keys []string
	groups := make(map[string][]int)
	for i, rec := range records {
		key := recordKey(rec.DeviceID, rec.Channel)
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], i)
	}

	for _, key := range keys {
		idx := groups[key]

		unlock := w.locks.Lock(key)
		for _, i := range idx {
			results[i] = w.writePrimary(ctx, records[i])
		}
		unlock()

		for _, i := range idx {
			if results[i].PrimaryOK && !results[i].Duplicate {
				results[i].MirrorOK = w.mirrorOne(ctx, records[i])
			}
		}
	}
	return results
}

func (w *Writer) writePrimary(ctx context.Context, record *domain.IngestRecord) WriteResult {
	result := WriteResult{Fingerprint: w.dedup.Fingerprint(record)}

	verdict, err := w.dedup.Accept(ctx, record)
	if err != nil {
		result.Err = err
		return result
	}
	if verdict == VerdictDuplicate {
		result.Duplicate = true
		result.PrimaryOK = true
		return result
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = w.now()
	}
	inserted, err := w.repo.InsertIfAbsent(ctx, record)
	if err != nil {
		result.Err = fmt.Errorf("primary insert: %w", err)
		return result
	}
	result.PrimaryOK = true
	if !inserted {
		// lost a race with a concurrent writer for the same fingerprint
		result.Duplicate = true
		return result
	}
	result.RecordID = record.ID
	return result
}

// mirrorOne makes the first mirror attempt and records its outcome
func (w *Writer) mirrorOne(ctx context.Context, record *domain.IngestRecord) bool {
	if w.mirror == nil {
		return false
	}

	// bookkeeping must land even if the caller has gone away
	bookCtx := context.WithoutCancel(ctx)

	doc, err := record.MirrorDocument()
	if err == nil {
		mirrorCtx, cancel := context.WithTimeout(ctx, w.opts.MirrorTimeout)
		err = w.mirror.Upsert(mirrorCtx, doc)
		cancel()
	}

	now := w.now()
	if err != nil {
		log.Printf("[Writer] Mirror failed for record %s (%s/%s): %v", record.ID, record.DeviceID, record.Channel, err)
		next := now.Add(w.opts.Backoff.Delay(1))
		if markErr := w.repo.MarkMirrorFailed(bookCtx, record.ID, "", domain.MirrorFailed, 1, err.Error(), &next); markErr != nil {
			log.Printf("[Writer] Failed to record mirror failure for %s: %v", record.ID, markErr)
		}
		return false
	}

	if markErr := w.repo.MarkMirrored(bookCtx, record.ID, now); markErr != nil {
		// the sweeper will re-upsert; the document ID makes that harmless
		log.Printf("[Writer] Failed to record mirror success for %s: %v", record.ID, markErr)
	}
	return true
}
