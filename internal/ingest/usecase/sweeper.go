package usecase

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	alertdomain "harvest-backend/internal/alert/domain"
	"harvest-backend/internal/ingest/domain"
	"harvest-backend/internal/ingest/repository"
	"harvest-backend/pkg/backoff"

	"github.com/google/uuid"
)

// AlertRaiser escalates conditions that need an operator
type AlertRaiser interface {
	Raise(ctx context.Context, a alertdomain.Alert)
}

type SweeperOptions struct {
	Interval      time.Duration
	GracePeriod   time.Duration
	LeaseDuration time.Duration
	MaxAttempts   int
	BatchSize     int
	MirrorTimeout time.Duration
	Backoff       backoff.Exponential
}

// SweepStats summarizes one pass
type SweepStats struct {
	Candidates int
	Claimed    int
	Mirrored   int
	Failed     int
	Terminal   int
}

// Sweeper retries mirror writes that the writer could not complete. Several
// instances may run at once; a conditional lease keeps each record with one of them.
type Sweeper struct {
	repo     repository.RecordRepository
	mirror   MirrorStore
	alerts   AlertRaiser
	opts     SweeperOptions
	owner    string
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSweeper(repo repository.RecordRepository, mirror MirrorStore, alerts AlertRaiser, opts SweeperOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.GracePeriod < 0 {
		opts.GracePeriod = 0
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = 3 * time.Second
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = opts.Interval + time.Duration(opts.BatchSize)*opts.MirrorTimeout
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = backoff.Exponential{Base: 30 * time.Second, Max: 30 * time.Minute}
	}
	return &Sweeper{
		repo:     repo,
		mirror:   mirror,
		alerts:   alerts,
		opts:     opts,
		owner:    "sweeper-" + uuid.New().String(),
		now:      func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
	}
}

// SetClock overrides the time source
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	if s.mirror == nil {
		log.Println("[Sweeper] Mirror store not configured, sweeper disabled")
		return
	}

	log.Printf("[Sweeper] Starting reconciliation sweeper %s (interval: %s)", s.owner, s.opts.Interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopChan:
				log.Println("[Sweeper] Sweeper stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the sweeper and waits for an in-flight pass
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	stats, err := s.RunOnce(ctx)
	if err != nil {
		log.Printf("[Sweeper] Sweep failed: %v", err)
		return
	}
	if stats.Claimed > 0 {
		log.Printf("[Sweeper] Sweep done: claimed=%d mirrored=%d failed=%d terminal=%d",
			stats.Claimed, stats.Mirrored, stats.Failed, stats.Terminal)
	}
}

// RunOnce claims one batch of due records and retries their mirror writes
func (s *Sweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	if s.mirror == nil {
		return stats, nil
	}

	now := s.now()
	candidates, err := s.repo.ListMirrorCandidates(ctx, now, now.Add(-s.opts.GracePeriod), s.opts.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list mirror candidates: %w", err)
	}
	stats.Candidates = len(candidates)

	for _, rec := range candidates {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		claimed, err := s.repo.ClaimLease(ctx, rec.ID, s.owner, rec.MirrorAttempts, now, now.Add(s.opts.LeaseDuration))
		if err != nil {
			return stats, fmt.Errorf("claim lease %s: %w", rec.ID, err)
		}
		if !claimed {
			continue
		}
		stats.Claimed++

		switch s.retry(ctx, rec) {
		case domain.MirrorMirrored:
			stats.Mirrored++
		case domain.MirrorFailedTerminal:
			stats.Terminal++
		default:
			stats.Failed++
		}
	}
	return stats, nil
}

func (s *Sweeper) retry(ctx context.Context, rec *domain.IngestRecord) domain.MirrorState {
	bookCtx := context.WithoutCancel(ctx)

	doc, err := rec.MirrorDocument()
	if err == nil {
		mirrorCtx, cancel := context.WithTimeout(ctx, s.opts.MirrorTimeout)
		err = s.mirror.Upsert(mirrorCtx, doc)
		cancel()
	}

	now := s.now()
	if err == nil {
		if markErr := s.repo.MarkMirrored(bookCtx, rec.ID, now); markErr != nil {
			log.Printf("[Sweeper] Failed to record mirror success for %s: %v", rec.ID, markErr)
		}
		return domain.MirrorMirrored
	}

	attempts := rec.MirrorAttempts + 1
	if attempts >= s.opts.MaxAttempts {
		if markErr := s.repo.MarkMirrorFailed(bookCtx, rec.ID, s.owner, domain.MirrorFailedTerminal, attempts, err.Error(), nil); markErr != nil {
			log.Printf("[Sweeper] Failed to record terminal failure for %s: %v", rec.ID, markErr)
		}
		if s.alerts != nil {
			s.alerts.Raise(bookCtx, alertdomain.Alert{
				Kind:     alertdomain.KindMirrorFailedTerminal,
				DeviceID: rec.DeviceID,
				Channel:  rec.Channel,
				RecordID: rec.ID,
				Detail:   fmt.Sprintf("mirror gave up after %d attempts: %v", attempts, err),
			})
		}
		return domain.MirrorFailedTerminal
	}

	next := now.Add(s.opts.Backoff.Delay(attempts))
	if markErr := s.repo.MarkMirrorFailed(bookCtx, rec.ID, s.owner, domain.MirrorFailed, attempts, err.Error(), &next); markErr != nil {
		log.Printf("[Sweeper] Failed to record mirror failure for %s: %v", rec.ID, markErr)
	}
	return domain.MirrorFailed
}

// RequeueTerminal returns a device's terminally failed records to the retry queue
func (s *Sweeper) RequeueTerminal(ctx context.Context, deviceID string) (int64, error) {
	n, err := s.repo.RequeueTerminal(ctx, deviceID)
	if err != nil {
		return 0, fmt.Errorf("requeue terminal records: %w", err)
	}
	if n > 0 {
		log.Printf("[Sweeper] Requeued %d terminal records for device %s", n, deviceID)
	}
	return n, nil
}

// MirrorHealth reports per-channel record counts by mirror state
func (s *Sweeper) MirrorHealth(ctx context.Context, deviceID string) ([]domain.MirrorHealth, error) {
	health, err := s.repo.MirrorHealth(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("mirror health: %w", err)
	}
	return health, nil
}
