package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	alertdomain "harvest-backend/internal/alert/domain"
	cadencedomain "harvest-backend/internal/cadence/domain"
	ingestdomain "harvest-backend/internal/ingest/domain"
	ingestusecase "harvest-backend/internal/ingest/usecase"
	"harvest-backend/internal/mailbox/domain"
	"harvest-backend/internal/mailbox/repository"
	"harvest-backend/pkg/backoff"
)

// MailboxAPI lists messages of the external mailbox
type MailboxAPI interface {
	ListMessages(ctx context.Context, accessToken string, req domain.ListRequest) (*domain.MessagePage, error)
}

// RecordWriter commits records to the primary store; satisfied by the ingest writer
type RecordWriter interface {
	WriteAll(ctx context.Context, records []*ingestdomain.IngestRecord) []ingestusecase.WriteResult
}

// CadenceTracker is the part of the cadence registry the mailbox harvester uses
type CadenceTracker interface {
	Lookup(ctx context.Context, deviceID, channel string) (*cadencedomain.ChannelCadence, error)
	IsDue(ctx context.Context, deviceID, channel string) (bool, error)
	MarkHarvested(ctx context.Context, deviceID, channel string, at time.Time) error
}

type BackfillOptions struct {
	PageSize int64
	// ThrottleCeiling is how many consecutive throttled attempts of one page are tolerated
	ThrottleCeiling int
	Backoff         backoff.Exponential
	// IncrementalLookback bounds the first incremental fetch when no harvest was ever recorded
	IncrementalLookback time.Duration
}

// BackfillCoordinator walks a mailbox's history page by page, persisting the
// provider cursor only after each page is durably written.
type BackfillCoordinator struct {
	accounts repository.AccountRepository
	session  *SessionManager
	api      MailboxAPI
	writer   RecordWriter
	cadence  CadenceTracker
	alerts   AlertRaiser
	opts     BackfillOptions
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewBackfillCoordinator(accounts repository.AccountRepository, session *SessionManager, api MailboxAPI, writer RecordWriter, cadence CadenceTracker, alerts AlertRaiser, opts BackfillOptions) *BackfillCoordinator {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.ThrottleCeiling <= 0 {
		opts.ThrottleCeiling = 6
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = backoff.Exponential{Base: time.Second, Max: time.Minute}
	}
	if opts.IncrementalLookback <= 0 {
		opts.IncrementalLookback = 24 * time.Hour
	}
	return &BackfillCoordinator{
		accounts: accounts,
		session:  session,
		api:      api,
		writer:   writer,
		cadence:  cadence,
		alerts:   alerts,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetClock overrides the time source
func (b *BackfillCoordinator) SetClock(now func() time.Time) {
	b.now = now
}

// SetSleep overrides how throttle delays are waited out
func (b *BackfillCoordinator) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	b.sleep = sleep
}

// Sync runs the backfill until it completes, then incremental fetches
func (b *BackfillCoordinator) Sync(ctx context.Context, accountID string) error {
	acc, err := b.session.loadUsable(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.BackfillState() == domain.BackfillComplete {
		return b.RunIncremental(ctx, accountID)
	}
	return b.RunBackfill(ctx, accountID)
}

// RunBackfill resumes the historical backfill from the stored cursor. On any
// failure the cursor stays at the last fully committed page.
func (b *BackfillCoordinator) RunBackfill(ctx context.Context, accountID string) error {
	acc, err := b.session.loadUsable(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.BackfillState() == domain.BackfillComplete {
		return nil
	}

	// Mail that arrives while backfill spans several runs sits behind the
	// first run's start, so that is the watermark handed to the cadence.
	start := b.now()
	if acc.BackfillStartedAt != nil {
		start = *acc.BackfillStartedAt
	} else if err := b.accounts.StartBackfill(ctx, acc.ID, start); err != nil {
		return fmt.Errorf("record backfill start: %w", err)
	}
	pageToken := ""
	if acc.BackfillCursor != nil {
		pageToken = *acc.BackfillCursor
	}
	log.Printf("[Backfill] Starting backfill for account %s (resume=%t)", acc.ID, pageToken != "")

	pages := 0
	for {
		if err := ctx.Err(); err != nil {
			log.Printf("[Backfill] Account %s canceled after %d pages", acc.ID, pages)
			return err
		}

		page, err := b.fetchPage(ctx, acc, domain.ListRequest{PageToken: pageToken, PageSize: b.opts.PageSize})
		if err != nil {
			return err
		}

		if err := b.persist(ctx, acc, page.Messages); err != nil {
			return err
		}
		pages++

		if page.NextPageToken == "" {
			completedAt := b.now()
			if err := b.accounts.SaveCursor(ctx, acc.ID, domain.BackfillCursorComplete, &completedAt); err != nil {
				return fmt.Errorf("save backfill completion: %w", err)
			}
			if err := b.cadence.MarkHarvested(ctx, acc.DeviceID, cadencedomain.ChannelMailbox, start); err != nil {
				return fmt.Errorf("mark mailbox harvested: %w", err)
			}
			log.Printf("[Backfill] Account %s backfill complete (%d pages this run)", acc.ID, pages)
			return nil
		}

		if err := b.accounts.SaveCursor(ctx, acc.ID, page.NextPageToken, nil); err != nil {
			return fmt.Errorf("save backfill cursor: %w", err)
		}
		pageToken = page.NextPageToken
	}
}

// RunIncremental fetches messages newer than the last mailbox harvest
func (b *BackfillCoordinator) RunIncremental(ctx context.Context, accountID string) error {
	acc, err := b.session.loadUsable(ctx, accountID)
	if err != nil {
		return err
	}

	cadence, err := b.cadence.Lookup(ctx, acc.DeviceID, cadencedomain.ChannelMailbox)
	if err != nil {
		return err
	}

	start := b.now()
	since := start.Add(-b.opts.IncrementalLookback)
	switch {
	case cadence.LastHarvestAt != nil:
		since = *cadence.LastHarvestAt
	case acc.BackfillStartedAt != nil:
		since = *acc.BackfillStartedAt
	case acc.BackfillCompletedAt != nil:
		since = *acc.BackfillCompletedAt
	}
	query := fmt.Sprintf("after:%d", since.Unix())

	pageToken := ""
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := b.fetchPage(ctx, acc, domain.ListRequest{PageToken: pageToken, Query: query, PageSize: b.opts.PageSize})
		if err != nil {
			return err
		}
		if err := b.persist(ctx, acc, page.Messages); err != nil {
			return err
		}
		total += len(page.Messages)

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if err := b.cadence.MarkHarvested(ctx, acc.DeviceID, cadencedomain.ChannelMailbox, start); err != nil {
		return fmt.Errorf("mark mailbox harvested: %w", err)
	}
	if total > 0 {
		log.Printf("[Backfill] Account %s incremental fetch stored %d messages", acc.ID, total)
	}
	return nil
}

// fetchPage lists one page, waiting out throttling and retrying once with a
// fresh token when the access token is refused
func (b *BackfillCoordinator) fetchPage(ctx context.Context, acc *domain.MailboxAccount, req domain.ListRequest) (*domain.MessagePage, error) {
	throttles := 0
	reauthed := false
	for {
		token, err := b.session.GetValidAccessToken(ctx, acc.ID)
		if err != nil {
			return nil, err
		}

		page, err := b.api.ListMessages(ctx, token, req)
		if err == nil {
			return page, nil
		}

		var throttle *domain.ThrottleError
		switch {
		case errors.As(err, &throttle):
			throttles++
			if throttles >= b.opts.ThrottleCeiling {
				b.recordError(ctx, acc, err)
				if b.alerts != nil {
					b.alerts.Raise(ctx, alertdomain.Alert{
						Kind:      alertdomain.KindMailboxThrottled,
						DeviceID:  acc.DeviceID,
						Channel:   cadencedomain.ChannelMailbox,
						AccountID: acc.ID,
						Detail:    fmt.Sprintf("page throttled %d times in a row", throttles),
					})
				}
				return nil, fmt.Errorf("list messages: %w", err)
			}
			delay := throttle.RetryAfter
			if delay <= 0 {
				delay = b.opts.Backoff.Delay(throttles)
			}
			log.Printf("[Backfill] Account %s throttled, retrying page in %s (%d/%d)", acc.ID, delay, throttles, b.opts.ThrottleCeiling)
			if err := b.sleep(ctx, delay); err != nil {
				return nil, err
			}

		case errors.Is(err, domain.ErrUnauthorized) && !reauthed:
			reauthed = true
			if err := b.session.Invalidate(ctx, acc.ID); err != nil {
				return nil, fmt.Errorf("invalidate access token: %w", err)
			}

		default:
			b.recordError(ctx, acc, err)
			return nil, fmt.Errorf("list messages: %w", err)
		}
	}
}

// persist writes a page to the primary store. Mirror outcomes don't matter
// here; the sweeper owns them.
func (b *BackfillCoordinator) persist(ctx context.Context, acc *domain.MailboxAccount, messages []domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	receivedAt := b.now()
	records := make([]*ingestdomain.IngestRecord, 0, len(messages))
	for _, msg := range messages {
		if msg.Payload == nil {
			continue
		}
		if msg.Payload.Date.IsZero() {
			msg.Payload.Date = msg.InternalDate
		}
		if err := msg.Payload.Validate(); err != nil {
			log.Printf("[Backfill] Skipping message %s of account %s: %v", msg.ID, acc.ID, err)
			continue
		}
		rec, err := ingestdomain.NewIngestRecord(acc.DeviceID, msg.ID, msg.Payload, msg.Payload.Date, receivedAt)
		if err != nil {
			return fmt.Errorf("build record for message %s: %w", msg.ID, err)
		}
		records = append(records, rec)
	}

	for _, res := range b.writer.WriteAll(ctx, records) {
		if res.Err != nil || !res.PrimaryOK {
			err := res.Err
			if err == nil {
				err = errors.New("primary store did not confirm the write")
			}
			b.recordError(ctx, acc, err)
			return fmt.Errorf("commit page: %w", err)
		}
	}
	return nil
}

func (b *BackfillCoordinator) recordError(ctx context.Context, acc *domain.MailboxAccount, err error) {
	if setErr := b.accounts.SetLastError(context.WithoutCancel(ctx), acc.ID, err.Error()); setErr != nil {
		log.Printf("[Backfill] Failed to record error for account %s: %v", acc.ID, setErr)
	}
}
