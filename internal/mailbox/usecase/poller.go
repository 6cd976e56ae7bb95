package usecase

import (
	"context"
	"errors"
	"log"
	"runtime/debug"
	"sync"
	"time"

	cadencedomain "harvest-backend/internal/cadence/domain"
	"harvest-backend/internal/mailbox/domain"
	"harvest-backend/internal/mailbox/repository"

	"golang.org/x/sync/semaphore"
)

// Syncer harvests one account; satisfied by *BackfillCoordinator
type Syncer interface {
	Sync(ctx context.Context, accountID string) error
}

// Poller schedules mailbox harvests on a bounded pool, one task per account at a time
type Poller struct {
	accounts repository.AccountRepository
	cadence  CadenceTracker
	syncer   Syncer
	interval time.Duration
	slots    *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]bool

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	stopOnce sync.Once
	loop     sync.WaitGroup
	tasks    sync.WaitGroup
}

func NewPoller(accounts repository.AccountRepository, cadence CadenceTracker, syncer Syncer, interval time.Duration, workers int) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		accounts: accounts,
		cadence:  cadence,
		syncer:   syncer,
		interval: interval,
		slots:    semaphore.NewWeighted(int64(workers)),
		inflight: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
	}
}

// Start begins the polling loop
func (p *Poller) Start() {
	log.Printf("[Poller] Starting mailbox poller (interval: %s)", p.interval)

	p.loop.Add(1)
	go func() {
		defer p.loop.Done()

		// Run immediately on start
		p.PollOnce()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.PollOnce()
			case <-p.stopChan:
				log.Println("[Poller] Poller stopped")
				return
			}
		}
	}()
}

// Stop cancels running tasks and waits for them to return
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		// under mu so no dispatch can add a task once Wait has begun
		p.mu.Lock()
		p.cancel()
		p.mu.Unlock()
	})
	p.loop.Wait()
	p.tasks.Wait()
}

// Wait blocks until every dispatched task has finished
func (p *Poller) Wait() {
	p.tasks.Wait()
}

// PollOnce dispatches every active account that has backfill left or whose mailbox channel is due
func (p *Poller) PollOnce() {
	accounts, err := p.accounts.ListActive(p.ctx)
	if err != nil {
		log.Printf("[Poller] Error listing active accounts: %v", err)
		return
	}

	for _, acc := range accounts {
		if acc.BackfillState() == domain.BackfillComplete {
			due, err := p.cadence.IsDue(p.ctx, acc.DeviceID, cadencedomain.ChannelMailbox)
			if err != nil {
				log.Printf("[Poller] Cadence check failed for account %s: %v", acc.ID, err)
				continue
			}
			if !due {
				continue
			}
		}
		p.dispatch(acc.ID)
	}
}

// Trigger schedules an immediate harvest, e.g. after a push notification.
// It reports false when a task for the account is already running.
func (p *Poller) Trigger(accountID string) bool {
	return p.dispatch(accountID)
}

func (p *Poller) dispatch(accountID string) bool {
	p.mu.Lock()
	if p.inflight[accountID] || p.ctx.Err() != nil {
		p.mu.Unlock()
		return false
	}
	p.inflight[accountID] = true
	p.tasks.Add(1)
	p.mu.Unlock()

	go p.run(accountID)
	return true
}

func (p *Poller) run(accountID string) {
	defer p.tasks.Done()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, accountID)
		p.mu.Unlock()
	}()

	if err := p.slots.Acquire(p.ctx, 1); err != nil {
		return
	}
	defer p.slots.Release(1)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Poller] Panic while syncing account %s: %v\n%s", accountID, r, debug.Stack())
		}
	}()

	err := p.syncer.Sync(p.ctx, accountID)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
	case errors.Is(err, domain.ErrReauthRequired), errors.Is(err, domain.ErrAccountDisabled):
		log.Printf("[Poller] Account %s skipped: %v", accountID, err)
	default:
		log.Printf("[Poller] Sync failed for account %s: %v", accountID, err)
	}
}
