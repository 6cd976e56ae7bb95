package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	cadencedomain "harvest-backend/internal/cadence/domain"
	"harvest-backend/internal/mailbox/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	mu      sync.Mutex
	calls   map[string]int
	running int
	peak    int
	block   chan struct{}
	panicOn string
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{calls: make(map[string]int)}
}

func (s *fakeSyncer) Sync(ctx context.Context, accountID string) error {
	s.mu.Lock()
	s.calls[accountID]++
	s.running++
	if s.running > s.peak {
		s.peak = s.running
	}
	block := s.block
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
	}()

	if accountID == s.panicOn {
		panic("boom")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *fakeSyncer) count(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[accountID]
}

func TestPoller_DispatchesBackfillAndDueAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	backfilling := f.seedAccount(t, "dev-1", time.Hour)
	due := f.seedAccount(t, "dev-2", time.Hour)
	notDue := f.seedAccount(t, "dev-3", time.Hour)
	disabled := f.seedAccount(t, "dev-4", time.Hour)

	done := f.clock.Now()
	for _, acc := range []*domain.MailboxAccount{due, notDue} {
		require.NoError(t, f.accounts.SaveCursor(ctx, acc.ID, domain.BackfillCursorComplete, &done))
	}
	require.NoError(t, f.registry.MarkHarvested(ctx, "dev-2", cadencedomain.ChannelMailbox, f.clock.Now().Add(-2*time.Hour)))
	require.NoError(t, f.registry.MarkHarvested(ctx, "dev-3", cadencedomain.ChannelMailbox, f.clock.Now()))
	require.NoError(t, f.accounts.SetStatus(ctx, disabled.ID, domain.StatusDisabled, ""))

	syncer := newFakeSyncer()
	poller := NewPoller(f.accounts, f.registry, syncer, time.Hour, 2)
	defer poller.Stop()

	poller.PollOnce()
	poller.Wait()

	assert.Equal(t, 1, syncer.count(backfilling.ID))
	assert.Equal(t, 1, syncer.count(due.ID))
	assert.Zero(t, syncer.count(notDue.ID))
	assert.Zero(t, syncer.count(disabled.ID))
}

func TestPoller_OneTaskPerAccountAndBoundedPool(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for _, dev := range []string{"dev-1", "dev-2", "dev-3", "dev-4", "dev-5"} {
		ids = append(ids, f.seedAccount(t, dev, time.Hour).ID)
	}

	syncer := newFakeSyncer()
	syncer.block = make(chan struct{})
	poller := NewPoller(f.accounts, f.registry, syncer, time.Hour, 2)
	defer poller.Stop()

	poller.PollOnce()
	assert.Eventually(t, func() bool {
		syncer.mu.Lock()
		defer syncer.mu.Unlock()
		return syncer.running == 2
	}, time.Second, 5*time.Millisecond)

	assert.False(t, poller.Trigger(ids[0]), "account already has a task")

	close(syncer.block)
	poller.Wait()

	assert.Equal(t, 2, syncer.peak)
	for _, id := range ids {
		assert.Equal(t, 1, syncer.count(id))
	}
	assert.True(t, poller.Trigger(ids[0]))
	poller.Wait()
	assert.Equal(t, 2, syncer.count(ids[0]))
}

func TestPoller_RecoversFromPanics(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "dev-1", time.Hour)

	syncer := newFakeSyncer()
	syncer.panicOn = acc.ID
	poller := NewPoller(f.accounts, f.registry, syncer, time.Hour, 1)
	defer poller.Stop()

	require.True(t, poller.Trigger(acc.ID))
	poller.Wait()

	syncer.mu.Lock()
	syncer.panicOn = ""
	syncer.mu.Unlock()

	require.True(t, poller.Trigger(acc.ID), "a panicking task releases its slot")
	poller.Wait()
	assert.Equal(t, 2, syncer.count(acc.ID))
}

func TestPoller_StopCancelsRunningTasks(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "dev-1", time.Hour)

	syncer := newFakeSyncer()
	syncer.block = make(chan struct{})
	poller := NewPoller(f.accounts, f.registry, syncer, 10*time.Millisecond, 1)
	poller.Start()

	assert.Eventually(t, func() bool { return syncer.count(acc.ID) == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		poller.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, poller.Trigger(acc.ID), "no dispatch after stop")
}
