package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	alertdomain "harvest-backend/internal/alert/domain"
	"harvest-backend/internal/ingest/domain"
	"harvest-backend/internal/ingest/repository"
	"harvest-backend/pkg/backoff"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSweeper(repo repository.RecordRepository, mirror MirrorStore, alerts AlertRaiser, clock *testClock, maxAttempts int) *Sweeper {
	s := NewSweeper(repo, mirror, alerts, SweeperOptions{
		Interval:      time.Second,
		GracePeriod:   time.Minute,
		LeaseDuration: 5 * time.Minute,
		MaxAttempts:   maxAttempts,
		BatchSize:     50,
		MirrorTimeout: time.Second,
		Backoff:       backoff.Exponential{Base: 30 * time.Second, Max: 10 * time.Minute},
	})
	s.SetClock(clock.Now)
	return s
}

func TestSweeper_ConvergesAfterMirrorRecovers(t *testing.T) {
	mirror := newFakeMirror()
	mirror.setDown(true)
	w, repo, clock := newTestWriter(t, mirror)
	ctx := context.Background()

	var ids []string
	for _, body := range []string{"a", "b", "c"} {
		res, err := w.Write(ctx, smsRecord(t, "dev-1", "", body, clock.Now()))
		require.NoError(t, err)
		require.True(t, res.PrimaryOK)
		require.False(t, res.MirrorOK)
		ids = append(ids, res.RecordID)
	}

	sweeper := newTestSweeper(repo, mirror, &fakeAlerts{}, clock, 8)

	// still inside the grace period and the first backoff
	stats, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)

	mirror.setDown(false)
	clock.Advance(2 * time.Minute)

	stats, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Claimed)
	assert.Equal(t, 3, stats.Mirrored)

	for _, id := range ids {
		rec, err := repo.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.MirrorMirrored, rec.MirrorState)
		assert.Empty(t, rec.LeaseOwner)
	}
	docs, _ := mirror.stats()
	assert.Equal(t, 3, docs)

	// nothing left to do
	clock.Advance(time.Hour)
	stats, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Candidates)
}

func TestSweeper_BacksOffThenGoesTerminal(t *testing.T) {
	w, repo, clock := newTestWriter(t, nil)
	ctx := context.Background()

	res, err := w.Write(ctx, smsRecord(t, "dev-1", "", "hello", clock.Now()))
	require.NoError(t, err)

	mirror := newFakeMirror()
	mirror.setDown(true)
	alerts := &fakeAlerts{}
	sweeper := newTestSweeper(repo, mirror, alerts, clock, 3)

	clock.Advance(2 * time.Minute)
	stats, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	rec, err := repo.GetByID(ctx, res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, domain.MirrorFailed, rec.MirrorState)
	assert.Equal(t, 1, rec.MirrorAttempts)
	require.NotNil(t, rec.MirrorNextAttemptAt)
	assert.True(t, rec.MirrorNextAttemptAt.Equal(clock.Now().Add(30*time.Second)))

	// before the backoff elapses the record is left alone
	clock.Advance(10 * time.Second)
	stats, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)

	clock.Advance(time.Minute)
	stats, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	rec, err = repo.GetByID(ctx, res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.MirrorAttempts)
	assert.True(t, rec.MirrorNextAttemptAt.Equal(clock.Now().Add(time.Minute)), "second retry waits twice as long")

	clock.Advance(time.Hour)
	stats, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Terminal)

	rec, err = repo.GetByID(ctx, res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, domain.MirrorFailedTerminal, rec.MirrorState)
	assert.Equal(t, []alertdomain.Kind{alertdomain.KindMirrorFailedTerminal}, alerts.kinds())

	// terminal records are never retried automatically
	clock.Advance(24 * time.Hour)
	stats, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Candidates)

	// operator requeue makes it eligible again
	mirror.setDown(false)
	n, err := sweeper.RequeueTerminal(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Mirrored)

	health, err := sweeper.MirrorHealth(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.MirrorHealth{{Channel: "sms", State: domain.MirrorMirrored, Count: 1}}, health)
}

func TestSweeper_ConcurrentInstancesClaimEachRecordOnce(t *testing.T) {
	w, repo, clock := newTestWriter(t, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := w.Write(ctx, smsRecord(t, "dev-1", "", string(rune('a'+i)), clock.Now()))
		require.NoError(t, err)
	}
	clock.Advance(2 * time.Minute)

	mirror := newFakeMirror()
	sweepers := []*Sweeper{
		newTestSweeper(repo, mirror, nil, clock, 8),
		newTestSweeper(repo, mirror, nil, clock, 8),
		newTestSweeper(repo, mirror, nil, clock, 8),
	}

	var wg sync.WaitGroup
	claimed := make([]int, len(sweepers))
	for i, s := range sweepers {
		wg.Add(1)
		go func(i int, s *Sweeper) {
			defer wg.Done()
			stats, err := s.RunOnce(ctx)
			assert.NoError(t, err)
			claimed[i] = stats.Claimed
		}(i, s)
	}
	wg.Wait()

	total := 0
	for _, n := range claimed {
		total += n
	}
	assert.Equal(t, 20, total)

	docs, upserts := mirror.stats()
	assert.Equal(t, 20, docs)
	assert.Equal(t, 20, upserts, "no record is mirrored by two instances")
}

func TestSweeper_StaleListingDoesNotRetryTwice(t *testing.T) {
	w, repo, clock := newTestWriter(t, nil)
	ctx := context.Background()

	var ids []string
	for _, body := range []string{"a", "b", "c"} {
		res, err := w.Write(ctx, smsRecord(t, "dev-1", "", body, clock.Now()))
		require.NoError(t, err)
		ids = append(ids, res.RecordID)
	}
	clock.Advance(2 * time.Minute)

	mirror := newFakeMirror()
	mirror.setDown(true)
	other := newTestSweeper(repo, mirror, nil, clock, 8)

	// the other instance runs a whole pass between this one's listing and its claims
	var otherStats SweepStats
	slow := &listThenRun{RecordRepository: repo, between: func() {
		var err error
		otherStats, err = other.RunOnce(ctx)
		require.NoError(t, err)
	}}
	stats, err := newTestSweeper(slow, mirror, nil, clock, 8).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, otherStats.Failed)
	assert.Equal(t, 3, stats.Candidates)
	assert.Zero(t, stats.Claimed)

	_, upserts := mirror.stats()
	assert.Equal(t, 3, upserts, "each record gets one attempt")
	for _, id := range ids {
		rec, err := repo.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.MirrorAttempts)
		require.NotNil(t, rec.MirrorNextAttemptAt)
		assert.True(t, rec.MirrorNextAttemptAt.Equal(clock.Now().Add(30*time.Second)))
	}
}

func TestSweeper_StartStop(t *testing.T) {
	w, repo, clock := newTestWriter(t, nil)
	_, err := w.Write(context.Background(), smsRecord(t, "dev-1", "", "hello", clock.Now()))
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	mirror := newFakeMirror()
	sweeper := NewSweeper(repo, mirror, nil, SweeperOptions{Interval: 10 * time.Millisecond, GracePeriod: time.Minute})
	sweeper.SetClock(clock.Now)
	sweeper.Start()

	assert.Eventually(t, func() bool {
		docs, _ := mirror.stats()
		return docs == 1
	}, 2*time.Second, 10*time.Millisecond)

	sweeper.Stop()
	sweeper.Stop()
}
