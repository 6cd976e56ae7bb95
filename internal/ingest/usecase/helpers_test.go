package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	alertdomain "harvest-backend/internal/alert/domain"
	cadencedomain "harvest-backend/internal/cadence/domain"
	"harvest-backend/internal/ingest/domain"
	"harvest-backend/internal/ingest/repository"
	"harvest-backend/pkg/database"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var errMirrorDown = errors.New("mirror unavailable")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.NewSQLiteConnection(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.IngestRecord{}, &cadencedomain.ChannelCadence{}))
	return db
}

type fakeMirror struct {
	mu      sync.Mutex
	docs    map[string]*domain.MirrorDocument
	upserts int
	down    bool
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{docs: make(map[string]*domain.MirrorDocument)}
}

func (m *fakeMirror) Upsert(ctx context.Context, doc *domain.MirrorDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.down {
		return errMirrorDown
	}
	m.docs[doc.DocumentID()] = doc
	return nil
}

func (m *fakeMirror) setDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

func (m *fakeMirror) stats() (docs, upserts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs), m.upserts
}

type fakeAlerts struct {
	mu     sync.Mutex
	raised []alertdomain.Alert
}

func (f *fakeAlerts) Raise(ctx context.Context, a alertdomain.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised = append(f.raised, a)
}

func (f *fakeAlerts) kinds() []alertdomain.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []alertdomain.Kind
	for _, a := range f.raised {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}

// failingInserts rejects every primary insert
type failingInserts struct {
	repository.RecordRepository
}

func (failingInserts) InsertIfAbsent(ctx context.Context, record *domain.IngestRecord) (bool, error) {
	return false, errors.New("connection refused")
}

// listThenRun calls between once after the first candidate listing
type listThenRun struct {
	repository.RecordRepository
	once    sync.Once
	between func()
}

func (l *listThenRun) ListMirrorCandidates(ctx context.Context, now, createdBefore time.Time, limit int) ([]*domain.IngestRecord, error) {
	records, err := l.RecordRepository.ListMirrorCandidates(ctx, now, createdBefore, limit)
	l.once.Do(l.between)
	return records, err
}

func smsRecord(t *testing.T, deviceID, externalID, body string, sentAt time.Time) *domain.IngestRecord {
	t.Helper()
	rec, err := domain.NewIngestRecord(deviceID, externalID, &domain.SMSPayload{
		Address:   "+15550100",
		Body:      body,
		Direction: "in",
		SentAt:    sentAt,
	}, sentAt, sentAt)
	require.NoError(t, err)
	return rec
}
