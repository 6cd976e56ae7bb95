package usecase

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	alertdomain "harvest-backend/internal/alert/domain"
	cadencedomain "harvest-backend/internal/cadence/domain"
	cadencerepo "harvest-backend/internal/cadence/repository"
	cadenceusecase "harvest-backend/internal/cadence/usecase"
	ingestdomain "harvest-backend/internal/ingest/domain"
	ingestrepo "harvest-backend/internal/ingest/repository"
	ingestusecase "harvest-backend/internal/ingest/usecase"
	"harvest-backend/internal/mailbox/domain"
	"harvest-backend/internal/mailbox/repository"
	"harvest-backend/pkg/database"
	"harvest-backend/pkg/utils/crypto"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
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

// fakeProvider stands in for the OAuth endpoints
type fakeProvider struct {
	clock *testClock

	refreshCalls atomic.Int32
	// when set, Refresh signals entered and blocks until release is closed
	entered chan struct{}
	release chan struct{}

	mu           sync.Mutex
	refreshErr   error
	rotateTo     string
	exchangeTok  *domain.Token
	profileEmail string
	watched      []string
}

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://accounts.example.com/consent?state=" + state
}

func (p *fakeProvider) Exchange(ctx context.Context, code string) (*domain.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exchangeTok == nil {
		return nil, errors.New("bad code")
	}
	tok := *p.exchangeTok
	return &tok, nil
}

func (p *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*domain.Token, error) {
	n := p.refreshCalls.Add(1)
	if p.entered != nil {
		p.entered <- struct{}{}
		<-p.release
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	return &domain.Token{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: p.rotateTo,
		Expiry:       p.clock.Now().Add(time.Hour),
	}, nil
}

func (p *fakeProvider) ProfileEmail(ctx context.Context, accessToken string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profileEmail, nil
}

func (p *fakeProvider) Watch(ctx context.Context, accessToken, topicName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watched = append(p.watched, topicName)
	return nil
}

type fixture struct {
	clock    *testClock
	accounts repository.AccountRepository
	records  ingestrepo.RecordRepository
	registry *cadenceusecase.Registry
	writer   *ingestusecase.Writer
	sealer   *crypto.Sealer
	provider *fakeProvider
	alerts   *fakeAlerts
	session  *SessionManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewSQLiteConnection(filepath.Join(t.TempDir(), "mailbox.db"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.MailboxAccount{}, &ingestdomain.IngestRecord{}, &cadencedomain.ChannelCadence{}))

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	sealer, err := crypto.NewSealer(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	accounts := repository.NewAccountRepository(db)
	records := ingestrepo.NewRecordRepository(db)

	registry := cadenceusecase.NewRegistry(cadencerepo.NewCadenceRepository(db))
	registry.SetClock(clock.Now)

	writer := ingestusecase.NewWriter(records, ingestusecase.NewDeduplicator(records), nil, ingestusecase.WriterOptions{})
	writer.SetClock(clock.Now)

	provider := &fakeProvider{clock: clock, profileEmail: "owner@example.com"}
	alerts := &fakeAlerts{}
	session := NewSessionManager(accounts, provider, sealer, alerts, SessionOptions{RefreshMargin: 5 * time.Minute})
	session.SetClock(clock.Now)

	return &fixture{
		clock:    clock,
		accounts: accounts,
		records:  records,
		registry: registry,
		writer:   writer,
		sealer:   sealer,
		provider: provider,
		alerts:   alerts,
		session:  session,
	}
}

// seedAccount links an account whose access token expires after ttl
func (f *fixture) seedAccount(t *testing.T, deviceID string, ttl time.Duration) *domain.MailboxAccount {
	t.Helper()
	sealed, err := f.sealer.Seal("refresh-" + deviceID)
	require.NoError(t, err)
	expiry := f.clock.Now().Add(ttl)
	acc, err := f.accounts.Link(context.Background(), &domain.MailboxAccount{
		DeviceID:             deviceID,
		AccountEmail:         deviceID + "@example.com",
		AccessToken:          "seeded-" + deviceID,
		AccessTokenExpiresAt: &expiry,
		RefreshTokenSealed:   sealed,
		Status:               domain.StatusActive,
	})
	require.NoError(t, err)
	return acc
}

func (f *fixture) reload(t *testing.T, id string) *domain.MailboxAccount {
	t.Helper()
	acc, err := f.accounts.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, acc)
	return acc
}
