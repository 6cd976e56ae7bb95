package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	alertdomain "harvest-backend/internal/alert/domain"
	"harvest-backend/internal/mailbox/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_FreshTokenIsReused(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "dev-1", time.Hour)

	token, err := f.session.GetValidAccessToken(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "seeded-dev-1", token)
	assert.Zero(t, f.provider.refreshCalls.Load())
}

func TestSession_RefreshesInsideMargin(t *testing.T) {
	f := newFixture(t)
	f.provider.rotateTo = "rotated-refresh"
	acc := f.seedAccount(t, "dev-1", 4*time.Minute)

	token, err := f.session.GetValidAccessToken(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)

	stored := f.reload(t, acc.ID)
	assert.Equal(t, "access-1", stored.AccessToken)
	assert.True(t, stored.AccessTokenExpiresAt.Equal(f.clock.Now().Add(time.Hour)))

	refresh, err := f.sealer.Open(stored.RefreshTokenSealed)
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh", refresh, "rotated refresh token replaces the stored one")

	// the new token is reused until it nears expiry
	token, err = f.session.GetValidAccessToken(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, int32(1), f.provider.refreshCalls.Load())
}

func TestSession_ConcurrentCallersShareOneRefresh(t *testing.T) {
	f := newFixture(t)
	f.provider.entered = make(chan struct{}, 1)
	f.provider.release = make(chan struct{})
	acc := f.seedAccount(t, "dev-1", -time.Minute)

	const callers = 50
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = f.session.GetValidAccessToken(context.Background(), acc.ID)
		}(i)
	}

	<-f.provider.entered
	time.Sleep(50 * time.Millisecond)
	close(f.provider.release)
	wg.Wait()

	assert.Equal(t, int32(1), f.provider.refreshCalls.Load(), "exactly one token exchange")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-1", tokens[i])
	}
}

func TestSession_CanceledCallerDoesNotAbortRefresh(t *testing.T) {
	f := newFixture(t)
	f.provider.entered = make(chan struct{}, 1)
	f.provider.release = make(chan struct{})
	acc := f.seedAccount(t, "dev-1", -time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.session.GetValidAccessToken(ctx, acc.ID)
		firstErr <- err
	}()
	<-f.provider.entered

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	secondTok := make(chan string, 1)
	go func() {
		tok, err := f.session.GetValidAccessToken(context.Background(), acc.ID)
		assert.NoError(t, err)
		secondTok <- tok
	}()

	close(f.provider.release)
	assert.Equal(t, "access-1", <-secondTok)
	assert.Equal(t, int32(1), f.provider.refreshCalls.Load())
	assert.Equal(t, "access-1", f.reload(t, acc.ID).AccessToken)
}

func TestSession_RejectedRefreshRequiresReauth(t *testing.T) {
	f := newFixture(t)
	f.provider.refreshErr = fmt.Errorf("%w: invalid_grant", domain.ErrRefreshRejected)
	acc := f.seedAccount(t, "dev-1", -time.Minute)

	_, err := f.session.GetValidAccessToken(context.Background(), acc.ID)
	assert.ErrorIs(t, err, domain.ErrReauthRequired)

	stored := f.reload(t, acc.ID)
	assert.Equal(t, domain.StatusNeedsReauth, stored.Status)
	assert.Empty(t, stored.AccessToken)
	assert.Contains(t, stored.LastError, "invalid_grant")
	assert.Equal(t, []alertdomain.Kind{alertdomain.KindMailboxNeedsReauth}, f.alerts.kinds())

	// later callers fail fast without contacting the provider
	_, err = f.session.GetValidAccessToken(context.Background(), acc.ID)
	assert.ErrorIs(t, err, domain.ErrReauthRequired)
	assert.Equal(t, int32(1), f.provider.refreshCalls.Load())
}

func TestSession_TransientRefreshErrorKeepsAccountActive(t *testing.T) {
	f := newFixture(t)
	f.provider.refreshErr = errors.New("connection reset")
	acc := f.seedAccount(t, "dev-1", -time.Minute)

	_, err := f.session.GetValidAccessToken(context.Background(), acc.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrReauthRequired)

	stored := f.reload(t, acc.ID)
	assert.Equal(t, domain.StatusActive, stored.Status)
	assert.Equal(t, "connection reset", stored.LastError)
	assert.Empty(t, stored.AccessToken, "expired token is scrubbed")
	assert.Empty(t, f.alerts.kinds())
}

func TestSession_TransientRefreshErrorServesUnexpiredToken(t *testing.T) {
	f := newFixture(t)
	f.provider.refreshErr = errors.New("connection reset")
	acc := f.seedAccount(t, "dev-1", 2*time.Minute)

	token, err := f.session.GetValidAccessToken(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "seeded-dev-1", token)
	assert.Equal(t, int32(1), f.provider.refreshCalls.Load())

	stored := f.reload(t, acc.ID)
	assert.Equal(t, domain.StatusActive, stored.Status)
	assert.Equal(t, "connection reset", stored.LastError)
	assert.Equal(t, "seeded-dev-1", stored.AccessToken)

	// once it expires the failure surfaces
	f.clock.Advance(3 * time.Minute)
	_, err = f.session.GetValidAccessToken(context.Background(), acc.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrReauthRequired)
}

func TestSession_UnknownAndDisabledAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.session.GetValidAccessToken(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	acc := f.seedAccount(t, "dev-1", time.Hour)
	require.NoError(t, f.session.Disable(ctx, "dev-1"))
	_, err = f.session.GetValidAccessToken(ctx, acc.ID)
	assert.ErrorIs(t, err, domain.ErrAccountDisabled)

	assert.ErrorIs(t, f.session.Disable(ctx, "dev-2"), domain.ErrAccountNotFound)
}

func TestSession_LinkAccount(t *testing.T) {
	f := newFixture(t)
	f.session.opts.PushTopic = "projects/p/topics/gmail"
	ctx := context.Background()
	f.provider.exchangeTok = &domain.Token{AccessToken: "linked", RefreshToken: "refresh-1", Expiry: f.clock.Now().Add(time.Hour)}

	acc, err := f.session.LinkAccount(ctx, "dev-1", "code")
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", acc.AccountEmail)
	assert.Equal(t, domain.StatusActive, acc.Status)
	assert.Equal(t, []string{"projects/p/topics/gmail"}, f.provider.watched)

	require.NoError(t, f.accounts.SaveCursor(ctx, acc.ID, "page-4", nil))
	require.NoError(t, f.accounts.SetStatus(ctx, acc.ID, domain.StatusNeedsReauth, "invalid_grant"))

	// consent already granted: the provider omits the refresh token
	f.provider.exchangeTok = &domain.Token{AccessToken: "relinked", Expiry: f.clock.Now().Add(time.Hour)}
	relinked, err := f.session.LinkAccount(ctx, "dev-1", "code-2")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, relinked.ID)
	assert.Equal(t, domain.StatusActive, relinked.Status)
	require.NotNil(t, relinked.BackfillCursor)
	assert.Equal(t, "page-4", *relinked.BackfillCursor)

	refresh, err := f.sealer.Open(relinked.RefreshTokenSealed)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", refresh)

	token, err := f.session.GetValidAccessToken(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "relinked", token)
}

func TestSession_LinkWithoutRefreshTokenFails(t *testing.T) {
	f := newFixture(t)
	f.provider.exchangeTok = &domain.Token{AccessToken: "linked", Expiry: f.clock.Now().Add(time.Hour)}

	_, err := f.session.LinkAccount(context.Background(), "dev-1", "code")
	require.Error(t, err)

	_, err = f.session.AccountStatus(context.Background(), "dev-1")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestSession_AuthorizationURLCarriesDevice(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "https://accounts.example.com/consent?state=dev-7", f.session.AuthorizationURL("dev-7"))
}
