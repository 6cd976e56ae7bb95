package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	alertdomain "harvest-backend/internal/alert/domain"
	"harvest-backend/internal/mailbox/domain"
	"harvest-backend/internal/mailbox/repository"

	"golang.org/x/sync/singleflight"
)

// DefaultRefreshMargin is how long before expiry an access token is replaced
const DefaultRefreshMargin = 5 * time.Minute

// OAuthProvider is the mailbox provider's authorization surface
type OAuthProvider interface {
	// AuthCodeURL is the consent page the owner visits; state comes back with the code
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*domain.Token, error)
	// Refresh returns an error wrapping domain.ErrRefreshRejected when the
	// provider refuses the refresh token itself
	Refresh(ctx context.Context, refreshToken string) (*domain.Token, error)
	ProfileEmail(ctx context.Context, accessToken string) (string, error)
	Watch(ctx context.Context, accessToken, topicName string) error
}

// TokenSealer protects refresh tokens at rest
type TokenSealer interface {
	Seal(plaintext string) ([]byte, error)
	Open(sealed []byte) (string, error)
}

// AlertRaiser escalates conditions that need an operator
type AlertRaiser interface {
	Raise(ctx context.Context, a alertdomain.Alert)
}

type SessionOptions struct {
	RefreshMargin time.Duration
	// PushTopic is the Pub/Sub topic mailbox changes are published to; empty disables watch
	PushTopic string
}

// SessionManager hands out valid access tokens, refreshing at most once per
// account at a time no matter how many callers ask.
type SessionManager struct {
	repo     repository.AccountRepository
	provider OAuthProvider
	sealer   TokenSealer
	alerts   AlertRaiser
	opts     SessionOptions
	flights  singleflight.Group
	now      func() time.Time
}

func NewSessionManager(repo repository.AccountRepository, provider OAuthProvider, sealer TokenSealer, alerts AlertRaiser, opts SessionOptions) *SessionManager {
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	return &SessionManager{
		repo:     repo,
		provider: provider,
		sealer:   sealer,
		alerts:   alerts,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source
func (m *SessionManager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *SessionManager) fresh(acc *domain.MailboxAccount) bool {
	if acc.AccessToken == "" || acc.AccessTokenExpiresAt == nil {
		return false
	}
	return acc.AccessTokenExpiresAt.Sub(m.now()) > m.opts.RefreshMargin
}

func (m *SessionManager) loadUsable(ctx context.Context, accountID string) (*domain.MailboxAccount, error) {
	acc, err := m.repo.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load mailbox account: %w", err)
	}
	if acc == nil {
		return nil, domain.ErrAccountNotFound
	}
	switch acc.Status {
	case domain.StatusDisabled:
		return nil, domain.ErrAccountDisabled
	case domain.StatusNeedsReauth:
		return nil, domain.ErrReauthRequired
	}
	return acc, nil
}

// GetValidAccessToken returns a token that stays valid for at least the refresh margin
func (m *SessionManager) GetValidAccessToken(ctx context.Context, accountID string) (string, error) {
	acc, err := m.loadUsable(ctx, accountID)
	if err != nil {
		return "", err
	}
	if m.fresh(acc) {
		return acc.AccessToken, nil
	}

	// the refresh outlives any single caller so a cancellation cannot strand the others
	flightCtx := context.WithoutCancel(ctx)
	ch := m.flights.DoChan(accountID, func() (interface{}, error) {
		return m.refresh(flightCtx, accountID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *SessionManager) refresh(ctx context.Context, accountID string) (string, error) {
	// a flight that finished just before this one started may already have refreshed
	acc, err := m.loadUsable(ctx, accountID)
	if err != nil {
		return "", err
	}
	if m.fresh(acc) {
		return acc.AccessToken, nil
	}

	if acc.AccessToken != "" && acc.AccessTokenExpiresAt != nil && !m.now().Before(*acc.AccessTokenExpiresAt) {
		if err := m.repo.ClearAccessToken(ctx, acc.ID); err != nil {
			log.Printf("[Session] Failed to scrub expired token for account %s: %v", acc.ID, err)
		}
	}

	refreshToken, err := m.sealer.Open(acc.RefreshTokenSealed)
	if err != nil {
		return "", m.requireReauth(ctx, acc, fmt.Sprintf("stored refresh token unreadable: %v", err))
	}

	tok, err := m.provider.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrRefreshRejected) {
			return "", m.requireReauth(ctx, acc, err.Error())
		}
		if setErr := m.repo.SetLastError(ctx, acc.ID, err.Error()); setErr != nil {
			log.Printf("[Session] Failed to record refresh error for account %s: %v", acc.ID, setErr)
		}
		// inside the margin but not yet expired: keep serving the current token
		if acc.AccessToken != "" && acc.AccessTokenExpiresAt != nil && m.now().Before(*acc.AccessTokenExpiresAt) {
			log.Printf("[Session] Refresh failed for account %s, using current token until %s: %v",
				acc.ID, acc.AccessTokenExpiresAt.Format(time.RFC3339), err)
			return acc.AccessToken, nil
		}
		return "", fmt.Errorf("refresh access token: %w", err)
	}

	var sealed []byte
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		sealed, err = m.sealer.Seal(tok.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("seal rotated refresh token: %w", err)
		}
	}

	expiry := tok.Expiry.UTC()
	if err := m.repo.UpdateTokens(ctx, acc.ID, tok.AccessToken, &expiry, sealed); err != nil {
		return "", fmt.Errorf("store refreshed token: %w", err)
	}
	log.Printf("[Session] Refreshed access token for account %s (expires %s)", acc.ID, expiry.Format(time.RFC3339))
	return tok.AccessToken, nil
}

func (m *SessionManager) requireReauth(ctx context.Context, acc *domain.MailboxAccount, reason string) error {
	log.Printf("[Session] Account %s needs re-authorization: %s", acc.ID, reason)
	if err := m.repo.SetStatus(ctx, acc.ID, domain.StatusNeedsReauth, reason); err != nil {
		log.Printf("[Session] Failed to mark account %s: %v", acc.ID, err)
	}
	if err := m.repo.ClearAccessToken(ctx, acc.ID); err != nil {
		log.Printf("[Session] Failed to clear access token for account %s: %v", acc.ID, err)
	}
	if m.alerts != nil {
		m.alerts.Raise(ctx, alertdomain.Alert{
			Kind:      alertdomain.KindMailboxNeedsReauth,
			DeviceID:  acc.DeviceID,
			AccountID: acc.ID,
			Detail:    "mailbox refresh token was rejected; the owner must re-authorize",
		})
	}
	return domain.ErrReauthRequired
}

// Invalidate drops the cached access token so the next caller refreshes
func (m *SessionManager) Invalidate(ctx context.Context, accountID string) error {
	return m.repo.ClearAccessToken(ctx, accountID)
}

// AuthorizationURL starts the authorization-code flow for a device's mailbox.
// The device id is carried as state so the code can be linked to it.
func (m *SessionManager) AuthorizationURL(deviceID string) string {
	return m.provider.AuthCodeURL(deviceID)
}

// LinkAccount completes the authorization-code flow for a device's mailbox
func (m *SessionManager) LinkAccount(ctx context.Context, deviceID, code string) (*domain.MailboxAccount, error) {
	tok, err := m.provider.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	existing, err := m.repo.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("load mailbox account: %w", err)
	}

	var sealed []byte
	switch {
	case tok.RefreshToken != "":
		sealed, err = m.sealer.Seal(tok.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("seal refresh token: %w", err)
		}
	case existing != nil && len(existing.RefreshTokenSealed) > 0:
		// providers omit the refresh token when consent was already granted
		sealed = existing.RefreshTokenSealed
	default:
		return nil, errors.New("provider returned no refresh token; offline access is required")
	}

	email, err := m.provider.ProfileEmail(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("load mailbox profile: %w", err)
	}

	expiry := tok.Expiry.UTC()
	account, err := m.repo.Link(ctx, &domain.MailboxAccount{
		DeviceID:             deviceID,
		AccountEmail:         email,
		AccessToken:          tok.AccessToken,
		AccessTokenExpiresAt: &expiry,
		RefreshTokenSealed:   sealed,
		Status:               domain.StatusActive,
	})
	if err != nil {
		return nil, fmt.Errorf("save mailbox account: %w", err)
	}
	log.Printf("[Session] Linked mailbox %s for device %s", email, deviceID)

	if m.opts.PushTopic != "" {
		if err := m.provider.Watch(ctx, tok.AccessToken, m.opts.PushTopic); err != nil {
			// polling still covers the account
			log.Printf("[Session] Failed to start push watch for %s: %v", email, err)
		}
	}
	return account, nil
}

// Disable stops all harvesting for the device's mailbox
func (m *SessionManager) Disable(ctx context.Context, deviceID string) error {
	acc, err := m.repo.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("load mailbox account: %w", err)
	}
	if acc == nil {
		return domain.ErrAccountNotFound
	}
	if err := m.repo.SetStatus(ctx, acc.ID, domain.StatusDisabled, ""); err != nil {
		return fmt.Errorf("disable mailbox account: %w", err)
	}
	return m.repo.ClearAccessToken(ctx, acc.ID)
}

// AccountStatus returns the device's mailbox account for the admin UI
func (m *SessionManager) AccountStatus(ctx context.Context, deviceID string) (*domain.MailboxAccount, error) {
	acc, err := m.repo.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("load mailbox account: %w", err)
	}
	if acc == nil {
		return nil, domain.ErrAccountNotFound
	}
	return acc, nil
}
