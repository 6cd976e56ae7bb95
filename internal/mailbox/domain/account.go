package domain

import (
	"time"

	ingestdomain "harvest-backend/internal/ingest/domain"
)

type AccountStatus string

const (
	StatusActive      AccountStatus = "active"
	StatusNeedsReauth AccountStatus = "needs_reauth"
	StatusDisabled    AccountStatus = "disabled"
)

// BackfillCursorComplete marks a finished historical backfill
const BackfillCursorComplete = "__complete__"

// Backfill states reported to the admin UI
const (
	BackfillNotStarted = "not_started"
	BackfillInProgress = "in_progress"
	BackfillComplete   = "complete"
)

// MailboxAccount is a device owner's linked external mailbox
type MailboxAccount struct {
	ID                   string        `json:"id" gorm:"primaryKey"`
	DeviceID             string        `json:"device_id" gorm:"uniqueIndex;not null"`
	AccountEmail         string        `json:"account_email" gorm:"index"`
	AccessToken          string        `json:"-"`
	AccessTokenExpiresAt *time.Time    `json:"access_token_expires_at,omitempty"`
	RefreshTokenSealed   []byte        `json:"-"`
	BackfillCursor       *string       `json:"-"`
	// BackfillStartedAt is when the first backfill run began. It is the
	// harvest watermark once backfill completes, however many runs it took.
	BackfillStartedAt    *time.Time    `json:"backfill_started_at,omitempty"`
	BackfillCompletedAt  *time.Time    `json:"backfill_completed_at,omitempty"`
	Status               AccountStatus `json:"status" gorm:"not null;index"`
	LastError            string        `json:"last_error,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

func (MailboxAccount) TableName() string {
	return "mailbox_accounts"
}

// BackfillState summarizes the cursor
func (a *MailboxAccount) BackfillState() string {
	switch {
	case a.BackfillCursor == nil:
		return BackfillNotStarted
	case *a.BackfillCursor == BackfillCursorComplete:
		return BackfillComplete
	default:
		return BackfillInProgress
	}
}

// Token is an OAuth token pair as returned by the provider
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// ListRequest selects one page of messages
type ListRequest struct {
	PageToken string
	Query     string
	PageSize  int64
}

// Message is one fetched mailbox message
type Message struct {
	ID           string
	ThreadID     string
	InternalDate time.Time
	Payload      *ingestdomain.MailPayload
}

// MessagePage is one page of the provider's listing. An empty
// NextPageToken means the listing is exhausted.
type MessagePage struct {
	Messages      []Message
	NextPageToken string
}
