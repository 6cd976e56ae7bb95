package dto

import (
	"time"

	"harvest-backend/internal/mailbox/domain"
)

type LinkMailboxRequest struct {
	Code string `json:"code" binding:"required"`
}

type AuthorizationURLResponse struct {
	DeviceID string `json:"device_id"`
	URL      string `json:"url"`
}

type MailboxStatusResponse struct {
	AccountID           string               `json:"account_id"`
	DeviceID            string               `json:"device_id"`
	AccountEmail        string               `json:"account_email"`
	Status              domain.AccountStatus `json:"status"`
	NeedsReauth         bool                 `json:"needs_reauth"`
	BackfillState       string               `json:"backfill_state"`
	BackfillStartedAt   *time.Time           `json:"backfill_started_at,omitempty"`
	BackfillCompletedAt *time.Time           `json:"backfill_completed_at,omitempty"`
	LastError           string               `json:"last_error,omitempty"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

func NewMailboxStatusResponse(acc *domain.MailboxAccount) MailboxStatusResponse {
	return MailboxStatusResponse{
		AccountID:           acc.ID,
		DeviceID:            acc.DeviceID,
		AccountEmail:        acc.AccountEmail,
		Status:              acc.Status,
		NeedsReauth:         acc.Status == domain.StatusNeedsReauth,
		BackfillState:       acc.BackfillState(),
		BackfillStartedAt:   acc.BackfillStartedAt,
		BackfillCompletedAt: acc.BackfillCompletedAt,
		LastError:           acc.LastError,
		UpdatedAt:           acc.UpdatedAt,
	}
}
