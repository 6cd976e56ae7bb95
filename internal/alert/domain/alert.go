package domain

import (
	"strings"
	"time"
)

// Kind names the operator-facing failure classes that are escalated
type Kind string

const (
	KindMirrorFailedTerminal Kind = "mirror_failed_terminal"
	KindMailboxNeedsReauth   Kind = "mailbox_needs_reauth"
	KindMailboxThrottled     Kind = "mailbox_throttled"
	KindPrimaryStoreFailure  Kind = "primary_store_failure"
)

type Alert struct {
	Kind      Kind      `json:"kind"`
	DeviceID  string    `json:"device_id,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	RecordID  string    `json:"record_id,omitempty"`
	Detail    string    `json:"detail"`
	RaisedAt  time.Time `json:"raised_at"`
}

// Key groups repeats of the same condition for suppression
func (a Alert) Key() string {
	return strings.Join([]string{string(a.Kind), a.DeviceID, a.Channel, a.AccountID}, "|")
}

// OperatorToken is an FCM registration of an operator device that receives alerts
type OperatorToken struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	OperatorID string    `json:"operator_id" gorm:"index;not null"`
	Token      string    `json:"-" gorm:"uniqueIndex;not null"` // Don't expose token in JSON
	DeviceInfo string    `json:"device_info"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (OperatorToken) TableName() string {
	return "operator_tokens"
}
