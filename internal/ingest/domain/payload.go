package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	cadencedomain "harvest-backend/internal/cadence/domain"
)

// ErrInvalidRecord wraps every validation failure of an incoming record
var ErrInvalidRecord = errors.New("invalid record")

// fingerprintBodyRunes bounds the body text that feeds a content fingerprint
const fingerprintBodyRunes = 256

// Payload is the typed body of one record; the channel is its discriminator
type Payload interface {
	Channel() string
	Validate() error
	// FingerprintFields is the normalized subset hashed when a record has no external ID
	FingerprintFields() []string
	// Projection is the subset mirrored to the live store
	Projection() map[string]interface{}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

// normalizeText collapses whitespace and truncates to the fingerprint window
func normalizeText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > fingerprintBodyRunes {
		s = string([]rune(s)[:fingerprintBodyRunes])
	}
	return s
}

func unixString(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

type NotificationPayload struct {
	App      string    `json:"app"`
	Title    string    `json:"title"`
	Text     string    `json:"text"`
	PostedAt time.Time `json:"posted_at"`
}

func (p *NotificationPayload) Channel() string { return cadencedomain.ChannelNotifications }

func (p *NotificationPayload) Validate() error {
	if p.App == "" {
		return invalid("notification app is required")
	}
	if p.PostedAt.IsZero() {
		return invalid("notification posted_at is required")
	}
	return nil
}

func (p *NotificationPayload) FingerprintFields() []string {
	return []string{p.App, unixString(p.PostedAt), normalizeText(p.Title + " " + p.Text)}
}

func (p *NotificationPayload) Projection() map[string]interface{} {
	return map[string]interface{}{"app": p.App, "title": p.Title, "text": normalizeText(p.Text)}
}

type SMSPayload struct {
	Address   string    `json:"address"`
	Body      string    `json:"body"`
	Direction string    `json:"direction"` // "in" or "out"
	SentAt    time.Time `json:"sent_at"`
}

func (p *SMSPayload) Channel() string { return cadencedomain.ChannelSMS }

func (p *SMSPayload) Validate() error {
	if p.Address == "" {
		return invalid("sms address is required")
	}
	if p.Direction != "in" && p.Direction != "out" {
		return invalid("sms direction must be in or out")
	}
	if p.SentAt.IsZero() {
		return invalid("sms sent_at is required")
	}
	return nil
}

func (p *SMSPayload) FingerprintFields() []string {
	return []string{p.Address, p.Direction, unixString(p.SentAt), normalizeText(p.Body)}
}

func (p *SMSPayload) Projection() map[string]interface{} {
	return map[string]interface{}{"address": p.Address, "direction": p.Direction, "body": normalizeText(p.Body)}
}

type CallLogPayload struct {
	Number          string    `json:"number"`
	Direction       string    `json:"direction"` // "in", "out" or "missed"
	DurationSeconds int64     `json:"duration_seconds"`
	StartedAt       time.Time `json:"started_at"`
}

func (p *CallLogPayload) Channel() string { return cadencedomain.ChannelCallLog }

func (p *CallLogPayload) Validate() error {
	if p.Number == "" {
		return invalid("call number is required")
	}
	switch p.Direction {
	case "in", "out", "missed":
	default:
		return invalid("call direction must be in, out or missed")
	}
	if p.DurationSeconds < 0 {
		return invalid("call duration cannot be negative")
	}
	if p.StartedAt.IsZero() {
		return invalid("call started_at is required")
	}
	return nil
}

func (p *CallLogPayload) FingerprintFields() []string {
	return []string{p.Number, p.Direction, unixString(p.StartedAt), strconv.FormatInt(p.DurationSeconds, 10)}
}

func (p *CallLogPayload) Projection() map[string]interface{} {
	return map[string]interface{}{"number": p.Number, "direction": p.Direction, "duration_seconds": p.DurationSeconds}
}

type ContactPayload struct {
	DisplayName string   `json:"display_name"`
	Phones      []string `json:"phones"`
	Emails      []string `json:"emails"`
}

func (p *ContactPayload) Channel() string { return cadencedomain.ChannelContacts }

func (p *ContactPayload) Validate() error {
	if p.DisplayName == "" && len(p.Phones) == 0 && len(p.Emails) == 0 {
		return invalid("contact needs a name, phone or email")
	}
	return nil
}

func (p *ContactPayload) FingerprintFields() []string {
	// list lengths keep a phone from hashing the same as an email
	fields := []string{normalizeText(p.DisplayName), strconv.Itoa(len(p.Phones))}
	fields = append(fields, p.Phones...)
	fields = append(fields, strconv.Itoa(len(p.Emails)))
	return append(fields, p.Emails...)
}

func (p *ContactPayload) Projection() map[string]interface{} {
	return map[string]interface{}{"display_name": p.DisplayName, "phones": p.Phones, "emails": p.Emails}
}

type ChatPayload struct {
	App          string    `json:"app"`
	Conversation string    `json:"conversation"`
	Sender       string    `json:"sender"`
	Text         string    `json:"text"`
	SentAt       time.Time `json:"sent_at"`
}

func (p *ChatPayload) Channel() string { return cadencedomain.ChannelChat }

func (p *ChatPayload) Validate() error {
	if p.App == "" || p.Conversation == "" {
		return invalid("chat app and conversation are required")
	}
	if p.SentAt.IsZero() {
		return invalid("chat sent_at is required")
	}
	return nil
}

func (p *ChatPayload) FingerprintFields() []string {
	return []string{p.App, p.Conversation, p.Sender, unixString(p.SentAt), normalizeText(p.Text)}
}

func (p *ChatPayload) Projection() map[string]interface{} {
	return map[string]interface{}{"app": p.App, "conversation": p.Conversation, "sender": p.Sender, "text": normalizeText(p.Text)}
}

// MailPayload is one message harvested from the linked external mailbox
type MailPayload struct {
	From     string    `json:"from"`
	To       []string  `json:"to"`
	Subject  string    `json:"subject"`
	Snippet  string    `json:"snippet"`
	Body     string    `json:"body,omitempty"`
	ThreadID string    `json:"thread_id,omitempty"`
	Labels   []string  `json:"labels,omitempty"`
	Date     time.Time `json:"date"`
}

func (p *MailPayload) Channel() string { return cadencedomain.ChannelMailbox }

func (p *MailPayload) Validate() error {
	if p.Date.IsZero() {
		return invalid("mail date is required")
	}
	return nil
}

func (p *MailPayload) FingerprintFields() []string {
	return []string{p.From, unixString(p.Date), normalizeText(p.Subject + " " + p.Snippet)}
}

func (p *MailPayload) Projection() map[string]interface{} {
	return map[string]interface{}{"from": p.From, "subject": p.Subject, "snippet": p.Snippet}
}

// DecodePayload parses raw JSON into the variant selected by channel
func DecodePayload(channel string, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch channel {
	case cadencedomain.ChannelNotifications:
		p = &NotificationPayload{}
	case cadencedomain.ChannelSMS:
		p = &SMSPayload{}
	case cadencedomain.ChannelCallLog:
		p = &CallLogPayload{}
	case cadencedomain.ChannelContacts:
		p = &ContactPayload{}
	case cadencedomain.ChannelChat:
		p = &ChatPayload{}
	case cadencedomain.ChannelMailbox:
		p = &MailPayload{}
	default:
		return nil, invalid("unknown channel %q", channel)
	}

	if len(raw) == 0 {
		return nil, invalid("payload is required")
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, invalid("payload does not match channel %s: %v", channel, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
