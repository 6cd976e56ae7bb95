package gmail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	ingestdomain "harvest-backend/internal/ingest/domain"
	"harvest-backend/internal/mailbox/domain"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"
)

// maxBodyBytes caps the stored text body of one message
const maxBodyBytes = 16 * 1024

// convertRawMessage parses a message fetched with format=raw
func convertRawMessage(msg *gmail.Message) (*domain.Message, error) {
	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return nil, err
	}

	payload, err := parseMIME(raw)
	if err != nil {
		return nil, err
	}
	payload.ThreadID = msg.ThreadId
	payload.Labels = msg.LabelIds
	payload.Snippet = msg.Snippet

	internal := time.UnixMilli(msg.InternalDate).UTC()
	if payload.Date.IsZero() {
		payload.Date = internal
	}

	return &domain.Message{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		InternalDate: internal,
		Payload:      payload,
	}, nil
}

// decodeRaw accepts base64url with or without padding
func decodeRaw(raw string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(raw); err == nil {
		return data, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw message: %w", err)
	}
	return data, nil
}

// parseMIME extracts headers and the first readable text part
func parseMIME(raw []byte) (*ingestdomain.MailPayload, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	payload := &ingestdomain.MailPayload{}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		payload.From = from[0].Address
	}
	if to, err := mr.Header.AddressList("To"); err == nil {
		for _, addr := range to {
			payload.To = append(payload.To, addr.Address)
		}
	}
	if subject, err := mr.Header.Subject(); err == nil {
		payload.Subject = subject
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		payload.Date = date.UTC()
	}

	var plain, html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			// Keep the headers when the body is malformed
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType != "text/plain" && contentType != "text/html" {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(part.Body, maxBodyBytes))
		if err != nil {
			continue
		}
		if contentType == "text/plain" && plain == "" {
			plain = string(body)
		} else if contentType == "text/html" && html == "" {
			html = string(body)
		}
	}

	payload.Body = strings.TrimSpace(plain)
	if payload.Body == "" {
		payload.Body = strings.TrimSpace(html)
	}
	return payload, nil
}
