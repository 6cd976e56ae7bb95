package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	alertdomain "harvest-backend/internal/alert/domain"
	alertrepo "harvest-backend/internal/alert/repository"
	"harvest-backend/pkg/fcm"

	"cloud.google.com/go/pubsub"
)

// DefaultSuppressWindow bounds how often the same condition is re-announced
const DefaultSuppressWindow = 15 * time.Minute

// Pusher delivers push notifications; satisfied by *fcm.Client
type Pusher interface {
	SendToDevices(ctx context.Context, tokens []string, notification fcm.NotificationData) ([]string, error)
}

// Publisher fans alerts out to other consumers
type Publisher interface {
	Publish(ctx context.Context, data []byte) error
}

// Service escalates operational failures to operators
type Service struct {
	tokens    alertrepo.OperatorTokenRepository
	pusher    Pusher
	publisher Publisher
	window    time.Duration
	now       func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewService builds an alert service. pusher and publisher are optional.
func NewService(tokens alertrepo.OperatorTokenRepository, pusher Pusher, publisher Publisher) *Service {
	return &Service{
		tokens:    tokens,
		pusher:    pusher,
		publisher: publisher,
		window:    DefaultSuppressWindow,
		now:       time.Now,
		lastSent:  make(map[string]time.Time),
	}
}

func (s *Service) SetSuppressWindow(d time.Duration) {
	s.window = d
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Raise records the alert and notifies operators. Delivery failures are
// logged; raising never fails the caller.
func (s *Service) Raise(ctx context.Context, a alertdomain.Alert) {
	if a.RaisedAt.IsZero() {
		a.RaisedAt = s.now().UTC()
	}
	log.Printf("[Alert] %s device=%s channel=%s account=%s record=%s: %s",
		a.Kind, a.DeviceID, a.Channel, a.AccountID, a.RecordID, a.Detail)

	if !s.admit(a) {
		return
	}

	if s.pusher != nil && s.tokens != nil {
		s.push(ctx, a)
	}

	if s.publisher != nil {
		data, err := json.Marshal(a)
		if err != nil {
			log.Printf("[Alert] Failed to encode alert: %v", err)
			return
		}
		if err := s.publisher.Publish(ctx, data); err != nil {
			log.Printf("[Alert] Failed to publish alert: %v", err)
		}
	}
}

// admit reports whether the alert's key is outside the suppression window
func (s *Service) admit(a alertdomain.Alert) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := a.Key()
	if last, ok := s.lastSent[key]; ok && a.RaisedAt.Sub(last) < s.window {
		return false
	}
	s.lastSent[key] = a.RaisedAt
	return true
}

func (s *Service) push(ctx context.Context, a alertdomain.Alert) {
	tokens, err := s.tokens.ListTokens(ctx)
	if err != nil {
		log.Printf("[Alert] Error getting operator tokens: %v", err)
		return
	}
	if len(tokens) == 0 {
		return
	}

	tokenStrings := make([]string, 0, len(tokens))
	for _, t := range tokens {
		tokenStrings = append(tokenStrings, t.Token)
	}

	failedTokens, err := s.pusher.SendToDevices(ctx, tokenStrings, fcm.NotificationData{
		Title: title(a.Kind),
		Body:  a.Detail,
		Data: map[string]string{
			"type":       "operational_alert",
			"kind":       string(a.Kind),
			"device_id":  a.DeviceID,
			"channel":    a.Channel,
			"account_id": a.AccountID,
			"record_id":  a.RecordID,
		},
	})
	if err != nil {
		log.Printf("[Alert] Error sending push: %v", err)
		return
	}

	// Cleanup failed tokens
	for _, token := range failedTokens {
		if err := s.tokens.DeleteToken(ctx, token); err != nil {
			log.Printf("[Alert] Failed to delete stale token: %v", err)
		}
	}
}

func title(kind alertdomain.Kind) string {
	switch kind {
	case alertdomain.KindMirrorFailedTerminal:
		return "Mirror gave up on a record"
	case alertdomain.KindMailboxNeedsReauth:
		return "Mailbox needs re-authorization"
	case alertdomain.KindMailboxThrottled:
		return "Mailbox backfill throttled"
	case alertdomain.KindPrimaryStoreFailure:
		return "Primary store write failed"
	default:
		return "Harvest alert"
	}
}

// PubSubPublisher publishes alerts to a Pub/Sub topic
type PubSubPublisher struct {
	topic *pubsub.Topic
}

func NewPubSubPublisher(client *pubsub.Client, topicName string) *PubSubPublisher {
	return &PubSubPublisher{topic: client.Topic(topicName)}
}

func (p *PubSubPublisher) Publish(ctx context.Context, data []byte) error {
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"type": "operational_alert"},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish: %w", err)
	}
	return nil
}

func (p *PubSubPublisher) Stop() {
	p.topic.Stop()
}
