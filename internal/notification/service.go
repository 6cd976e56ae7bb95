package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"harvest-backend/internal/mailbox/domain"

	"cloud.google.com/go/pubsub"
)

// GmailNotification is the payload Gmail publishes when a watched mailbox changes
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// AccountFinder resolves the linked account a notification belongs to
type AccountFinder interface {
	GetByEmail(ctx context.Context, email string) (*domain.MailboxAccount, error)
}

// SyncTrigger schedules an out-of-cadence sync of one account
type SyncTrigger interface {
	Trigger(accountID string) bool
}

// Service listens for mailbox change notifications and turns them into syncs
type Service struct {
	pubsubClient *pubsub.Client
	accounts     AccountFinder
	trigger      SyncTrigger
	topicName    string
	subName      string

	mu sync.Mutex
	// Deduplication: track last historyId per account to avoid duplicate syncs
	lastHistoryID map[string]uint64
}

func NewService(client *pubsub.Client, topicName string, accounts AccountFinder, trigger SyncTrigger) *Service {
	return &Service{
		pubsubClient:  client,
		accounts:      accounts,
		trigger:       trigger,
		topicName:     topicName,
		subName:       topicName + "-sub", // Convention: topic-sub
		lastHistoryID: make(map[string]uint64),
	}
}

// Start blocks receiving messages until ctx is canceled
func (s *Service) Start(ctx context.Context) error {
	log.Printf("[PubSub] Starting notification service with topic: %s, subscription: %s", s.topicName, s.subName)

	sub, err := s.ensureSubscription(ctx)
	if err != nil {
		return err
	}

	log.Printf("[PubSub] Listening for messages on subscription: %s", s.subName)
	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		s.handleMessage(ctx, msg.Data)
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive notifications: %w", err)
	}
	return nil
}

func (s *Service) ensureSubscription(ctx context.Context) (*pubsub.Subscription, error) {
	sub := s.pubsubClient.Subscription(s.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription: %w", err)
	}
	if exists {
		return sub, nil
	}

	topic := s.pubsubClient.Topic(s.topicName)
	topicExists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic: %w", err)
	}
	if !topicExists {
		return nil, fmt.Errorf("topic %s does not exist, cannot create subscription", s.topicName)
	}

	sub, err = s.pubsubClient.CreateSubscription(ctx, s.subName, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	log.Printf("[PubSub] Created subscription: %s", s.subName)
	return sub, nil
}

// handleMessage always lets the caller ack; a missed notification is caught
// up by the next cadence-driven poll
func (s *Service) handleMessage(ctx context.Context, data []byte) bool {
	var notification GmailNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		log.Printf("[PubSub] Failed to unmarshal notification: %v", err)
		return false
	}

	account, err := s.accounts.GetByEmail(ctx, notification.EmailAddress)
	if err != nil {
		log.Printf("[PubSub] Error finding account by email %s: %v", notification.EmailAddress, err)
		return false
	}
	if account == nil {
		log.Printf("[PubSub] No linked account for email: %s", notification.EmailAddress)
		return false
	}
	if account.Status != domain.StatusActive {
		return false
	}

	if !s.advance(account.ID, notification.HistoryID) {
		log.Printf("[PubSub] Skipping duplicate notification for account %s (historyId %d)", account.ID, notification.HistoryID)
		return false
	}

	triggered := s.trigger.Trigger(account.ID)
	log.Printf("[PubSub] Notification for account %s (historyId %d), sync triggered: %v", account.ID, notification.HistoryID, triggered)
	return triggered
}

// advance records historyID and reports whether it is newer than the last one seen
func (s *Service) advance(accountID string, historyID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, exists := s.lastHistoryID[accountID]
	if exists && historyID <= last {
		return false
	}
	s.lastHistoryID[accountID] = historyID
	return true
}
