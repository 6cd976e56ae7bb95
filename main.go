package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	api "harvest-backend/cmd/api"
	alertDelivery "harvest-backend/internal/alert/delivery"
	alertdomain "harvest-backend/internal/alert/domain"
	alertRepo "harvest-backend/internal/alert/repository"
	alertUsecase "harvest-backend/internal/alert/usecase"
	authUsecase "harvest-backend/internal/auth/usecase"
	cadenceDelivery "harvest-backend/internal/cadence/delivery"
	cadencedomain "harvest-backend/internal/cadence/domain"
	cadenceRepo "harvest-backend/internal/cadence/repository"
	cadenceUsecase "harvest-backend/internal/cadence/usecase"
	ingestDelivery "harvest-backend/internal/ingest/delivery"
	ingestdomain "harvest-backend/internal/ingest/domain"
	ingestRepo "harvest-backend/internal/ingest/repository"
	ingestUsecase "harvest-backend/internal/ingest/usecase"
	mailboxDelivery "harvest-backend/internal/mailbox/delivery"
	mailboxdomain "harvest-backend/internal/mailbox/domain"
	mailboxRepo "harvest-backend/internal/mailbox/repository"
	mailboxUsecase "harvest-backend/internal/mailbox/usecase"
	"harvest-backend/internal/notification"
	"harvest-backend/pkg/backoff"
	"harvest-backend/pkg/config"
	"harvest-backend/pkg/database"
	"harvest-backend/pkg/fcm"
	"harvest-backend/pkg/gmail"
	"harvest-backend/pkg/livestore"
	"harvest-backend/pkg/utils/crypto"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

func main() {
	// Load configuration
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.Open(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Auto-migrate database schemas
	if err := db.AutoMigrate(&cadencedomain.ChannelCadence{}, &ingestdomain.IngestRecord{}, &mailboxdomain.MailboxAccount{}, &alertdomain.OperatorToken{}); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	// Initialize repositories (dependency injection)
	cadenceRepository := cadenceRepo.NewCadenceRepository(db)
	recordRepository := ingestRepo.NewRecordRepository(db)
	accountRepository := mailboxRepo.NewAccountRepository(db)
	operatorTokenRepository := alertRepo.NewOperatorTokenRepository(db)

	// Firebase backs both the live store mirror and operator push alerts.
	// Both are optional: without a mirror, records stay pending until one is configured.
	var mirror ingestUsecase.MirrorStore
	var pusher alertUsecase.Pusher
	if cfg.FirebaseCredentials != "" || cfg.GoogleProjectID != "" {
		app, err := fcm.NewApp(ctx, cfg.FirebaseCredentials, cfg.GoogleProjectID)
		if err != nil {
			log.Printf("[WARN] Failed to initialize Firebase (mirror and push alerts disabled): %v", err)
		} else {
			store, err := livestore.NewFirestoreMirror(ctx, app, cfg.FirestoreCollection)
			if err != nil {
				log.Printf("[WARN] Failed to initialize Firestore mirror: %v", err)
			} else {
				defer store.Close()
				mirror = store
				log.Printf("[DEBUG] Firestore mirror initialized (collection: %s)", cfg.FirestoreCollection)
			}

			fcmClient, err := fcm.NewClient(ctx, app)
			if err != nil {
				log.Printf("[WARN] Failed to initialize FCM client (push alerts disabled): %v", err)
			} else {
				pusher = fcmClient
			}
		}
	} else {
		log.Printf("[WARN] No Firebase credentials configured, mirror and push alerts disabled")
	}

	// Pub/Sub carries both the alert stream and mailbox change notifications
	var pubsubClient *pubsub.Client
	if cfg.GoogleProjectID != "" {
		var opts []option.ClientOption
		if cfg.GoogleCredentials != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.GoogleCredentials))
		}
		pubsubClient, err = pubsub.NewClient(ctx, cfg.GoogleProjectID, opts...)
		if err != nil {
			log.Printf("[ERROR] Failed to create pubsub client: %v", err)
			pubsubClient = nil
		} else {
			defer pubsubClient.Close()
		}
	} else {
		log.Printf("[WARN] GoogleProjectID not configured, Pub/Sub disabled")
	}

	var publisher alertUsecase.Publisher
	if pubsubClient != nil && cfg.AlertPubSubTopic != "" {
		alertPublisher := alertUsecase.NewPubSubPublisher(pubsubClient, shortTopicName(cfg.AlertPubSubTopic))
		defer alertPublisher.Stop()
		publisher = alertPublisher
	}
	alerts := alertUsecase.NewService(operatorTokenRepository, pusher, publisher)

	// Initialize use cases (dependency injection)
	registry := cadenceUsecase.NewRegistry(cadenceRepository)

	mirrorBackoff := backoff.Exponential{Base: cfg.MirrorBackoffBase, Max: cfg.MirrorBackoffMax}
	writer := ingestUsecase.NewWriter(recordRepository, ingestUsecase.NewDeduplicator(recordRepository), mirror, ingestUsecase.WriterOptions{
		MirrorTimeout: cfg.MirrorTimeout,
		Backoff:       mirrorBackoff,
	})
	sweeper := ingestUsecase.NewSweeper(recordRepository, mirror, alerts, ingestUsecase.SweeperOptions{
		Interval:      cfg.SweepInterval,
		GracePeriod:   cfg.MirrorGracePeriod,
		MaxAttempts:   cfg.MirrorMaxAttempts,
		MirrorTimeout: cfg.MirrorTimeout,
		Backoff:       mirrorBackoff,
	})
	gateway := ingestUsecase.NewGateway(registry, writer, alerts, cfg.IngestWorkers)

	sealer, err := crypto.NewSealer(cfg.TokenEncryptionKey)
	if err != nil {
		log.Fatal("Failed to initialize token sealer:", err)
	}

	gmailClient := gmail.NewClient(gmail.Config{
		ClientID:          cfg.GoogleClientID,
		ClientSecret:      cfg.GoogleClientSecret,
		RedirectURI:       cfg.GoogleRedirectURI,
		RequestsPerSecond: cfg.GmailRequestsPerSecond,
	})

	pushTopic := ""
	if pubsubClient != nil {
		pushTopic = cfg.GooglePubSubTopic
	}
	session := mailboxUsecase.NewSessionManager(accountRepository, gmailClient, sealer, alerts, mailboxUsecase.SessionOptions{
		RefreshMargin: cfg.TokenRefreshMargin,
		PushTopic:     pushTopic,
	})
	backfill := mailboxUsecase.NewBackfillCoordinator(accountRepository, session, gmailClient, writer, registry, alerts, mailboxUsecase.BackfillOptions{
		PageSize:        int64(cfg.GmailPageSize),
		ThrottleCeiling: cfg.ThrottleCeiling,
	})
	poller := mailboxUsecase.NewPoller(accountRepository, registry, backfill, cfg.MailboxPollInterval, cfg.MailboxWorkers)

	// Start background workers
	sweeper.Start()
	poller.Start()

	// Initialize Notification Service (Pub/Sub)
	if pubsubClient != nil && cfg.GooglePubSubTopic != "" {
		notifService := notification.NewService(pubsubClient, shortTopicName(cfg.GooglePubSubTopic), accountRepository, poller)
		go func() {
			if err := notifService.Start(ctx); err != nil {
				log.Printf("[ERROR] Notification service stopped: %v", err)
			}
		}()
	}

	// Initialize HTTP handler
	handler := api.NewHandler(
		authUsecase.NewAuthUsecase(cfg.JWTSecret),
		ingestDelivery.NewIngestHandler(gateway, sweeper),
		cadenceDelivery.NewCadenceHandler(registry),
		mailboxDelivery.NewMailboxHandler(session, poller),
		alertDelivery.NewAlertHandler(operatorTokenRepository),
	)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server:", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] Server shutdown: %v", err)
	}
	poller.Stop()
	sweeper.Stop()
}

// shortTopicName extracts the short topic name from a full resource name
func shortTopicName(topic string) string {
	if parts := strings.Split(topic, "/"); len(parts) > 1 {
		return parts[len(parts)-1]
	}
	return topic
}
