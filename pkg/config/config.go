package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port               string
	DatabaseURL        string
	JWTSecret          string
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string

	// Pub/Sub and Firebase
	GoogleProjectID     string
	GooglePubSubTopic   string
	GoogleCredentials   string
	FirebaseCredentials string
	FirestoreCollection string
	AlertPubSubTopic    string

	// Base64 encoded 32-byte key used to seal refresh tokens at rest
	TokenEncryptionKey string

	// Reconciliation sweeper
	SweepInterval     time.Duration
	MirrorGracePeriod time.Duration
	MirrorMaxAttempts int
	MirrorBackoffBase time.Duration
	MirrorBackoffMax  time.Duration
	MirrorTimeout     time.Duration

	// Mailbox harvesting
	TokenRefreshMargin     time.Duration
	MailboxPollInterval    time.Duration
	MailboxWorkers         int
	GmailPageSize          int
	GmailRequestsPerSecond float64
	ThrottleCeiling        int

	// Ingestion gateway
	IngestWorkers int
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DatabaseURL:         getEnv("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=harvest port=5432 sslmode=disable"),
		JWTSecret:           getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		GoogleClientID:      getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret:  getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURI:   getEnv("GOOGLE_REDIRECT_URI", "http://localhost:8080/api/oauth/google/callback"),
		GoogleProjectID:     getEnv("GOOGLE_PROJECT_ID", ""),
		GooglePubSubTopic:   getEnv("GOOGLE_PUBSUB_TOPIC", ""),
		GoogleCredentials:   getEnv("GOOGLE_CREDENTIALS", ""),
		FirebaseCredentials: getEnv("FIREBASE_CREDENTIALS", ""),
		FirestoreCollection: getEnv("FIRESTORE_COLLECTION", "live_records"),
		AlertPubSubTopic:    getEnv("ALERT_PUBSUB_TOPIC", ""),
		TokenEncryptionKey:  getEnv("TOKEN_ENCRYPTION_KEY", ""),

		SweepInterval:     getDuration("SWEEP_INTERVAL", 30*time.Second),
		MirrorGracePeriod: getDuration("MIRROR_GRACE_PERIOD", time.Minute),
		MirrorMaxAttempts: getInt("MIRROR_MAX_ATTEMPTS", 8),
		MirrorBackoffBase: getDuration("MIRROR_BACKOFF_BASE", 30*time.Second),
		MirrorBackoffMax:  getDuration("MIRROR_BACKOFF_MAX", 30*time.Minute),
		MirrorTimeout:     getDuration("MIRROR_TIMEOUT", 3*time.Second),

		TokenRefreshMargin:     getDuration("TOKEN_REFRESH_MARGIN", 5*time.Minute),
		MailboxPollInterval:    getDuration("MAILBOX_POLL_INTERVAL", time.Minute),
		MailboxWorkers:         getInt("MAILBOX_WORKERS", 4),
		GmailPageSize:          getInt("GMAIL_PAGE_SIZE", 50),
		GmailRequestsPerSecond: getFloat("GMAIL_REQUESTS_PER_SECOND", 10),
		ThrottleCeiling:        getInt("THROTTLE_CEILING", 6),

		IngestWorkers: getInt("INGEST_WORKERS", 16),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}
