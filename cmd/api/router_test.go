package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	alertDelivery "harvest-backend/internal/alert/delivery"
	alertdomain "harvest-backend/internal/alert/domain"
	alertRepo "harvest-backend/internal/alert/repository"
	alertUsecase "harvest-backend/internal/alert/usecase"
	authdomain "harvest-backend/internal/auth/domain"
	authUsecase "harvest-backend/internal/auth/usecase"
	cadenceDelivery "harvest-backend/internal/cadence/delivery"
	cadencedomain "harvest-backend/internal/cadence/domain"
	cadenceRepo "harvest-backend/internal/cadence/repository"
	cadenceUsecase "harvest-backend/internal/cadence/usecase"
	ingestDelivery "harvest-backend/internal/ingest/delivery"
	ingestdomain "harvest-backend/internal/ingest/domain"
	ingestdto "harvest-backend/internal/ingest/dto"
	ingestRepo "harvest-backend/internal/ingest/repository"
	ingestUsecase "harvest-backend/internal/ingest/usecase"
	mailboxDelivery "harvest-backend/internal/mailbox/delivery"
	mailboxdomain "harvest-backend/internal/mailbox/domain"
	mailboxRepo "harvest-backend/internal/mailbox/repository"
	mailboxUsecase "harvest-backend/internal/mailbox/usecase"
	"harvest-backend/pkg/database"
	"harvest-backend/pkg/gmail"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router *gin.Engine
	auth   authUsecase.AuthUsecase
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.NewSQLiteConnection(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&cadencedomain.ChannelCadence{}, &ingestdomain.IngestRecord{}, &mailboxdomain.MailboxAccount{}, &alertdomain.OperatorToken{}))

	records := ingestRepo.NewRecordRepository(db)
	accounts := mailboxRepo.NewAccountRepository(db)
	tokens := alertRepo.NewOperatorTokenRepository(db)
	alerts := alertUsecase.NewService(tokens, nil, nil)
	registry := cadenceUsecase.NewRegistry(cadenceRepo.NewCadenceRepository(db))

	writer := ingestUsecase.NewWriter(records, ingestUsecase.NewDeduplicator(records), nil, ingestUsecase.WriterOptions{})
	sweeper := ingestUsecase.NewSweeper(records, nil, alerts, ingestUsecase.SweeperOptions{})
	gateway := ingestUsecase.NewGateway(registry, writer, alerts, 4)

	provider := gmail.NewClient(gmail.Config{ClientID: "client-1", RedirectURI: "https://ops.example.com/mailbox/callback"})
	session := mailboxUsecase.NewSessionManager(accounts, provider, nil, alerts, mailboxUsecase.SessionOptions{})
	poller := mailboxUsecase.NewPoller(accounts, registry, nil, time.Minute, 1)

	auth := authUsecase.NewAuthUsecase("test-secret")
	h := NewHandler(
		auth,
		ingestDelivery.NewIngestHandler(gateway, sweeper),
		cadenceDelivery.NewCadenceHandler(registry),
		mailboxDelivery.NewMailboxHandler(session, poller),
		alertDelivery.NewAlertHandler(tokens),
	)
	return &testServer{router: h.Router(), auth: auth}
}

func (s *testServer) do(t *testing.T, method, path, subject string, role authdomain.Role, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		token, err := s.auth.IssueToken(subject, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

const smsBatch = `{"items":[{"channel":"sms","external_id":"sms-1","payload":{"address":"+15550100","body":"ok","direction":"in","sent_at":"2026-01-02T03:04:05Z"}}]}`

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/health", "", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_DeviceBatchThenMirrorHealth(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/devices/batches", "dev-1", authdomain.RoleDevice, smsBatch)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ingestdto.BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	require.Len(t, resp.Outcomes, 1)
	assert.Equal(t, ingestdto.StatusAccepted, resp.Outcomes[0].Status)
	assert.False(t, resp.Outcomes[0].Mirrored, "no live store configured")

	w = s.do(t, http.MethodGet, "/api/admin/devices/dev-1/mirror", "ops-1", authdomain.RoleAdmin, "")
	require.Equal(t, http.StatusOK, w.Code)

	var health ingestdto.MirrorHealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, []ingestdomain.MirrorHealth{{Channel: "sms", State: ingestdomain.MirrorPending, Count: 1}}, health.Channels)
}

func TestRouter_RoleSeparation(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/devices/batches", "", "", smsBatch)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/devices/batches", "ops-1", authdomain.RoleAdmin, smsBatch)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/api/admin/devices/dev-1/cadences", "dev-1", authdomain.RoleDevice, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRouter_MailboxStatusUnknownDevice(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/admin/devices/dev-404/mailbox", "ops-1", authdomain.RoleAdmin, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_ListRecentRecords(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/devices/batches", "dev-1", authdomain.RoleDevice, smsBatch)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/admin/devices/dev-1/channels/sms/records?limit=10", "ops-1", authdomain.RoleAdmin, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ingestdto.RecordListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sms", resp.Channel)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "sms-1", resp.Records[0].ExternalID)

	w = s.do(t, http.MethodGet, "/api/admin/devices/dev-1/channels/calls/records", "ops-1", authdomain.RoleAdmin, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/admin/devices/dev-1/channels/sms/records?limit=-1", "ops-1", authdomain.RoleAdmin, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_MailboxAuthorizationURL(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/admin/devices/dev-1/mailbox/authorize", "ops-1", authdomain.RoleAdmin, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		DeviceID string `json:"device_id"`
		URL      string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "dev-1", resp.DeviceID)
	assert.Contains(t, resp.URL, "client_id=client-1")
	assert.Contains(t, resp.URL, "state=dev-1")
	assert.Contains(t, resp.URL, "access_type=offline")
}
