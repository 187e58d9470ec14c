package routes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/coachloop/config"
	"github.com/yoockh/coachloop/internal/api/handlers"
	"github.com/yoockh/coachloop/internal/logger"
	"github.com/yoockh/coachloop/internal/models"
	"github.com/yoockh/coachloop/internal/queue"
	"github.com/yoockh/coachloop/internal/ratelimit"
	"github.com/yoockh/coachloop/internal/services"
	"github.com/yoockh/coachloop/internal/signature"
	"github.com/yoockh/coachloop/internal/utils"
)

const (
	queueKey = "queue-current"
	botKey   = "bot-current"
	jwtKey   = "jwt-secret"
	sessID   = "3f1e9a52-6c1d-4a55-9d0b-2a7c1c0e8b11"
)

type stubWorker struct {
	got         models.SessionJobPayload
	hadDeadline bool
	err         error
}

func (s *stubWorker) Process(ctx context.Context, p models.SessionJobPayload) (*models.JobResult, error) {
	s.got = p
	_, s.hadDeadline = ctx.Deadline()
	if s.err != nil {
		return nil, s.err
	}
	return &models.JobResult{Success: true, SessionID: sessID, Duration: 12}, nil
}

type stubIngest struct {
	delivery string
	err      error
}

func (s *stubIngest) HandleBotEvent(_ context.Context, _ []byte, deliveryID string) (*services.IngestResult, error) {
	s.delivery = deliveryID
	return &services.IngestResult{Action: services.ActionEnqueued, SessionID: sessID, JobID: "1-0"}, s.err
}

func (s *stubIngest) Requeue(_ context.Context, id string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "job-" + id, nil
}

type stubReconciler struct{ calls int }

func (s *stubReconciler) Sweep(context.Context) (*models.SweepSummary, error) {
	s.calls++
	return &models.SweepSummary{RunID: "run-1", Candidates: 2, Outcomes: map[string]int{models.OutcomeRecovered: 2}}, nil
}

type stubLogs struct{}

func (stubLogs) Insert(context.Context, *models.ReconciliationLogEntry) error { return nil }
func (stubLogs) ListBySession(_ context.Context, id string, _ int64) ([]models.ReconciliationLogEntry, error) {
	return []models.ReconciliationLogEntry{{SessionID: id, Outcome: models.OutcomeNoTranscript}}, nil
}
func (stubLogs) ListByRun(context.Context, string) ([]models.ReconciliationLogEntry, error) {
	return nil, nil
}

type stubEvents struct{}

func (stubEvents) GetBySession(_ context.Context, id, kind string) (*models.LearningEvent, error) {
	if id != sessID {
		return nil, utils.ErrNotFound
	}
	return &models.LearningEvent{SessionID: id, Kind: kind, Summary: "Read two chapters."}, nil
}

func (stubEvents) LatestByChild(context.Context, string, int) ([]models.LearningEvent, error) {
	return nil, nil
}

type fixture struct {
	router     *gin.Engine
	worker     *stubWorker
	ingest     *stubIngest
	reconciler *stubReconciler
}

func newFixture(t *testing.T, checks map[string]handlers.Check) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{worker: &stubWorker{}, ingest: &stubIngest{}, reconciler: &stubReconciler{}}
	log := logger.Discard()

	r := gin.New()
	RegisterRoutes(r, Deps{
		Job:           handlers.NewJobHandler(f.worker, time.Minute),
		Webhook:       handlers.NewWebhookHandler(f.ingest),
		Cron:          handlers.NewCronHandler(f.reconciler),
		Admin:         handlers.NewAdminHandler(f.ingest, stubLogs{}, stubEvents{}, nil, nil),
		WS:            handlers.NewWSHandler(nil, nil, log, nil),
		Health:        handlers.NewHealthHandler(checks),
		QueueVerifier: signature.NewVerifier(5*time.Minute, queueKey),
		BotVerifier:   signature.NewVerifier(5*time.Minute, botKey),
		WebhookLimit:  ratelimit.NewKeyed(600, time.Minute),
		CronAuth:      config.CronConfig{Secret: "cron-secret"},
		Auth:          config.AuthConfig{JWTSecret: jwtKey},
		Logger:        log,
	})
	f.router = r
	return f
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func signed(key, body string) map[string]string {
	return map[string]string{queue.SignatureHeader: signature.Sign(key, []byte(body), time.Now())}
}

func TestJobEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"botId":"bot-1","sessionId":"` + sessID + `","transcriptText":"hello","attempt":0}`

	w := f.do(http.MethodPost, JobSessionAnalysisPath, body, signed(queueKey, body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"success":true,"sessionId":"`+sessID+`","duration":12}`, w.Body.String())
	assert.Equal(t, "bot-1", f.worker.got.BotID)
	assert.NotEmpty(t, f.worker.got.RequestID)
	assert.True(t, f.worker.hadDeadline)
}

func TestJobEndpointRejects(t *testing.T) {
	f := newFixture(t, nil)
	good := `{"botId":"bot-1"}`

	w := f.do(http.MethodPost, JobSessionAnalysisPath, good, signed("stolen", good))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, JobSessionAnalysisPath, good, map[string]string{
		queue.SignatureHeader: signature.Sign(queueKey, []byte(good), time.Now().Add(-10*time.Minute)),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	for _, body := range []string{
		`{"sessionId":"` + sessID + `"}`,
		`{"botId":"bot-1","sessionId":"not-a-uuid"}`,
		`{"botId":"bot-1","attempt":-1}`,
		`not json`,
	} {
		w = f.do(http.MethodPost, JobSessionAnalysisPath, body, signed(queueKey, body))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Empty(t, f.worker.got.BotID)
}

func TestJobEndpointWorkerError(t *testing.T) {
	f := newFixture(t, nil)
	f.worker.err = utils.E(utils.CodeInternal, "SessionWorker.Process", "failed to persist analysis", errors.New("db down"))
	body := `{"botId":"bot-1"}`

	w := f.do(http.MethodPost, JobSessionAnalysisPath, body, signed(queueKey, body))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestBotWebhook(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"event":"bot.status_change","data":{"bot":{"id":"bot-1"},"data":{"code":"done"}}}`

	w := f.do(http.MethodPost, BotWebhookPath, body, map[string]string{
		BotSignatureHeader:        signature.Sign(botKey, []byte(body), time.Now()),
		handlers.HeaderDeliveryID: "evt_1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"action":"enqueued"`)
	assert.Equal(t, "evt_1", f.ingest.delivery)

	// queue keys are not bot keys
	w = f.do(http.MethodPost, BotWebhookPath, body, map[string]string{BotSignatureHeader: signature.Sign(queueKey, []byte(body), time.Now())})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCronReconcile(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/cron/reconcile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, f.reconciler.calls)

	w = f.do(http.MethodPost, "/cron/reconcile", "", map[string]string{"X-Cron-Secret": "cron-secret"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"runId":"run-1"`)
	assert.Equal(t, 1, f.reconciler.calls)
}

func adminToken(t *testing.T, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":          "staff-1",
		"exp":          time.Now().Add(time.Hour).Unix(),
		"app_metadata": map[string]any{"role": role},
	})
	s, err := tok.SignedString([]byte(jwtKey))
	require.NoError(t, err)
	return "Bearer " + s
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t, nil)
	path := "/admin/sessions/" + sessID + "/requeue"

	w := f.do(http.MethodPost, path, "", map[string]string{"Authorization": adminToken(t, "coach")})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodPost, path, "", map[string]string{"Authorization": adminToken(t, "admin")})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"jobId":"job-`+sessID+`"`)

	w = f.do(http.MethodPost, "/admin/sessions/nope/requeue", "", map[string]string{"Authorization": adminToken(t, "admin")})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.ingest.err = utils.E(utils.CodeConflict, "IngestService.Requeue", "session already completed", utils.ErrAlreadyCompleted)
	w = f.do(http.MethodPost, path, "", map[string]string{"Authorization": adminToken(t, "admin")})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodGet, "/admin/sessions/"+sessID+"/reconciliation?limit=5", "", map[string]string{"Authorization": adminToken(t, "admin")})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), models.OutcomeNoTranscript)

	w = f.do(http.MethodGet, "/admin/sessions/"+sessID+"/learning-event", "", map[string]string{"Authorization": adminToken(t, "admin")})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Read two chapters.")

	w = f.do(http.MethodGet, "/admin/sessions/other/learning-event", "", map[string]string{"Authorization": adminToken(t, "admin")})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// no bucket configured
	w = f.do(http.MethodGet, "/admin/sessions/"+sessID+"/recording", "", map[string]string{"Authorization": adminToken(t, "admin")})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, map[string]handlers.Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})

	w := f.do(http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"postgres":"ok"`)
	assert.Contains(t, w.Body.String(), `connection refused`)
}
