package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/coachloop/internal/models"
	pgrepo "github.com/yoockh/coachloop/internal/repositories/postgres"
	"github.com/yoockh/coachloop/internal/utils"
)

type lookupSessions struct {
	pgrepo.SessionRepository
	byID map[string]*models.Session
}

func (s lookupSessions) GetByID(_ context.Context, id string) (*models.Session, error) {
	if sess, ok := s.byID[id]; ok {
		return sess, nil
	}
	return nil, utils.ErrNotFound
}

type stubSigner struct {
	err     error
	lastTTL time.Duration
}

func (s *stubSigner) SignedGetURL(_ context.Context, objectName string, ttl time.Duration) (string, error) {
	s.lastTTL = ttl
	if s.err != nil {
		return "", s.err
	}
	return "https://storage.example/" + objectName + "?sig=abc", nil
}

func recordingRouter(h *AdminHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/sessions/:session_id/recording", h.RecordingLink)
	return r
}

func TestRecordingLink(t *testing.T) {
	sessions := lookupSessions{byID: map[string]*models.Session{
		"s1": {ID: "s1", AudioStoragePath: "recordings/s1/bot-1.webm"},
		"s2": {ID: "s2"},
	}}
	signer := &stubSigner{}
	r := recordingRouter(NewAdminHandler(nil, nil, nil, sessions, signer))

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/sessions/s1/recording")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"url":"https://storage.example/recordings/s1/bot-1.webm?sig=abc","expiresIn":900}`, w.Body.String())
	assert.Equal(t, recordingLinkTTL, signer.lastTTL)

	assert.Equal(t, http.StatusNotFound, get("/sessions/s2/recording").Code)
	assert.Equal(t, http.StatusNotFound, get("/sessions/missing/recording").Code)

	signer.err = errors.New("no credentials")
	assert.Equal(t, http.StatusServiceUnavailable, get("/sessions/s1/recording").Code)
}
