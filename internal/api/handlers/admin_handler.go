package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yoockh/coachloop/internal/models"
	mongorepo "github.com/yoockh/coachloop/internal/repositories/mongo"
	pgrepo "github.com/yoockh/coachloop/internal/repositories/postgres"
	"github.com/yoockh/coachloop/internal/services"
	"github.com/yoockh/coachloop/internal/storage"
	"github.com/yoockh/coachloop/internal/utils"
)

// AdminHandler exposes operator recovery tools.
type AdminHandler struct {
	ingest   services.IngestService
	logs     mongorepo.ReconciliationLogRepository
	events   pgrepo.LearningEventRepository
	sessions pgrepo.SessionRepository
	signer   storage.Signer // nil when recordings are not archived
}

func NewAdminHandler(ingest services.IngestService, logs mongorepo.ReconciliationLogRepository, events pgrepo.LearningEventRepository, sessions pgrepo.SessionRepository, signer storage.Signer) *AdminHandler {
	return &AdminHandler{ingest: ingest, logs: logs, events: events, sessions: sessions, signer: signer}
}

func (h *AdminHandler) Requeue(c *gin.Context) {
	const op = "AdminHandler.Requeue"

	id := c.Param("session_id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "invalid session_id", err))
		return
	}

	jobID, err := h.ingest.Requeue(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sessionId": id, "jobId": jobID})
}

func queryLimit(c *gin.Context, op string) (int, bool) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 200 {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "limit must be between 1 and 200", err))
		return 0, false
	}
	return limit, true
}

func (h *AdminHandler) ReconciliationHistory(c *gin.Context) {
	const op = "AdminHandler.ReconciliationHistory"

	id := c.Param("session_id")
	limit, ok := queryLimit(c, op)
	if !ok {
		return
	}

	entries, err := h.logs.ListBySession(c.Request.Context(), id, int64(limit))
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, op, "failed to load reconciliation log", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "entries": entries})
}

func (h *AdminHandler) SessionEvent(c *gin.Context) {
	const op = "AdminHandler.SessionEvent"

	ev, err := h.events.GetBySession(c.Request.Context(), c.Param("session_id"), models.EventKindSessionAnalysis)
	if errors.Is(err, utils.ErrNotFound) {
		writeError(c, utils.E(utils.CodeNotFound, op, "no learning event for session", err))
		return
	}
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, op, "failed to load learning event", err))
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *AdminHandler) ChildEvents(c *gin.Context) {
	const op = "AdminHandler.ChildEvents"

	limit, ok := queryLimit(c, op)
	if !ok {
		return
	}
	events, err := h.events.LatestByChild(c.Request.Context(), c.Param("child_id"), limit)
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, op, "failed to load learning events", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"childId": c.Param("child_id"), "events": events})
}

const recordingLinkTTL = 15 * time.Minute

// RecordingLink returns a short-lived download URL for an archived recording.
func (h *AdminHandler) RecordingLink(c *gin.Context) {
	const op = "AdminHandler.RecordingLink"

	if h.signer == nil {
		writeError(c, utils.E(utils.CodeUnavailable, op, "recording storage is not configured", nil))
		return
	}
	sess, err := h.sessions.GetByID(c.Request.Context(), c.Param("session_id"))
	if errors.Is(err, utils.ErrNotFound) {
		writeError(c, utils.E(utils.CodeNotFound, op, "session not found", err))
		return
	}
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, op, "failed to load session", err))
		return
	}
	if sess.AudioStoragePath == "" {
		writeError(c, utils.E(utils.CodeNotFound, op, "session has no archived recording", nil))
		return
	}

	url, err := h.signer.SignedGetURL(c.Request.Context(), sess.AudioStoragePath, recordingLinkTTL)
	if err != nil {
		writeError(c, utils.E(utils.CodeUnavailable, op, "failed to sign recording url", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expiresIn": int(recordingLinkTTL.Seconds())})
}
