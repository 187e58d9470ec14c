package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/yoockh/coachloop/internal/models"
	"github.com/yoockh/coachloop/internal/notify"
	"github.com/yoockh/coachloop/internal/providers/bot"
	"github.com/yoockh/coachloop/internal/queue"
	mongorepo "github.com/yoockh/coachloop/internal/repositories/mongo"
	pgrepo "github.com/yoockh/coachloop/internal/repositories/postgres"
	"github.com/yoockh/coachloop/internal/utils"
)

const (
	ActionDuplicate = "duplicate"
	ActionIgnored   = "ignored"
	ActionStatus    = "status_updated"
	ActionFailed    = "marked_failed"
	ActionEnqueued  = "enqueued"
)

type IngestResult struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
	JobID     string `json:"jobId,omitempty"`
}

// IngestService turns bot status deliveries into session state and jobs.
type IngestService interface {
	HandleBotEvent(ctx context.Context, raw []byte, deliveryID string) (*IngestResult, error)
	// Requeue resets a session's retry budget and enqueues a fresh analysis job.
	Requeue(ctx context.Context, sessionID string) (string, error)
}

type ingestService struct {
	sessions    pgrepo.SessionRepository
	botSessions pgrepo.BotSessionRepository
	events      mongorepo.WebhookEventRepository // optional
	bot         bot.Client
	queue       queue.Enqueuer
	status      notify.StatusPublisher // optional
	log         *logrus.Logger
}

func NewIngestService(sessions pgrepo.SessionRepository, botSessions pgrepo.BotSessionRepository, events mongorepo.WebhookEventRepository, bc bot.Client, q queue.Enqueuer, status notify.StatusPublisher, log *logrus.Logger) IngestService {
	return &ingestService{sessions: sessions, botSessions: botSessions, events: events, bot: bc, queue: q, status: status, log: log}
}

func (s *ingestService) HandleBotEvent(ctx context.Context, raw []byte, deliveryID string) (_ *IngestResult, err error) {
	const op = "IngestService.HandleBotEvent"

	var hook models.BotWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		return nil, utils.E(utils.CodeInvalidArgument, op, "invalid webhook body", err)
	}
	botID := hook.Data.Bot.ID
	if botID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "bot id is required", nil)
	}
	code := hook.Data.Data.Code
	if code == "" {
		code = strings.TrimPrefix(hook.Event, "bot.")
	}
	log := s.log.WithFields(logrus.Fields{"bot_id": botID, "event": hook.Event, "code": code})

	if s.events != nil {
		if deliveryID == "" {
			sum := sha256.Sum256(raw)
			deliveryID = hex.EncodeToString(sum[:])
		}
		ev := &models.BotWebhookEvent{DeliveryID: deliveryID, BotID: botID, Event: hook.Event, Code: code}
		var doc bson.M
		if err := bson.UnmarshalExtJSON(raw, false, &doc); err == nil {
			ev.Payload = doc
		}
		dup, ierr := s.events.Insert(ctx, ev)
		if ierr != nil {
			log.WithError(ierr).Warn("failed to store raw webhook")
		}
		if dup {
			log.Info("duplicate webhook delivery")
			return &IngestResult{Action: ActionDuplicate}, nil
		}
		if ierr == nil {
			// a failed delivery must stay retryable by the sender
			defer func() {
				if err == nil {
					return
				}
				if rerr := s.events.Release(context.WithoutCancel(ctx), deliveryID); rerr != nil {
					log.WithError(rerr).Warn("failed to release webhook delivery")
				}
			}()
		}
	}

	sess, err := s.sessions.GetByBotID(ctx, botID)
	if errors.Is(err, utils.ErrNotFound) {
		log.Info("webhook for unknown bot, ignoring")
		return &IngestResult{Action: ActionIgnored}, nil
	}
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to load session", err)
	}
	log = log.WithField("session_id", sess.ID)
	out := &IngestResult{SessionID: sess.ID}

	if err := s.botSessions.Upsert(ctx, &models.BotSession{BotID: botID, SessionID: &sess.ID, Status: code, LastEvent: hook.Event}); err != nil {
		log.WithError(err).Warn("failed to update bot session row")
	}

	switch bot.Classify(code) {
	case bot.PhaseDone:
		jobID, err := s.enqueueAnalysis(ctx, sess, botID, "")
		if err != nil {
			return nil, utils.E(utils.CodeUnavailable, op, "failed to enqueue analysis", err)
		}
		out.Action, out.JobID = ActionEnqueued, jobID
		log.WithField("job_id", jobID).Info("analysis job enqueued")

	case bot.PhaseFatal:
		if _, err := s.sessions.MarkTerminal(ctx, sess.ID, models.RecallFailed, []string{"bot ended with status " + code}); err != nil {
			return nil, utils.E(utils.CodeInternal, op, "failed to mark session failed", err)
		}
		out.Action = ActionFailed
		s.publish(ctx, log, sess.ID, models.RecallFailed)

	default:
		out.Action = ActionIgnored
		if next := bot.RecallStatus(code); next != "" {
			ok, err := s.sessions.UpdateRecallStatus(ctx, sess.ID, next)
			if err != nil {
				return nil, utils.E(utils.CodeInternal, op, "failed to update recall status", err)
			}
			if ok {
				out.Action = ActionStatus
				s.publish(ctx, log, sess.ID, next)
			}
		}
	}
	return out, nil
}

// enqueueAnalysis fetches the transcript and recording and enqueues the job.
func (s *ingestService) enqueueAnalysis(ctx context.Context, sess *models.Session, botID, requestID string) (string, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	p := models.SessionJobPayload{
		BotID:     botID,
		SessionID: &sess.ID,
		ChildID:   sess.ChildID,
		CoachID:   sess.CoachID,
		RequestID: requestID,
	}

	if b, err := s.bot.GetBot(ctx, botID); err == nil {
		p.RecordingURL = b.VideoURL
		if d := b.Duration(); d > 0 {
			att, _ := json.Marshal(map[string]any{"durationSeconds": int(d.Seconds())})
			p.Attendance = att
		}
	} else {
		s.log.WithError(err).WithField("bot_id", botID).Warn("bot lookup failed, enqueueing without recording")
	}

	segs, err := s.bot.GetTranscript(ctx, botID)
	if err != nil {
		return "", err
	}
	p.TranscriptText = bot.Text(segs)

	return s.queue.Enqueue(ctx, models.TopicSessionAnalyze, p, queue.EnqueueOptions{RequestID: requestID})
}

func (s *ingestService) Requeue(ctx context.Context, sessionID string) (string, error) {
	const op = "IngestService.Requeue"

	sess, err := s.sessions.GetByID(ctx, sessionID)
	if errors.Is(err, utils.ErrNotFound) {
		return "", utils.E(utils.CodeNotFound, op, "session not found", err)
	}
	if err != nil {
		return "", utils.E(utils.CodeInternal, op, "failed to load session", err)
	}
	if sess.IsCompleted() {
		return "", utils.E(utils.CodeConflict, op, "session already completed", utils.ErrAlreadyCompleted)
	}
	if sess.BotID == nil || *sess.BotID == "" {
		return "", utils.E(utils.CodeInvalidArgument, op, "session has no bot", nil)
	}
	if err := s.sessions.ResetRetries(ctx, sess.ID); err != nil {
		return "", utils.E(utils.CodeInternal, op, "failed to reset retries", err)
	}

	jobID, err := s.enqueueAnalysis(ctx, sess, *sess.BotID, "")
	if err != nil {
		return "", utils.E(utils.CodeUnavailable, op, "failed to enqueue analysis", err)
	}
	s.log.WithFields(logrus.Fields{"session_id": sess.ID, "job_id": jobID}).Info("session requeued")
	return jobID, nil
}

func (s *ingestService) publish(ctx context.Context, log *logrus.Entry, sessionID, status string) {
	if s.status == nil {
		return
	}
	if err := s.status.PublishStatus(ctx, sessionID, status, ""); err != nil {
		log.WithError(err).Debug("publish status failed")
	}
}
