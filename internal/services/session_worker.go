package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"

	"github.com/yoockh/coachloop/internal/models"
	"github.com/yoockh/coachloop/internal/notify"
	"github.com/yoockh/coachloop/internal/providers/bot"
	"github.com/yoockh/coachloop/internal/providers/embedding"
	"github.com/yoockh/coachloop/internal/providers/llm"
	pgrepo "github.com/yoockh/coachloop/internal/repositories/postgres"
	"github.com/yoockh/coachloop/internal/tracing"
	"github.com/yoockh/coachloop/internal/utils"
)

// Reasons a job finishes without doing work.
const (
	SkipSessionNotFound  = "session_not_found"
	SkipAlreadyCompleted = "already_completed"
	SkipNoTranscript     = "no_transcript"
)

const ErrAnalysisFailed = "analysis_failed"

// SessionWorker runs one session.analyze job end to end. It is safe to run
// the same payload any number of times, concurrently.
type SessionWorker interface {
	Process(ctx context.Context, p models.SessionJobPayload) (*models.JobResult, error)
}

type WorkerDeps struct {
	Sessions    pgrepo.SessionRepository
	BotSessions pgrepo.BotSessionRepository
	Contexts    ContextService
	Analyzer    llm.Analyzer
	Embedder    embedding.Provider
	Media       MediaService // optional
	Bot         bot.Client   // optional, used when a payload arrives without a transcript
	Notifier    notify.Notifier
	Status      notify.StatusPublisher // optional
	Retry       *RetryScheduler
	Logger      *logrus.Logger

	MinTranscriptChars int
}

type sessionWorker struct {
	WorkerDeps
	now func() time.Time
}

func NewSessionWorker(d WorkerDeps) SessionWorker {
	if d.MinTranscriptChars <= 0 {
		d.MinTranscriptChars = 50
	}
	return &sessionWorker{WorkerDeps: d, now: time.Now}
}

type stepResult struct {
	name    string
	err     error
	skipped bool
}

func (w *sessionWorker) logStep(log *logrus.Entry, r stepResult) {
	switch {
	case r.skipped:
		log.WithField("step", r.name).Debug("step skipped")
	case r.err != nil:
		log.WithField("step", r.name).WithError(r.err).Warn("step failed")
	default:
		log.WithField("step", r.name).Debug("step ok")
	}
}

func (w *sessionWorker) Process(ctx context.Context, p models.SessionJobPayload) (*models.JobResult, error) {
	const op = "SessionWorker.Process"
	start := w.now()

	ctx, span := tracing.Tracer("worker").Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("bot_id", p.BotID), attribute.Bool("reconciled", p.Reconciled))

	log := w.Logger.WithFields(logrus.Fields{"bot_id": p.BotID, "request_id": p.RequestID, "attempt": p.Attempt})
	result := func(r models.JobResult) *models.JobResult {
		r.Duration = w.now().Sub(start).Milliseconds()
		return &r
	}

	sess, err := w.resolveSession(ctx, p)
	if errors.Is(err, utils.ErrNotFound) {
		log.Warn("no session for job, dropping")
		return result(models.JobResult{Skipped: SkipSessionNotFound}), nil
	}
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to load session", err)
	}
	log = log.WithField("session_id", sess.ID)
	span.SetAttributes(attribute.String("session_id", sess.ID))

	// 1. idempotency gate
	if sess.IsCompleted() {
		if sess.NotifiedAt == nil {
			log.Info("session completed without notification, resuming fan-out")
			w.fanOut(ctx, log, sess, nil)
		}
		return result(models.JobResult{Success: true, SessionID: sess.ID, Skipped: SkipAlreadyCompleted}), nil
	}

	transcript := strings.TrimSpace(p.TranscriptText)
	if transcript == "" {
		transcript = w.fetchTranscript(ctx, log, p.BotID)
	}
	if len(transcript) < w.MinTranscriptChars {
		if _, err := w.Sessions.MarkTerminal(ctx, sess.ID, models.RecallNoTranscript, nil); err != nil {
			return nil, utils.E(utils.CodeInternal, op, "failed to mark no_transcript", err)
		}
		w.publishStatus(ctx, log, sess.ID, models.RecallNoTranscript)
		log.WithField("transcript_chars", len(transcript)).Info("transcript too short, session marked no_transcript")
		return result(models.JobResult{SessionID: sess.ID, Skipped: SkipNoTranscript}), nil
	}

	// 2. context assembly
	childID := firstNonEmpty(p.ChildID, sess.ChildID)
	actx, err := w.Contexts.Load(ctx, childID)
	w.logStep(log, stepResult{name: "context", err: err, skipped: childID == ""})

	// 3. analysis
	outcome, err := w.Analyzer.Analyze(ctx, transcript, actx)
	if err != nil {
		var errs []string
		if outcome != nil {
			errs = outcome.Errors
		}
		if len(errs) == 0 {
			errs = []string{err.Error()}
		}
		decision, rerr := w.Retry.Schedule(ctx, sess.ID, p, errs)
		if rerr != nil {
			return nil, rerr
		}
		w.publishStatus(ctx, log, sess.ID, "analysis_failed")
		return result(models.JobResult{SessionID: sess.ID, Error: ErrAnalysisFailed, RetryCount: decision.RetryCount}), nil
	}
	log = log.WithField("provider", outcome.Provider)

	// 4. media
	var audioPath string
	if p.RecordingURL != "" && w.Media != nil {
		audioPath, err = w.Media.Archive(ctx, sess.ID, p.RecordingURL)
		w.logStep(log, stepResult{name: "media", err: err})
	} else {
		w.logStep(log, stepResult{name: "media", skipped: true})
	}

	// 5. persistence
	completion := w.buildCompletion(ctx, log, sess, p, transcript, audioPath, outcome)
	err = w.Sessions.Complete(ctx, completion)
	if errors.Is(err, utils.ErrAlreadyCompleted) {
		log.Info("session completed concurrently, nothing written")
		return result(models.JobResult{Success: true, SessionID: sess.ID, Skipped: SkipAlreadyCompleted}), nil
	}
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to persist analysis", err)
	}

	// 6. fan-out
	w.fanOut(ctx, log, sess, completion.Analysis)
	if childID != "" {
		w.logStep(log, stepResult{name: "cache_invalidate", err: w.Contexts.Invalidate(ctx, childID)})
	}

	// 7. bookkeeping
	if w.BotSessions != nil {
		w.logStep(log, stepResult{name: "bot_session", err: w.BotSessions.MarkCompleted(ctx, p.BotID, completion.CompletedAt)})
	}
	w.publishStatus(ctx, log, sess.ID, models.RecallCompleted)

	log.WithField("provider_failures", len(outcome.Errors)).Info("session analysis completed")
	return result(models.JobResult{Success: true, SessionID: sess.ID}), nil
}

func (w *sessionWorker) resolveSession(ctx context.Context, p models.SessionJobPayload) (*models.Session, error) {
	if p.SessionID != nil && *p.SessionID != "" {
		return w.Sessions.GetByID(ctx, *p.SessionID)
	}
	return w.Sessions.GetByBotID(ctx, p.BotID)
}

func (w *sessionWorker) fetchTranscript(ctx context.Context, log *logrus.Entry, botID string) string {
	if w.Bot == nil || botID == "" {
		return ""
	}
	segs, err := w.Bot.GetTranscript(ctx, botID)
	w.logStep(log, stepResult{name: "fetch_transcript", err: err})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(bot.Text(segs))
}

func (w *sessionWorker) buildCompletion(ctx context.Context, log *logrus.Entry, sess *models.Session, p models.SessionJobPayload, transcript, audioPath string, outcome *llm.Outcome) *models.SessionCompletion {
	now := w.now().UTC()
	a := outcome.Result

	data, _ := json.Marshal(a)
	event := &models.LearningEvent{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		Kind:       models.EventKindSessionAnalysis,
		ChildID:    ptrOrNil(firstNonEmpty(p.ChildID, sess.ChildID)),
		CoachID:    ptrOrNil(firstNonEmpty(p.CoachID, sess.CoachID)),
		Summary:    a.SessionSummary,
		Data:       datatypes.JSON(data),
		Reconciled: p.Reconciled,
		CreatedAt:  now,
	}

	// embedding failure leaves the event without a vector
	vec, err := w.Embedder.Embed(ctx, a.SessionSummary+"\n\n"+a.ParentSummary)
	if err == nil {
		v := pgvector.NewVector(vec)
		event.Embedding = &v
	}
	w.logStep(log, stepResult{name: "embedding", err: err, skipped: errors.Is(err, embedding.ErrDisabled)})

	var att struct {
		DurationSeconds int `json:"durationSeconds"`
	}
	attendance := p.Attendance
	if len(attendance) > 0 {
		err := json.Unmarshal(attendance, &att)
		if err != nil {
			// unparseable attendance would also fail the jsonb write
			attendance = nil
		}
		w.logStep(log, stepResult{name: "attendance", err: err})
	}

	return &models.SessionCompletion{
		SessionID:        sess.ID,
		DurationSeconds:  att.DurationSeconds,
		TranscriptText:   transcript,
		RecordingURL:     p.RecordingURL,
		AudioStoragePath: audioPath,
		Attendance:       datatypes.JSON(attendance),
		Analysis:         a,
		Provider:         outcome.Provider,
		Errors:           outcome.Errors,
		CompletedAt:      now,
		Event:            event,
	}
}

// fanOut sends the parent notification once. a is nil when resuming a
// completed session, in which case the stored analysis is used.
func (w *sessionWorker) fanOut(ctx context.Context, log *logrus.Entry, sess *models.Session, a *models.AnalysisResult) {
	if a == nil {
		a = &models.AnalysisResult{}
		if err := json.Unmarshal(sess.Analysis, a); err != nil {
			w.logStep(log, stepResult{name: "notify", err: err})
			return
		}
	}

	n := notify.Notification{
		Template:  notify.TemplateSessionSummary,
		SessionID: sess.ID,
		ChildID:   deref(sess.ChildID),
		Variables: map[string]string{
			"parentSummary": a.ParentSummary,
		},
	}
	if a.HomeworkAssigned {
		n.Variables["homework"] = a.HomeworkDescription
	}
	if err := w.Notifier.Notify(ctx, n); err != nil {
		w.logStep(log, stepResult{name: "notify", err: err})
		return
	}
	w.logStep(log, stepResult{name: "mark_notified", err: w.Sessions.MarkNotified(ctx, sess.ID, w.now())})
}

func (w *sessionWorker) publishStatus(ctx context.Context, log *logrus.Entry, sessionID, status string) {
	if w.Status == nil {
		return
	}
	w.logStep(log, stepResult{name: "publish_status", err: w.Status.PublishStatus(ctx, sessionID, status, "")})
}

func firstNonEmpty(vals ...*string) string {
	for _, v := range vals {
		if v != nil && *v != "" {
			return *v
		}
	}
	return ""
}

func ptrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
