package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yoockh/coachloop/internal/cache"
	"github.com/yoockh/coachloop/internal/models"
	"github.com/yoockh/coachloop/internal/notify"
	"github.com/yoockh/coachloop/internal/providers/bot"
	"github.com/yoockh/coachloop/internal/providers/stt"
	mongorepo "github.com/yoockh/coachloop/internal/repositories/mongo"
	pgrepo "github.com/yoockh/coachloop/internal/repositories/postgres"
	"github.com/yoockh/coachloop/internal/tracing"
	"github.com/yoockh/coachloop/internal/utils"
)

// Reconciler finds sessions whose completion webhook never arrived and
// drives them through the worker's analysis path.
type Reconciler interface {
	Sweep(ctx context.Context) (*models.SweepSummary, error)
}

type ReconcilerConfig struct {
	GraceWindow        time.Duration
	BatchSize          int
	CandidateDelay     time.Duration
	MaxRetries         int
	MinTranscriptChars int
	LockTTL            time.Duration
	STTLanguage        string
}

type ReconcilerDeps struct {
	Sessions pgrepo.SessionRepository
	Logs     mongorepo.ReconciliationLogRepository
	Bot      bot.Client
	Worker   SessionWorker
	Locker   cache.Locker           // optional
	Status   notify.StatusPublisher // optional
	Media    MediaService           // optional, with STT enables the speech fallback
	STT      stt.Provider           // optional
	Logger   *logrus.Logger
}

type reconciler struct {
	ReconcilerDeps
	cfg ReconcilerConfig
	now func() time.Time
}

func NewReconciler(d ReconcilerDeps, cfg ReconcilerConfig) Reconciler {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 2 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MinTranscriptChars <= 0 {
		cfg.MinTranscriptChars = 50
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	return &reconciler{ReconcilerDeps: d, cfg: cfg, now: time.Now}
}

func (r *reconciler) Sweep(ctx context.Context) (*models.SweepSummary, error) {
	const op = "Reconciler.Sweep"
	start := r.now()

	ctx, span := tracing.Tracer("reconciler").Start(ctx, op)
	defer span.End()

	summary := &models.SweepSummary{RunID: uuid.NewString(), Outcomes: map[string]int{}}
	log := r.Logger.WithField("run_id", summary.RunID)

	if r.Locker != nil {
		release, ok, err := r.Locker.TryLock(ctx, cache.ReconcileLockKey, r.cfg.LockTTL)
		if err != nil {
			return nil, utils.E(utils.CodeUnavailable, op, "failed to take sweep lock", err)
		}
		if !ok {
			log.Info("another sweep is running, skipping")
			summary.Skipped = true
			return summary, nil
		}
		defer release()
	}

	candidates, err := r.Sessions.FindReconcileCandidates(ctx, pgrepo.CandidateQuery{
		ScheduledBefore: start.Add(-r.cfg.GraceWindow),
		MaxRetries:      r.cfg.MaxRetries,
		Limit:           r.cfg.BatchSize,
	})
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to load candidates", err)
	}
	summary.Candidates = len(candidates)

	var limiter *rate.Limiter
	if r.cfg.CandidateDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(r.cfg.CandidateDelay), 1)
	}

	for i := range candidates {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				log.WithError(err).Warn("sweep interrupted")
				break
			}
		}
		entry := r.reconcileOne(ctx, log, summary.RunID, &candidates[i])
		summary.Outcomes[entry.Outcome]++

		if err := r.Logs.Insert(ctx, entry); err != nil {
			log.WithError(err).WithField("session_id", entry.SessionID).Error("failed to write reconciliation log")
		}
	}

	summary.DurationMS = r.now().Sub(start).Milliseconds()
	log.WithFields(logrus.Fields{"candidates": summary.Candidates, "outcomes": summary.Outcomes}).Info("reconciliation sweep finished")
	return summary, nil
}

func (r *reconciler) reconcileOne(ctx context.Context, log *logrus.Entry, runID string, s *models.Session) *models.ReconciliationLogEntry {
	botID := deref(s.BotID)
	entry := &models.ReconciliationLogEntry{RunID: runID, SessionID: s.ID, BotID: botID}
	log = log.WithFields(logrus.Fields{"session_id": s.ID, "bot_id": botID})

	fail := func(outcome, msg string, terminal bool) *models.ReconciliationLogEntry {
		entry.Outcome = outcome
		entry.ErrorMessage = msg
		if terminal {
			if _, err := r.Sessions.MarkTerminal(ctx, s.ID, models.RecallFailed, []string{msg}); err != nil {
				log.WithError(err).Error("failed to mark session failed")
			}
			r.publishStatus(ctx, log, s.ID, models.RecallFailed)
		}
		log.WithField("outcome", outcome).Warn(msg)
		return entry
	}

	b, err := r.Bot.GetBot(ctx, botID)
	switch {
	case errors.Is(err, bot.ErrBotNotFound):
		return fail(models.OutcomeBotNotFound, "bot not found", true)
	case err != nil:
		return fail(models.OutcomeError, fmt.Sprintf("bot status lookup failed: %v", err), false)
	}

	code := b.Status()
	switch bot.Classify(code) {
	case bot.PhaseRunning:
		entry.Outcome = models.OutcomeSkipped
		entry.ErrorMessage = "bot still running: " + code
		return entry
	case bot.PhaseFatal:
		return fail(models.OutcomeError, "bot ended with status "+code, true)
	}

	segs, err := r.Bot.GetTranscript(ctx, botID)
	if err != nil {
		return fail(models.OutcomeError, fmt.Sprintf("transcript fetch failed: %v", err), false)
	}
	transcript := strings.TrimSpace(bot.Text(segs))

	if len(transcript) < r.cfg.MinTranscriptChars && b.VideoURL != "" {
		if alt := r.speechFallback(ctx, log, s.ID, b.VideoURL); len(alt) > len(transcript) {
			transcript = alt
		}
	}
	if len(transcript) < r.cfg.MinTranscriptChars {
		if _, err := r.Sessions.MarkTerminal(ctx, s.ID, models.RecallNoTranscript, nil); err != nil {
			return fail(models.OutcomeError, fmt.Sprintf("failed to mark no_transcript: %v", err), false)
		}
		r.publishStatus(ctx, log, s.ID, models.RecallNoTranscript)
		entry.Outcome = models.OutcomeNoTranscript
		return entry
	}

	res, err := r.Worker.Process(ctx, models.SessionJobPayload{
		BotID:          botID,
		SessionID:      &s.ID,
		ChildID:        s.ChildID,
		CoachID:        s.CoachID,
		TranscriptText: transcript,
		RecordingURL:   b.VideoURL,
		RequestID:      entry.RunID,
		Attempt:        s.RetryCount,
		Reconciled:     true,
	})
	switch {
	case err != nil:
		return fail(models.OutcomeError, err.Error(), false)
	case res.Skipped == SkipAlreadyCompleted:
		entry.Outcome = models.OutcomeSkipped
		entry.ErrorMessage = "completed by another path"
	case !res.Success:
		return fail(models.OutcomeError, fmt.Sprintf("analysis failed, retry count %d", res.RetryCount), false)
	default:
		entry.Outcome = models.OutcomeRecovered
		log.Info("session recovered")
	}
	return entry
}

// speechFallback archives the recording and runs speech recognition on it.
// Errors are logged and yield "".
func (r *reconciler) speechFallback(ctx context.Context, log *logrus.Entry, sessionID, videoURL string) string {
	if r.STT == nil || r.Media == nil {
		return ""
	}
	path, err := r.Media.Archive(ctx, sessionID, videoURL)
	if err != nil {
		log.WithError(err).Warn("speech fallback: archive failed")
		return ""
	}
	text, conf, err := r.STT.TranscribeURI(ctx, r.Media.URI(path), r.cfg.STTLanguage)
	if err != nil {
		log.WithError(err).Warn("speech fallback: recognition failed")
		return ""
	}
	log.WithFields(logrus.Fields{"chars": len(text), "confidence": conf}).Info("speech fallback transcript")
	return strings.TrimSpace(text)
}

func (r *reconciler) publishStatus(ctx context.Context, log *logrus.Entry, sessionID, status string) {
	if r.Status == nil {
		return
	}
	if err := r.Status.PublishStatus(ctx, sessionID, status, "reconciled"); err != nil {
		log.WithError(err).Debug("publish status failed")
	}
}
