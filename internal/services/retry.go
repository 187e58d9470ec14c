package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yoockh/coachloop/internal/models"
	"github.com/yoockh/coachloop/internal/queue"
	pgrepo "github.com/yoockh/coachloop/internal/repositories/postgres"
	"github.com/yoockh/coachloop/internal/utils"
)

const DefaultMaxRetries = 3

type RetryDecision struct {
	Retried    bool
	Failed     bool // retry budget spent, session marked failed
	RetryCount int
	Delay      time.Duration
	JobID      string
}

// RetryScheduler re-enqueues sessions whose analysis failed on every provider.
type RetryScheduler struct {
	sessions   pgrepo.SessionRepository
	queue      queue.Enqueuer
	maxRetries int
	base       time.Duration
	maxDelay   time.Duration
	log        *logrus.Logger
}

func NewRetryScheduler(sessions pgrepo.SessionRepository, q queue.Enqueuer, maxRetries int, base, maxDelay time.Duration, log *logrus.Logger) *RetryScheduler {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if base <= 0 {
		base = 2 * time.Minute
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Minute
	}
	return &RetryScheduler{sessions: sessions, queue: q, maxRetries: maxRetries, base: base, maxDelay: maxDelay, log: log}
}

func (r *RetryScheduler) MaxRetries() int { return r.maxRetries }

// Backoff is base * 2^(n-1), capped.
func (r *RetryScheduler) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := r.base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= r.maxDelay {
			return r.maxDelay
		}
	}
	if d > r.maxDelay {
		return r.maxDelay
	}
	return d
}

func (r *RetryScheduler) Schedule(ctx context.Context, sessionID string, p models.SessionJobPayload, errs []string) (*RetryDecision, error) {
	const op = "RetryScheduler.Schedule"

	log := r.log.WithFields(logrus.Fields{"session_id": sessionID, "bot_id": p.BotID, "request_id": p.RequestID})

	n, err := r.sessions.IncrementRetry(ctx, sessionID, r.maxRetries, errs)
	switch {
	case errors.Is(err, pgrepo.ErrRetriesExhausted):
		if _, err := r.sessions.MarkTerminal(ctx, sessionID, models.RecallFailed, errs); err != nil {
			return nil, utils.E(utils.CodeInternal, op, "failed to mark session failed", err)
		}
		log.WithField("errors", errs).Error("analysis retries exhausted, session marked failed")
		return &RetryDecision{Failed: true, RetryCount: r.maxRetries}, nil
	case errors.Is(err, utils.ErrAlreadyCompleted):
		log.Info("session completed elsewhere, no retry needed")
		return &RetryDecision{}, nil
	case err != nil:
		return nil, utils.E(utils.CodeInternal, op, "failed to record retry", err)
	}

	delay := r.Backoff(n)
	next := p
	next.Attempt = n
	next.SessionID = &sessionID
	jobID, err := r.queue.Enqueue(ctx, models.TopicSessionAnalyze, next, queue.EnqueueOptions{
		Delay:     delay,
		RequestID: p.RequestID,
		Attempt:   n,
	})
	if err != nil {
		// give the attempt back so the session stays a sweep candidate
		if rerr := r.sessions.RevertRetry(ctx, sessionID, n); rerr != nil {
			log.WithError(rerr).Error("failed to revert retry count")
		}
		return nil, utils.E(utils.CodeUnavailable, op, "failed to enqueue retry", err)
	}

	log.WithFields(logrus.Fields{"retry_count": n, "delay": delay.String(), "job_id": jobID}).Warn("analysis failed, retry scheduled")
	return &RetryDecision{Retried: true, RetryCount: n, Delay: delay, JobID: jobID}, nil
}
