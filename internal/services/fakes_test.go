package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/yoockh/coachloop/internal/models"
	"github.com/yoockh/coachloop/internal/notify"
	"github.com/yoockh/coachloop/internal/providers/bot"
	"github.com/yoockh/coachloop/internal/providers/llm"
	"github.com/yoockh/coachloop/internal/queue"
	pgrepo "github.com/yoockh/coachloop/internal/repositories/postgres"
	"github.com/yoockh/coachloop/internal/utils"
)

// fakeSessions mirrors the conditional-write semantics of the postgres repository.
type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	events   map[string]*models.LearningEvent
	children map[string]int
}

func newFakeSessions(seed ...*models.Session) *fakeSessions {
	f := &fakeSessions{sessions: map[string]*models.Session{}, events: map[string]*models.LearningEvent{}, children: map[string]int{}}
	for _, s := range seed {
		f.sessions[s.ID] = s
	}
	return f
}

func (f *fakeSessions) get(id string) *models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.sessions[id]
	return &cp
}

func (f *fakeSessions) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeSessions) GetByID(_ context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, utils.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) GetByBotID(_ context.Context, botID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.BotID != nil && *s.BotID == botID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, utils.ErrNotFound
}

func (f *fakeSessions) FindReconcileCandidates(_ context.Context, q pgrepo.CandidateQuery) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Session
	for _, s := range f.sessions {
		active := false
		for _, st := range models.ActiveRecallStatuses {
			active = active || s.RecallStatus == st
		}
		if s.BotID != nil && s.TranscriptText == "" && active && s.Status != models.StatusCancelled &&
			s.ScheduledAt.Before(q.ScheduledBefore) && s.RetryCount < q.MaxRetries {
			out = append(out, *s)
		}
	}
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *fakeSessions) RecentCompleted(context.Context, string, int) ([]models.Session, error) {
	return nil, nil
}

func (f *fakeSessions) UpdateRecallStatus(_ context.Context, id, status string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	switch s.RecallStatus {
	case models.RecallCompleted, models.RecallFailed, models.RecallNoTranscript:
		return false, nil
	}
	s.RecallStatus = status
	return true, nil
}

func (f *fakeSessions) MarkTerminal(_ context.Context, id, status string, errs []string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	if s.IsCompleted() {
		return false, nil
	}
	s.RecallStatus = status
	if len(errs) > 0 {
		s.AnalysisErrors = pq.StringArray(errs)
	}
	return true, nil
}

func (f *fakeSessions) IncrementRetry(_ context.Context, id string, maxRetries int, errs []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	if s.IsCompleted() {
		return 0, utils.ErrAlreadyCompleted
	}
	if s.RetryCount >= maxRetries {
		return 0, pgrepo.ErrRetriesExhausted
	}
	s.RetryCount++
	s.RecallStatus = models.RecallPending
	s.FlaggedForAttention = true
	s.AnalysisErrors = pq.StringArray(errs)
	return s.RetryCount, nil
}

func (f *fakeSessions) RevertRetry(_ context.Context, id string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	if s.IsCompleted() || s.RetryCount != count {
		return nil
	}
	s.RetryCount--
	return nil
}

func (f *fakeSessions) ResetRetries(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	if s.IsCompleted() {
		return utils.ErrAlreadyCompleted
	}
	s.RetryCount = 0
	s.RecallStatus = models.RecallPending
	return nil
}

func (f *fakeSessions) Complete(_ context.Context, c *models.SessionCompletion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[c.SessionID]
	if s.IsCompleted() {
		return utils.ErrAlreadyCompleted
	}
	analysis, _ := json.Marshal(c.Analysis)
	s.RecallStatus = models.RecallCompleted
	s.Status = models.StatusCompleted
	s.TranscriptText = c.TranscriptText
	s.Analysis = analysis
	s.AnalysisProvider = c.Provider
	s.AnalysisErrors = pq.StringArray(c.Errors)
	s.AudioStoragePath = c.AudioStoragePath
	s.DurationSeconds = c.DurationSeconds
	s.Attendance = c.Attendance
	at := c.CompletedAt
	s.CompletedAt = &at
	if c.Event != nil {
		if _, ok := f.events[c.SessionID]; !ok {
			ev := *c.Event
			f.events[c.SessionID] = &ev
		}
		if c.Event.ChildID != nil {
			f.children[*c.Event.ChildID]++
		}
	}
	return nil
}

func (f *fakeSessions) MarkNotified(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	if s.NotifiedAt == nil {
		s.NotifiedAt = &at
	}
	return nil
}

type fakeBotSessions struct {
	mu        sync.Mutex
	completed []string
	upserts   []models.BotSession
}

func (f *fakeBotSessions) Upsert(_ context.Context, b *models.BotSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, *b)
	return nil
}

func (f *fakeBotSessions) MarkCompleted(_ context.Context, botID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, botID)
	return nil
}

type fakeContexts struct{}

func (fakeContexts) Load(context.Context, string) (models.AnalysisContext, error) {
	return models.AnalysisContext{ChildName: "Sam"}, nil
}
func (fakeContexts) Invalidate(context.Context, string) error { return nil }

// fakeAnalyzer fails the first failN calls, then returns result.
type fakeAnalyzer struct {
	mu     sync.Mutex
	calls  int
	failN  int
	result *models.AnalysisResult
}

func (f *fakeAnalyzer) Analyze(context.Context, string, models.AnalysisContext) (*llm.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failN < 0 || f.calls <= f.failN {
		errs := []string{"vertex:gemini: timeout", "ollama:llama3: unparseable output"}
		return &llm.Outcome{Errors: errs}, &llm.AllProvidersFailedError{Errors: errs}
	}
	return &llm.Outcome{Result: f.result, Provider: "vertex:gemini"}, nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEmbedder struct{ err error }

func (f fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return make([]float32, 768), nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type enqueued struct {
	topic   string
	payload models.SessionJobPayload
	opts    queue.EnqueueOptions
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (f *fakeQueue) Enqueue(_ context.Context, topic string, payload any, opts queue.EnqueueOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	p, _ := payload.(models.SessionJobPayload)
	f.jobs = append(f.jobs, enqueued{topic: topic, payload: p, opts: opts})
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

type fakeBot struct {
	bots        map[string]*bot.Bot
	transcripts map[string][]bot.Segment
	err         error
}

func (f *fakeBot) GetBot(_ context.Context, id string) (*bot.Bot, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.bots[id]
	if !ok {
		return nil, bot.ErrBotNotFound
	}
	return b, nil
}

func (f *fakeBot) GetTranscript(_ context.Context, id string) ([]bot.Segment, error) {
	segs, ok := f.transcripts[id]
	if !ok {
		return nil, errors.New("transcript unavailable")
	}
	return segs, nil
}

type fakeLogs struct {
	mu      sync.Mutex
	entries []models.ReconciliationLogEntry
}

func (f *fakeLogs) Insert(_ context.Context, e *models.ReconciliationLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeLogs) ListBySession(context.Context, string, int64) ([]models.ReconciliationLogEntry, error) {
	return nil, nil
}

func (f *fakeLogs) ListByRun(context.Context, string) ([]models.ReconciliationLogEntry, error) {
	return nil, nil
}

type fakeLocker struct{ held bool }

func (f *fakeLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	if f.held {
		return func() {}, false, nil
	}
	f.held = true
	return func() { f.held = false }, true, nil
}
