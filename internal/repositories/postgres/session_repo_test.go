package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yoockh/coachloop/internal/models"
	"github.com/yoockh/coachloop/internal/utils"
)

type SessionRepoSuite struct {
	suite.Suite
	db       *gorm.DB
	sessions SessionRepository
	events   LearningEventRepository
	children ChildRepository
	ctx      context.Context
	now      time.Time
}

func TestSessionRepoSuite(t *testing.T) {
	suite.Run(t, new(SessionRepoSuite))
}

func (s *SessionRepoSuite) SetupTest() {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	s.Require().NoError(err)
	sqlDB, err := db.DB()
	s.Require().NoError(err)
	sqlDB.SetMaxOpenConns(1)
	s.Require().NoError(Migrate(db))

	s.db = db
	s.sessions = NewSessionRepo(db)
	s.events = NewLearningEventRepo(db)
	s.children = NewChildRepo(db)
	s.ctx = context.Background()
	s.now = time.Now().UTC()
}

func (s *SessionRepoSuite) TearDownTest() {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func strPtr(v string) *string { return &v }

func (s *SessionRepoSuite) seedSession(mut func(*models.Session)) *models.Session {
	sess := &models.Session{
		ID:           uuid.NewString(),
		BotID:        strPtr("bot_" + uuid.NewString()[:8]),
		RecallStatus: models.RecallScheduled,
		Status:       models.StatusScheduled,
		ScheduledAt:  s.now.Add(-3 * time.Hour),
	}
	if mut != nil {
		mut(sess)
	}
	s.Require().NoError(s.db.Create(sess).Error)
	return sess
}

func (s *SessionRepoSuite) completion(sess *models.Session, childID *string) *models.SessionCompletion {
	return &models.SessionCompletion{
		SessionID:      sess.ID,
		TranscriptText: "Coach: hello there, let's read chapter two together today.",
		Analysis: &models.AnalysisResult{
			EngagementScore: 8, FocusScore: 7,
			SessionSummary: "Read chapter two.", ParentSummary: "Lovely reading today.",
		},
		Provider:    "vertex:gemini-1.5-pro",
		CompletedAt: s.now,
		Event: &models.LearningEvent{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			Kind:      models.EventKindSessionAnalysis,
			ChildID:   childID,
			Summary:   "Read chapter two.",
			CreatedAt: s.now,
		},
	}
}

func (s *SessionRepoSuite) TestFindReconcileCandidates() {
	want := s.seedSession(nil)
	s.seedSession(func(x *models.Session) { x.BotID = nil })
	s.seedSession(func(x *models.Session) { x.TranscriptText = "already here" })
	s.seedSession(func(x *models.Session) { x.RecallStatus = models.RecallCompleted })
	s.seedSession(func(x *models.Session) { x.RecallStatus = models.RecallFailed })
	s.seedSession(func(x *models.Session) { x.Status = models.StatusCancelled })
	s.seedSession(func(x *models.Session) { x.ScheduledAt = s.now.Add(-90 * time.Minute) })
	s.seedSession(func(x *models.Session) { x.RetryCount = 3 })
	older := s.seedSession(func(x *models.Session) {
		x.RecallStatus = models.RecallRecording
		x.ScheduledAt = s.now.Add(-5 * time.Hour)
	})

	rows, err := s.sessions.FindReconcileCandidates(s.ctx, CandidateQuery{
		ScheduledBefore: s.now.Add(-2 * time.Hour),
		MaxRetries:      3,
		Limit:           25,
	})
	s.Require().NoError(err)
	s.Require().Len(rows, 2)
	s.Equal(older.ID, rows[0].ID)
	s.Equal(want.ID, rows[1].ID)

	rows, err = s.sessions.FindReconcileCandidates(s.ctx, CandidateQuery{ScheduledBefore: s.now.Add(-2 * time.Hour), MaxRetries: 3, Limit: 1})
	s.Require().NoError(err)
	s.Len(rows, 1)
}

func (s *SessionRepoSuite) TestCompleteIsOnceOnly() {
	child := &models.Child{ID: uuid.NewString(), FullName: "Sam"}
	s.Require().NoError(s.db.Create(child).Error)
	sess := s.seedSession(func(x *models.Session) { x.ChildID = &child.ID })

	s.Require().NoError(s.sessions.Complete(s.ctx, s.completion(sess, &child.ID)))

	second := s.completion(sess, &child.ID)
	second.TranscriptText = "a different transcript"
	s.ErrorIs(s.sessions.Complete(s.ctx, second), utils.ErrAlreadyCompleted)

	got, err := s.sessions.GetByID(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(models.RecallCompleted, got.RecallStatus)
	s.Equal(models.StatusCompleted, got.Status)
	s.Contains(got.TranscriptText, "chapter two")
	s.Equal("vertex:gemini-1.5-pro", got.AnalysisProvider)

	var events int64
	s.Require().NoError(s.db.Model(&models.LearningEvent{}).Where("session_id = ?", sess.ID).Count(&events).Error)
	s.EqualValues(1, events)

	c, err := s.children.GetByID(s.ctx, child.ID)
	s.Require().NoError(err)
	s.Equal(1, c.SessionsCompleted)

	// completed sessions ignore every other write
	ok, err := s.sessions.MarkTerminal(s.ctx, sess.ID, models.RecallFailed, []string{"late"})
	s.Require().NoError(err)
	s.False(ok)
	ok, err = s.sessions.UpdateRecallStatus(s.ctx, sess.ID, models.RecallRecording)
	s.Require().NoError(err)
	s.False(ok)
	_, err = s.sessions.IncrementRetry(s.ctx, sess.ID, 3, nil)
	s.ErrorIs(err, utils.ErrAlreadyCompleted)
}

func (s *SessionRepoSuite) TestCompleteToleratesExistingEvent() {
	sess := s.seedSession(nil)
	s.Require().NoError(s.db.Create(&models.LearningEvent{
		ID: uuid.NewString(), SessionID: sess.ID, Kind: models.EventKindSessionAnalysis, CreatedAt: s.now,
	}).Error)

	s.Require().NoError(s.sessions.Complete(s.ctx, s.completion(sess, nil)))

	ev, err := s.events.GetBySession(s.ctx, sess.ID, models.EventKindSessionAnalysis)
	s.Require().NoError(err)
	s.NotEmpty(ev.ID)
}

func (s *SessionRepoSuite) TestIncrementRetryCeiling() {
	sess := s.seedSession(nil)

	for want := 1; want <= 3; want++ {
		n, err := s.sessions.IncrementRetry(s.ctx, sess.ID, 3, []string{fmt.Sprintf("attempt %d", want)})
		s.Require().NoError(err)
		s.Equal(want, n)
	}
	_, err := s.sessions.IncrementRetry(s.ctx, sess.ID, 3, []string{"attempt 4"})
	s.ErrorIs(err, ErrRetriesExhausted)

	got, err := s.sessions.GetByID(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(3, got.RetryCount)
	s.Equal(models.RecallPending, got.RecallStatus)
	s.True(got.FlaggedForAttention)
	s.Equal([]string{"attempt 3"}, []string(got.AnalysisErrors))

	s.Require().NoError(s.sessions.ResetRetries(s.ctx, sess.ID))
	got, _ = s.sessions.GetByID(s.ctx, sess.ID)
	s.Equal(0, got.RetryCount)
}

func (s *SessionRepoSuite) TestRevertRetry() {
	sess := s.seedSession(func(x *models.Session) { x.RetryCount = 2 })

	n, err := s.sessions.IncrementRetry(s.ctx, sess.ID, 3, []string{"boom"})
	s.Require().NoError(err)
	s.Equal(3, n)

	// stale count is ignored
	s.Require().NoError(s.sessions.RevertRetry(s.ctx, sess.ID, 2))
	got, _ := s.sessions.GetByID(s.ctx, sess.ID)
	s.Equal(3, got.RetryCount)

	s.Require().NoError(s.sessions.RevertRetry(s.ctx, sess.ID, 3))
	got, _ = s.sessions.GetByID(s.ctx, sess.ID)
	s.Equal(2, got.RetryCount)
}

func (s *SessionRepoSuite) TestUpdateRecallStatusSkipsTerminal() {
	sess := s.seedSession(func(x *models.Session) { x.RecallStatus = models.RecallNoTranscript })
	ok, err := s.sessions.UpdateRecallStatus(s.ctx, sess.ID, models.RecallRecording)
	s.Require().NoError(err)
	s.False(ok)

	live := s.seedSession(nil)
	ok, err = s.sessions.UpdateRecallStatus(s.ctx, live.ID, models.RecallInMeeting)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *SessionRepoSuite) TestMarkNotifiedOnce() {
	sess := s.seedSession(nil)
	first := s.now.Add(-time.Minute)
	s.Require().NoError(s.sessions.MarkNotified(s.ctx, sess.ID, first))
	s.Require().NoError(s.sessions.MarkNotified(s.ctx, sess.ID, s.now))

	got, err := s.sessions.GetByID(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got.NotifiedAt)
	s.WithinDuration(first, *got.NotifiedAt, time.Second)
}

func (s *SessionRepoSuite) TestGetByIDNotFound() {
	_, err := s.sessions.GetByID(s.ctx, uuid.NewString())
	s.ErrorIs(err, utils.ErrNotFound)
}

func TestCompleteConcurrentWritersOneWinner(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true, Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)

	repo := NewSessionRepo(db)
	sess := &models.Session{ID: uuid.NewString(), BotID: strPtr("bot_race"), RecallStatus: models.RecallRecording, Status: models.StatusScheduled, ScheduledAt: time.Now().UTC()}
	require.NoError(t, db.Create(sess).Error)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		finished int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := repo.Complete(context.Background(), &models.SessionCompletion{
				SessionID:      sess.ID,
				TranscriptText: fmt.Sprintf("transcript from writer %d", i),
				Analysis:       &models.AnalysisResult{EngagementScore: 5, FocusScore: 5, SessionSummary: "s", ParentSummary: "p"},
				CompletedAt:    time.Now().UTC(),
				Event:          &models.LearningEvent{ID: uuid.NewString(), SessionID: sess.ID, Kind: models.EventKindSessionAnalysis, CreatedAt: time.Now().UTC()},
			})
			mu.Lock()
			defer mu.Unlock()
			finished++
			if err == nil {
				winners++
			} else {
				assert.ErrorIs(t, err, utils.ErrAlreadyCompleted)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, finished)
	assert.Equal(t, 1, winners)
	var events int64
	require.NoError(t, db.Model(&models.LearningEvent{}).Where("session_id = ?", sess.ID).Count(&events).Error)
	assert.EqualValues(t, 1, events)
}
