package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yoockh/coachloop/internal/models"
	"github.com/yoockh/coachloop/internal/utils"
)

type CandidateQuery struct {
	ScheduledBefore time.Time
	MaxRetries      int
	Limit           int
}

// SessionRepository owns every write to sessions. All state changes are
// conditional on the session not being completed.
type SessionRepository interface {
	GetByID(ctx context.Context, id string) (*models.Session, error)
	GetByBotID(ctx context.Context, botID string) (*models.Session, error)
	FindReconcileCandidates(ctx context.Context, q CandidateQuery) ([]models.Session, error)
	RecentCompleted(ctx context.Context, childID string, n int) ([]models.Session, error)

	UpdateRecallStatus(ctx context.Context, id, status string) (bool, error)
	MarkTerminal(ctx context.Context, id, status string, errs []string) (bool, error)
	IncrementRetry(ctx context.Context, id string, maxRetries int, errs []string) (int, error)
	RevertRetry(ctx context.Context, id string, count int) error
	ResetRetries(ctx context.Context, id string) error
	Complete(ctx context.Context, c *models.SessionCompletion) error
	MarkNotified(ctx context.Context, id string, at time.Time) error
}

type sessionRepo struct {
	db *gorm.DB
}

func NewSessionRepo(db *gorm.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) GetByID(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &s, err
}

func (r *sessionRepo) GetByBotID(ctx context.Context, botID string) (*models.Session, error) {
	var s models.Session
	err := r.db.WithContext(ctx).Where("bot_id = ?", botID).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &s, err
}

func (r *sessionRepo) FindReconcileCandidates(ctx context.Context, q CandidateQuery) ([]models.Session, error) {
	if q.Limit <= 0 {
		q.Limit = 25
	}
	var rows []models.Session
	err := r.db.WithContext(ctx).
		Where("bot_id IS NOT NULL AND bot_id <> ''").
		Where("transcript_text IS NULL OR transcript_text = ''").
		Where("recall_status IN ?", models.ActiveRecallStatuses).
		Where("status <> ?", models.StatusCancelled).
		Where("scheduled_at < ?", q.ScheduledBefore.UTC()).
		Where("retry_count < ?", q.MaxRetries).
		Order("scheduled_at ASC").
		Limit(q.Limit).
		Find(&rows).Error
	return rows, err
}

func (r *sessionRepo) RecentCompleted(ctx context.Context, childID string, n int) ([]models.Session, error) {
	if n <= 0 {
		n = 5
	}
	var rows []models.Session
	err := r.db.WithContext(ctx).
		Select("id", "analysis", "completed_at").
		Where("child_id = ? AND recall_status = ?", childID, models.RecallCompleted).
		Order("completed_at DESC").
		Limit(n).
		Find(&rows).Error
	return rows, err
}

func (r *sessionRepo) notCompleted(ctx context.Context, id string) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND recall_status <> ?", id, models.RecallCompleted)
}

// UpdateRecallStatus moves a live session to status. Terminal sessions
// (completed, failed, no_transcript) are left alone.
func (r *sessionRepo) UpdateRecallStatus(ctx context.Context, id, status string) (bool, error) {
	res := r.notCompleted(ctx, id).
		Where("recall_status NOT IN ?", []string{models.RecallFailed, models.RecallNoTranscript}).
		Updates(map[string]any{"recall_status": status, "updated_at": time.Now().UTC()})
	return res.RowsAffected > 0, res.Error
}

func (r *sessionRepo) MarkTerminal(ctx context.Context, id, status string, errs []string) (bool, error) {
	updates := map[string]any{"recall_status": status, "updated_at": time.Now().UTC()}
	if len(errs) > 0 {
		updates["analysis_errors"] = pq.StringArray(errs)
	}
	res := r.notCompleted(ctx, id).Updates(updates)
	return res.RowsAffected > 0, res.Error
}

// IncrementRetry bumps retry_count, returns the session to pending and flags
// it. It returns the new count, ErrRetriesExhausted once maxRetries is
// reached, or ErrAlreadyCompleted.
func (r *sessionRepo) IncrementRetry(ctx context.Context, id string, maxRetries int, errs []string) (int, error) {
	var count int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s models.Session
		if err := tx.Clauses(lockForUpdate(tx)...).Where("id = ?", id).Take(&s).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrNotFound
			}
			return err
		}
		if s.IsCompleted() {
			return utils.ErrAlreadyCompleted
		}
		if s.RetryCount >= maxRetries {
			return ErrRetriesExhausted
		}

		res := tx.Model(&models.Session{}).
			Where("id = ? AND retry_count = ? AND recall_status <> ?", id, s.RetryCount, models.RecallCompleted).
			Updates(map[string]any{
				"retry_count":           gorm.Expr("retry_count + 1"),
				"recall_status":         models.RecallPending,
				"flagged_for_attention": true,
				"analysis_errors":       pq.StringArray(errs),
				"updated_at":            time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// a concurrent writer got there first
			return utils.ErrAlreadyCompleted
		}
		count = s.RetryCount + 1
		return nil
	})
	return count, err
}

// RevertRetry undoes an IncrementRetry that returned count when the follow-up
// job could not be queued. It is a no-op if anything moved the session since.
func (r *sessionRepo) RevertRetry(ctx context.Context, id string, count int) error {
	return r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND retry_count = ? AND recall_status <> ?", id, count, models.RecallCompleted).
		Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count - 1"),
			"updated_at":  time.Now().UTC(),
		}).Error
}

func (r *sessionRepo) ResetRetries(ctx context.Context, id string) error {
	res := r.notCompleted(ctx, id).Updates(map[string]any{
		"retry_count":   0,
		"recall_status": models.RecallPending,
		"updated_at":    time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrAlreadyCompleted
	}
	return nil
}

// Complete writes the analysis, the learning event and the child counter in
// one transaction. Exactly one caller wins; the rest get ErrAlreadyCompleted.
func (r *sessionRepo) Complete(ctx context.Context, c *models.SessionCompletion) error {
	if c.Analysis == nil {
		return errors.New("session completion without analysis")
	}
	analysis, err := marshalJSON(c.Analysis)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"recall_status":         models.RecallCompleted,
			"status":                models.StatusCompleted,
			"transcript_text":       c.TranscriptText,
			"analysis":              analysis,
			"analysis_provider":     c.Provider,
			"analysis_errors":       pq.StringArray(c.Errors),
			"flagged_for_attention": c.Analysis.FlaggedForAttention || c.Analysis.SafetyFlag,
			"safety_flag":           c.Analysis.SafetyFlag,
			"completed_at":          c.CompletedAt.UTC(),
			"updated_at":            time.Now().UTC(),
		}
		if c.RecordingURL != "" {
			updates["recording_url"] = c.RecordingURL
		}
		if c.AudioStoragePath != "" {
			updates["audio_storage_path"] = c.AudioStoragePath
		}
		if c.DurationSeconds > 0 {
			updates["duration_seconds"] = c.DurationSeconds
		}
		if len(c.Attendance) > 0 {
			updates["attendance"] = c.Attendance
		}

		res := tx.Model(&models.Session{}).
			Where("id = ? AND recall_status <> ?", c.SessionID, models.RecallCompleted).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.ErrAlreadyCompleted
		}

		if c.Event != nil {
			var existing int64
			if err := tx.Model(&models.LearningEvent{}).
				Where("session_id = ? AND kind = ?", c.Event.SessionID, c.Event.Kind).
				Count(&existing).Error; err != nil {
				return err
			}
			if existing == 0 {
				err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "session_id"}, {Name: "kind"}},
					DoNothing: true,
				}).Create(c.Event).Error
				if err != nil && !IsUniqueViolation(err) {
					return err
				}
			}

			if c.Event.ChildID != nil {
				if err := tx.Model(&models.Child{}).
					Where("id = ?", *c.Event.ChildID).
					Updates(map[string]any{
						"sessions_completed": gorm.Expr("sessions_completed + 1"),
						"updated_at":         time.Now().UTC(),
					}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (r *sessionRepo) MarkNotified(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND notified_at IS NULL", id).
		Update("notified_at", at.UTC()).Error
}

// sqlite has no row locks; the conditional update still guards it
func lockForUpdate(tx *gorm.DB) []clause.Expression {
	if tx.Dialector.Name() == "postgres" {
		return []clause.Expression{clause.Locking{Strength: "UPDATE"}}
	}
	return nil
}
