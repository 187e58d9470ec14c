package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yoockh/coachloop/internal/models"
)

type BotSessionRepository interface {
	Upsert(ctx context.Context, b *models.BotSession) error
	MarkCompleted(ctx context.Context, botID string, at time.Time) error
}

type botSessionRepo struct {
	db *gorm.DB
}

func NewBotSessionRepo(db *gorm.DB) BotSessionRepository {
	return &botSessionRepo{db: db}
}

// Upsert records the latest event for a bot. A completed row keeps its status.
func (r *botSessionRepo) Upsert(ctx context.Context, b *models.BotSession) error {
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "bot_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"last_event": b.LastEvent,
				"updated_at": b.UpdatedAt,
				"status":     gorm.Expr("CASE WHEN bot_sessions.status = ? THEN bot_sessions.status ELSE ? END", "completed", b.Status),
				"session_id": gorm.Expr("COALESCE(bot_sessions.session_id, ?)", b.SessionID),
			}),
		}).
		Create(b).Error
}

func (r *botSessionRepo) MarkCompleted(ctx context.Context, botID string, at time.Time) error {
	now := at.UTC()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bot_id"}},
			DoUpdates: clause.Assignments(map[string]any{"status": "completed", "completed_at": now, "updated_at": now}),
		}).
		Create(&models.BotSession{BotID: botID, Status: "completed", CompletedAt: &now, UpdatedAt: now}).Error
}
