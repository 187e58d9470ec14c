package postgres

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/yoockh/coachloop/internal/models"
)

// Migrate brings the schema up to date.
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "001_pipeline_tables",
			Migrate: func(tx *gorm.DB) error {
				if tx.Dialector.Name() == "postgres" {
					if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
						return err
					}
				}
				return tx.AutoMigrate(&models.Child{}, &models.Session{}, &models.LearningEvent{}, &models.BotSession{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("bot_sessions", "learning_events", "sessions", "children")
			},
		},
		{
			// narrows the reconciliation sweep to live sessions with a bot
			ID: "002_sessions_reconcile_index",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_reconcile
					ON sessions (scheduled_at)
					WHERE bot_id IS NOT NULL AND recall_status IN ('pending','scheduled','in_meeting','recording')`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_sessions_reconcile").Error
			},
		},
	})
	return m.Migrate()
}
