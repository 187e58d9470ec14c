package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/yoockh/coachloop/internal/models"
	"github.com/yoockh/coachloop/internal/utils"
)

type LearningEventRepository interface {
	GetBySession(ctx context.Context, sessionID, kind string) (*models.LearningEvent, error)
	LatestByChild(ctx context.Context, childID string, n int) ([]models.LearningEvent, error)
}

type learningEventRepo struct {
	db *gorm.DB
}

func NewLearningEventRepo(db *gorm.DB) LearningEventRepository {
	return &learningEventRepo{db: db}
}

func (r *learningEventRepo) GetBySession(ctx context.Context, sessionID, kind string) (*models.LearningEvent, error) {
	var e models.LearningEvent
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND kind = ?", sessionID, kind).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &e, err
}

func (r *learningEventRepo) LatestByChild(ctx context.Context, childID string, n int) ([]models.LearningEvent, error) {
	if n <= 0 {
		n = 5
	}
	var rows []models.LearningEvent
	err := r.db.WithContext(ctx).
		Omit("embedding").
		Where("child_id = ?", childID).
		Order("created_at DESC").
		Limit(n).
		Find(&rows).Error
	return rows, err
}
