package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/yoockh/coachloop/internal/models"
	"github.com/yoockh/coachloop/internal/utils"
)

type ChildRepository interface {
	GetByID(ctx context.Context, id string) (*models.Child, error)
}

type childRepo struct {
	db *gorm.DB
}

func NewChildRepo(db *gorm.DB) ChildRepository {
	return &childRepo{db: db}
}

func (r *childRepo) GetByID(ctx context.Context, id string) (*models.Child, error) {
	var c models.Child
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &c, err
}
