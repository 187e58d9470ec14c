package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/yoockh/coachloop/internal/models"
)

// ReconciliationLogRepository is append-only.
type ReconciliationLogRepository interface {
	Insert(ctx context.Context, e *models.ReconciliationLogEntry) error
	ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.ReconciliationLogEntry, error)
	ListByRun(ctx context.Context, runID string) ([]models.ReconciliationLogEntry, error)
}

type reconciliationLogRepo struct {
	col *mongo.Collection
}

func NewReconciliationLogRepo(db *mongo.Database) ReconciliationLogRepository {
	return &reconciliationLogRepo{col: db.Collection("reconciliation_logs")}
}

func (r *reconciliationLogRepo) Insert(ctx context.Context, e *models.ReconciliationLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.col.InsertOne(ctx, e)
	return err
}

func (r *reconciliationLogRepo) ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.ReconciliationLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	return r.find(ctx, bson.M{"session_id": sessionID}, opts)
}

func (r *reconciliationLogRepo) ListByRun(ctx context.Context, runID string) ([]models.ReconciliationLogEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	return r.find(ctx, bson.M{"run_id": runID}, opts)
}

func (r *reconciliationLogRepo) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.ReconciliationLogEntry, error) {
	cur, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.ReconciliationLogEntry
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
