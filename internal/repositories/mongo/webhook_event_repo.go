package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/yoockh/coachloop/internal/models"
)

type WebhookEventRepository interface {
	// Insert stores a raw delivery. duplicate is true when the delivery id was seen before.
	Insert(ctx context.Context, e *models.BotWebhookEvent) (duplicate bool, err error)
	// Release forgets a delivery so a redelivery of it is processed again.
	Release(ctx context.Context, deliveryID string) error
}

type webhookEventRepo struct {
	col *mongo.Collection
}

func NewWebhookEventRepo(db *mongo.Database) WebhookEventRepository {
	return &webhookEventRepo{col: db.Collection("bot_webhook_events")}
}

func (r *webhookEventRepo) Insert(ctx context.Context, e *models.BotWebhookEvent) (bool, error) {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	_, err := r.col.InsertOne(ctx, e)
	if mongo.IsDuplicateKeyError(err) {
		return true, nil
	}
	return false, err
}

func (r *webhookEventRepo) Release(ctx context.Context, deliveryID string) error {
	_, err := r.col.DeleteOne(ctx, bson.M{"delivery_id": deliveryID})
	return err
}
