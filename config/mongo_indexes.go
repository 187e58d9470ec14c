package config

import (
	"context"
	"errors"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// reconciliation log entries are kept for 90 days
const reconciliationLogRetention = 90 * 24 * 60 * 60

func MongoDatabaseName() string {
	if name := os.Getenv("MONGO_DB"); name != "" {
		return name
	}
	return "coachloop"
}

func EnsureMongoIndexes() error {
	if MongoClient == nil {
		return errors.New("MongoClient is nil; call InitMongo() first")
	}
	db := MongoClient.Database(MongoDatabaseName())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logs := db.Collection("reconciliation_logs")
	_, err := logs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().
				SetName("ttl_created_at").
				SetExpireAfterSeconds(reconciliationLogRetention),
		},
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("by_session_created"),
		},
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetName("by_run"),
		},
	})
	if err != nil {
		return err
	}

	// raw bot webhook deliveries, deduplicated by delivery id
	events := db.Collection("bot_webhook_events")
	_, err = events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "delivery_id", Value: 1}},
			Options: options.Index().
				SetName("uniq_delivery_id").
				SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "bot_id", Value: 1}, {Key: "received_at", Value: -1}},
			Options: options.Index().SetName("by_bot_received"),
		},
	})
	return err
}
