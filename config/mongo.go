package config

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoClient stores the reconciliation audit log and raw webhook deliveries.
var MongoClient *mongo.Client

func InitMongo() error {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		return errors.New("MONGO_URI environment variable is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), getEnvAsDuration("MONGO_CONNECT_TIMEOUT", 20*time.Second))
	defer cancel()

	clientOpts := options.Client().ApplyURI(uri).
		SetAppName("coachloop").
		SetServerSelectionTimeout(15 * time.Second).
		SetMaxPoolSize(uint64(getEnvAsInt("MONGO_MAX_POOL_SIZE", 10))).
		SetMinPoolSize(1)

	// Atlas clusters behind older proxies need TLS pinned to 1.2
	if getEnvAsBool("MONGO_FORCE_TLS12", false) {
		clientOpts = clientOpts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS12,
		})
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return err
	}

	MongoClient = client
	return nil
}
