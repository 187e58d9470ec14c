package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BotWebhookEvent is a raw bot delivery, kept for audit and replay.
type BotWebhookEvent struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	DeliveryID string             `bson:"delivery_id" json:"delivery_id"`
	BotID      string             `bson:"bot_id" json:"bot_id"`
	Event      string             `bson:"event" json:"event"`
	Code       string             `bson:"code,omitempty" json:"code,omitempty"`
	Payload    bson.M             `bson:"payload,omitempty" json:"-"`
	ReceivedAt time.Time          `bson:"received_at" json:"received_at"`
}

// BotWebhook is the subset of a bot status delivery the pipeline reads.
type BotWebhook struct {
	Event string `json:"event"`
	Data  struct {
		Bot struct {
			ID       string            `json:"id"`
			Metadata map[string]string `json:"metadata"`
		} `json:"bot"`
		Data struct {
			Code      string `json:"code"`
			SubCode   string `json:"sub_code"`
			UpdatedAt string `json:"updated_at"`
		} `json:"data"`
	} `json:"data"`
}
