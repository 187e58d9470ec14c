// Package notify carries pipeline output to the outside: parent/coach
// notifications over NATS JetStream and live session status over Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const TemplateSessionSummary = "session_summary"

type Notification struct {
	Template  string            `json:"template"`
	SessionID string            `json:"sessionId"`
	ChildID   string            `json:"childId,omitempty"`
	Variables map[string]string `json:"variables"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type NATSNotifier struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewNATSNotifier(ctx context.Context, url, stream string, log *logrus.Logger) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       stream,
		Subjects:   []string{"notifications.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		Duplicates: 24 * time.Hour,
	})
	if err != nil {
		log.WithError(err).WithField("stream", stream).Warn("failed to ensure notification stream")
	}

	return &NATSNotifier{nc: nc, js: js}, nil
}

// Notify publishes to notifications.<template>. The message id is derived from
// template and session so redelivered jobs are dropped by the stream.
func (p *NATSNotifier) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	subject := "notifications." + n.Template
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(n.Template+":"+n.SessionID)); err != nil {
		return fmt.Errorf("failed to publish notification to %s: %w", subject, err)
	}
	return nil
}

func (p *NATSNotifier) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// StatusChannel is the Redis pub/sub channel for a session's live status.
func StatusChannel(sessionID string) string { return "session:" + sessionID + ":status" }

type StatusPublisher interface {
	PublishStatus(ctx context.Context, sessionID, status, message string) error
}

type RedisStatusPublisher struct {
	rdb *redis.Client
}

func NewRedisStatusPublisher(rdb *redis.Client) *RedisStatusPublisher {
	return &RedisStatusPublisher{rdb: rdb}
}

// StatusEvent is the frame sent to live status subscribers.
type StatusEvent struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func EncodeStatus(sessionID, status, message string) ([]byte, error) {
	return json.Marshal(StatusEvent{Type: "status", Status: status, SessionID: sessionID, Message: message})
}

func (p *RedisStatusPublisher) PublishStatus(ctx context.Context, sessionID, status, message string) error {
	b, err := EncodeStatus(sessionID, status, message)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, StatusChannel(sessionID), b).Err()
}
