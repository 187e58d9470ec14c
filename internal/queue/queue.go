// Package queue is the durable job store: an at-least-once Redis Streams
// queue with delayed delivery, drained by a dispatcher that calls back into
// the HTTP API with signed requests.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Job is the envelope stored in the stream and the delayed set.
type Job struct {
	ID        string          `json:"jobId"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attemptCount"`
	RequestID string          `json:"requestId,omitempty"`
	NotBefore time.Time       `json:"notBefore,omitempty"`
}

type EnqueueOptions struct {
	Delay     time.Duration
	RequestID string
	Attempt   int
}

type Enqueuer interface {
	Enqueue(ctx context.Context, topic string, payload any, opts EnqueueOptions) (jobID string, err error)
}

type RedisQueue struct {
	rdb        *redis.Client
	stream     string
	delayedKey string
}

func NewRedisQueue(rdb *redis.Client, stream, delayedKey string) *RedisQueue {
	if stream == "" {
		stream = "jobs:stream"
	}
	if delayedKey == "" {
		delayedKey = "jobs:delayed"
	}
	return &RedisQueue{rdb: rdb, stream: stream, delayedKey: delayedKey}
}

func (q *RedisQueue) Stream() string { return q.stream }

func (q *RedisQueue) Enqueue(ctx context.Context, topic string, payload any, opts EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}
	job := Job{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   raw,
		Attempt:   opts.Attempt,
		RequestID: opts.RequestID,
	}

	if opts.Delay > 0 {
		job.NotBefore = time.Now().Add(opts.Delay).UTC()
		b, err := json.Marshal(job)
		if err != nil {
			return "", err
		}
		err = q.rdb.ZAdd(ctx, q.delayedKey, redis.Z{
			Score:  float64(job.NotBefore.UnixMilli()),
			Member: string(b),
		}).Err()
		if err != nil {
			return "", err
		}
		return job.ID, nil
	}

	b, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	if err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"job": string(b), "topic": topic},
	}).Err(); err != nil {
		return "", err
	}
	return job.ID, nil
}

// moves due members from the delayed set onto the stream atomically
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, member in ipairs(due) do
	redis.call("ZREM", KEYS[1], member)
	redis.call("XADD", KEYS[2], "*", "job", member)
end
return #due`)

// PromoteDue moves up to limit delayed jobs whose time has come onto the stream.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	n, err := promoteScript.Run(ctx, q.rdb, []string{q.delayedKey, q.stream},
		strconv.FormatInt(now.UnixMilli(), 10), limit).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func decodeJob(msg redis.XMessage) (*Job, error) {
	s, _ := msg.Values["job"].(string)
	if s == "" {
		return nil, fmt.Errorf("stream entry %s has no job field", msg.ID)
	}
	var j Job
	if err := json.Unmarshal([]byte(s), &j); err != nil {
		return nil, fmt.Errorf("decode stream entry %s: %w", msg.ID, err)
	}
	return &j, nil
}
