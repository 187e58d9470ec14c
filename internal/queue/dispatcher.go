package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/coachloop/internal/signature"
	"github.com/yoockh/coachloop/internal/utils"
)

const SignatureHeader = "signature"

// Dispatcher drains the job stream through a consumer group and POSTs each
// job to its topic's callback URL. Entries are acked on success or on a
// response that redelivery cannot fix (400, 401); anything else stays pending
// and is reclaimed after ClaimIdle.
type Dispatcher struct {
	Redis      *redis.Client
	Queue      *RedisQueue
	Routes     map[string]string // topic -> callback URL
	SigningKey string
	HTTP       *http.Client
	NumWorkers int

	Logger *logrus.Logger

	Group          string
	ConsumerPrefix string
	ClaimIdle      time.Duration
	MaxDeliveries  int64
	DeadStream     string
}

func (d *Dispatcher) Start(ctx context.Context) error {
	if d.Redis == nil || d.Queue == nil || d.SigningKey == "" || len(d.Routes) == 0 {
		return errors.New("Dispatcher missing dependency: Redis/Queue/SigningKey/Routes must be set")
	}
	d.defaults()

	_ = d.Redis.XGroupCreateMkStream(ctx, d.Queue.Stream(), d.Group, "0").Err() // ignore BUSYGROUP

	for i := 0; i < d.NumWorkers; i++ {
		consumer := d.ConsumerPrefix + "-" + strconv.Itoa(i+1)
		go d.runConsumer(ctx, consumer)
	}
	go d.runPromoter(ctx)
	go d.runReclaimer(ctx, d.ConsumerPrefix+"-reclaim")
	return nil
}

func (d *Dispatcher) defaults() {
	if d.Group == "" {
		d.Group = "job-dispatchers"
	}
	if d.ConsumerPrefix == "" {
		d.ConsumerPrefix = "d"
	}
	if d.NumWorkers <= 0 {
		d.NumWorkers = 4
	}
	if d.ClaimIdle <= 0 {
		d.ClaimIdle = 10 * time.Minute
	}
	if d.MaxDeliveries <= 0 {
		d.MaxDeliveries = 10
	}
	if d.DeadStream == "" {
		d.DeadStream = d.Queue.Stream() + ":dead"
	}
	if d.HTTP == nil {
		// a delivery may run the full analysis job
		d.HTTP = &http.Client{Timeout: 6 * time.Minute}
	}
	if d.Logger == nil {
		d.Logger = logrus.New()
	}
}

func (d *Dispatcher) runConsumer(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := d.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    d.Group,
			Consumer: consumer,
			Streams:  []string{d.Queue.Stream(), ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				d.handleMsg(ctx, msg)
			}
		}
	}
}

func (d *Dispatcher) runPromoter(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n, err := d.Queue.PromoteDue(ctx, now, 100); err != nil {
				d.Logger.WithError(err).Warn("promote delayed jobs failed")
			} else if n > 0 {
				d.Logger.WithField("count", n).Debug("promoted delayed jobs")
			}
		}
	}
}

func (d *Dispatcher) runReclaimer(ctx context.Context, consumer string) {
	t := time.NewTicker(d.ClaimIdle / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.reclaim(ctx, consumer)
		}
	}
}

func (d *Dispatcher) reclaim(ctx context.Context, consumer string) {
	start := "0-0"
	for {
		msgs, next, err := d.Redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   d.Queue.Stream(),
			Group:    d.Group,
			Consumer: consumer,
			MinIdle:  d.ClaimIdle,
			Start:    start,
			Count:    20,
		}).Result()
		if err != nil {
			d.Logger.WithError(err).Warn("reclaim pending jobs failed")
			return
		}
		for _, msg := range msgs {
			if d.exhausted(ctx, msg.ID) {
				if err := d.deadLetter(ctx, msg); err != nil {
					d.Logger.WithError(err).WithField("redis_id", msg.ID).Error("dead-letter write failed, job left pending")
				}
				continue
			}
			d.handleMsg(ctx, msg)
		}
		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (d *Dispatcher) exhausted(ctx context.Context, id string) bool {
	pending, err := d.Redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: d.Queue.Stream(),
		Group:  d.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return false
	}
	return pending[0].RetryCount > d.MaxDeliveries
}

// deadLetter copies msg to the dead stream and acks it. The entry stays
// pending when the copy fails.
func (d *Dispatcher) deadLetter(ctx context.Context, msg redis.XMessage) error {
	if err := d.Redis.XAdd(ctx, &redis.XAddArgs{Stream: d.DeadStream, Values: msg.Values}).Err(); err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
	}
	if err := d.Redis.XAck(ctx, d.Queue.Stream(), d.Group, msg.ID).Err(); err != nil {
		d.Logger.WithError(err).WithField("redis_id", msg.ID).Warn("ack after dead-letter failed")
	}
	d.Logger.WithField("redis_id", msg.ID).Error("job exceeded max deliveries, moved to dead stream")
	return nil
}

func (d *Dispatcher) handleMsg(ctx context.Context, msg redis.XMessage) {
	job, err := decodeJob(msg)
	if err != nil {
		d.Logger.WithError(err).Error("dropping undecodable job")
		_ = d.Redis.XAck(ctx, d.Queue.Stream(), d.Group, msg.ID).Err()
		return
	}

	log := d.Logger.WithFields(logrus.Fields{
		"redis_id":   msg.ID,
		"job_id":     job.ID,
		"topic":      job.Topic,
		"request_id": job.RequestID,
		"attempt":    job.Attempt,
	})

	ack, err := d.Deliver(ctx, job)
	if err != nil {
		log.WithError(err).Warn("job delivery failed")
	}
	if ack {
		_ = d.Redis.XAck(ctx, d.Queue.Stream(), d.Group, msg.ID).Err()
	}
}

// Deliver POSTs one job and reports whether it should be acked.
func (d *Dispatcher) Deliver(ctx context.Context, job *Job) (bool, error) {
	url, ok := d.Routes[job.Topic]
	if !ok {
		return true, fmt.Errorf("no route for topic %q", job.Topic)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(job.Payload))
	if err != nil {
		return true, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature.Sign(d.SigningKey, job.Payload, time.Now()))
	req.Header.Set("X-Job-Id", job.ID)
	if job.RequestID != "" {
		req.Header.Set("X-Request-Id", job.RequestID)
	}

	resp, err := d.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}
	if !utils.Redeliverable(resp.StatusCode) {
		return true, fmt.Errorf("callback rejected job: status %d", resp.StatusCode)
	}
	return false, fmt.Errorf("callback failed: status %d", resp.StatusCode)
}
