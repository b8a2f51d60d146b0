package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig configures RedisQueue. Zero values take defaults.
type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

// RedisQueue is a Queue on a Redis stream with a consumer group.
//
// Delivery is at-least-once: a task is acked only after the handler succeeds, retried
// by re-adding it with an incremented attempt counter, and dropped after MaxRetries.
// Messages left pending by a dead consumer are reclaimed after ClaimIdle.
type RedisQueue struct {
	log          *slog.Logger
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

// NewRedisQueue constructs a RedisQueue. It does not contact Redis.
func NewRedisQueue(log *slog.Logger, cfg RedisQueueConfig) (*RedisQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("notify: redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "dmroom:notifications"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "dispatch"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = "dispatcher"
	}
	if log == nil {
		log = slog.Default()
	}

	return &RedisQueue{
		log:          log,
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		maxRetries:   positiveInt(cfg.MaxRetries, 5),
		block:        positiveDuration(cfg.Block, 5*time.Second),
		claimIdle:    positiveDuration(cfg.ClaimIdle, 30*time.Second),
		retryDelay:   positiveDuration(cfg.RetryDelay, 2*time.Second),
		maxLen:       positiveInt64(cfg.MaxLen, 100_000),
		readCount:    positiveInt64(cfg.ReadCount, 16),
		claimCount:   positiveInt64(cfg.ClaimCount, 16),
	}, nil
}

// Ping checks Redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Enqueue appends a task to the stream.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: encodeTask(t),
	}).Err()
}

// Start launches concurrency consumer goroutines that run until ctx is done.
func (q *RedisQueue) Start(ctx context.Context, concurrency int, h Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, h)
	}
}

func (q *RedisQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		// "0" so tasks enqueued before the first consumer started are not skipped.
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.log.Warn("notify.queue.group.fail", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisQueue) consumeLoop(ctx context.Context, consumer string, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, h)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.log.Warn("notify.queue.read.fail", "consumer", consumer, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.retryDelay):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, h)
			}
		}
	}
}

func (q *RedisQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisQueue) handleMessage(ctx context.Context, msg redis.XMessage, h Handler) {
	t, err := decodeTask(msg.Values)
	if err != nil {
		q.log.Warn("notify.queue.decode.fail", "msg_id", msg.ID, "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}

	err = h(ctx, t)
	if err == nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}

	t = t.Retry(err)
	if t.Attempts >= q.maxRetries {
		q.log.Warn("notify.queue.drop", "task_id", t.ID, "attempts", t.Attempts)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	if err := q.requeueAndAck(ctx, msg.ID, t); err != nil {
		// Left pending; XAutoClaim picks it up after claimIdle.
		q.log.Warn("notify.queue.requeue.fail", "task_id", t.ID, "err", err)
	}
}

func (q *RedisQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisQueue) requeueAndAck(ctx context.Context, msgID string, t Task) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: encodeTask(t),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func encodeTask(t Task) map[string]any {
	return map[string]any{
		"task_id":      t.ID,
		"recipient_id": strconv.FormatInt(t.RecipientID, 10),
		"sender_id":    strconv.FormatInt(t.SenderID, 10),
		"room_id":      strconv.FormatInt(t.RoomID, 10),
		"log_id":       strconv.FormatInt(t.LogID, 10),
		"created_at":   t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"attempts":     strconv.Itoa(t.Attempts),
		"delivered":    strings.Join(t.Delivered, ","),
	}
}

func decodeTask(values map[string]any) (Task, error) {
	str := func(k string) string {
		s, _ := values[k].(string)
		return s
	}
	num := func(k string) (int64, error) {
		raw := str(k)
		if raw == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", k, err)
		}
		return n, nil
	}

	t := Task{ID: str("task_id")}
	var err error
	if t.RecipientID, err = num("recipient_id"); err != nil {
		return Task{}, err
	}
	if t.SenderID, err = num("sender_id"); err != nil {
		return Task{}, err
	}
	if t.RoomID, err = num("room_id"); err != nil {
		return Task{}, err
	}
	if t.LogID, err = num("log_id"); err != nil {
		return Task{}, err
	}
	attempts, err := num("attempts")
	if err != nil {
		return Task{}, err
	}
	t.Attempts = int(attempts)
	if raw := str("delivered"); raw != "" {
		t.Delivered = strings.Split(raw, ",")
	}
	if raw := str("created_at"); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			t.CreatedAt = ts
		}
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

func positiveInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func positiveInt64(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}

func positiveDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
