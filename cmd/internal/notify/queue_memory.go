package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultMemoryRetryDelay = 2 * time.Second

// MemoryQueue is the in-process Queue used when Redis is not configured.
// Tasks are lost on restart; Enqueue never blocks.
type MemoryQueue struct {
	log        *slog.Logger
	ch         chan Task
	maxRetries int
	retryDelay time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// MemoryQueueOption configures a MemoryQueue.
type MemoryQueueOption func(*MemoryQueue)

// WithRetryDelay sets the wait before a failed task is requeued.
func WithRetryDelay(d time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if d > 0 {
			q.retryDelay = d
		}
	}
}

// NewMemoryQueue constructs a MemoryQueue with a bounded buffer.
func NewMemoryQueue(log *slog.Logger, size, maxRetries int, opts ...MemoryQueueOption) *MemoryQueue {
	if log == nil {
		log = slog.Default()
	}
	q := &MemoryQueue{
		log:        log,
		ch:         make(chan Task, positiveInt(size, 1024)),
		maxRetries: positiveInt(maxRetries, 5),
		retryDelay: defaultMemoryRetryDelay,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Enqueue implements Queue. It returns ErrQueueFull instead of blocking.
func (q *MemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-q.done:
		return ErrQueueFull
	default:
	}
	select {
	case q.ch <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start implements Queue.
func (q *MemoryQueue) Start(ctx context.Context, concurrency int, h Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		go q.consumeLoop(ctx, h)
	}
}

// Close stops consumers and rejects further tasks.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// Len reports the number of buffered tasks.
func (q *MemoryQueue) Len() int { return len(q.ch) }

func (q *MemoryQueue) consumeLoop(ctx context.Context, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case t := <-q.ch:
			err := h(ctx, t)
			if err == nil {
				continue
			}
			t = t.Retry(err)
			if t.Attempts >= q.maxRetries {
				q.log.Warn("notify.queue.drop", "task_id", t.ID, "attempts", t.Attempts)
				continue
			}
			go q.requeueAfter(ctx, t)
		}
	}
}

// requeueAfter puts t back once retryDelay has passed. The consumer is not held
// during the wait.
func (q *MemoryQueue) requeueAfter(ctx context.Context, t Task) {
	timer := time.NewTimer(q.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-q.done:
		return
	case <-timer.C:
	}
	select {
	case q.ch <- t:
	default:
		q.log.Warn("notify.queue.drop", "task_id", t.ID, "attempts", t.Attempts, "reason", "full")
	}
}
