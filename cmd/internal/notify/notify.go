// Package notify carries "new direct message" notifications from a committed append to
// the user. The write path only enqueues a Task; a Dispatcher consumes tasks from a Queue,
// renders the message and hands it to every Sink. Nothing here can affect the write.
package notify

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	// ErrQueueFull is returned by bounded queues that cannot accept more tasks.
	ErrQueueFull = errors.New("notify: queue full")
	// ErrInvalidTask is returned for tasks missing required fields.
	ErrInvalidTask = errors.New("notify: invalid task")
)

// Task is the unit handed from the write path to the delivery pipeline.
type Task struct {
	ID          string
	RecipientID int64
	SenderID    int64
	RoomID      int64
	LogID       int64
	CreatedAt   time.Time
	Attempts    int
	// Delivered names the sinks that already accepted this task on an earlier attempt.
	Delivered []string
}

// Validate checks the fields every queue relies on.
func (t Task) Validate() error {
	if t.ID == "" || t.RecipientID == 0 || t.SenderID == 0 {
		return ErrInvalidTask
	}
	return nil
}

// Retry returns the task to requeue after err: Attempts is bumped and any sinks
// reported by a *DeliveryError are recorded so the next attempt skips them.
func (t Task) Retry(err error) Task {
	t.Attempts++
	var de *DeliveryError
	if errors.As(err, &de) {
		merged := slices.Clone(t.Delivered)
		for _, name := range de.Delivered {
			if !slices.Contains(merged, name) {
				merged = append(merged, name)
			}
		}
		t.Delivered = merged
	}
	return t
}

// DeliveryError is a partial failure: Delivered lists the sinks that succeeded.
type DeliveryError struct {
	Delivered []string
	Err       error
}

func (e *DeliveryError) Error() string { return e.Err.Error() }

func (e *DeliveryError) Unwrap() error { return e.Err }

// Notification is the rendered message delivered to sinks.
// ID equals the originating Task.ID so redelivery is idempotent for keyed sinks.
type Notification struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	SenderID  int64     `json:"sender_id"`
	RoomID    int64     `json:"room_id"`
	LogID     int64     `json:"log_id"`
	Content   string    `json:"content"`
	IsHTML    bool      `json:"is_html"`
	CreatedAt time.Time `json:"created_at"`
}

// Handler processes one task; a non-nil error asks the queue to retry.
type Handler func(ctx context.Context, t Task) error

// Queue is the independent delivery mechanism between the write path and the Dispatcher.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	Start(ctx context.Context, concurrency int, h Handler)
	Close() error
}

// Sink is a delivery target for rendered notifications.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Inbox is a Sink that keeps notifications for the recipient to read back.
type Inbox interface {
	Sink
	// List returns userID's newest notifications first, at most limit of them.
	List(ctx context.Context, userID int64, limit int) ([]Notification, error)
}

const (
	defaultInboxLimit = 50
	maxInboxLimit     = 200
)

func inboxLimit(limit int) int {
	if limit <= 0 || limit > maxInboxLimit {
		return defaultInboxLimit
	}
	return limit
}
