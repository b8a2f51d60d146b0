package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"dmroom/cmd/internal/people"
)

// Recorder observes per-sink delivery outcomes.
type Recorder interface {
	NotificationDelivered(sink string, ok bool)
}

type nopRecorder struct{}

func (nopRecorder) NotificationDelivered(string, bool) {}

// Dispatcher renders tasks into notifications and fans them out to sinks.
type Dispatcher struct {
	log   *slog.Logger
	names people.Directory
	sinks []Sink
	rec   Recorder
	now   func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		if rec != nil {
			d.rec = rec
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher constructs a Dispatcher. names must not be nil.
func NewDispatcher(log *slog.Logger, names people.Directory, sinks []Sink, opts ...DispatcherOption) (*Dispatcher, error) {
	if names == nil {
		return nil, errors.New("notify: nil directory")
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		log:   log,
		names: names,
		sinks: append([]Sink(nil), sinks...),
		rec:   nopRecorder{},
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Handle implements Handler.
func (d *Dispatcher) Handle(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		// Not retryable.
		d.log.Warn("notify.task.invalid", "task_id", t.ID, "recipient_id", t.RecipientID)
		return nil
	}

	name, err := d.names.GetDisplayName(ctx, t.SenderID)
	switch {
	case errors.Is(err, people.ErrUserNotFound):
		name = strconv.FormatInt(t.SenderID, 10)
	case err != nil:
		return fmt.Errorf("display name: %w", err)
	}

	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = d.now()
	}
	n := Notification{
		ID:        t.ID,
		UserID:    t.RecipientID,
		SenderID:  t.SenderID,
		RoomID:    t.RoomID,
		LogID:     t.LogID,
		Content:   Message(t.SenderID, name),
		IsHTML:    true,
		CreatedAt: createdAt,
	}

	delivered := slices.Clone(t.Delivered)
	var errs []error
	for _, s := range d.sinks {
		if slices.Contains(t.Delivered, s.Name()) {
			continue
		}
		if err := s.Deliver(ctx, n); err != nil {
			d.rec.NotificationDelivered(s.Name(), false)
			d.log.Warn("notify.deliver.fail", "sink", s.Name(), "task_id", t.ID, "attempt", t.Attempts+1, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		d.rec.NotificationDelivered(s.Name(), true)
		delivered = append(delivered, s.Name())
	}
	if len(errs) == 0 {
		return nil
	}
	return &DeliveryError{Delivered: delivered, Err: errors.Join(errs...)}
}

// Message renders the notification body for a new direct message from senderID.
func Message(senderID int64, displayName string) string {
	return fmt.Sprintf(`New Message from <a href="/home/direct-message/%d">%s</a>`, senderID, html.EscapeString(displayName))
}
