package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"dmroom/cmd/internal/people"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingSink struct{ err error }

func (f failingSink) Name() string { return "failing" }

func (f failingSink) Deliver(context.Context, Notification) error { return f.err }

type countingRecorder struct {
	mu  sync.Mutex
	got map[string][2]int
}

func (c *countingRecorder) NotificationDelivered(sink string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.got == nil {
		c.got = make(map[string][2]int)
	}
	v := c.got[sink]
	if ok {
		v[0]++
	} else {
		v[1]++
	}
	c.got[sink] = v
}

func mustList(t *testing.T, inbox Inbox, userID int64) []Notification {
	t.Helper()

	got, err := inbox.List(context.Background(), userID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return got
}

func TestMessage_EscapesDisplayName(t *testing.T) {
	t.Parallel()

	got := Message(7, `<b>eve</b>`)
	want := `New Message from <a href="/home/direct-message/7">&lt;b&gt;eve&lt;/b&gt;</a>`
	if got != want {
		t.Fatalf("Message()=%q want=%q", got, want)
	}
}

func TestDispatcher_DeliversToRecipient(t *testing.T) {
	t.Parallel()

	names := people.NewMemoryStore()
	names.SetDisplayName(1, "alice")
	inbox := NewMemoryInbox()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d, err := NewDispatcher(discardLogger(), names, []Sink{inbox}, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	task := Task{ID: "t-1", RecipientID: 2, SenderID: 1, RoomID: 10, LogID: 100}
	if err := d.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// Redelivery is absorbed by the keyed sink.
	if err := d.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle again: %v", err)
	}

	got := mustList(t, inbox, 2)
	if len(got) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(got))
	}
	n := got[0]
	if n.ID != "t-1" || n.UserID != 2 || n.RoomID != 10 || n.LogID != 100 || !n.IsHTML {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if !strings.Contains(n.Content, ">alice</a>") {
		t.Fatalf("content missing display name: %q", n.Content)
	}
	if !n.CreatedAt.Equal(fixed) {
		t.Fatalf("created_at=%v want=%v", n.CreatedAt, fixed)
	}
	if len(mustList(t, inbox, 1)) != 0 {
		t.Fatalf("sender must not be notified")
	}
}

func TestDispatcher_UnknownSenderFallsBackToID(t *testing.T) {
	t.Parallel()

	inbox := NewMemoryInbox()
	d, _ := NewDispatcher(discardLogger(), people.NewMemoryStore(), []Sink{inbox})

	if err := d.Handle(context.Background(), Task{ID: "t-2", RecipientID: 2, SenderID: 42}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := mustList(t, inbox, 2)
	if len(got) != 1 || !strings.Contains(got[0].Content, ">42</a>") {
		t.Fatalf("unexpected notifications: %+v", got)
	}
}

func TestDispatcher_SinkFailureIsReportedForRetry(t *testing.T) {
	t.Parallel()

	names := people.NewMemoryStore()
	names.SetDisplayName(1, "alice")
	inbox := NewMemoryInbox()
	boom := errors.New("boom")
	rec := &countingRecorder{}

	d, _ := NewDispatcher(discardLogger(), names, []Sink{failingSink{err: boom}, inbox}, WithRecorder(rec))

	err := d.Handle(context.Background(), Task{ID: "t-3", RecipientID: 2, SenderID: 1})
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if len(mustList(t, inbox, 2)) != 1 {
		t.Fatalf("healthy sink must still receive the notification")
	}
	if rec.got["failing"] != [2]int{0, 1} || rec.got["memory_inbox"] != [2]int{1, 0} {
		t.Fatalf("unexpected recorder counts: %+v", rec.got)
	}

	var de *DeliveryError
	if !errors.As(err, &de) || len(de.Delivered) != 1 || de.Delivered[0] != "memory_inbox" {
		t.Fatalf("expected memory_inbox reported as delivered, got %v", err)
	}
}

func TestDispatcher_SkipsSinksAlreadyDelivered(t *testing.T) {
	t.Parallel()

	names := people.NewMemoryStore()
	inbox := NewMemoryInbox()
	rec := &countingRecorder{}
	d, _ := NewDispatcher(discardLogger(), names, []Sink{inbox}, WithRecorder(rec))

	task := Task{ID: "t-4", RecipientID: 2, SenderID: 1, Attempts: 1, Delivered: []string{"memory_inbox"}}
	if err := d.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n := len(mustList(t, inbox, 2)); n != 0 {
		t.Fatalf("delivered sink must be skipped, inbox has %d", n)
	}
	if len(rec.got) != 0 {
		t.Fatalf("skipped sink must not be recorded: %+v", rec.got)
	}
}

func TestTask_RetryMergesDeliveredSinks(t *testing.T) {
	t.Parallel()

	base := Task{ID: "t", RecipientID: 2, SenderID: 1, Delivered: []string{"a"}}
	cases := []struct {
		name string
		err  error
		want []string
	}{
		{"plain error keeps list", errors.New("x"), []string{"a"}},
		{"partial adds new sinks", &DeliveryError{Delivered: []string{"a", "b"}, Err: errors.New("x")}, []string{"a", "b"}},
		{"wrapped partial", fmt.Errorf("wrap: %w", &DeliveryError{Delivered: []string{"c"}, Err: errors.New("x")}), []string{"a", "c"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := base.Retry(tc.err)
			if got.Attempts != 1 {
				t.Fatalf("attempts=%d want=1", got.Attempts)
			}
			if !slices.Equal(got.Delivered, tc.want) {
				t.Fatalf("delivered=%v want=%v", got.Delivered, tc.want)
			}
		})
	}
	if !slices.Equal(base.Delivered, []string{"a"}) {
		t.Fatalf("Retry must not mutate the receiver: %v", base.Delivered)
	}
}

func TestDispatcher_InvalidTaskIsDropped(t *testing.T) {
	t.Parallel()

	inbox := NewMemoryInbox()
	d, _ := NewDispatcher(discardLogger(), people.NewMemoryStore(), []Sink{inbox})
	if err := d.Handle(context.Background(), Task{}); err != nil {
		t.Fatalf("invalid task must not be retried, got %v", err)
	}
}

func TestMemoryInbox_ListNewestFirstWithLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inbox := NewMemoryInbox()
	for _, id := range []string{"a", "b", "c"} {
		if err := inbox.Deliver(ctx, Notification{ID: id, UserID: 5}); err != nil {
			t.Fatalf("deliver %s: %v", id, err)
		}
	}
	_ = inbox.Deliver(ctx, Notification{ID: "other", UserID: 6})

	cases := []struct {
		limit int
		want  []string
	}{
		{limit: 0, want: []string{"c", "b", "a"}},
		{limit: 2, want: []string{"c", "b"}},
		{limit: maxInboxLimit + 1, want: []string{"c", "b", "a"}},
	}
	for _, tc := range cases {
		got, err := inbox.List(ctx, 5, tc.limit)
		if err != nil {
			t.Fatalf("limit=%d: %v", tc.limit, err)
		}
		ids := make([]string, 0, len(got))
		for _, n := range got {
			ids = append(ids, n.ID)
		}
		if !slices.Equal(ids, tc.want) {
			t.Fatalf("limit=%d: ids=%v want=%v", tc.limit, ids, tc.want)
		}
	}
}
