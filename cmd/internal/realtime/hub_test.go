package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"dmroom/cmd/internal/notify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHub_DeliverFansOutToEverySessionOfUser(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger())
	a1 := NewClient(1, "a1", 4)
	a2 := NewClient(1, "a2", 4)
	b := NewClient(2, "b", 4)
	h.Attach(a1)
	h.Attach(a2)
	h.Attach(b)

	n := notify.Notification{ID: "n1", UserID: 1, SenderID: 2, RoomID: 7, LogID: 9, Content: "hi"}
	if err := h.Deliver(context.Background(), n); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	for _, c := range []*Client{a1, a2} {
		select {
		case env := <-c.Send:
			if env.Type != TypeNotification || env.V != ProtocolVersion {
				t.Fatalf("%s: envelope = %+v", c.SessionID, env)
			}
			var got notify.Notification
			if err := json.Unmarshal(env.Payload, &got); err != nil {
				t.Fatalf("payload: %v", err)
			}
			if got.ID != "n1" || got.RoomID != 7 || got.LogID != 9 {
				t.Fatalf("payload = %+v", got)
			}
		default:
			t.Fatalf("%s: no envelope", c.SessionID)
		}
	}

	select {
	case env := <-b.Send:
		t.Fatalf("other user received %+v", env)
	default:
	}
}

func TestHub_DeliverOfflineIsNoop(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger())
	if err := h.Deliver(context.Background(), notify.Notification{ID: "x", UserID: 42}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if h.Name() != "websocket" {
		t.Fatalf("Name = %q", h.Name())
	}
}

func TestHub_DeliverNeverBlocksOnFullQueue(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger())
	c := NewClient(1, "s", 1)
	h.Attach(c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_ = h.Deliver(context.Background(), notify.Notification{UserID: 1})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver blocked on a full session queue")
	}
	if got := len(c.Send); got != 1 {
		t.Fatalf("queued = %d, want 1", got)
	}
}

func TestHub_DetachForgetsUserAndClosesClient(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger())
	c1 := NewClient(1, "s1", 1)
	c2 := NewClient(1, "s2", 1)
	h.Attach(c1)
	h.Attach(c2)
	if got := h.Sessions(1); got != 2 {
		t.Fatalf("Sessions = %d, want 2", got)
	}

	h.Detach(c1)
	select {
	case <-c1.Done():
	default:
		t.Fatal("detached client not closed")
	}
	if got := h.Sessions(1); got != 1 {
		t.Fatalf("Sessions = %d, want 1", got)
	}

	h.Detach(c2)
	if got := h.Sessions(1); got != 0 {
		t.Fatalf("Sessions = %d, want 0", got)
	}

	// Pushing to a closed session is skipped.
	_ = h.Deliver(context.Background(), notify.Notification{UserID: 1})
	if len(c2.Send) != 0 {
		t.Fatal("closed client received an envelope")
	}
}

func TestHub_DeliverHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewHub(discardLogger()).Deliver(ctx, notify.Notification{UserID: 1}); err == nil {
		t.Fatal("expected context error")
	}
}
