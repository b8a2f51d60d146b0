package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dmroom/cmd/internal/notify"
)

// Hub maps users to their open sessions and delivers notifications to them.
// It implements notify.Sink.
type Hub struct {
	log *slog.Logger

	mu    sync.Mutex
	users map[int64]*UserChannel
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		users: make(map[int64]*UserChannel),
	}
}

// Attach registers client under its user.
func (h *Hub) Attach(client *Client) {
	h.mu.Lock()
	ch, ok := h.users[client.UserID]
	if !ok {
		ch = NewUserChannel(h.log, client.UserID)
		h.users[client.UserID] = ch
	}
	// Joined under the hub lock so a concurrent Detach cannot drop a fresh channel.
	ch.Join(client)
	h.mu.Unlock()
}

// Detach removes the session and forgets the user once no session is left.
func (h *Hub) Detach(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.users[client.UserID]
	if !ok {
		client.Close()
		return
	}
	if ch.Leave(client.SessionID) == 0 {
		delete(h.users, client.UserID)
	}
}

// Sessions reports how many sessions userID has open.
func (h *Hub) Sessions(userID int64) int {
	h.mu.Lock()
	ch := h.users[userID]
	h.mu.Unlock()
	if ch == nil {
		return 0
	}
	return ch.Len()
}

// Name implements notify.Sink.
func (h *Hub) Name() string { return "websocket" }

// Deliver implements notify.Sink. Offline users are not an error.
func (h *Hub) Deliver(ctx context.Context, n notify.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	ch := h.users[n.UserID]
	h.mu.Unlock()
	if ch == nil {
		return nil
	}

	sent := ch.Push(newEnvelope(TypeNotification, n, time.Now().UTC()))
	h.log.Debug("ws.notification.push", "user_id", n.UserID, "notification_id", n.ID, "sessions", sent)
	return nil
}
