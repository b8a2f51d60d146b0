package realtime

import (
	"log/slog"
	"sync"
)

// UserChannel fans envelopes out to every open session of one user.
//
// Join/Leave are safe under concurrent Push. Push never blocks: a session whose
// queue is full misses the envelope (the inbox keeps the notification).
type UserChannel struct {
	log    *slog.Logger
	UserID int64

	mu       sync.RWMutex
	sessions map[string]*Client
}

// NewUserChannel constructs an empty channel for userID.
func NewUserChannel(log *slog.Logger, userID int64) *UserChannel {
	return &UserChannel{
		log:      log,
		UserID:   userID,
		sessions: make(map[string]*Client),
	}
}

// Join adds a session.
func (c *UserChannel) Join(client *Client) {
	if c == nil || client == nil || client.SessionID == "" {
		return
	}

	c.mu.Lock()
	c.sessions[client.SessionID] = client
	c.mu.Unlock()

	c.log.Info("ws.session.join", "user_id", c.UserID, "session_id", client.SessionID)
}

// Leave removes a session, then signals it to shut down. It returns the remaining session count.
func (c *UserChannel) Leave(sessionID string) int {
	if c == nil || sessionID == "" {
		return 0
	}

	c.mu.Lock()
	cl := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	left := len(c.sessions)
	c.mu.Unlock()

	// Removed before Close so a concurrent Push never targets a closing client.
	if cl != nil {
		cl.Close()
	}

	c.log.Info("ws.session.leave", "user_id", c.UserID, "session_id", sessionID)
	return left
}

// Len reports the number of open sessions.
func (c *UserChannel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Push delivers env to every session and returns how many queued it.
func (c *UserChannel) Push(env Envelope) int {
	if c == nil {
		return 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	sent := 0
	for _, s := range c.sessions {
		select {
		case <-s.Done():
			continue
		default:
		}

		select {
		case s.Send <- env:
			sent++
		default:
		}
	}
	return sent
}
