package notify

import (
	"context"
	"sync"
)

// MemoryInbox keeps delivered notifications in memory (dev mode and tests).
type MemoryInbox struct {
	mu     sync.Mutex
	byUser map[int64][]Notification
	seen   map[string]struct{}
}

// NewMemoryInbox constructs an empty MemoryInbox.
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{
		byUser: make(map[int64][]Notification),
		seen:   make(map[string]struct{}),
	}
}

// Name implements Sink.
func (m *MemoryInbox) Name() string { return "memory_inbox" }

// Deliver implements Sink. Duplicate IDs are ignored.
func (m *MemoryInbox) Deliver(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[n.ID]; dup {
		return nil
	}
	m.seen[n.ID] = struct{}{}
	m.byUser[n.UserID] = append(m.byUser[n.UserID], n)
	return nil
}

// List implements Inbox. Newest means most recently delivered.
func (m *MemoryInbox) List(ctx context.Context, userID int64, limit int) ([]Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = inboxLimit(limit)
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.byUser[userID]
	out := make([]Notification, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
