package notify

import (
	"context"
	"sync"
)

// DefaultInboxSize is how many notifications an inbox keeps per user.
const DefaultInboxSize = 100

// MemoryInbox keeps the most recent notifications per user in memory.
// It is both a Sink and an Inbox.
type MemoryInbox struct {
	mu    sync.RWMutex
	size  int
	items map[string][]*Notification // newest first
}

// NewMemoryInbox creates an inbox keeping size entries per user.
func NewMemoryInbox(size int) *MemoryInbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &MemoryInbox{size: size, items: make(map[string][]*Notification)}
}

func (m *MemoryInbox) Name() string { return "inbox" }

func (m *MemoryInbox) Deliver(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append([]*Notification{n}, m.items[n.UserID]...)
	if len(list) > m.size {
		list = list[:m.size]
	}
	m.items[n.UserID] = list
	return nil
}

func (m *MemoryInbox) Recent(_ context.Context, userID string, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.items[userID]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]*Notification, len(list))
	copy(out, list)
	return out, nil
}

var (
	_ Sink  = (*MemoryInbox)(nil)
	_ Inbox = (*MemoryInbox)(nil)
)
