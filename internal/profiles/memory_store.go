package profiles

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory profile store for demo/development mode.
type MemoryStore struct {
	profiles map[string]*Profile
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func (m *MemoryStore) Upsert(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	if existing, ok := m.profiles[p.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
		cp.StripeCustomerID = keep(existing.StripeCustomerID, p.StripeCustomerID)
		cp.StripePaymentMethodID = keep(existing.StripePaymentMethodID, p.StripePaymentMethodID)
		cp.StripeAccountID = keep(existing.StripeAccountID, p.StripeAccountID)
	}
	m.profiles[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func keep(old, updated string) string {
	if updated == "" {
		return old
	}
	return updated
}

var _ Store = (*MemoryStore)(nil)
