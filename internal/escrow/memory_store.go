package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/castline/escrowd/internal/pagination"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[e.ID] = e.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) Transition(ctx context.Context, e *Escrow, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Status != from {
		return ErrStaleStatus
	}

	next := cur.clone()
	next.Status = e.Status
	next.UpdatedAt = e.UpdatedAt
	setOnce(&next.PlatformFee, e.PlatformFee)
	setOnce(&next.NetAmount, e.NetAmount)
	setOnce(&next.ProcessorChargeRef, e.ProcessorChargeRef)
	setOnce(&next.ProcessorTransferRef, e.ProcessorTransferRef)
	setOnce(&next.ProcessorRefundRef, e.ProcessorRefundRef)
	setOnce(&next.DisputeReason, e.DisputeReason)
	setOnce(&next.DisputedBy, e.DisputedBy)
	setOnce(&next.ResolutionNotes, e.ResolutionNotes)
	setOnce(&next.ResolvedBy, e.ResolvedBy)
	keepFirst(&next.FundedAt, e.FundedAt)
	keepFirst(&next.DisputedAt, e.DisputedAt)
	keepFirst(&next.ResolvedAt, e.ResolvedAt)
	keepFirst(&next.ReleasedAt, e.ReleasedAt)

	m.escrows[e.ID] = next
	return nil
}

func (m *MemoryStore) RecordProcessorRefusal(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	e.ProcessorAttempts++
	return nil
}

func keepFirst(stored **time.Time, incoming *time.Time) {
	if *stored == nil && incoming != nil {
		t := *incoming
		*stored = &t
	}
}

func (m *MemoryStore) ListByContract(ctx context.Context, contractID string) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.ContractID == contractID {
			result = append(result, e.clone())
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, role Role, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if !matchesRole(e, userID, role) || !after.Before(e.CreatedAt, e.ID) {
			continue
		}
		result = append(result, e.clone())
	}
	sortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) EarningsByStatus(ctx context.Context, payeeID string) (map[Status]Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[Status]Totals)
	for _, e := range m.escrows {
		if e.PayeeID != payeeID {
			continue
		}
		t := out[e.Status]
		if amt, err := decimal.NewFromString(e.Amount); err == nil {
			t.Gross = t.Gross.Add(amt)
		}
		if e.NetAmount != "" {
			if net, err := decimal.NewFromString(e.NetAmount); err == nil {
				t.Net = t.Net.Add(net)
			}
		}
		t.Count++
		out[e.Status] = t
	}
	return out, nil
}

func matchesRole(e *Escrow, userID string, role Role) bool {
	switch role {
	case RolePayer:
		return e.PayerID == userID
	case RolePayee:
		return e.PayeeID == userID
	default:
		return e.PayerID == userID || e.PayeeID == userID
	}
}

func sortNewestFirst(escrows []*Escrow) {
	sort.Slice(escrows, func(i, j int) bool {
		if escrows[i].CreatedAt.Equal(escrows[j].CreatedAt) {
			return escrows[i].ID > escrows[j].ID
		}
		return escrows[i].CreatedAt.After(escrows[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
