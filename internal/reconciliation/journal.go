// Package reconciliation drains the escrow commit journal: entries written
// when a processor call may have moved money that the ledger has not yet
// recorded. A Runner replays each open entry through the escrow service,
// and a Timer runs it periodically.
package reconciliation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/castline/escrowd/internal/escrow"
)

var ErrCommitNotFound = errors.New("pending commit not found")

// MemoryJournal is an in-memory commit journal for demo/development mode.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string]*escrow.PendingCommit
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]*escrow.PendingCommit)}
}

func (m *MemoryJournal) Record(_ context.Context, pc *escrow.PendingCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pc.Kind.Blocking() {
		for _, existing := range m.entries {
			if existing.EscrowID == pc.EscrowID && existing.IsOpen() && existing.Kind.Blocking() {
				return errors.New("escrow already has an open blocking commit")
			}
		}
	}
	m.entries[pc.ID] = cloneCommit(pc)
	return nil
}

func (m *MemoryJournal) OpenForEscrow(_ context.Context, escrowID string) (*escrow.PendingCommit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pc := range m.entries {
		if pc.EscrowID == escrowID && pc.IsOpen() && pc.Kind.Blocking() {
			return cloneCommit(pc), nil
		}
	}
	return nil, nil
}

func (m *MemoryJournal) ListOpen(_ context.Context, limit int) ([]*escrow.PendingCommit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*escrow.PendingCommit
	for _, pc := range m.entries {
		if pc.IsOpen() {
			out = append(out, cloneCommit(pc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryJournal) MarkAttempt(_ context.Context, id, gatewayRef, lastError string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pc, ok := m.entries[id]
	if !ok {
		return ErrCommitNotFound
	}
	pc.Attempts++
	if pc.GatewayRef == "" {
		pc.GatewayRef = gatewayRef
	}
	pc.LastError = lastError
	pc.UpdatedAt = at
	return nil
}

func (m *MemoryJournal) MarkResolved(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pc, ok := m.entries[id]
	if !ok {
		return ErrCommitNotFound
	}
	if pc.ResolvedAt == nil {
		pc.ResolvedAt = &at
		pc.UpdatedAt = at
	}
	return nil
}

func cloneCommit(pc *escrow.PendingCommit) *escrow.PendingCommit {
	cp := *pc
	if pc.ResolvedAt != nil {
		t := *pc.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

var _ escrow.CommitJournal = (*MemoryJournal)(nil)
