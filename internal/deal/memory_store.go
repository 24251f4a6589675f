package deal

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-memory deal store for demo/development mode.
type MemoryStore struct {
	deals  map[string]*Record
	writes int
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory deal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals: make(map[string]*Record),
	}
}

// Create inserts or replaces a record. Used by seeding and tests; the
// reconciliation engine never creates deals.
func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deals[rec.DealID] = rec.Clone()
	return nil
}

func (m *MemoryStore) Fetch(ctx context.Context, dealID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.deals[dealID]
	if !ok {
		return nil, ErrDealNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, dealID string, status Status, escrowAddress string) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.deals[dealID]
	if !ok {
		return ErrDealNotFound
	}
	if escrowAddress != "" && rec.EscrowAddress != "" && !strings.EqualFold(rec.EscrowAddress, escrowAddress) {
		return ErrEscrowMismatch
	}

	m.writes++
	rec.Status = status
	if escrowAddress != "" {
		rec.EscrowAddress = escrowAddress
	}
	return nil
}

// Writes returns the number of accepted UpdateStatus calls.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}
