package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore implements Store using an in-memory append log.
// All data is lost when the process exits.
type MemoryStore struct {
	txns map[string][]*Transaction
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns: make(map[string][]*Transaction),
	}
}

// Append persists a transaction.
func (m *MemoryStore) Append(_ context.Context, txn *Transaction) error {
	if txn == nil {
		return fmt.Errorf("transaction cannot be nil")
	}
	if txn.User == "" {
		return fmt.Errorf("transaction user cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy on write: the stored row can never be mutated through the
	// caller's pointer.
	stored := *txn
	m.txns[txn.User] = append(m.txns[txn.User], &stored)
	return nil
}

// ListByUser returns the most recent transactions for a user, newest
// first.
func (m *MemoryStore) ListByUser(_ context.Context, user string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.txns[user]
	out := make([]*Transaction, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		cp := *rows[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close releases resources. No-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}
