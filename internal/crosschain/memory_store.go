package crosschain

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory store for development and tests.
type MemoryStore struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.ID] = clone(tx)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return clone(tx), nil
}

func (m *MemoryStore) Update(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.ID]; !ok {
		return ErrTransactionNotFound
	}
	m.txs[tx.ID] = clone(tx)
	return nil
}

func (m *MemoryStore) ListByDeal(ctx context.Context, dealID string) ([]*Transaction, error) {
	return m.list(func(tx *Transaction) bool { return tx.DealID == dealID }, 0), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	return m.list(func(tx *Transaction) bool { return tx.Status == status }, limit), nil
}

func (m *MemoryStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	return m.list(func(tx *Transaction) bool {
		return !tx.Status.Terminal() && tx.LastUpdated.Before(cutoff)
	}, limit), nil
}

func (m *MemoryStore) list(match func(*Transaction) bool, limit int) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, tx := range m.txs {
		if match(tx) {
			out = append(out, clone(tx))
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
	return out
}

func clone(tx *Transaction) *Transaction {
	cp := *tx
	if tx.Steps != nil {
		cp.Steps = make([]Step, len(tx.Steps))
		for i, s := range tx.Steps {
			cp.Steps[i] = s
			if s.CompletedAt != nil {
				t := *s.CompletedAt
				cp.Steps[i].CompletedAt = &t
			}
		}
	}
	if tx.Route != nil {
		r := *tx.Route
		r.Tools = append([]string(nil), tx.Route.Tools...)
		cp.Route = &r
	}
	if tx.AuthorizedAt != nil {
		t := *tx.AuthorizedAt
		cp.AuthorizedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
