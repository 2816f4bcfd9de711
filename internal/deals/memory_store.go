package deals

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory deal store for demo/development mode.
type MemoryStore struct {
	deals map[string]*Deal
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory deal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals: make(map[string]*Deal),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deals[d.ID] = cloneDeal(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	return cloneDeal(d), nil
}

func (m *MemoryStore) ListDue(ctx context.Context, q DueQuery) ([]*Deal, error) {
	action, ok := ActionFor(q.Status)
	if !ok {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if d.Status != q.Status || d.IsCrossChain != q.CrossChain || d.SmartContractAddress == "" {
			continue
		}
		dl := d.Deadline(action)
		if dl == nil || !dl.Before(q.Before) {
			continue
		}
		if q.After != nil && !q.After.before(*dl, d.ID) {
			continue
		}
		result = append(result, cloneDeal(d))
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Deadline(action), result[j].Deadline(action)
		if a.Equal(*b) {
			return result[i].ID < result[j].ID
		}
		return a.Before(*b)
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateOutcome(ctx context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.deals[d.ID]
	if !ok {
		return ErrDealNotFound
	}
	cp := cloneDeal(cur)
	cp.Status = d.Status
	cp.CrossChainTransactionID = d.CrossChainTransactionID
	cp.ProcessingError = d.ProcessingError
	cp.AutoReleaseTxHash = d.AutoReleaseTxHash
	cp.AutoCancelTxHash = d.AutoCancelTxHash
	cp.LastAutomaticProcessAttempt = copyTime(d.LastAutomaticProcessAttempt)
	cp.UpdatedAt = d.UpdatedAt
	m.deals[d.ID] = cp
	return nil
}

func cloneDeal(d *Deal) *Deal {
	cp := *d
	cp.FinalApprovalDeadline = copyTime(d.FinalApprovalDeadline)
	cp.DisputeResolutionDeadline = copyTime(d.DisputeResolutionDeadline)
	cp.LastAutomaticProcessAttempt = copyTime(d.LastAutomaticProcessAttempt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ Store = (*MemoryStore)(nil)
