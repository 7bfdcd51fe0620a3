package cashout

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	cashouts map[string]*Cashout
}

// NewMemoryStore creates an empty in-memory cashout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cashouts: make(map[string]*Cashout)}
}

func (m *MemoryStore) Create(ctx context.Context, c *Cashout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.cashouts[c.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Cashout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cashouts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, reason string, decidedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cashouts[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != StatusPending {
		return ErrNotPending
	}
	c.Status = status
	c.Reason = reason
	c.DecidedAt = &decidedAt
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Cashout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Cashout
	for _, c := range m.cashouts {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListPending(ctx context.Context, limit int) ([]*Cashout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Cashout
	for _, c := range m.cashouts {
		if c.Status == StatusPending {
			cp := *c
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(cs []*Cashout) {
	sort.Slice(cs, func(i, j int) bool {
		return cs[i].CreatedAt.After(cs[j].CreatedAt)
	})
}
