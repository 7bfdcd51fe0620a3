package peacelink

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory aggregate store for demo/development mode.
type MemoryStore struct {
	links map[string]*PeaceLink
	byRef map[string]string
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory PeaceLink store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		links: make(map[string]*PeaceLink),
		byRef: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *PeaceLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byRef[p.Reference]; ok {
		return ErrDuplicateReference
	}
	cp := *p
	m.links[p.ID] = &cp
	m.byRef[p.Reference] = p.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*PeaceLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.links[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string) (*PeaceLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[reference]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.links[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, p *PeaceLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.links[p.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != p.Version {
		return ErrVersionConflict
	}
	cp := *p
	cp.Version++
	cp.UpdatedAt = time.Now()
	m.links[p.ID] = &cp
	// Reflect the new version back so the caller can keep mutating.
	p.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*PeaceLink, error) {
	return m.list(func(p *PeaceLink) bool { return p.MerchantID == merchantID }, limit)
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*PeaceLink, error) {
	return m.list(func(p *PeaceLink) bool { return p.BuyerID == buyerID }, limit)
}

func (m *MemoryStore) ListByDSP(ctx context.Context, dspID string, limit int) ([]*PeaceLink, error) {
	return m.list(func(p *PeaceLink) bool { return p.DSPID == dspID }, limit)
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*PeaceLink, error) {
	return m.list(func(p *PeaceLink) bool {
		return p.Status == StatusPendingApproval && p.ExpiresAt != nil && p.ExpiresAt.Before(before)
	}, limit)
}

func (m *MemoryStore) list(match func(*PeaceLink) bool, limit int) ([]*PeaceLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PeaceLink
	for _, p := range m.links {
		if match(p) {
			cp := *p
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// MemoryHoldStore is the in-memory HoldStore.
type MemoryHoldStore struct {
	holds map[string]*Hold // by hold ID
	byPL  map[string]string
	mu    sync.RWMutex
}

// NewMemoryHoldStore creates a new in-memory hold store.
func NewMemoryHoldStore() *MemoryHoldStore {
	return &MemoryHoldStore{
		holds: make(map[string]*Hold),
		byPL:  make(map[string]string),
	}
}

func (m *MemoryHoldStore) Create(ctx context.Context, h *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *h
	m.holds[h.ID] = &cp
	m.byPL[h.PeaceLinkID] = h.ID
	return nil
}

func (m *MemoryHoldStore) GetByPeaceLink(ctx context.Context, peaceLinkID string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPL[peaceLinkID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.holds[id]
	return &cp, nil
}

func (m *MemoryHoldStore) Resolve(ctx context.Context, holdID string, status HoldStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[holdID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	h.Status = status
	h.ResolvedAt = &now
	return nil
}

// MemoryPayoutStore is the in-memory PayoutStore.
type MemoryPayoutStore struct {
	payouts []*Payout
	mu      sync.RWMutex
}

// NewMemoryPayoutStore creates a new in-memory payout store.
func NewMemoryPayoutStore() *MemoryPayoutStore {
	return &MemoryPayoutStore{}
}

func (m *MemoryPayoutStore) Create(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.payouts = append(m.payouts, &cp)
	return nil
}

func (m *MemoryPayoutStore) ListByPeaceLink(ctx context.Context, peaceLinkID string) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payout
	for _, p := range m.payouts {
		if p.PeaceLinkID == peaceLinkID {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}
