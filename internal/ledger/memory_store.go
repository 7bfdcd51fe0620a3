package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	entries []*Entry
	keys    map[string]bool
	profit  decimal.Decimal
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]bool)}
}

func (m *MemoryStore) Append(ctx context.Context, e *Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.IdempotencyKey != "" {
		if m.keys[e.IdempotencyKey] {
			return false, nil
		}
		m.keys[e.IdempotencyKey] = true
	}
	cp := *e
	m.entries = append(m.entries, &cp)
	return true, nil
}

func (m *MemoryStore) ListByWallet(ctx context.Context, walletID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.DebitWalletID == walletID || e.CreditWalletID == walletID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByReference(ctx context.Context, reference string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.Reference == reference {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) AddProfit(ctx context.Context, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.profit = m.profit.Add(amount)
	return nil
}

func (m *MemoryStore) ProfitBalance(ctx context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.profit, nil
}

func (m *MemoryStore) SumFees(ctx context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, e := range m.entries {
		if e.Type.IsFee() {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

// Corrupt shifts the profit account without a matching entry.
// Test hook for the inconsistency detector.
func (m *MemoryStore) Corrupt(delta decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.profit = m.profit.Add(delta)
}
