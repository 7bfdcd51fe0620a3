package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	wallets  map[string]*Wallet // by ID
	byUser   map[string]string
	byNumber map[string]string
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[string]*Wallet),
		byUser:   make(map[string]string),
		byNumber: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[w.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byUser[w.UserID]; ok {
		return ErrDuplicate
	}
	cp := *w
	cp.UpdatedAt = time.Now()
	m.wallets[w.ID] = &cp
	m.byUser[w.UserID] = w.ID
	if w.Number != "" {
		m.byNumber[w.Number] = w.ID
	}
	return nil
}

func (m *MemoryStore) GetByUserID(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.wallets[id]
	return &cp, nil
}

func (m *MemoryStore) GetByNumber(ctx context.Context, number string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byNumber[number]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.wallets[id]
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, walletID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return ErrNotFound
	}
	w.Available = w.Available.Add(amount)
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, walletID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return ErrNotFound
	}
	if w.Available.LessThan(amount) {
		return &InsufficientBalanceError{WalletID: walletID, Available: w.Available, Required: amount}
	}
	w.Available = w.Available.Sub(amount)
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Hold(ctx context.Context, walletID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return ErrNotFound
	}
	if w.Available.LessThan(amount) {
		return &InsufficientBalanceError{WalletID: walletID, Available: w.Available, Required: amount}
	}
	w.Available = w.Available.Sub(amount)
	w.Held = w.Held.Add(amount)
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ReleaseHold(ctx context.Context, walletID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return ErrNotFound
	}
	if w.Held.LessThan(amount) {
		return &InsufficientBalanceError{WalletID: walletID, Available: w.Held, Required: amount}
	}
	w.Held = w.Held.Sub(amount)
	w.Available = w.Available.Add(amount)
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) DebitHeld(ctx context.Context, walletID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return ErrNotFound
	}
	if w.Held.LessThan(amount) {
		return &InsufficientBalanceError{WalletID: walletID, Available: w.Held, Required: amount}
	}
	w.Held = w.Held.Sub(amount)
	w.UpdatedAt = time.Now()
	return nil
}
