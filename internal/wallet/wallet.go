// Package wallet manages user balances.
//
// A wallet splits its balance into an available portion (spendable) and a
// held portion (reserved by an SPH hold, outside anyone's spendable
// balance). Engines move money exclusively through the Service so every
// mutation is amount-validated, and run inside a database transaction so
// wallet updates commit together with the ledger entries that describe
// them.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sphpay/peacelink/internal/money"
)

var (
	ErrNotFound      = errors.New("wallet not found")
	ErrInvalidAmount = errors.New("wallet: invalid amount")
	ErrDuplicate     = errors.New("wallet already exists")
)

// InsufficientBalanceError reports a debit or hold that exceeds the
// wallet's available funds, with the figures clients need to render it.
type InsufficientBalanceError struct {
	WalletID  string
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on wallet %s: available %s, required %s",
		e.WalletID, money.Format(e.Available), money.Format(e.Required))
}

// Wallet is a user's balance record.
type Wallet struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Number    string          `json:"number"` // human-facing wallet number
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Total returns available + held.
func (w *Wallet) Total() decimal.Decimal {
	return w.Available.Add(w.Held)
}

// Store persists wallets. Implementations must make each mutation atomic
// and serialized per wallet (row-level locking or equivalent), and must
// fail without partial effect on insufficient funds or unknown wallets.
type Store interface {
	Create(ctx context.Context, w *Wallet) error
	GetByUserID(ctx context.Context, userID string) (*Wallet, error)
	GetByNumber(ctx context.Context, number string) (*Wallet, error)

	// Credit adds to available.
	Credit(ctx context.Context, walletID string, amount decimal.Decimal) error
	// Debit removes from available; *InsufficientBalanceError on overdraft.
	Debit(ctx context.Context, walletID string, amount decimal.Decimal) error
	// Hold moves available -> held; *InsufficientBalanceError on overdraft.
	Hold(ctx context.Context, walletID string, amount decimal.Decimal) error
	// ReleaseHold moves held -> available.
	ReleaseHold(ctx context.Context, walletID string, amount decimal.Decimal) error
	// DebitHeld consumes part of the held portion (pays it out elsewhere).
	DebitHeld(ctx context.Context, walletID string, amount decimal.Decimal) error
}

// Service is the wallet collaborator used by the settlement, cancellation,
// resolution, and cashout engines.
type Service struct {
	store Store
}

// NewService creates a wallet service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create registers a new wallet.
func (s *Service) Create(ctx context.Context, w *Wallet) error {
	if money.IsNegative(w.Available) || money.IsNegative(w.Held) {
		return ErrInvalidAmount
	}
	return s.store.Create(ctx, w)
}

// GetByUserID returns the wallet owned by a user.
func (s *Service) GetByUserID(ctx context.Context, userID string) (*Wallet, error) {
	return s.store.GetByUserID(ctx, userID)
}

// GetByNumber returns a wallet by its human-facing number.
func (s *Service) GetByNumber(ctx context.Context, number string) (*Wallet, error) {
	return s.store.GetByNumber(ctx, number)
}

// Hold reserves amount from the wallet's available balance. A hold
// reserves but does not transfer.
func (s *Service) Hold(ctx context.Context, walletID string, amount decimal.Decimal) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return s.store.Hold(ctx, walletID, amount)
}

// ReleaseHold returns held funds to the wallet's available balance.
func (s *Service) ReleaseHold(ctx context.Context, walletID string, amount decimal.Decimal) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return s.store.ReleaseHold(ctx, walletID, amount)
}

// PayFromHold consumes gross from the source wallet's held portion and
// credits net to the destination wallet. The engine books the difference
// (the fee) to the platform ledger in the same transaction.
func (s *Service) PayFromHold(ctx context.Context, fromWalletID, toWalletID string, gross, net decimal.Decimal) error {
	if !money.IsPositive(gross) || money.IsNegative(net) || net.GreaterThan(gross) {
		return ErrInvalidAmount
	}
	if err := s.store.DebitHeld(ctx, fromWalletID, gross); err != nil {
		return err
	}
	if money.IsPositive(net) {
		return s.store.Credit(ctx, toWalletID, net)
	}
	return nil
}

// Credit adds amount to a wallet's available balance.
func (s *Service) Credit(ctx context.Context, walletID string, amount decimal.Decimal) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return s.store.Credit(ctx, walletID, amount)
}

// Debit removes amount from a wallet's available balance.
func (s *Service) Debit(ctx context.Context, walletID string, amount decimal.Decimal) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return s.store.Debit(ctx, walletID, amount)
}
