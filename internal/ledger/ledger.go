// Package ledger records every money movement on the platform.
//
// The ledger is append-only: entries are never mutated or deleted. Every
// financial event (hold, advance payout, final payout, DSP payout, refund,
// platform fee, cashout) produces exactly one entry, written inside the
// same transaction as the wallet mutation it describes. An optional
// idempotency key makes replays of the same logical operation post exactly
// once.
//
// Platform fees accumulate in a singleton profit account whose running
// balance must always equal the sum of fee-type entries; VerifyProfit
// checks that invariant and reports ErrInconsistent without ever
// attempting a repair.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sphpay/peacelink/internal/metrics"
	"github.com/sphpay/peacelink/internal/money"
)

var (
	ErrInvalidEntry = errors.New("ledger: invalid entry")
	// ErrInconsistent means the profit account disagrees with the entry
	// sum. This is fatal: the caller must halt, never auto-correct.
	ErrInconsistent = errors.New("ledger: profit account inconsistent with fee entries")
	// ErrDuplicateEntry means an idempotency key that must post exactly
	// once had already been posted.
	ErrDuplicateEntry = errors.New("ledger: idempotency key already posted")
)

// PlatformProfitWallet is the name of the singleton platform profit
// account referenced by fee entries.
const PlatformProfitWallet = "platform_profit"

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryHold          EntryType = "hold"
	EntryHoldRelease   EntryType = "hold_release"
	EntryAdvancePayout EntryType = "advance_payout"
	EntryFinalPayout   EntryType = "final_payout"
	EntryDSPPayout     EntryType = "dsp_payout"
	EntryRefund        EntryType = "refund"
	EntryPlatformFee   EntryType = "platform_fee"
	EntryCashout       EntryType = "cashout"
	EntryCashoutRefund EntryType = "cashout_refund"
	EntryAdvanceReturn EntryType = "advance_return"
)

// IsFee reports whether the entry type accrues platform profit.
func (t EntryType) IsFee() bool {
	return t == EntryPlatformFee
}

// Entry is one immutable money movement.
//
// For wallet-to-wallet transfers both DebitWalletID and CreditWalletID are
// set. For platform fee entries exactly one of CreditWalletID and
// PlatformWallet is populated — always PlatformWallet, naming the profit
// account.
type Entry struct {
	ID             string          `json:"id"`
	DebitWalletID  string          `json:"debitWalletId,omitempty"`
	CreditWalletID string          `json:"creditWalletId,omitempty"`
	PlatformWallet string          `json:"platformWallet,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Type           EntryType       `json:"type"`
	Reference      string          `json:"reference,omitempty"` // PeaceLink or cashout ID
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Store persists ledger entries and the profit account.
type Store interface {
	// Append writes an entry. It returns false (and no error) when the
	// entry's idempotency key was already posted.
	Append(ctx context.Context, e *Entry) (bool, error)
	ListByWallet(ctx context.Context, walletID string, limit int) ([]*Entry, error)
	ListByReference(ctx context.Context, reference string) ([]*Entry, error)

	// AddProfit bumps the profit account's running balance.
	AddProfit(ctx context.Context, amount decimal.Decimal) error
	ProfitBalance(ctx context.Context) (decimal.Decimal, error)
	// SumFees totals all platform-fee entries.
	SumFees(ctx context.Context) (decimal.Decimal, error)
}

// Service is the ledger used by the engines.
type Service struct {
	store Store
}

// NewService creates a ledger service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Record appends a transfer-style entry. Returns false when the entry's
// idempotency key had already been posted (replay).
func (s *Service) Record(ctx context.Context, e *Entry) (bool, error) {
	if err := validate(e); err != nil {
		return false, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	appended, err := s.store.Append(ctx, e)
	if err == nil && appended {
		metrics.LedgerEntriesTotal.WithLabelValues(string(e.Type)).Inc()
	}
	return appended, err
}

// RecordOnce appends like Record but fails with ErrDuplicateEntry when
// the idempotency key was already posted. Engines use it for entries
// that must pair one-to-one with a wallet mutation made in the same
// transaction: a silently deduplicated entry there would let the wallet
// and the ledger diverge.
func (s *Service) RecordOnce(ctx context.Context, e *Entry) error {
	appended, err := s.Record(ctx, e)
	if err != nil {
		return err
	}
	if !appended {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.IdempotencyKey)
	}
	return nil
}

// BookFee posts a platform-fee entry and bumps the profit account in the
// same transaction scope. Replays (same idempotency key) post nothing and
// accrue nothing.
func (s *Service) BookFee(ctx context.Context, debitWalletID string, amount decimal.Decimal, reference, idempotencyKey string) error {
	if !money.IsPositive(amount) {
		return ErrInvalidEntry
	}
	appended, err := s.Record(ctx, &Entry{
		DebitWalletID:  debitWalletID,
		PlatformWallet: PlatformProfitWallet,
		Amount:         amount,
		Type:           EntryPlatformFee,
		Reference:      reference,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return err
	}
	if !appended {
		return nil
	}
	if err := s.store.AddProfit(ctx, amount); err != nil {
		return err
	}
	if balance, err := s.store.ProfitBalance(ctx); err == nil {
		f, _ := balance.Float64()
		metrics.PlatformProfit.Set(f)
	}
	return nil
}

// PlatformProfit returns the profit account's running balance.
func (s *Service) PlatformProfit(ctx context.Context) (decimal.Decimal, error) {
	return s.store.ProfitBalance(ctx)
}

// VerifyProfit checks that the profit account equals the sum of fee
// entries. A mismatch is returned as ErrInconsistent and must halt the
// caller; the ledger is never silently corrected.
func (s *Service) VerifyProfit(ctx context.Context) error {
	balance, err := s.store.ProfitBalance(ctx)
	if err != nil {
		return err
	}
	sum, err := s.store.SumFees(ctx)
	if err != nil {
		return err
	}
	if !balance.Equal(sum) {
		return fmt.Errorf("%w: account %s, entries %s",
			ErrInconsistent, money.Format(balance), money.Format(sum))
	}
	return nil
}

// History returns entries touching a wallet, newest first.
func (s *Service) History(ctx context.Context, walletID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByWallet(ctx, walletID, limit)
}

// ByReference returns all entries for one PeaceLink or cashout.
func (s *Service) ByReference(ctx context.Context, reference string) ([]*Entry, error) {
	return s.store.ListByReference(ctx, reference)
}

func validate(e *Entry) error {
	if !money.IsPositive(e.Amount) {
		return ErrInvalidEntry
	}
	if e.Type == "" {
		return ErrInvalidEntry
	}
	if e.CreditWalletID == "" && e.PlatformWallet == "" && e.DebitWalletID == "" {
		return ErrInvalidEntry
	}
	if e.CreditWalletID != "" && e.PlatformWallet != "" {
		return fmt.Errorf("%w: entry cannot credit both a wallet and the platform account", ErrInvalidEntry)
	}
	return nil
}
