// Package cashout handles wallet withdrawal requests.
//
// A cashout debits the wallet for the requested amount plus the cashout
// fee at request time, so the funds cannot be double-spent while the
// request awaits review. The fee is frozen into the request when it is
// created. Approval books the fee and marks the request processed (the
// actual disbursement rides an external payment rail); rejection or a
// user cancellation refunds exactly what was debited, fee included — the
// platform never keeps a fee for a cashout that did not complete.
package cashout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sphpay/peacelink/internal/database"
	"github.com/sphpay/peacelink/internal/fees"
	"github.com/sphpay/peacelink/internal/idgen"
	"github.com/sphpay/peacelink/internal/ledger"
	"github.com/sphpay/peacelink/internal/money"
	"github.com/sphpay/peacelink/internal/notify"
	"github.com/sphpay/peacelink/internal/traces"
	"github.com/sphpay/peacelink/internal/wallet"
)

var (
	ErrNotFound      = errors.New("cashout not found")
	ErrInvalidAmount = errors.New("cashout amount must be positive")
	ErrNotPending    = errors.New("cashout is not pending")
	ErrNotOwner      = errors.New("cashout belongs to another user")
)

// Status is the review state of a cashout request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed" // admin approved, disbursement handed off
	StatusRejected  Status = "rejected"  // admin rejected, fully refunded
	StatusCanceled  Status = "canceled"  // user withdrew the request, fully refunded
)

// Cashout is one withdrawal request. NetAmount is what leaves the
// platform on approval; the wallet was debited NetAmount + FeeAmount.
type Cashout struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	WalletID        string          `json:"walletId"`
	Phone           string          `json:"phone"`
	RequestedAmount decimal.Decimal `json:"requestedAmount"`
	FeeAmount       decimal.Decimal `json:"feeAmount"`
	NetAmount       decimal.Decimal `json:"netAmount"`
	Status          Status          `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	DecidedAt       *time.Time      `json:"decidedAt,omitempty"`
}

// Debited is the total taken from the wallet at request time.
func (c *Cashout) Debited() decimal.Decimal {
	return c.NetAmount.Add(c.FeeAmount)
}

// Store persists cashout requests.
type Store interface {
	Create(ctx context.Context, c *Cashout) error
	Get(ctx context.Context, id string) (*Cashout, error)
	// UpdateStatus moves a pending request to a decided state; it fails
	// with ErrNotPending when the request was already decided.
	UpdateStatus(ctx context.Context, id string, status Status, reason string, decidedAt time.Time) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Cashout, error)
	ListPending(ctx context.Context, limit int) ([]*Cashout, error)
}

// Service implements the cashout engine.
type Service struct {
	store    Store
	wallets  *wallet.Service
	ledger   *ledger.Service
	rates    fees.Snapshot
	tx       database.TxRunner
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewService creates a cashout service. rates supplies the live cashout
// fee percentage frozen into each new request.
func NewService(store Store, wallets *wallet.Service, led *ledger.Service, rates fees.Snapshot, tx database.TxRunner, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		wallets:  wallets,
		ledger:   led,
		rates:    rates,
		tx:       tx,
		notifier: notifier,
		logger:   logger,
	}
}

// Request creates a pending cashout and debits amount plus fee from the
// user's wallet in one transaction. Insufficient funds fail the whole
// request with the available/required figures.
func (s *Service) Request(ctx context.Context, userID, phone string, amount decimal.Decimal) (*Cashout, error) {
	amount = money.Round2(amount)
	if !money.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "cashout.request", traces.Amount(money.Format(amount)))
	defer span.End()

	fee := fees.CashoutFee(amount, s.rates)
	co := &Cashout{
		ID:              idgen.WithPrefix("co_"),
		UserID:          userID,
		Phone:           phone,
		RequestedAmount: amount,
		FeeAmount:       fee,
		NetAmount:       amount,
		Status:          StatusPending,
		CreatedAt:       time.Now(),
	}

	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		w, err := s.wallets.GetByUserID(ctx, userID)
		if err != nil {
			return err
		}
		co.WalletID = w.ID

		if err := s.wallets.Debit(ctx, w.ID, co.Debited()); err != nil {
			return err
		}
		if _, err := s.ledger.Record(ctx, &ledger.Entry{
			DebitWalletID:  w.ID,
			Amount:         co.Debited(),
			Type:           ledger.EntryCashout,
			Reference:      co.ID,
			IdempotencyKey: co.ID + ":debit",
		}); err != nil {
			return err
		}
		return s.store.Create(ctx, co)
	})
	if err != nil {
		return nil, err
	}
	return co, nil
}

// Approve marks a pending cashout processed and books its fee. The
// wallet is untouched; the funds already left it at request time.
func (s *Service) Approve(ctx context.Context, id string) (*Cashout, error) {
	co, err := s.decide(ctx, id, StatusProcessed, "", func(ctx context.Context, co *Cashout) error {
		return s.ledger.BookFee(ctx, co.WalletID, co.FeeAmount, co.ID, co.ID+":fee")
	})
	if err != nil {
		return nil, err
	}
	s.notifier.CashoutApproved(ctx, co.Phone, co.ID)
	return co, nil
}

// Reject refunds a pending cashout in full, fee included.
func (s *Service) Reject(ctx context.Context, id, reason string) (*Cashout, error) {
	co, err := s.decide(ctx, id, StatusRejected, reason, s.refund)
	if err != nil {
		return nil, err
	}
	s.notifier.CashoutRejected(ctx, co.Phone, co.ID, reason)
	return co, nil
}

// Cancel lets the requesting user withdraw a still-pending cashout; the
// effect on the wallet is identical to a rejection.
func (s *Service) Cancel(ctx context.Context, id, userID string) (*Cashout, error) {
	var owner string
	co, err := s.decide(ctx, id, StatusCanceled, "canceled by user", func(ctx context.Context, co *Cashout) error {
		owner = co.UserID
		if owner != userID {
			return ErrNotOwner
		}
		return s.refund(ctx, co)
	})
	if err != nil {
		return nil, err
	}
	return co, nil
}

// decide applies one terminal transition to a pending request inside a
// transaction, running apply before the status flips.
func (s *Service) decide(ctx context.Context, id string, status Status, reason string, apply func(context.Context, *Cashout) error) (*Cashout, error) {
	var co *Cashout
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		co, err = s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if co.Status != StatusPending {
			return fmt.Errorf("%w: status %s", ErrNotPending, co.Status)
		}
		if err := apply(ctx, co); err != nil {
			return err
		}
		now := time.Now()
		if err := s.store.UpdateStatus(ctx, id, status, reason, now); err != nil {
			return err
		}
		co.Status = status
		co.Reason = reason
		co.DecidedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return co, nil
}

// refund returns exactly what the request debited, fee included.
func (s *Service) refund(ctx context.Context, co *Cashout) error {
	if err := s.wallets.Credit(ctx, co.WalletID, co.Debited()); err != nil {
		return err
	}
	_, err := s.ledger.Record(ctx, &ledger.Entry{
		CreditWalletID: co.WalletID,
		Amount:         co.Debited(),
		Type:           ledger.EntryCashoutRefund,
		Reference:      co.ID,
		IdempotencyKey: co.ID + ":refund",
	})
	return err
}

// Get returns a cashout by ID.
func (s *Service) Get(ctx context.Context, id string) (*Cashout, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns a user's cashouts, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Cashout, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListPending returns cashouts awaiting admin review.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*Cashout, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListPending(ctx, limit)
}
