package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sphpay/peacelink/internal/money"
)

func newTestService(t *testing.T) (*Service, *Wallet) {
	t.Helper()
	svc := NewService(NewMemoryStore())
	w := &Wallet{ID: "w1", UserID: "u1", Number: "0100000001", Available: decimal.NewFromInt(1000)}
	if err := svc.Create(context.Background(), w); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return svc, w
}

func TestHold_ReservesWithoutTransfer(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	if err := svc.Hold(ctx, w.ID, decimal.NewFromInt(600)); err != nil {
		t.Fatalf("hold: %v", err)
	}

	got, _ := svc.GetByUserID(ctx, "u1")
	if money.Format(got.Available) != "400.00" || money.Format(got.Held) != "600.00" {
		t.Errorf("after hold: available=%s held=%s", money.Format(got.Available), money.Format(got.Held))
	}
	if money.Format(got.Total()) != "1000.00" {
		t.Errorf("hold must not change total, got %s", money.Format(got.Total()))
	}
}

func TestHold_InsufficientBalance(t *testing.T) {
	svc, w := newTestService(t)

	err := svc.Hold(context.Background(), w.ID, decimal.NewFromInt(1001))
	var insErr *InsufficientBalanceError
	if !errors.As(err, &insErr) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if money.Format(insErr.Available) != "1000.00" || money.Format(insErr.Required) != "1001.00" {
		t.Errorf("error context: available=%s required=%s", money.Format(insErr.Available), money.Format(insErr.Required))
	}
}

func TestPayFromHold_SplitsGrossAndNet(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	merchant := &Wallet{ID: "w2", UserID: "u2", Available: decimal.Zero}
	if err := svc.Create(ctx, merchant); err != nil {
		t.Fatalf("create merchant wallet: %v", err)
	}

	if err := svc.Hold(ctx, w.ID, decimal.NewFromInt(50)); err != nil {
		t.Fatalf("hold: %v", err)
	}
	// gross 50, net 49.75 — the 0.25 difference is the platform fee,
	// booked to the ledger by the engine.
	if err := svc.PayFromHold(ctx, w.ID, merchant.ID, decimal.NewFromInt(50), money.MustParse("49.75")); err != nil {
		t.Fatalf("pay from hold: %v", err)
	}

	buyer, _ := svc.GetByUserID(ctx, "u1")
	if money.Format(buyer.Held) != "0.00" {
		t.Errorf("buyer held = %s, want 0.00", money.Format(buyer.Held))
	}
	got, _ := svc.GetByUserID(ctx, "u2")
	if money.Format(got.Available) != "49.75" {
		t.Errorf("merchant available = %s, want 49.75", money.Format(got.Available))
	}
}

func TestPayFromHold_RejectsNetAboveGross(t *testing.T) {
	svc, w := newTestService(t)
	err := svc.PayFromHold(context.Background(), w.ID, "w2", decimal.NewFromInt(10), decimal.NewFromInt(11))
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestDebit_NotFound(t *testing.T) {
	svc := NewService(NewMemoryStore())
	err := svc.Debit(context.Background(), "missing", decimal.NewFromInt(1))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_RejectsNonPositiveAmounts(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()

	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5)} {
		if err := svc.Credit(ctx, w.ID, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Credit(%s): expected ErrInvalidAmount, got %v", amount, err)
		}
		if err := svc.Hold(ctx, w.ID, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Hold(%s): expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestGetByNumber(t *testing.T) {
	svc, _ := newTestService(t)
	got, err := svc.GetByNumber(context.Background(), "0100000001")
	if err != nil {
		t.Fatalf("get by number: %v", err)
	}
	if got.UserID != "u1" {
		t.Errorf("got user %s, want u1", got.UserID)
	}
}
