package cashout

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sphpay/peacelink/internal/database"
	"github.com/sphpay/peacelink/internal/fees"
	"github.com/sphpay/peacelink/internal/ledger"
	"github.com/sphpay/peacelink/internal/money"
	"github.com/sphpay/peacelink/internal/notify"
	"github.com/sphpay/peacelink/internal/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc     *Service
	wallets *wallet.Service
	ledger  *ledger.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wallets := wallet.NewService(wallet.NewMemoryStore())
	led := ledger.NewService(ledger.NewMemoryStore())
	rates := fees.Snapshot{CashoutPercentage: money.MustParse("0.015")}

	svc := NewService(NewMemoryStore(), wallets, led, rates, database.MemoryRunner{},
		&notify.LogNotifier{Logger: logger}, logger)

	require.NoError(t, wallets.Create(context.Background(), &wallet.Wallet{
		ID: "w1", UserID: "user1", Number: "0101", Available: money.MustParse("2000"),
	}))
	return &fixture{svc: svc, wallets: wallets, ledger: led}
}

func (f *fixture) available(t *testing.T) decimal.Decimal {
	t.Helper()
	w, err := f.wallets.GetByUserID(context.Background(), "user1")
	require.NoError(t, err)
	return w.Available
}

func assertAmount(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(money.MustParse(want)), "%s: got %s, want %s", msg, money.Format(got), want)
}

// amount=1000: fee is 15, the wallet is debited 1015 at request time.
func TestRequest_DebitsAmountPlusFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	co, err := f.svc.Request(ctx, "user1", "+201001234567", money.MustParse("1000"))
	require.NoError(t, err)

	assert.Equal(t, StatusPending, co.Status)
	assertAmount(t, "1000", co.RequestedAmount, "requested")
	assertAmount(t, "15", co.FeeAmount, "fee")
	assertAmount(t, "1015", co.Debited(), "debited")
	assertAmount(t, "985", f.available(t), "wallet after request")
}

func TestRequest_InsufficientFunds(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Request(context.Background(), "user1", "", money.MustParse("2000"))
	var insufficient *wallet.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient, "2000 + 30 fee exceeds the balance")
	assertAmount(t, "2000", f.available(t), "nothing debited")
}

func TestRequest_InvalidAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Request(context.Background(), "user1", "", decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

// Approval books the fee; the wallet is untouched because the funds
// already left at request time.
func TestApprove_BooksFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	co, err := f.svc.Request(ctx, "user1", "", money.MustParse("1000"))
	require.NoError(t, err)

	co, err = f.svc.Approve(ctx, co.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusProcessed, co.Status)
	assert.NotNil(t, co.DecidedAt)
	assertAmount(t, "985", f.available(t), "wallet unchanged by approval")

	profit, err := f.ledger.PlatformProfit(ctx)
	require.NoError(t, err)
	assertAmount(t, "15", profit, "fee booked on completion")
	require.NoError(t, f.ledger.VerifyProfit(ctx))
}

// Rejection restores exactly amount+fee; the platform keeps no fee for a
// cashout that did not complete.
func TestReject_RefundsExactly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	co, err := f.svc.Request(ctx, "user1", "", money.MustParse("1000"))
	require.NoError(t, err)

	co, err = f.svc.Reject(ctx, co.ID, "kyc incomplete")
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, co.Status)
	assert.Equal(t, "kyc incomplete", co.Reason)
	assertAmount(t, "2000", f.available(t), "wallet fully restored")

	profit, err := f.ledger.PlatformProfit(ctx)
	require.NoError(t, err)
	assertAmount(t, "0", profit, "no fee retained")
}

func TestDecide_OnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	co, err := f.svc.Request(ctx, "user1", "", money.MustParse("100"))
	require.NoError(t, err)

	_, err = f.svc.Reject(ctx, co.ID, "first")
	require.NoError(t, err)

	_, err = f.svc.Reject(ctx, co.ID, "second")
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = f.svc.Approve(ctx, co.ID)
	assert.ErrorIs(t, err, ErrNotPending)
	assertAmount(t, "2000", f.available(t), "refunded exactly once")
}

func TestCancel_ByOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	co, err := f.svc.Request(ctx, "user1", "", money.MustParse("500"))
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, co.ID, "intruder")
	assert.ErrorIs(t, err, ErrNotOwner)

	co, err = f.svc.Cancel(ctx, co.ID, "user1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, co.Status)
	assertAmount(t, "2000", f.available(t), "wallet fully restored")
}

func TestListPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.svc.Request(ctx, "user1", "", money.MustParse("100"))
	require.NoError(t, err)
	b, err := f.svc.Request(ctx, "user1", "", money.MustParse("200"))
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, a.ID)
	require.NoError(t, err)

	pending, err := f.svc.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
}
