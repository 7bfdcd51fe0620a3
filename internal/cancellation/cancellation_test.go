package cancellation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sphpay/peacelink/internal/database"
	"github.com/sphpay/peacelink/internal/fees"
	"github.com/sphpay/peacelink/internal/ledger"
	"github.com/sphpay/peacelink/internal/money"
	"github.com/sphpay/peacelink/internal/notify"
	"github.com/sphpay/peacelink/internal/peacelink"
	"github.com/sphpay/peacelink/internal/settlement"
	"github.com/sphpay/peacelink/internal/syncutil"
	"github.com/sphpay/peacelink/internal/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	cancel  *Service
	settle  *settlement.Service
	wallets *wallet.Service
	ledger  *ledger.Service
	stores  settlement.Stores
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := &notify.LogNotifier{Logger: logger}

	wallets := wallet.NewService(wallet.NewMemoryStore())
	led := ledger.NewService(ledger.NewMemoryStore())
	stores := settlement.Stores{
		Links:   peacelink.NewMemoryStore(),
		Holds:   peacelink.NewMemoryHoldStore(),
		Payouts: peacelink.NewMemoryPayoutStore(),
	}
	cfg := settlement.Config{
		Rates: fees.Snapshot{
			MerchantPercentage: money.MustParse("0.005"),
			MerchantFixed:      money.MustParse("2"),
			DSPPercentage:      money.MustParse("0.005"),
			AdvancePercentage:  money.MustParse("0.005"),
			CashoutPercentage:  money.MustParse("0.015"),
		},
		OTPTTL:             15 * time.Minute,
		OTPMaxAttempts:     5,
		DSPReassignmentMax: 3,
		ApprovalExpiry:     72 * time.Hour,
	}
	locks := &syncutil.ShardedMutex{}
	runner := database.MemoryRunner{}
	settle := settlement.NewService(cfg, stores, wallets, led, runner, notifier, logger, locks)
	cancel := NewService(stores, wallets, led, settle, runner, notifier, logger, locks)

	f := &fixture{cancel: cancel, settle: settle, wallets: wallets, ledger: led, stores: stores}
	ctx := context.Background()
	for _, w := range []*wallet.Wallet{
		{ID: "w_buyer", UserID: "buyer1", Number: "0101", Available: money.MustParse("5000")},
		{ID: "w_merchant", UserID: "merchant1", Number: "0102", Available: money.MustParse("1000")},
		{ID: "w_dsp", UserID: "dsp1", Number: "0103", Available: decimal.Zero},
	} {
		require.NoError(t, wallets.Create(ctx, w))
	}
	return f
}

// setup creates an approved link, optionally with a DSP assigned.
func (f *fixture) setup(t *testing.T, item, delivery, advancePct string, withDSP bool) *peacelink.PeaceLink {
	t.Helper()
	ctx := context.Background()
	link, err := f.settle.Create(ctx, settlement.CreateRequest{
		MerchantID:        "merchant1",
		BuyerID:           "buyer1",
		BuyerPhone:        "+201001234567",
		ItemAmount:        item,
		DeliveryFee:       delivery,
		AdvancePercentage: advancePct,
	})
	require.NoError(t, err)
	_, err = f.settle.Approve(ctx, link.ID, "buyer1")
	require.NoError(t, err)
	if withDSP {
		_, err = f.settle.AssignDSP(ctx, link.ID, "dsp1", "0103")
		require.NoError(t, err)
	}
	return link
}

func (f *fixture) available(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	w, err := f.wallets.GetByUserID(context.Background(), userID)
	require.NoError(t, err)
	return w.Available
}

func (f *fixture) held(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	w, err := f.wallets.GetByUserID(context.Background(), userID)
	require.NoError(t, err)
	return w.Held
}

func assertAmount(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(money.MustParse(want)), "%s: got %s, want %s", msg, money.Format(got), want)
}

// item=1000, delivery=50, no advance, no DSP: buyer cancels and gets the
// full 1050 back with zero fees booked.
func TestBuyerCancel_NoDSP_FullRefund(t *testing.T) {
	f := newFixture(t)
	link := f.setup(t, "1000", "50", "0", false)
	ctx := context.Background()

	link, err := f.cancel.Cancel(ctx, link.ID, peacelink.PartyBuyer, "changed my mind")
	require.NoError(t, err)

	assert.Equal(t, peacelink.StatusCanceled, link.Status)
	assert.Equal(t, peacelink.PartyBuyer, link.CanceledBy)
	assertAmount(t, "5000", f.available(t, "buyer1"), "buyer made whole")
	assertAmount(t, "0", f.held(t, "buyer1"), "nothing left held")
	assertAmount(t, "1000", f.available(t, "merchant1"), "merchant untouched")

	profit, err := f.ledger.PlatformProfit(ctx)
	require.NoError(t, err)
	assertAmount(t, "0", profit, "zero fees on a no-fault unwind")

	hold, err := f.stores.Holds.GetByPeaceLink(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, peacelink.HoldRefunded, hold.Status)
}

// item=1000, delivery=50, DSP assigned: buyer cancels, forfeits the
// delivery fee. Buyer gets 1000 back, the DSP nets 49.75, platform books
// 0.25.
func TestBuyerCancel_WithDSP_DSPStillPaid(t *testing.T) {
	f := newFixture(t)
	link := f.setup(t, "1000", "50", "0", true)
	ctx := context.Background()

	_, err := f.cancel.Cancel(ctx, link.ID, peacelink.PartyBuyer, "changed my mind")
	require.NoError(t, err)

	assertAmount(t, "4950", f.available(t, "buyer1"), "buyer refunded item only")
	assertAmount(t, "0", f.held(t, "buyer1"), "hold fully unwound")
	assertAmount(t, "49.75", f.available(t, "dsp1"), "dsp net delivery fee")

	profit, err := f.ledger.PlatformProfit(ctx)
	require.NoError(t, err)
	assertAmount(t, "0.25", profit, "dsp fee booked")
	require.NoError(t, f.ledger.VerifyProfit(ctx))
}

// Buyer cancels with a 50% advance already paid: the advance stays with
// the merchant; the rest of the held funds return.
func TestBuyerCancel_AdvanceForfeited(t *testing.T) {
	f := newFixture(t)
	link := f.setup(t, "1000", "50", "0.5", false)
	ctx := context.Background()

	_, err := f.cancel.Cancel(ctx, link.ID, peacelink.PartyBuyer, "")
	require.NoError(t, err)

	// 5000 - 500 advance - 2.50 advance fee... the buyer paid 500 gross;
	// refund is 1050 - 500 = 550.
	assertAmount(t, "4500", f.available(t, "buyer1"), "buyer out the gross advance")
	assertAmount(t, "1497.50", f.available(t, "merchant1"), "merchant keeps net advance")
}

// item=1000, delivery=50, DSP assigned, no advance: merchant cancels.
// Buyer is refunded the full 1050; the merchant pays the DSP 49.75 from
// its own wallet (debited 50); platform books 0.25.
func TestMerchantCancel_WithDSP(t *testing.T) {
	f := newFixture(t)
	link := f.setup(t, "1000", "50", "0", true)
	ctx := context.Background()

	link, err := f.cancel.Cancel(ctx, link.ID, peacelink.PartyMerchant, "out of stock")
	require.NoError(t, err)

	assert.Equal(t, peacelink.PartyMerchant, link.CanceledBy)
	assertAmount(t, "5000", f.available(t, "buyer1"), "buyer made whole")
	assertAmount(t, "950", f.available(t, "merchant1"), "merchant debited the delivery fee")
	assertAmount(t, "49.75", f.available(t, "dsp1"), "dsp net delivery fee")

	profit, err := f.ledger.PlatformProfit(ctx)
	require.NoError(t, err)
	assertAmount(t, "0.25", profit, "dsp fee booked")
	require.NoError(t, f.ledger.VerifyProfit(ctx))
}

// Merchant cancels after taking a 50% advance: the net advance is clawed
// back. The buyer ends down only the 2.50 advance fee already booked.
func TestMerchantCancel_AdvanceReturned(t *testing.T) {
	f := newFixture(t)
	link := f.setup(t, "1000", "50", "0.5", false)
	ctx := context.Background()

	_, err := f.cancel.Cancel(ctx, link.ID, peacelink.PartyMerchant, "out of stock")
	require.NoError(t, err)

	assertAmount(t, "4997.50", f.available(t, "buyer1"), "buyer refunded all but the advance fee")
	assertAmount(t, "1000", f.available(t, "merchant1"), "merchant back to start")

	profit, err := f.ledger.PlatformProfit(ctx)
	require.NoError(t, err)
	assertAmount(t, "2.50", profit, "advance fee is not unwound")
}

// A merchant-fault cancel that cannot claw the advance back must fail
// before the buyer's hold is touched; memory mode has no rollback to
// undo a half-applied branch.
func TestMerchantCancel_InsufficientBalance_LeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	link := f.setup(t, "4000", "0", "0.5", false)
	ctx := context.Background()

	// The merchant spends its balance, received advance included,
	// before canceling.
	require.NoError(t, f.wallets.Debit(ctx, "w_merchant", money.MustParse("2800")))

	_, err := f.cancel.Cancel(ctx, link.ID, peacelink.PartyMerchant, "out of stock")
	var insufficient *wallet.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)

	assertAmount(t, "4000", f.held(t, "buyer1"), "hold untouched")
	assertAmount(t, "1000", f.available(t, "buyer1"), "no partial refund")
	got, err := f.stores.Links.Get(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, peacelink.StatusSphActive, got.Status)
}

func TestCancel_DSPPartyRejected(t *testing.T) {
	f := newFixture(t)
	link := f.setup(t, "1000", "50", "0", true)

	_, err := f.cancel.Cancel(context.Background(), link.ID, peacelink.PartyDSP, "")
	assert.ErrorIs(t, err, ErrNotACancellation)
}

func TestCancel_GuardedStates(t *testing.T) {
	f := newFixture(t)
	link := f.setup(t, "1000", "50", "0", false)
	ctx := context.Background()

	_, err := f.cancel.Cancel(ctx, link.ID, peacelink.PartyBuyer, "")
	require.NoError(t, err)

	// A second cancel finds the link closed.
	_, err = f.cancel.Cancel(ctx, link.ID, peacelink.PartyBuyer, "")
	assert.ErrorIs(t, err, peacelink.ErrInvalidStatus)
	assertAmount(t, "5000", f.available(t, "buyer1"), "no double refund")
}

func TestExpire_BeforeApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link, err := f.settle.Create(ctx, settlement.CreateRequest{
		MerchantID: "merchant1",
		BuyerID:    "buyer1",
		BuyerPhone: "+201001234567",
		ItemAmount: "1000",
	})
	require.NoError(t, err)

	link, err = f.cancel.Expire(ctx, link.ID)
	require.NoError(t, err)

	assert.Equal(t, peacelink.StatusExpired, link.Status)
	assertAmount(t, "5000", f.available(t, "buyer1"), "nothing was ever held")
}

// Expiry after approval is the merchant's failure to deliver: the
// merchant-fault branch applies and the system is recorded as canceler.
func TestExpire_AfterApproval_MerchantFault(t *testing.T) {
	f := newFixture(t)
	link := f.setup(t, "1000", "50", "0.5", false)
	ctx := context.Background()

	link, err := f.cancel.Expire(ctx, link.ID)
	require.NoError(t, err)

	assert.Equal(t, peacelink.StatusCanceled, link.Status)
	assert.Equal(t, peacelink.PartySystem, link.CanceledBy)
	assertAmount(t, "4997.50", f.available(t, "buyer1"), "net advance returned")
	assertAmount(t, "1000", f.available(t, "merchant1"), "merchant gave the advance back")
}

func TestTimer_SweepsExpiredLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link, err := f.settle.Create(ctx, settlement.CreateRequest{
		MerchantID: "merchant1",
		BuyerID:    "buyer1",
		BuyerPhone: "+201001234567",
		ItemAmount: "1000",
	})
	require.NoError(t, err)

	// Push the deadline into the past.
	stored, err := f.stores.Links.Get(ctx, link.ID)
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	stored.ExpiresAt = &past
	require.NoError(t, f.stores.Links.Update(ctx, stored))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	timer := NewTimer(f.cancel, f.stores.Links, 10*time.Millisecond, logger)
	timer.Start()
	defer timer.Stop()

	require.Eventually(t, func() bool {
		got, err := f.stores.Links.Get(ctx, link.ID)
		return err == nil && got.Status == peacelink.StatusExpired
	}, 2*time.Second, 20*time.Millisecond)
}
