package settlement

import (
	"context"
	"errors"
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
	"github.com/sphpay/peacelink/internal/syncutil"
	"github.com/sphpay/peacelink/internal/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// canonical rates: merchant 0.5% + 2 EGP fixed, DSP 0.5%, advance 0.5%,
// cashout 1.5%.
func testRates() fees.Snapshot {
	return fees.Snapshot{
		MerchantPercentage: money.MustParse("0.005"),
		MerchantFixed:      money.MustParse("2"),
		DSPPercentage:      money.MustParse("0.005"),
		AdvancePercentage:  money.MustParse("0.005"),
		CashoutPercentage:  money.MustParse("0.015"),
	}
}

type fixture struct {
	svc     *Service
	wallets *wallet.Service
	ledger  *ledger.Service
	stores  Stores

	buyer    *wallet.Wallet
	merchant *wallet.Wallet
	dsp      *wallet.Wallet
}

type captureNotifier struct {
	notify.LogNotifier
	otpCode  string
	otpPhone string
}

func (n *captureNotifier) SendOTP(ctx context.Context, phone, code, reference string) {
	n.otpPhone = phone
	n.otpCode = code
}

func newFixture(t *testing.T) (*fixture, *captureNotifier) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := &captureNotifier{LogNotifier: notify.LogNotifier{Logger: logger}}

	wallets := wallet.NewService(wallet.NewMemoryStore())
	led := ledger.NewService(ledger.NewMemoryStore())
	stores := Stores{
		Links:   peacelink.NewMemoryStore(),
		Holds:   peacelink.NewMemoryHoldStore(),
		Payouts: peacelink.NewMemoryPayoutStore(),
	}
	cfg := Config{
		Rates:              testRates(),
		OTPTTL:             15 * time.Minute,
		OTPMaxAttempts:     5,
		DSPReassignmentMax: 3,
		ApprovalExpiry:     72 * time.Hour,
	}
	svc := NewService(cfg, stores, wallets, led, database.MemoryRunner{}, notifier, logger, &syncutil.ShardedMutex{})

	f := &fixture{svc: svc, wallets: wallets, ledger: led, stores: stores}
	ctx := context.Background()
	f.buyer = &wallet.Wallet{ID: "w_buyer", UserID: "buyer1", Number: "0101", Available: money.MustParse("5000")}
	f.merchant = &wallet.Wallet{ID: "w_merchant", UserID: "merchant1", Number: "0102", Available: money.MustParse("1000")}
	f.dsp = &wallet.Wallet{ID: "w_dsp", UserID: "dsp1", Number: "0103", Available: decimal.Zero}
	for _, w := range []*wallet.Wallet{f.buyer, f.merchant, f.dsp} {
		require.NoError(t, wallets.Create(ctx, w))
	}
	return f, notifier
}

func (f *fixture) create(t *testing.T, item, delivery, advancePct string) *peacelink.PeaceLink {
	t.Helper()
	link, err := f.svc.Create(context.Background(), CreateRequest{
		MerchantID:        "merchant1",
		BuyerID:           "buyer1",
		BuyerPhone:        "+201001234567",
		ItemAmount:        item,
		DeliveryFee:       delivery,
		AdvancePercentage: advancePct,
	})
	require.NoError(t, err)
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

func TestCreate_Validation(t *testing.T) {
	f, _ := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"zero item", CreateRequest{MerchantID: "m", BuyerID: "b", BuyerPhone: "p", ItemAmount: "0"}},
		{"negative item", CreateRequest{MerchantID: "m", BuyerID: "b", BuyerPhone: "p", ItemAmount: "-10"}},
		{"negative delivery", CreateRequest{MerchantID: "m", BuyerID: "b", BuyerPhone: "p", ItemAmount: "100", DeliveryFee: "-1"}},
		{"advance over 100%", CreateRequest{MerchantID: "m", BuyerID: "b", BuyerPhone: "p", ItemAmount: "100", AdvancePercentage: "1.5"}},
		{"self dealing", CreateRequest{MerchantID: "u1", BuyerID: "u1", BuyerPhone: "p", ItemAmount: "100"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestCreate_SnapshotAndAmounts(t *testing.T) {
	f, _ := newFixture(t)
	link := f.create(t, "1000", "50", "0.5")

	assertAmount(t, "1050", link.TotalAmount, "total")
	assertAmount(t, "500", link.AdvanceAmount, "advance")
	assert.Equal(t, peacelink.StatusPendingApproval, link.Status)
	assert.NotEmpty(t, link.Reference)
	assert.NotNil(t, link.ExpiresAt)
	// The snapshot is frozen at creation.
	assert.True(t, link.Fees.MerchantFixed.Equal(money.MustParse("2")))
}

func TestApprove_HoldsTotal(t *testing.T) {
	f, _ := newFixture(t)
	link := f.create(t, "1000", "50", "0")
	ctx := context.Background()

	link, err := f.svc.Approve(ctx, link.ID, "buyer1")
	require.NoError(t, err)

	assert.Equal(t, peacelink.StatusSphActive, link.Status)
	assertAmount(t, "3950", f.available(t, "buyer1"), "buyer available")
	assertAmount(t, "1050", f.held(t, "buyer1"), "buyer held")

	hold, err := f.stores.Holds.GetByPeaceLink(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, peacelink.HoldActive, hold.Status)
	assertAmount(t, "1050", hold.Amount, "hold amount")
}

func TestApprove_WrongBuyer(t *testing.T) {
	f, _ := newFixture(t)
	link := f.create(t, "1000", "50", "0")

	_, err := f.svc.Approve(context.Background(), link.ID, "someone-else")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestApprove_InsufficientFunds(t *testing.T) {
	f, _ := newFixture(t)
	link := f.create(t, "10000", "0", "0")

	_, err := f.svc.Approve(context.Background(), link.ID, "buyer1")
	var insufficient *wallet.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Required.Equal(money.MustParse("10000")))

	// Nothing moved and the link is still approvable.
	assertAmount(t, "5000", f.available(t, "buyer1"), "buyer available")
	got, _ := f.stores.Links.Get(context.Background(), link.ID)
	assert.Equal(t, peacelink.StatusPendingApproval, got.Status)
}

// item=1000, delivery=50, advance=50%: approval books the 2.50 advance
// fee and nets the merchant 497.50 immediately.
func TestApprove_AdvancePayout(t *testing.T) {
	f, _ := newFixture(t)
	link := f.create(t, "1000", "50", "0.5")
	ctx := context.Background()

	_, err := f.svc.Approve(ctx, link.ID, "buyer1")
	require.NoError(t, err)

	assertAmount(t, "1497.50", f.available(t, "merchant1"), "merchant available")
	// Held = 1050 total - 500 advance consumed.
	assertAmount(t, "550", f.held(t, "buyer1"), "buyer held")

	profit, err := f.ledger.PlatformProfit(ctx)
	require.NoError(t, err)
	assertAmount(t, "2.50", profit, "platform profit")

	payouts, err := f.stores.Payouts.ListByPeaceLink(ctx, link.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.True(t, payouts[0].IsAdvance)
	assertAmount(t, "497.50", payouts[0].Net, "advance net")
}

func TestAssignDSP_IssuesOTP(t *testing.T) {
	f, notifier := newFixture(t)
	link := f.create(t, "1000", "50", "0")
	ctx := context.Background()

	_, err := f.svc.Approve(ctx, link.ID, "buyer1")
	require.NoError(t, err)

	link, err = f.svc.AssignDSP(ctx, link.ID, "dsp1", "0103")
	require.NoError(t, err)

	assert.Equal(t, peacelink.StatusDSPAssigned, link.Status)
	assert.NotEmpty(t, link.OTPHash)
	assert.Len(t, notifier.otpCode, peacelink.OTPDigits)
	assert.Equal(t, "+201001234567", notifier.otpPhone)
	assert.True(t, peacelink.VerifyOTP(link.OTPHash, notifier.otpCode),
		"dispatched code must match the stored hash")
}

func TestAssignDSP_UnknownWallet(t *testing.T) {
	f, _ := newFixture(t)
	link := f.create(t, "1000", "50", "0")
	ctx := context.Background()
	_, err := f.svc.Approve(ctx, link.ID, "buyer1")
	require.NoError(t, err)

	_, err = f.svc.AssignDSP(ctx, link.ID, "dsp1", "no-such-wallet")
	assert.ErrorIs(t, err, wallet.ErrNotFound)
}

func TestChangeDSP_LimitAndReset(t *testing.T) {
	f, notifier := newFixture(t)
	link := f.create(t, "1000", "50", "0")
	ctx := context.Background()
	_, err := f.svc.Approve(ctx, link.ID, "buyer1")
	require.NoError(t, err)
	_, err = f.svc.AssignDSP(ctx, link.ID, "dsp1", "0103")
	require.NoError(t, err)
	firstCode := notifier.otpCode

	for i := 0; i < 3; i++ {
		link, err = f.svc.ChangeDSP(ctx, link.ID, "dsp1", "0103")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, link.DSPReassignments)
	assert.NotEqual(t, firstCode, notifier.otpCode, "reassignment issues a fresh code")

	_, err = f.svc.ChangeDSP(ctx, link.ID, "dsp1", "0103")
	assert.ErrorIs(t, err, peacelink.ErrReassignmentLimit)
}

func TestRemoveDSP_RevertsWithoutMoney(t *testing.T) {
	f, _ := newFixture(t)
	link := f.create(t, "1000", "50", "0")
	ctx := context.Background()
	_, err := f.svc.Approve(ctx, link.ID, "buyer1")
	require.NoError(t, err)
	_, err = f.svc.AssignDSP(ctx, link.ID, "dsp1", "0103")
	require.NoError(t, err)

	heldBefore := f.held(t, "buyer1")
	link, err = f.svc.RemoveDSP(ctx, link.ID)
	require.NoError(t, err)

	assert.Equal(t, peacelink.StatusSphActive, link.Status)
	assert.False(t, link.HasDSP())
	assert.Empty(t, link.OTPHash)
	assert.True(t, f.held(t, "buyer1").Equal(heldBefore), "removal must not move money")

	// The link accepts a new assignment afterwards.
	_, err = f.svc.AssignDSP(ctx, link.ID, "dsp1", "0103")
	require.NoError(t, err)
}

// item=1000, delivery=50, advance=50%: the full happy path. Final fee is
// 500×0.005+2 = 4.50, merchant total net 993.00, DSP nets 49.75,
// platform profit 2.50 + 4.50 + 0.25 = 7.25.
func TestConfirmDelivery_FinalPayouts(t *testing.T) {
	f, notifier := newFixture(t)
	link := f.create(t, "1000", "50", "0.5")
	ctx := context.Background()
	_, err := f.svc.Approve(ctx, link.ID, "buyer1")
	require.NoError(t, err)
	_, err = f.svc.AssignDSP(ctx, link.ID, "dsp1", "0103")
	require.NoError(t, err)

	link, err = f.svc.ConfirmDelivery(ctx, link.ID, notifier.otpCode)
	require.NoError(t, err)

	assert.Equal(t, peacelink.StatusDelivered, link.Status)
	assert.NotNil(t, link.DeliveredAt)
	assertAmount(t, "1993", f.available(t, "merchant1"), "merchant available (1000 start + 993 net)")
	assertAmount(t, "49.75", f.available(t, "dsp1"), "dsp available")
	assertAmount(t, "0", f.held(t, "buyer1"), "buyer held fully consumed")
	assertAmount(t, "3950", f.available(t, "buyer1"), "buyer available")

	profit, err := f.ledger.PlatformProfit(ctx)
	require.NoError(t, err)
	assertAmount(t, "7.25", profit, "platform profit")
	require.NoError(t, f.ledger.VerifyProfit(ctx))

	hold, err := f.stores.Holds.GetByPeaceLink(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, peacelink.HoldReleased, hold.Status)
}

// Closed system: what left the buyer equals what reached merchant, DSP,
// and platform.
func TestConfirmDelivery_ClosedSystem(t *testing.T) {
	f, notifier := newFixture(t)
	link := f.create(t, "1000", "50", "0.5")
	ctx := context.Background()
	_, err := f.svc.Approve(ctx, link.ID, "buyer1")
	require.NoError(t, err)
	_, err = f.svc.AssignDSP(ctx, link.ID, "dsp1", "0103")
	require.NoError(t, err)
	_, err = f.svc.ConfirmDelivery(ctx, link.ID, notifier.otpCode)
	require.NoError(t, err)

	buyerOut := money.MustParse("5000").Sub(f.available(t, "buyer1")).Sub(f.held(t, "buyer1"))
	merchantIn := f.available(t, "merchant1").Sub(money.MustParse("1000"))
	dspIn := f.available(t, "dsp1")
	profit, err := f.ledger.PlatformProfit(ctx)
	require.NoError(t, err)

	assert.True(t, buyerOut.Equal(merchantIn.Add(dspIn).Add(profit)),
		"buyer out %s != merchant %s + dsp %s + platform %s",
		money.Format(buyerOut), money.Format(merchantIn), money.Format(dspIn), money.Format(profit))
}

func TestConfirmDelivery_WrongOTP(t *testing.T) {
	f, _ := newFixture(t)
	link := f.create(t, "1000", "50", "0")
	ctx := context.Background()
	_, err := f.svc.Approve(ctx, link.ID, "buyer1")
	require.NoError(t, err)
	_, err = f.svc.AssignDSP(ctx, link.ID, "dsp1", "0103")
	require.NoError(t, err)

	_, err = f.svc.ConfirmDelivery(ctx, link.ID, "999999")
	assert.ErrorIs(t, err, peacelink.ErrInvalidOTP)

	// The failed attempt is persisted and status is unchanged.
	got, _ := f.stores.Links.Get(ctx, link.ID)
	assert.Equal(t, 1, got.OTPAttempts)
	assert.Equal(t, peacelink.StatusDSPAssigned, got.Status)
	assertAmount(t, "1050", f.held(t, "buyer1"), "held untouched")
}

func TestConfirmDelivery_LocksAfterMaxAttempts(t *testing.T) {
	f, notifier := newFixture(t)
	link := f.create(t, "1000", "50", "0")
	ctx := context.Background()
	_, err := f.svc.Approve(ctx, link.ID, "buyer1")
	require.NoError(t, err)
	_, err = f.svc.AssignDSP(ctx, link.ID, "dsp1", "0103")
	require.NoError(t, err)

	wrong := "000000"
	if wrong == notifier.otpCode {
		wrong = "000001"
	}
	for i := 0; i < 5; i++ {
		_, err = f.svc.ConfirmDelivery(ctx, link.ID, wrong)
		require.ErrorIs(t, err, peacelink.ErrInvalidOTP)
	}

	// Even the correct code is rejected once locked.
	_, err = f.svc.ConfirmDelivery(ctx, link.ID, notifier.otpCode)
	assert.ErrorIs(t, err, peacelink.ErrOTPLocked)

	// Reassignment issues a fresh code and resets the counter.
	_, err = f.svc.ChangeDSP(ctx, link.ID, "dsp1", "0103")
	require.NoError(t, err)
	_, err = f.svc.ConfirmDelivery(ctx, link.ID, notifier.otpCode)
	require.NoError(t, err)
}

func TestConfirmDelivery_ExpiredOTP(t *testing.T) {
	f, notifier := newFixture(t)
	link := f.create(t, "1000", "50", "0")
	ctx := context.Background()
	_, err := f.svc.Approve(ctx, link.ID, "buyer1")
	require.NoError(t, err)
	_, err = f.svc.AssignDSP(ctx, link.ID, "dsp1", "0103")
	require.NoError(t, err)

	// Force the deadline into the past.
	stored, _ := f.stores.Links.Get(ctx, link.ID)
	past := time.Now().Add(-time.Minute)
	stored.OTPExpiresAt = &past
	require.NoError(t, f.stores.Links.Update(ctx, stored))

	_, err = f.svc.ConfirmDelivery(ctx, link.ID, notifier.otpCode)
	assert.ErrorIs(t, err, peacelink.ErrOTPExpired)
}

// Replaying delivery confirmation must not double-pay: the guard rejects
// the second call outright.
func TestConfirmDelivery_Replay(t *testing.T) {
	f, notifier := newFixture(t)
	link := f.create(t, "1000", "50", "0")
	ctx := context.Background()
	_, err := f.svc.Approve(ctx, link.ID, "buyer1")
	require.NoError(t, err)
	_, err = f.svc.AssignDSP(ctx, link.ID, "dsp1", "0103")
	require.NoError(t, err)
	_, err = f.svc.ConfirmDelivery(ctx, link.ID, notifier.otpCode)
	require.NoError(t, err)

	_, err = f.svc.ConfirmDelivery(ctx, link.ID, notifier.otpCode)
	assert.ErrorIs(t, err, peacelink.ErrInvalidStatus)
	assertAmount(t, "49.75", f.available(t, "dsp1"), "dsp paid exactly once")
}

func TestComplete(t *testing.T) {
	f, notifier := newFixture(t)
	link := f.create(t, "1000", "50", "0")
	ctx := context.Background()
	_, err := f.svc.Approve(ctx, link.ID, "buyer1")
	require.NoError(t, err)
	_, err = f.svc.AssignDSP(ctx, link.ID, "dsp1", "0103")
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, link.ID)
	assert.ErrorIs(t, err, peacelink.ErrInvalidStatus)

	_, err = f.svc.ConfirmDelivery(ctx, link.ID, notifier.otpCode)
	require.NoError(t, err)

	merchantBefore := f.available(t, "merchant1")
	link, err = f.svc.Complete(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, peacelink.StatusCompleted, link.Status)
	assert.True(t, link.IsTerminal())
	assert.True(t, f.available(t, "merchant1").Equal(merchantBefore), "completion is money-free")
}

func TestOpenDispute(t *testing.T) {
	f, _ := newFixture(t)
	link := f.create(t, "1000", "50", "0")
	ctx := context.Background()

	_, err := f.svc.OpenDispute(ctx, link.ID)
	assert.ErrorIs(t, err, peacelink.ErrInvalidStatus, "no dispute before approval")

	_, err = f.svc.Approve(ctx, link.ID, "buyer1")
	require.NoError(t, err)

	link, err = f.svc.OpenDispute(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, peacelink.StatusActiveDispute, link.Status)
	assertAmount(t, "1050", f.held(t, "buyer1"), "dispute freezes, never moves money")
}

func TestGetByReference(t *testing.T) {
	f, _ := newFixture(t)
	link := f.create(t, "1000", "0", "0")

	got, err := f.svc.GetByReference(context.Background(), link.Reference)
	require.NoError(t, err)
	assert.Equal(t, link.ID, got.ID)

	_, err = f.svc.GetByReference(context.Background(), "PL-00000000")
	assert.True(t, errors.Is(err, peacelink.ErrNotFound))
}
