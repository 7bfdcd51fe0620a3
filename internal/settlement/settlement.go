// Package settlement drives the forward money path of a PeaceLink:
// buyer approval (funds held, optional advance paid), DSP assignment and
// reassignment (OTP issued), OTP delivery confirmation, and the final
// payouts.
//
// Every money-touching operation runs inside one TxRunner scope: wallet
// mutations, ledger entries, payout rows, the SPH hold, and the status
// transition commit together or not at all. Concurrent transitions on the
// same link are serialized by a per-link lock and, across processes, by
// the aggregate's optimistic version. Notifications are queued on an
// outbox during the transaction and dispatched only after commit.
package settlement

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
	"github.com/sphpay/peacelink/internal/peacelink"
	"github.com/sphpay/peacelink/internal/syncutil"
	"github.com/sphpay/peacelink/internal/traces"
	"github.com/sphpay/peacelink/internal/wallet"
)

var (
	ErrUnauthorized   = errors.New("not authorized for this peacelink operation")
	ErrInvalidRequest = errors.New("invalid peacelink request")
)

// Config carries the live defaults frozen into each new PeaceLink.
type Config struct {
	Rates              fees.Snapshot
	OTPTTL             time.Duration
	OTPMaxAttempts     int
	DSPReassignmentMax int
	ApprovalExpiry     time.Duration
}

// Stores bundles the persistence dependencies of the engine.
type Stores struct {
	Links   peacelink.Store
	Holds   peacelink.HoldStore
	Payouts peacelink.PayoutStore
}

// Service implements the settlement engine.
type Service struct {
	cfg      Config
	stores   Stores
	wallets  *wallet.Service
	ledger   *ledger.Service
	tx       database.TxRunner
	notifier notify.Notifier
	logger   *slog.Logger

	// locks serializes transitions per link ID. The same instance is
	// shared with the cancellation and resolution engines so concurrent
	// confirm/cancel/resolve calls on one link queue behind each other.
	locks *syncutil.ShardedMutex
}

// NewService creates a settlement service. locks must be the process-wide
// per-link lock shared by every engine that transitions PeaceLinks.
func NewService(cfg Config, stores Stores, wallets *wallet.Service, led *ledger.Service, tx database.TxRunner, notifier notify.Notifier, logger *slog.Logger, locks *syncutil.ShardedMutex) *Service {
	return &Service{
		cfg:      cfg,
		stores:   stores,
		wallets:  wallets,
		ledger:   led,
		tx:       tx,
		notifier: notifier,
		logger:   logger,
		locks:    locks,
	}
}

// CreateRequest contains the parameters for creating a PeaceLink.
type CreateRequest struct {
	MerchantID        string `json:"merchantId" binding:"required"`
	BuyerID           string `json:"buyerId" binding:"required"`
	BuyerPhone        string `json:"buyerPhone" binding:"required"`
	ItemAmount        string `json:"itemAmount" binding:"required"`
	DeliveryFee       string `json:"deliveryFee"`
	DeliveryFeePaidBy string `json:"deliveryFeePaidBy"`
	AdvancePercentage string `json:"advancePercentage"` // fraction, e.g. "0.5"
}

// Create builds a new PeaceLink in PENDING_APPROVAL. The current fee
// rates are frozen into the aggregate here; nothing later re-reads live
// configuration for this link.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*peacelink.PeaceLink, error) {
	itemAmount, err := money.Parse(req.ItemAmount)
	if err != nil || !money.IsPositive(itemAmount) {
		return nil, fmt.Errorf("%w: item amount must be positive", ErrInvalidRequest)
	}
	deliveryFee := decimal.Zero
	if req.DeliveryFee != "" {
		if deliveryFee, err = money.Parse(req.DeliveryFee); err != nil || money.IsNegative(deliveryFee) {
			return nil, fmt.Errorf("%w: delivery fee must not be negative", ErrInvalidRequest)
		}
	}
	advancePct := decimal.Zero
	if req.AdvancePercentage != "" {
		if advancePct, err = money.Parse(req.AdvancePercentage); err != nil ||
			money.IsNegative(advancePct) || advancePct.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("%w: advance percentage must be in [0, 1]", ErrInvalidRequest)
		}
	}
	if req.MerchantID == req.BuyerID {
		return nil, fmt.Errorf("%w: merchant and buyer cannot be the same user", ErrInvalidRequest)
	}

	paidBy := req.DeliveryFeePaidBy
	if paidBy == "" {
		paidBy = peacelink.DeliveryFeePaidByBuyer
	}

	now := time.Now()
	expires := now.Add(s.cfg.ApprovalExpiry)
	link := &peacelink.PeaceLink{
		ID:                idgen.WithPrefix("pl_"),
		MerchantID:        req.MerchantID,
		BuyerID:           req.BuyerID,
		BuyerPhone:        req.BuyerPhone,
		ItemAmount:        money.Round2(itemAmount),
		DeliveryFee:       money.Round2(deliveryFee),
		DeliveryFeePaidBy: paidBy,
		AdvancePercentage: advancePct,
		AdvanceAmount:     money.Round2(itemAmount.Mul(advancePct)),
		Fees:              s.cfg.Rates,
		Status:            peacelink.StatusPendingApproval,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         &expires,
	}
	link.TotalAmount = link.ItemAmount.Add(link.DeliveryFee)

	// advance_amount ≤ item_amount holds by construction (pct ≤ 1), and
	// the reference retry covers the rare random collision.
	for attempt := 0; ; attempt++ {
		link.Reference = idgen.Reference()
		err := s.stores.Links.Create(ctx, link)
		if err == nil {
			break
		}
		if errors.Is(err, peacelink.ErrDuplicateReference) && attempt < 3 {
			continue
		}
		return nil, err
	}
	return link, nil
}

// Approve executes buyer approval: the full total is held from the buyer
// wallet (reserved, not transferred), the SPH hold is created, and any
// configured advance is paid to the merchant immediately with its fee
// booked now rather than at final release.
func (s *Service) Approve(ctx context.Context, linkID, buyerID string) (*peacelink.PeaceLink, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.approve", traces.PeaceLinkID(linkID))
	defer span.End()

	unlock := s.locks.Lock(linkID)
	defer unlock()

	var link *peacelink.PeaceLink
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		link, err = s.stores.Links.Get(ctx, linkID)
		if err != nil {
			return err
		}
		if link.BuyerID != buyerID {
			return ErrUnauthorized
		}
		if err := link.CanBeApproved(); err != nil {
			return err
		}

		buyerWallet, err := s.wallets.GetByUserID(ctx, link.BuyerID)
		if err != nil {
			return fmt.Errorf("buyer wallet: %w", err)
		}

		// Reserve the full total. The wallet layer reports insufficient
		// funds with the available/required figures.
		if err := s.wallets.Hold(ctx, buyerWallet.ID, link.TotalAmount); err != nil {
			return err
		}
		if _, err := s.ledger.Record(ctx, &ledger.Entry{
			DebitWalletID:  buyerWallet.ID,
			Amount:         link.TotalAmount,
			Type:           ledger.EntryHold,
			Reference:      link.ID,
			IdempotencyKey: link.ID + ":hold",
		}); err != nil {
			return err
		}

		now := time.Now()
		if err := s.stores.Holds.Create(ctx, &peacelink.Hold{
			ID:          idgen.WithPrefix("sph_"),
			PeaceLinkID: link.ID,
			Amount:      link.TotalAmount,
			Status:      peacelink.HoldActive,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		if money.IsPositive(link.AdvanceAmount) {
			if err := s.payAdvance(ctx, link, buyerWallet.ID); err != nil {
				return err
			}
		}

		link.Status = peacelink.StatusSphActive
		link.ApprovedAt = &now
		return s.stores.Links.Update(ctx, link)
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// payAdvance pays the merchant their advance net of the advance fee and
// books the fee to the platform ledger immediately.
func (s *Service) payAdvance(ctx context.Context, link *peacelink.PeaceLink, buyerWalletID string) error {
	merchantWallet, err := s.wallets.GetByUserID(ctx, link.MerchantID)
	if err != nil {
		return fmt.Errorf("merchant wallet: %w", err)
	}

	fee := fees.AdvanceFee(link.AdvanceAmount, link.Fees)
	net := fees.Net(link.AdvanceAmount, fee)

	if err := s.wallets.PayFromHold(ctx, buyerWalletID, merchantWallet.ID, link.AdvanceAmount, net); err != nil {
		return err
	}
	if _, err := s.ledger.Record(ctx, &ledger.Entry{
		DebitWalletID:  buyerWalletID,
		CreditWalletID: merchantWallet.ID,
		Amount:         net,
		Type:           ledger.EntryAdvancePayout,
		Reference:      link.ID,
		IdempotencyKey: link.ID + ":advance",
	}); err != nil {
		return err
	}
	if err := s.ledger.BookFee(ctx, buyerWalletID, fee, link.ID, link.ID+":advance_fee"); err != nil {
		return err
	}
	return s.stores.Payouts.Create(ctx, &peacelink.Payout{
		ID:          idgen.WithPrefix("po_"),
		PeaceLinkID: link.ID,
		WalletID:    merchantWallet.ID,
		Gross:       link.AdvanceAmount,
		Fee:         fee,
		Net:         net,
		Type:        peacelink.PayoutAdvance,
		IsAdvance:   true,
		CreatedAt:   time.Now(),
	})
}

// AssignDSP assigns a delivery service provider to an SPH_ACTIVE link,
// issues a fresh OTP (hash stored, code dispatched after commit), and
// transitions to DSP_ASSIGNED.
func (s *Service) AssignDSP(ctx context.Context, linkID, dspID, dspWalletNumber string) (*peacelink.PeaceLink, error) {
	unlock := s.locks.Lock(linkID)
	defer unlock()

	outbox := &notify.Outbox{}
	var link *peacelink.PeaceLink
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		link, err = s.stores.Links.Get(ctx, linkID)
		if err != nil {
			return err
		}
		if err := link.CanAssignDSP(); err != nil {
			return err
		}
		return s.assign(ctx, link, dspID, dspWalletNumber, outbox)
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	return link, nil
}

// ChangeDSP replaces the current DSP before delivery, bounded by the
// configured reassignment limit. A new OTP is issued and the attempt
// counter resets.
func (s *Service) ChangeDSP(ctx context.Context, linkID, dspID, dspWalletNumber string) (*peacelink.PeaceLink, error) {
	unlock := s.locks.Lock(linkID)
	defer unlock()

	outbox := &notify.Outbox{}
	var link *peacelink.PeaceLink
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		link, err = s.stores.Links.Get(ctx, linkID)
		if err != nil {
			return err
		}
		if err := link.CanReassignDSP(s.cfg.DSPReassignmentMax); err != nil {
			return err
		}
		link.DSPReassignments++
		return s.assign(ctx, link, dspID, dspWalletNumber, outbox)
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	return link, nil
}

func (s *Service) assign(ctx context.Context, link *peacelink.PeaceLink, dspID, dspWalletNumber string, outbox *notify.Outbox) error {
	if dspID == "" || dspWalletNumber == "" {
		return fmt.Errorf("%w: dsp id and wallet number are required", ErrInvalidRequest)
	}
	if _, err := s.wallets.GetByNumber(ctx, dspWalletNumber); err != nil {
		return fmt.Errorf("dsp wallet: %w", err)
	}

	code, hash := peacelink.GenerateOTP()
	now := time.Now()
	expires := now.Add(s.cfg.OTPTTL)

	link.DSPID = dspID
	link.DSPWalletNumber = dspWalletNumber
	link.OTPHash = hash
	link.OTPGeneratedAt = &now
	link.OTPExpiresAt = &expires
	link.OTPAttempts = 0
	link.Status = peacelink.StatusDSPAssigned
	link.AssignedAt = &now
	if err := s.stores.Links.Update(ctx, link); err != nil {
		return err
	}

	phone, reference := link.BuyerPhone, link.Reference
	outbox.Add(func(ctx context.Context) {
		s.notifier.SendOTP(ctx, phone, code, reference)
	})
	return nil
}

// RemoveDSP clears a pre-OTP DSP assignment and reverts the link to
// SPH_ACTIVE awaiting reassignment. No money moves and no cancellation
// event fires; this is the lifecycle's one non-monotonic edge.
func (s *Service) RemoveDSP(ctx context.Context, linkID string) (*peacelink.PeaceLink, error) {
	unlock := s.locks.Lock(linkID)
	defer unlock()

	var link *peacelink.PeaceLink
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		link, err = s.stores.Links.Get(ctx, linkID)
		if err != nil {
			return err
		}
		if err := link.CanRemoveDSP(); err != nil {
			return err
		}
		link.ClearDSP()
		link.Status = peacelink.StatusSphActive
		return s.stores.Links.Update(ctx, link)
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// ConfirmDelivery verifies the delivery OTP and, on success, fires the
// final payouts and transitions to DELIVERED. A mismatch increments the
// attempt counter and fails without changing status; at the configured
// attempt cap the OTP locks until a reassignment issues a new one.
func (s *Service) ConfirmDelivery(ctx context.Context, linkID, code string) (*peacelink.PeaceLink, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.confirm_delivery", traces.PeaceLinkID(linkID))
	defer span.End()

	unlock := s.locks.Lock(linkID)
	defer unlock()

	var link *peacelink.PeaceLink
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		link, err = s.stores.Links.Get(ctx, linkID)
		if err != nil {
			return err
		}
		if err := link.CanConfirmDelivery(); err != nil {
			return err
		}
		if link.OTPAttempts >= s.cfg.OTPMaxAttempts {
			return peacelink.ErrOTPLocked
		}
		if link.OTPExpiresAt != nil && time.Now().After(*link.OTPExpiresAt) {
			return peacelink.ErrOTPExpired
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !peacelink.VerifyOTP(link.OTPHash, code) {
		// The failed attempt must be persisted even though the operation
		// fails, so it commits in its own transaction.
		link.OTPAttempts++
		if err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
			return s.stores.Links.Update(ctx, link)
		}); err != nil {
			return nil, err
		}
		return nil, peacelink.ErrInvalidOTP
	}

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		// Re-read under the transaction; the guard plus version protect
		// against a cancellation that slipped between the checks.
		fresh, err := s.stores.Links.Get(ctx, link.ID)
		if err != nil {
			return err
		}
		if err := fresh.CanConfirmDelivery(); err != nil {
			return err
		}
		link = fresh
		return s.finalPayouts(ctx, link)
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// finalPayouts pays the merchant the remaining item amount (fee includes
// the fixed component, charged exactly once here) and the DSP its net
// delivery fee, releases the SPH hold, and marks the link DELIVERED.
func (s *Service) finalPayouts(ctx context.Context, link *peacelink.PeaceLink) error {
	buyerWallet, err := s.wallets.GetByUserID(ctx, link.BuyerID)
	if err != nil {
		return fmt.Errorf("buyer wallet: %w", err)
	}

	remaining := link.RemainingItemAmount()
	if money.IsPositive(remaining) {
		merchantWallet, err := s.wallets.GetByUserID(ctx, link.MerchantID)
		if err != nil {
			return fmt.Errorf("merchant wallet: %w", err)
		}
		fee := fees.MerchantFee(remaining, link.Fees, true)
		net := fees.Net(remaining, fee)

		if err := s.wallets.PayFromHold(ctx, buyerWallet.ID, merchantWallet.ID, remaining, net); err != nil {
			return err
		}
		if _, err := s.ledger.Record(ctx, &ledger.Entry{
			DebitWalletID:  buyerWallet.ID,
			CreditWalletID: merchantWallet.ID,
			Amount:         net,
			Type:           ledger.EntryFinalPayout,
			Reference:      link.ID,
			IdempotencyKey: link.ID + ":final",
		}); err != nil {
			return err
		}
		if err := s.ledger.BookFee(ctx, buyerWallet.ID, fee, link.ID, link.ID+":final_fee"); err != nil {
			return err
		}
		if err := s.stores.Payouts.Create(ctx, &peacelink.Payout{
			ID:          idgen.WithPrefix("po_"),
			PeaceLinkID: link.ID,
			WalletID:    merchantWallet.ID,
			Gross:       remaining,
			Fee:         fee,
			Net:         net,
			Type:        peacelink.PayoutFinal,
			CreatedAt:   time.Now(),
		}); err != nil {
			return err
		}
	}

	if money.IsPositive(link.DeliveryFee) {
		if err := s.PayDSP(ctx, link, buyerWallet.ID); err != nil {
			return err
		}
	}

	hold, err := s.stores.Holds.GetByPeaceLink(ctx, link.ID)
	if err != nil {
		return err
	}
	if err := s.stores.Holds.Resolve(ctx, hold.ID, peacelink.HoldReleased); err != nil {
		return err
	}

	now := time.Now()
	link.Status = peacelink.StatusDelivered
	link.DeliveredAt = &now
	return s.stores.Links.Update(ctx, link)
}

// PayDSP pays the assigned DSP its delivery fee net of the DSP fee, from
// the buyer's held funds, and books the fee. Shared with the
// cancellation and resolution engines, which owe the DSP the same payout
// on most terminal paths.
func (s *Service) PayDSP(ctx context.Context, link *peacelink.PeaceLink, buyerWalletID string) error {
	dspWallet, err := s.wallets.GetByNumber(ctx, link.DSPWalletNumber)
	if err != nil {
		return fmt.Errorf("dsp wallet: %w", err)
	}

	fee := fees.DSPFee(link.DeliveryFee, link.Fees)
	net := fees.Net(link.DeliveryFee, fee)

	if err := s.wallets.PayFromHold(ctx, buyerWalletID, dspWallet.ID, link.DeliveryFee, net); err != nil {
		return err
	}
	if _, err := s.ledger.Record(ctx, &ledger.Entry{
		DebitWalletID:  buyerWalletID,
		CreditWalletID: dspWallet.ID,
		Amount:         net,
		Type:           ledger.EntryDSPPayout,
		Reference:      link.ID,
		IdempotencyKey: link.ID + ":dsp",
	}); err != nil {
		return err
	}
	if err := s.ledger.BookFee(ctx, buyerWalletID, fee, link.ID, link.ID+":dsp_fee"); err != nil {
		return err
	}
	return s.stores.Payouts.Create(ctx, &peacelink.Payout{
		ID:          idgen.WithPrefix("po_"),
		PeaceLinkID: link.ID,
		WalletID:    dspWallet.ID,
		Gross:       link.DeliveryFee,
		Fee:         fee,
		Net:         net,
		Type:        peacelink.PayoutDeliveryFee,
		CreatedAt:   time.Now(),
	})
}

// Complete closes a delivered link. All money moved at delivery
// confirmation; this is a pure status transition.
func (s *Service) Complete(ctx context.Context, linkID string) (*peacelink.PeaceLink, error) {
	unlock := s.locks.Lock(linkID)
	defer unlock()

	var link *peacelink.PeaceLink
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		link, err = s.stores.Links.Get(ctx, linkID)
		if err != nil {
			return err
		}
		if link.Status != peacelink.StatusDelivered {
			return fmt.Errorf("%w: cannot complete in status %s", peacelink.ErrInvalidStatus, link.Status)
		}
		now := time.Now()
		link.Status = peacelink.StatusCompleted
		link.CompletedAt = &now
		return s.stores.Links.Update(ctx, link)
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// OpenDispute freezes the link in ACTIVE_DISPUTE for admin resolution.
func (s *Service) OpenDispute(ctx context.Context, linkID string) (*peacelink.PeaceLink, error) {
	unlock := s.locks.Lock(linkID)
	defer unlock()

	outbox := &notify.Outbox{}
	var link *peacelink.PeaceLink
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		link, err = s.stores.Links.Get(ctx, linkID)
		if err != nil {
			return err
		}
		if err := link.CanOpenDispute(); err != nil {
			return err
		}
		now := time.Now()
		link.Status = peacelink.StatusActiveDispute
		link.DisputedAt = &now
		if err := s.stores.Links.Update(ctx, link); err != nil {
			return err
		}
		phone, reference := link.BuyerPhone, link.Reference
		outbox.Add(func(ctx context.Context) {
			s.notifier.DisputeOpened(ctx, phone, reference)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	return link, nil
}

// Get returns a PeaceLink by ID.
func (s *Service) Get(ctx context.Context, linkID string) (*peacelink.PeaceLink, error) {
	return s.stores.Links.Get(ctx, linkID)
}

// GetByReference returns a PeaceLink by its reference number.
func (s *Service) GetByReference(ctx context.Context, reference string) (*peacelink.PeaceLink, error) {
	return s.stores.Links.GetByReference(ctx, reference)
}

// Payouts returns the payout rows recorded for a link.
func (s *Service) Payouts(ctx context.Context, linkID string) ([]*peacelink.Payout, error) {
	return s.stores.Payouts.ListByPeaceLink(ctx, linkID)
}
