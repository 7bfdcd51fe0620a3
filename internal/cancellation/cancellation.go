// Package cancellation settles the money consequences of ending a
// PeaceLink before delivery.
//
// Who gets what depends on who cancels and whether a DSP is assigned:
//
//	buyer, no DSP:    held funds minus the advance return to the buyer;
//	                  a paid advance stays with the merchant; no fees.
//	buyer, DSP:       as above, but the delivery fee is not refunded —
//	                  the DSP is paid its net fee from escrow.
//	merchant, no DSP: the buyer is made whole: held funds return and the
//	                  merchant pays back the net advance it received.
//	merchant, DSP:    as above, and the merchant also pays the DSP its
//	                  delivery fee from its own wallet, not from escrow.
//	system (expiry):  nothing moved if the buyer never approved; after
//	                  approval an expiry is the merchant's fault and the
//	                  merchant branch applies.
//
// DSP withdrawal is not a cancellation; it is the pre-OTP removal
// transition owned by the settlement engine.
package cancellation

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
	"github.com/sphpay/peacelink/internal/settlement"
	"github.com/sphpay/peacelink/internal/syncutil"
	"github.com/sphpay/peacelink/internal/traces"
	"github.com/sphpay/peacelink/internal/wallet"
)

// ErrNotACancellation rejects cancel requests from the DSP party; a DSP
// leaves through removal, which owes nobody anything.
var ErrNotACancellation = errors.New("dsp withdrawal is a removal, not a cancellation")

// Service implements the cancellation decision matrix.
type Service struct {
	stores   settlement.Stores
	wallets  *wallet.Service
	ledger   *ledger.Service
	settle   *settlement.Service
	tx       database.TxRunner
	notifier notify.Notifier
	logger   *slog.Logger
	locks    *syncutil.ShardedMutex
}

// NewService creates a cancellation service. locks must be the same
// per-link lock instance the settlement engine uses.
func NewService(stores settlement.Stores, wallets *wallet.Service, led *ledger.Service, settle *settlement.Service, tx database.TxRunner, notifier notify.Notifier, logger *slog.Logger, locks *syncutil.ShardedMutex) *Service {
	return &Service{
		stores:   stores,
		wallets:  wallets,
		ledger:   led,
		settle:   settle,
		tx:       tx,
		notifier: notifier,
		logger:   logger,
		locks:    locks,
	}
}

// Cancel ends a link on behalf of the buyer or the merchant and applies
// the corresponding matrix row atomically.
func (s *Service) Cancel(ctx context.Context, linkID string, party peacelink.Party, reason string) (*peacelink.PeaceLink, error) {
	switch party {
	case peacelink.PartyBuyer, peacelink.PartyMerchant:
	case peacelink.PartyDSP:
		return nil, ErrNotACancellation
	default:
		return nil, fmt.Errorf("unknown cancellation party %q", party)
	}

	ctx, span := traces.StartSpan(ctx, "cancellation.cancel",
		traces.PeaceLinkID(linkID), traces.CanceledBy(string(party)))
	defer span.End()

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
		if err := link.CanBeCanceled(); err != nil {
			return err
		}
		return s.cancel(ctx, link, party, reason, outbox)
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	return link, nil
}

// Expire closes a link on the system's behalf. A link the buyer never
// approved simply expires with no money held and none moved; a link that
// expires after approval is treated as the merchant's failure to deliver
// and the merchant-fault branch applies.
func (s *Service) Expire(ctx context.Context, linkID string) (*peacelink.PeaceLink, error) {
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
		if err := link.CanBeCanceled(); err != nil {
			return err
		}

		if link.Status == peacelink.StatusPendingApproval {
			link.Status = peacelink.StatusExpired
			return s.stores.Links.Update(ctx, link)
		}
		return s.cancel(ctx, link, peacelink.PartySystem, "expired after approval", outbox)
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	return link, nil
}

// cancel applies the money consequences and marks the link canceled.
// Must run inside the caller's transaction with the link lock held.
func (s *Service) cancel(ctx context.Context, link *peacelink.PeaceLink, party peacelink.Party, reason string, outbox *notify.Outbox) error {
	// Before approval nothing is held, so every branch is a pure status
	// change.
	if link.Status != peacelink.StatusPendingApproval {
		buyerWallet, err := s.wallets.GetByUserID(ctx, link.BuyerID)
		if err != nil {
			return fmt.Errorf("buyer wallet: %w", err)
		}
		switch party {
		case peacelink.PartyBuyer:
			if err := s.buyerFault(ctx, link, buyerWallet); err != nil {
				return err
			}
		case peacelink.PartyMerchant, peacelink.PartySystem:
			if err := s.merchantFault(ctx, link, buyerWallet); err != nil {
				return err
			}
		}

		hold, err := s.stores.Holds.GetByPeaceLink(ctx, link.ID)
		if err != nil {
			return err
		}
		if err := s.stores.Holds.Resolve(ctx, hold.ID, peacelink.HoldRefunded); err != nil {
			return err
		}
	}

	now := time.Now()
	link.Status = peacelink.StatusCanceled
	link.CanceledBy = party
	link.CancellationReason = reason
	link.CanceledAt = &now
	if err := s.stores.Links.Update(ctx, link); err != nil {
		return err
	}

	phone, reference := link.BuyerPhone, link.Reference
	outbox.Add(func(ctx context.Context) {
		s.notifier.LinkCanceled(ctx, phone, reference, reason)
	})
	return nil
}

// buyerFault applies the buyer-initiated branch: a paid advance is
// forfeited to the merchant, and with a DSP assigned the delivery fee is
// forfeited too — the DSP is paid from escrow. The rest of the held
// funds return to the buyer fee-free.
func (s *Service) buyerFault(ctx context.Context, link *peacelink.PeaceLink, buyerWallet *wallet.Wallet) error {
	refund := link.TotalAmount.Sub(link.AdvanceAmount)

	if link.HasDSP() {
		refund = refund.Sub(link.DeliveryFee)
		if money.IsPositive(link.DeliveryFee) {
			if err := s.settle.PayDSP(ctx, link, buyerWallet.ID); err != nil {
				return err
			}
		}
	}

	return s.refundFromHold(ctx, link, buyerWallet.ID, refund)
}

// merchantFault applies the merchant-initiated branch (also used for
// post-approval expiry): all held funds return to the buyer, a paid
// advance is clawed back from the merchant net of the already-booked
// advance fee, and with a DSP assigned the merchant pays the DSP from
// its own wallet rather than from escrow. The merchant-side debits run
// first; they are the only legs that can fail on balance, and a failure
// must not leave the buyer's hold half-unwound in memory mode.
func (s *Service) merchantFault(ctx context.Context, link *peacelink.PeaceLink, buyerWallet *wallet.Wallet) error {
	advancePaid := money.IsPositive(link.AdvanceAmount)
	needsDSP := link.HasDSP() && money.IsPositive(link.DeliveryFee)

	if advancePaid || needsDSP {
		merchantWallet, err := s.wallets.GetByUserID(ctx, link.MerchantID)
		if err != nil {
			return fmt.Errorf("merchant wallet: %w", err)
		}

		if advancePaid {
			// The merchant returns what it actually received; the advance fee
			// already sits with the platform and is not unwound.
			netAdvance := fees.Net(link.AdvanceAmount, fees.AdvanceFee(link.AdvanceAmount, link.Fees))
			if err := s.wallets.Debit(ctx, merchantWallet.ID, netAdvance); err != nil {
				return err
			}
			if err := s.wallets.Credit(ctx, buyerWallet.ID, netAdvance); err != nil {
				return err
			}
			if err := s.ledger.RecordOnce(ctx, &ledger.Entry{
				DebitWalletID:  merchantWallet.ID,
				CreditWalletID: buyerWallet.ID,
				Amount:         netAdvance,
				Type:           ledger.EntryAdvanceReturn,
				Reference:      link.ID,
				IdempotencyKey: link.ID + ":advance_return",
			}); err != nil {
				return err
			}
		}

		if needsDSP {
			if err := s.payDSPFromMerchant(ctx, link, merchantWallet); err != nil {
				return err
			}
		}
	}

	return s.refundFromHold(ctx, link, buyerWallet.ID, link.TotalAmount.Sub(link.AdvanceAmount))
}

// payDSPFromMerchant pays the assigned DSP its net delivery fee out of
// the merchant's available balance. The DSP fee is still booked.
func (s *Service) payDSPFromMerchant(ctx context.Context, link *peacelink.PeaceLink, merchantWallet *wallet.Wallet) error {
	dspWallet, err := s.wallets.GetByNumber(ctx, link.DSPWalletNumber)
	if err != nil {
		return fmt.Errorf("dsp wallet: %w", err)
	}

	fee := fees.DSPFee(link.DeliveryFee, link.Fees)
	net := fees.Net(link.DeliveryFee, fee)

	if err := s.wallets.Debit(ctx, merchantWallet.ID, link.DeliveryFee); err != nil {
		return err
	}
	if err := s.wallets.Credit(ctx, dspWallet.ID, net); err != nil {
		return err
	}
	if _, err := s.ledger.Record(ctx, &ledger.Entry{
		DebitWalletID:  merchantWallet.ID,
		CreditWalletID: dspWallet.ID,
		Amount:         net,
		Type:           ledger.EntryDSPPayout,
		Reference:      link.ID,
		IdempotencyKey: link.ID + ":dsp",
	}); err != nil {
		return err
	}
	if err := s.ledger.BookFee(ctx, merchantWallet.ID, fee, link.ID, link.ID+":dsp_fee"); err != nil {
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

// refundFromHold releases amount from the buyer's held balance back to
// its available balance and records the refund entry. The wallet moved,
// so a deduplicated write is an error.
func (s *Service) refundFromHold(ctx context.Context, link *peacelink.PeaceLink, buyerWalletID string, amount decimal.Decimal) error {
	if !money.IsPositive(amount) {
		return nil
	}
	if err := s.wallets.ReleaseHold(ctx, buyerWalletID, amount); err != nil {
		return err
	}
	return s.ledger.RecordOnce(ctx, &ledger.Entry{
		CreditWalletID: buyerWalletID,
		Amount:         amount,
		Type:           ledger.EntryRefund,
		Reference:      link.ID,
		IdempotencyKey: link.ID + ":refund",
	})
}
