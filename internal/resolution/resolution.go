// Package resolution settles disputed PeaceLinks by admin decision.
//
// All three outcomes operate on a link frozen in ACTIVE_DISPUTE and run
// atomically: release to merchant (delivery effectively happened), full
// refund to buyer, or an admin-chosen partial split. An assigned DSP is
// paid its net delivery fee on every outcome; the dispute is between
// buyer and merchant, the courier already did the work.
//
// A dispute can also be opened after delivery, when the hold is already
// consumed by the final payouts. Buyer-favor outcomes then debit the
// refunded portion back from the merchant's wallet instead of drawing
// on escrow; the DSP keeps its pay and booked fees are not unwound.
package resolution

import (
	"context"
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

// Outcome names the admin's decision for audit and notification.
type Outcome string

const (
	OutcomeReleaseToMerchant Outcome = "release_to_merchant"
	OutcomeReleaseToBuyer    Outcome = "release_to_buyer"
	OutcomePartialRefund     Outcome = "partial_refund"
)

// Service applies admin resolutions to disputed links.
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

// NewService creates a resolution service. locks must be the shared
// per-link lock instance.
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

// ReleaseToMerchant resolves in the merchant's favor: the remaining item
// amount is paid out exactly as a confirmed delivery would have paid it,
// fee included, and the DSP receives its delivery fee from escrow. On a
// post-delivery dispute everyone was already paid and the decision only
// closes the dispute.
func (s *Service) ReleaseToMerchant(ctx context.Context, linkID, notes string) (*peacelink.PeaceLink, error) {
	return s.resolve(ctx, linkID, OutcomeReleaseToMerchant, notes, func(ctx context.Context, link *peacelink.PeaceLink, buyerWallet *wallet.Wallet, escrowOpen bool) error {
		if !escrowOpen {
			return nil
		}
		remaining := link.RemainingItemAmount()
		if money.IsPositive(remaining) {
			if err := s.payMerchantFromHold(ctx, link, buyerWallet.ID, remaining); err != nil {
				return err
			}
		}
		if link.HasDSP() && money.IsPositive(link.DeliveryFee) {
			if err := s.settle.PayDSP(ctx, link, buyerWallet.ID); err != nil {
				return err
			}
		} else if money.IsPositive(link.DeliveryFee) {
			// No DSP to pay; the held delivery fee goes back to the buyer.
			if err := s.refundFromHold(ctx, link, buyerWallet.ID, link.DeliveryFee, ledger.EntryHoldRelease, ":refund_delivery"); err != nil {
				return err
			}
		}
		return s.closeHold(ctx, link, peacelink.HoldReleased)
	})
}

// ReleaseToBuyer resolves in the buyer's favor: held funds return, the
// merchant pays back the net advance it received, no merchant fee is
// charged, and an assigned DSP is still paid from escrow. On a
// post-delivery dispute the merchant instead pays back everything it
// received for the item, advance and final payout alike.
func (s *Service) ReleaseToBuyer(ctx context.Context, linkID, notes string) (*peacelink.PeaceLink, error) {
	return s.resolve(ctx, linkID, OutcomeReleaseToBuyer, notes, func(ctx context.Context, link *peacelink.PeaceLink, buyerWallet *wallet.Wallet, escrowOpen bool) error {
		if !escrowOpen {
			if money.IsPositive(link.AdvanceAmount) {
				if err := s.returnAdvance(ctx, link, buyerWallet.ID); err != nil {
					return err
				}
			}
			remaining := link.RemainingItemAmount()
			if money.IsPositive(remaining) {
				netFinal := fees.Net(remaining, fees.MerchantFee(remaining, link.Fees, true))
				if err := s.transferFromMerchant(ctx, link, buyerWallet.ID, netFinal, ledger.EntryRefund, link.ID+":final_return"); err != nil {
					return err
				}
			}
			return nil
		}

		refund := link.TotalAmount.Sub(link.AdvanceAmount)
		if link.HasDSP() && money.IsPositive(link.DeliveryFee) {
			refund = refund.Sub(link.DeliveryFee)
			if err := s.settle.PayDSP(ctx, link, buyerWallet.ID); err != nil {
				return err
			}
		}
		if err := s.refundFromHold(ctx, link, buyerWallet.ID, refund, ledger.EntryRefund, ":refund"); err != nil {
			return err
		}
		if money.IsPositive(link.AdvanceAmount) {
			if err := s.returnAdvance(ctx, link, buyerWallet.ID); err != nil {
				return err
			}
		}
		return s.closeHold(ctx, link, peacelink.HoldRefunded)
	})
}

// PartialRefund resolves with an admin-chosen split: refundAmount goes
// to the buyer, the rest of the escrowed item amount goes to the
// merchant with the normal fee, and the DSP is paid from escrow. When
// the refund exceeds what escrow still holds (the merchant already took
// an advance, or delivery already paid everything out), the difference
// is debited back from the merchant.
func (s *Service) PartialRefund(ctx context.Context, linkID string, refundAmount decimal.Decimal, notes string) (*peacelink.PeaceLink, error) {
	refundAmount = money.Round2(refundAmount)
	return s.resolve(ctx, linkID, OutcomePartialRefund, notes, func(ctx context.Context, link *peacelink.PeaceLink, buyerWallet *wallet.Wallet, escrowOpen bool) error {
		if !money.IsPositive(refundAmount) || refundAmount.GreaterThan(link.ItemAmount) {
			return fmt.Errorf("refund amount must be in (0, %s]", money.Format(link.ItemAmount))
		}

		if !escrowOpen {
			return s.transferFromMerchant(ctx, link, buyerWallet.ID, refundAmount, ledger.EntryRefund, link.ID+":clawback")
		}

		if link.HasDSP() && money.IsPositive(link.DeliveryFee) {
			if err := s.settle.PayDSP(ctx, link, buyerWallet.ID); err != nil {
				return err
			}
		} else if money.IsPositive(link.DeliveryFee) {
			if err := s.refundFromHold(ctx, link, buyerWallet.ID, link.DeliveryFee, ledger.EntryHoldRelease, ":refund_delivery"); err != nil {
				return err
			}
		}

		// escrowed is the item portion still held.
		escrowed := link.RemainingItemAmount()
		buyerShare := decimal.Min(refundAmount, escrowed)
		if err := s.refundFromHold(ctx, link, buyerWallet.ID, buyerShare, ledger.EntryRefund, ":refund_partial"); err != nil {
			return err
		}

		// Refund beyond escrow claws back part of the paid advance.
		if shortfall := refundAmount.Sub(buyerShare); money.IsPositive(shortfall) {
			if err := s.clawback(ctx, link, buyerWallet.ID, shortfall); err != nil {
				return err
			}
		}

		if merchantShare := escrowed.Sub(buyerShare); money.IsPositive(merchantShare) {
			if err := s.payMerchantFromHold(ctx, link, buyerWallet.ID, merchantShare); err != nil {
				return err
			}
		}
		return s.closeHold(ctx, link, peacelink.HoldReleased)
	})
}

// resolve wraps the shared guard, transaction, terminal transition, and
// post-commit notification around one outcome's money movements. apply
// receives escrowOpen=false when the hold was already consumed (dispute
// opened after delivery) and must move money from the merchant's wallet
// instead.
func (s *Service) resolve(ctx context.Context, linkID string, outcome Outcome, notes string, apply func(ctx context.Context, link *peacelink.PeaceLink, buyerWallet *wallet.Wallet, escrowOpen bool) error) (*peacelink.PeaceLink, error) {
	ctx, span := traces.StartSpan(ctx, "resolution."+string(outcome), traces.PeaceLinkID(linkID))
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
		if link.Status != peacelink.StatusActiveDispute {
			return fmt.Errorf("%w: cannot resolve in status %s", peacelink.ErrInvalidStatus, link.Status)
		}

		buyerWallet, err := s.wallets.GetByUserID(ctx, link.BuyerID)
		if err != nil {
			return fmt.Errorf("buyer wallet: %w", err)
		}
		hold, err := s.stores.Holds.GetByPeaceLink(ctx, linkID)
		if err != nil {
			return err
		}
		if err := apply(ctx, link, buyerWallet, hold.Status == peacelink.HoldActive); err != nil {
			return err
		}

		now := time.Now()
		switch outcome {
		case OutcomeReleaseToBuyer:
			link.Status = peacelink.StatusCanceled
			link.CanceledBy = peacelink.PartySystem
			link.CancellationReason = "dispute resolved: " + notes
			link.CanceledAt = &now
		default:
			link.Status = peacelink.StatusCompleted
			link.CompletedAt = &now
		}
		if err := s.stores.Links.Update(ctx, link); err != nil {
			return err
		}

		phone, reference := link.BuyerPhone, link.Reference
		outbox.Add(func(ctx context.Context) {
			s.notifier.DisputeResolved(ctx, phone, reference, string(outcome))
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	s.logger.Info("dispute resolved",
		"peacelink_id", link.ID, "outcome", string(outcome), "notes", notes)
	return link, nil
}

func (s *Service) payMerchantFromHold(ctx context.Context, link *peacelink.PeaceLink, buyerWalletID string, gross decimal.Decimal) error {
	merchantWallet, err := s.wallets.GetByUserID(ctx, link.MerchantID)
	if err != nil {
		return fmt.Errorf("merchant wallet: %w", err)
	}
	fee := fees.MerchantFee(gross, link.Fees, true)
	net := fees.Net(gross, fee)

	if err := s.wallets.PayFromHold(ctx, buyerWalletID, merchantWallet.ID, gross, net); err != nil {
		return err
	}
	if _, err := s.ledger.Record(ctx, &ledger.Entry{
		DebitWalletID:  buyerWalletID,
		CreditWalletID: merchantWallet.ID,
		Amount:         net,
		Type:           ledger.EntryFinalPayout,
		Reference:      link.ID,
		IdempotencyKey: link.ID + ":final",
	}); err != nil {
		return err
	}
	if err := s.ledger.BookFee(ctx, buyerWalletID, fee, link.ID, link.ID+":final_fee"); err != nil {
		return err
	}
	return s.stores.Payouts.Create(ctx, &peacelink.Payout{
		ID:          idgen.WithPrefix("po_"),
		PeaceLinkID: link.ID,
		WalletID:    merchantWallet.ID,
		Gross:       gross,
		Fee:         fee,
		Net:         net,
		Type:        peacelink.PayoutFinal,
		CreatedAt:   time.Now(),
	})
}

// refundFromHold releases amount from the buyer's held balance back to
// its available balance. One resolution can release several legs (the
// delivery fee and an item share), so each leg carries its own
// idempotency suffix and a deduplicated write is an error: the wallet
// already moved.
func (s *Service) refundFromHold(ctx context.Context, link *peacelink.PeaceLink, buyerWalletID string, amount decimal.Decimal, typ ledger.EntryType, keySuffix string) error {
	if !money.IsPositive(amount) {
		return nil
	}
	if err := s.wallets.ReleaseHold(ctx, buyerWalletID, amount); err != nil {
		return err
	}
	return s.ledger.RecordOnce(ctx, &ledger.Entry{
		CreditWalletID: buyerWalletID,
		Amount:         amount,
		Type:           typ,
		Reference:      link.ID,
		IdempotencyKey: link.ID + keySuffix,
	})
}

// returnAdvance debits the merchant for the net advance it received and
// credits it back to the buyer.
func (s *Service) returnAdvance(ctx context.Context, link *peacelink.PeaceLink, buyerWalletID string) error {
	netAdvance := fees.Net(link.AdvanceAmount, fees.AdvanceFee(link.AdvanceAmount, link.Fees))
	return s.transferFromMerchant(ctx, link, buyerWalletID, netAdvance, ledger.EntryAdvanceReturn, link.ID+":advance_return")
}

// clawback debits the merchant for part of an already-paid advance to
// cover a refund that exceeds what escrow still holds.
func (s *Service) clawback(ctx context.Context, link *peacelink.PeaceLink, buyerWalletID string, amount decimal.Decimal) error {
	return s.transferFromMerchant(ctx, link, buyerWalletID, amount, ledger.EntryAdvanceReturn, link.ID+":clawback")
}

func (s *Service) transferFromMerchant(ctx context.Context, link *peacelink.PeaceLink, buyerWalletID string, amount decimal.Decimal, typ ledger.EntryType, idempotencyKey string) error {
	merchantWallet, err := s.wallets.GetByUserID(ctx, link.MerchantID)
	if err != nil {
		return fmt.Errorf("merchant wallet: %w", err)
	}
	if err := s.wallets.Debit(ctx, merchantWallet.ID, amount); err != nil {
		return err
	}
	if err := s.wallets.Credit(ctx, buyerWalletID, amount); err != nil {
		return err
	}
	return s.ledger.RecordOnce(ctx, &ledger.Entry{
		DebitWalletID:  merchantWallet.ID,
		CreditWalletID: buyerWalletID,
		Amount:         amount,
		Type:           typ,
		Reference:      link.ID,
		IdempotencyKey: idempotencyKey,
	})
}

func (s *Service) closeHold(ctx context.Context, link *peacelink.PeaceLink, status peacelink.HoldStatus) error {
	hold, err := s.stores.Holds.GetByPeaceLink(ctx, link.ID)
	if err != nil {
		return err
	}
	return s.stores.Holds.Resolve(ctx, hold.ID, status)
}
