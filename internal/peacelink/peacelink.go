// Package peacelink defines the escrow aggregate and its lifecycle.
//
// A PeaceLink links a buyer, a merchant, and an optional delivery service
// provider (DSP) around one purchase. The aggregate owns identity, the
// amounts, the frozen fee snapshot, and the lifecycle status; SPH holds
// and payouts are child records referencing it by ID. All money movement
// is driven by the settlement, cancellation, resolution, and admin
// engines through the guarded transitions declared here.
//
// Lifecycle:
//
//	CREATED → PENDING_APPROVAL → SPH_ACTIVE → DSP_ASSIGNED → DELIVERED → COMPLETED
//
// with CANCELED, EXPIRED, and ACTIVE_DISPUTE as alternative paths. Status
// is monotonic except DSP removal, which returns DSP_ASSIGNED to
// SPH_ACTIVE awaiting reassignment.
package peacelink

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sphpay/peacelink/internal/fees"
)

var (
	ErrNotFound           = errors.New("peacelink not found")
	ErrInvalidStatus      = errors.New("invalid peacelink status for this operation")
	ErrVersionConflict    = errors.New("peacelink was modified concurrently")
	ErrInvalidOTP         = errors.New("invalid delivery OTP")
	ErrOTPExpired         = errors.New("delivery OTP expired")
	ErrOTPLocked          = errors.New("delivery OTP locked after too many attempts")
	ErrReassignmentLimit  = errors.New("dsp reassignment limit reached")
	ErrDuplicateReference = errors.New("reference number already exists")
)

// Status is the lifecycle state of a PeaceLink.
type Status string

const (
	StatusCreated         Status = "created"
	StatusPendingApproval Status = "pending_approval"
	StatusSphActive       Status = "sph_active"   // buyer funds held
	StatusDSPAssigned     Status = "dsp_assigned" // OTP issued
	StatusDelivered       Status = "delivered"    // OTP verified, final payouts fired
	StatusCanceled        Status = "canceled"
	StatusExpired         Status = "expired"
	StatusActiveDispute   Status = "active_dispute"
	StatusCompleted       Status = "completed"
)

// Party identifies the actor behind a cancellation or resolution.
type Party string

const (
	PartyBuyer    Party = "buyer"
	PartyMerchant Party = "merchant"
	PartyDSP      Party = "dsp"
	PartySystem   Party = "system"
)

// Who pays the delivery fee. The buyer variant is the default; the total
// held from the buyer always covers item + delivery either way.
const (
	DeliveryFeePaidByBuyer    = "buyer"
	DeliveryFeePaidByMerchant = "merchant"
)

// PeaceLink is the escrow aggregate root.
type PeaceLink struct {
	ID        string `json:"id"`
	Reference string `json:"reference"` // unique human-readable, e.g. PL-48213967

	MerchantID string `json:"merchantId"`
	BuyerID    string `json:"buyerId"`
	BuyerPhone string `json:"buyerPhone"`

	ItemAmount        decimal.Decimal `json:"itemAmount"`
	DeliveryFee       decimal.Decimal `json:"deliveryFee"`
	TotalAmount       decimal.Decimal `json:"totalAmount"` // item + delivery, fixed at creation
	DeliveryFeePaidBy string          `json:"deliveryFeePaidBy"`

	AdvancePercentage decimal.Decimal `json:"advancePercentage"` // fraction of item amount
	AdvanceAmount     decimal.Decimal `json:"advanceAmount"`     // ≤ item amount

	// Fees is the immutable snapshot captured at creation. It is never
	// re-read from live configuration, so later rate changes cannot
	// affect this transaction.
	Fees fees.Snapshot `json:"fees"`

	Status Status `json:"status"`

	DSPID            string `json:"dspId,omitempty"`
	DSPWalletNumber  string `json:"dspWalletNumber,omitempty"`
	DSPReassignments int    `json:"dspReassignments"`

	// Only the OTP hash is stored; the code itself goes out via SMS
	// after commit and is never persisted.
	OTPHash        string     `json:"-"`
	OTPGeneratedAt *time.Time `json:"otpGeneratedAt,omitempty"`
	OTPExpiresAt   *time.Time `json:"otpExpiresAt,omitempty"`
	OTPAttempts    int        `json:"otpAttempts"`

	// Version is the optimistic lock; Store.Update fails with
	// ErrVersionConflict when it is stale.
	Version int64 `json:"version"`

	CanceledBy         Party  `json:"canceledBy,omitempty"`
	CancellationReason string `json:"cancellationReason,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"` // approval deadline
	ApprovedAt  *time.Time `json:"approvedAt,omitempty"`
	AssignedAt  *time.Time `json:"assignedAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	DisputedAt  *time.Time `json:"disputedAt,omitempty"`
	CanceledAt  *time.Time `json:"canceledAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// HasDSP reports whether a DSP is currently assigned.
func (p *PeaceLink) HasDSP() bool {
	return p.DSPID != ""
}

// IsTerminal returns true if the PeaceLink is in a final state.
func (p *PeaceLink) IsTerminal() bool {
	switch p.Status {
	case StatusCanceled, StatusExpired, StatusCompleted:
		return true
	}
	return false
}

// RemainingItemAmount is the item amount still unpaid after the advance.
func (p *PeaceLink) RemainingItemAmount() decimal.Decimal {
	return p.ItemAmount.Sub(p.AdvanceAmount)
}

// CanBeApproved gates the buyer approval transition.
func (p *PeaceLink) CanBeApproved() error {
	if p.Status != StatusPendingApproval {
		return fmt.Errorf("%w: cannot approve in status %s", ErrInvalidStatus, p.Status)
	}
	return nil
}

// CanAssignDSP gates first-time DSP assignment.
func (p *PeaceLink) CanAssignDSP() error {
	if p.Status != StatusSphActive {
		return fmt.Errorf("%w: cannot assign dsp in status %s", ErrInvalidStatus, p.Status)
	}
	return nil
}

// CanReassignDSP gates replacing the current DSP with another one.
// max is the configured reassignment ceiling.
func (p *PeaceLink) CanReassignDSP(max int) error {
	if p.Status != StatusDSPAssigned {
		return fmt.Errorf("%w: cannot reassign dsp in status %s", ErrInvalidStatus, p.Status)
	}
	if p.DSPReassignments >= max {
		return fmt.Errorf("%w: %d of %d used", ErrReassignmentLimit, p.DSPReassignments, max)
	}
	return nil
}

// CanRemoveDSP gates the pre-OTP removal that reverts to SPH_ACTIVE.
// This is the one non-monotonic transition and is not a cancellation.
func (p *PeaceLink) CanRemoveDSP() error {
	if p.Status != StatusDSPAssigned {
		return fmt.Errorf("%w: cannot remove dsp in status %s", ErrInvalidStatus, p.Status)
	}
	return nil
}

// CanConfirmDelivery gates OTP-based delivery confirmation.
func (p *PeaceLink) CanConfirmDelivery() error {
	if p.Status != StatusDSPAssigned {
		return fmt.Errorf("%w: cannot confirm delivery in status %s", ErrInvalidStatus, p.Status)
	}
	return nil
}

// CanBeCanceled gates every cancellation branch. Cancellation is
// forbidden once delivery is confirmed and on links already closed.
func (p *PeaceLink) CanBeCanceled() error {
	switch p.Status {
	case StatusDelivered, StatusCompleted:
		return fmt.Errorf("%w: cannot cancel after delivery", ErrInvalidStatus)
	case StatusCanceled, StatusExpired:
		return fmt.Errorf("%w: already closed (%s)", ErrInvalidStatus, p.Status)
	}
	return nil
}

// CanOpenDispute gates moving into ACTIVE_DISPUTE. Delivered links can
// still be disputed; resolution then draws on the merchant's wallet
// since the escrow was consumed by the final payouts.
func (p *PeaceLink) CanOpenDispute() error {
	switch p.Status {
	case StatusSphActive, StatusDSPAssigned, StatusDelivered:
		return nil
	}
	return fmt.Errorf("%w: cannot open dispute in status %s", ErrInvalidStatus, p.Status)
}

// ClearDSP wipes the DSP assignment and its OTP state.
func (p *PeaceLink) ClearDSP() {
	p.DSPID = ""
	p.DSPWalletNumber = ""
	p.OTPHash = ""
	p.OTPGeneratedAt = nil
	p.OTPExpiresAt = nil
	p.OTPAttempts = 0
}
