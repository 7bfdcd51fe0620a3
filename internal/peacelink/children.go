package peacelink

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// HoldStatus is the state of an SPH hold.
type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldReleased HoldStatus = "released" // consumed by payouts
	HoldRefunded HoldStatus = "refunded" // returned to the buyer
)

// Hold is the escrowed buyer funds for one PeaceLink (exactly one per
// link). The amount equals the link's total and sits outside any
// individual's spendable balance while active.
type Hold struct {
	ID          string          `json:"id"`
	PeaceLinkID string          `json:"peaceLinkId"`
	Amount      decimal.Decimal `json:"amount"`
	Status      HoldStatus      `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	ResolvedAt  *time.Time      `json:"resolvedAt,omitempty"`
}

// PayoutType classifies a payout row.
type PayoutType string

const (
	PayoutAdvance     PayoutType = "advance"
	PayoutFinal       PayoutType = "final"
	PayoutDeliveryFee PayoutType = "delivery_fee"
)

// Payout records one money movement to the merchant or the DSP.
type Payout struct {
	ID          string          `json:"id"`
	PeaceLinkID string          `json:"peaceLinkId"`
	WalletID    string          `json:"walletId"` // recipient
	Gross       decimal.Decimal `json:"gross"`
	Fee         decimal.Decimal `json:"fee"`
	Net         decimal.Decimal `json:"net"`
	Type        PayoutType      `json:"type"`
	IsAdvance   bool            `json:"isAdvance"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// HoldStore persists SPH holds.
type HoldStore interface {
	Create(ctx context.Context, h *Hold) error
	GetByPeaceLink(ctx context.Context, peaceLinkID string) (*Hold, error)
	Resolve(ctx context.Context, holdID string, status HoldStatus) error
}

// PayoutStore persists payout records.
type PayoutStore interface {
	Create(ctx context.Context, p *Payout) error
	ListByPeaceLink(ctx context.Context, peaceLinkID string) ([]*Payout, error)
}

// Store persists the aggregate.
type Store interface {
	Create(ctx context.Context, p *PeaceLink) error
	Get(ctx context.Context, id string) (*PeaceLink, error)
	GetByReference(ctx context.Context, reference string) (*PeaceLink, error)
	// Update persists the aggregate iff p.Version matches the stored row,
	// then increments the version. Stale writes fail with
	// ErrVersionConflict and must be surfaced, never retried blindly.
	Update(ctx context.Context, p *PeaceLink) error
	ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*PeaceLink, error)
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*PeaceLink, error)
	ListByDSP(ctx context.Context, dspID string, limit int) ([]*PeaceLink, error)
	// ListExpired returns unapproved links whose approval deadline passed.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*PeaceLink, error)
}
