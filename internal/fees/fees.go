// Package fees implements the platform's fee model.
//
// Rates are captured once per PeaceLink into an immutable Snapshot at
// creation time and never re-read from live configuration, so in-flight
// transactions are unaffected by later administrative rate changes. All
// calculators are pure functions over a Snapshot; results are rounded to
// 2 decimal places (half away from zero).
package fees

import (
	"github.com/shopspring/decimal"
	"github.com/sphpay/peacelink/internal/money"
)

// Snapshot is the frozen fee-rate record carried by a PeaceLink.
// Percentages are fractions (0.005 = 0.5%), fixed amounts are EGP.
type Snapshot struct {
	MerchantPercentage decimal.Decimal `json:"merchantPercentage"`
	MerchantFixed      decimal.Decimal `json:"merchantFixed"`
	DSPPercentage      decimal.Decimal `json:"dspPercentage"`
	AdvancePercentage  decimal.Decimal `json:"advancePercentage"`
	CashoutPercentage  decimal.Decimal `json:"cashoutPercentage"`
}

// MerchantFee returns the platform fee on a merchant payout.
// includeFixed must be true only for the final release; the fixed
// component is charged at most once per PeaceLink lifetime.
func MerchantFee(amount decimal.Decimal, s Snapshot, includeFixed bool) decimal.Decimal {
	fee := amount.Mul(s.MerchantPercentage)
	if includeFixed {
		fee = fee.Add(s.MerchantFixed)
	}
	return money.Round2(fee)
}

// AdvanceFee returns the fee on an advance payout. Unlike the final
// merchant fee there is never a fixed component.
func AdvanceFee(amount decimal.Decimal, s Snapshot) decimal.Decimal {
	return money.Round2(amount.Mul(s.AdvancePercentage))
}

// DSPFee returns the platform fee on a delivery-fee payout.
func DSPFee(deliveryFee decimal.Decimal, s Snapshot) decimal.Decimal {
	return money.Round2(deliveryFee.Mul(s.DSPPercentage))
}

// CashoutFee returns the fee collected when a cashout is requested.
func CashoutFee(amount decimal.Decimal, s Snapshot) decimal.Decimal {
	return money.Round2(amount.Mul(s.CashoutPercentage))
}

// Net returns gross minus fee.
func Net(gross, fee decimal.Decimal) decimal.Decimal {
	return gross.Sub(fee)
}
