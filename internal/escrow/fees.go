package escrow

import (
	"github.com/shopspring/decimal"
	"github.com/velvetrooms/escrowd/internal/ledger"
)

// DefaultFeeRate is the platform's share of non access-fee holds.
var DefaultFeeRate = decimal.RequireFromString("0.20")

// SplitFee computes the platform fee and receiver payout for amount.
// Access fees are retained in full and carry no payout. Amounts have at
// most two decimals, so amount*0.20 never lands on a half-cent tie.
func SplitFee(amount decimal.Decimal, purpose ledger.Purpose, rate decimal.Decimal) (decimal.Decimal, decimal.NullDecimal) {
	if purpose == ledger.PurposeAccessFee {
		return amount, decimal.NullDecimal{}
	}
	fee := amount.Mul(rate).Round(2)
	payout := amount.Sub(fee).Round(2)
	return fee, decimal.NewNullDecimal(payout)
}
