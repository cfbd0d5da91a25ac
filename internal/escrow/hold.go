package escrow

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/velvetrooms/escrowd/internal/idgen"
	"github.com/velvetrooms/escrowd/internal/ledger"
)

// Policy is the deployment-wide escrow configuration.
type Policy struct {
	// ManualReleaseOnly suppresses every auto-release deadline.
	ManualReleaseOnly bool
	FeeRate           decimal.Decimal
	// AutoReleaseHours is the default window for purposes that auto-release.
	AutoReleaseHours int
}

// DefaultPolicy matches a fresh deployment: manual release only.
func DefaultPolicy() Policy {
	return Policy{ManualReleaseOnly: true, FeeRate: DefaultFeeRate, AutoReleaseHours: 24}
}

// HoldRequest describes a new escrow. AutoReleaseHours of zero disables
// unattended release for this hold.
type HoldRequest struct {
	Purpose          ledger.Purpose
	RelatedID        int64
	PayerID          int64
	ReceiverID       *int64
	TransactionID    *int64
	Amount           decimal.Decimal
	Condition        string
	AutoReleaseHours int
}

// NewHold builds a held escrow for req. It does not persist anything.
func (p Policy) NewHold(req HoldRequest, now time.Time) (*Escrow, error) {
	if !req.Purpose.Valid() {
		return nil, fmt.Errorf("%w: %q", ledger.ErrUnknownPurpose, req.Purpose)
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	fee, payout := SplitFee(req.Amount, req.Purpose, p.FeeRate)

	e := &Escrow{
		Ref:              idgen.EscrowRef(req.Purpose.RefPrefix()),
		Purpose:          req.Purpose,
		RelatedID:        req.RelatedID,
		PayerID:          req.PayerID,
		ReceiverID:       cloneInt64(req.ReceiverID),
		TransactionID:    cloneInt64(req.TransactionID),
		Amount:           req.Amount,
		PlatformFee:      fee,
		ReceiverPayout:   payout,
		Status:           StatusHeld,
		ReleaseCondition: req.Condition,
		HeldAt:           now,
	}
	if !p.ManualReleaseOnly && req.AutoReleaseHours > 0 {
		at := now.Add(time.Duration(req.AutoReleaseHours) * time.Hour)
		e.AutoReleaseAt = &at
	}
	return e, nil
}
