// Package escrow holds settled funds until a release condition is met.
//
// Flow:
//  1. Settlement creates a held escrow with the fee split precomputed
//  2. Either counterparty may dispute a held escrow
//  3. An administrator, the sweep, or dispute resolution releases or refunds it
//  4. Release credits the receiver's payout; refund credits the payer in full
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/velvetrooms/escrowd/internal/ledger"
)

var (
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrInvalidStatus   = errors.New("invalid escrow status for this operation")
	ErrNotCounterparty = errors.New("not a counterparty of this escrow")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrReasonRequired  = errors.New("reason required")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusHeld     Status = "held"
	StatusDisputed Status = "disputed"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Release conditions recorded on a hold.
const (
	ConditionBothConfirmed    = "both_confirmed"
	ConditionContentDelivered = "content_delivered"
	ConditionAccessGranted    = "access_granted"
	ConditionSessionComplete  = "session_complete"
)

// Wallet credit kinds written to balance entries.
const (
	CreditRelease = "escrow_release"
	CreditRefund  = "escrow_refund"
)

// ReasonAutoRelease is stored on escrows released by the sweep.
const ReasonAutoRelease = "auto_release"

// Escrow is funds held against a purpose-specific record.
type Escrow struct {
	ID                  int64               `json:"id"`
	Ref                 string              `json:"ref"`
	Purpose             ledger.Purpose      `json:"purpose"`
	RelatedID           int64               `json:"relatedId"`
	PayerID             int64               `json:"payerId"`
	ReceiverID          *int64              `json:"receiverId,omitempty"`
	TransactionID       *int64              `json:"transactionId,omitempty"`
	Amount              decimal.Decimal     `json:"amount"`
	PlatformFee         decimal.Decimal     `json:"platformFee"`
	ReceiverPayout      decimal.NullDecimal `json:"receiverPayout"`
	Status              Status              `json:"status"`
	ReleaseCondition    string              `json:"releaseCondition"`
	ReleaseConditionMet bool                `json:"releaseConditionMet"`
	Reason              string              `json:"reason,omitempty"`
	DisputedBy          *int64              `json:"disputedBy,omitempty"`
	HeldAt              time.Time           `json:"heldAt"`
	AutoReleaseAt       *time.Time          `json:"autoReleaseAt,omitempty"`
	ReleasedAt          *time.Time          `json:"releasedAt,omitempty"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status == StatusReleased || e.Status == StatusRefunded
}

// Resolvable reports whether release or refund may still move this escrow.
func (e *Escrow) Resolvable() bool {
	return e.Status == StatusHeld || e.Status == StatusDisputed
}

// DueForAutoRelease reports whether the sweep may release this escrow at now.
// Disputed escrows are never due; only an administrator resolves them.
func (e *Escrow) DueForAutoRelease(now time.Time) bool {
	return e.Status == StatusHeld && e.AutoReleaseAt != nil && !e.AutoReleaseAt.After(now)
}

// IsCounterparty reports whether userID is the payer or the receiver.
func (e *Escrow) IsCounterparty(userID int64) bool {
	if userID == 0 {
		return false
	}
	return e.PayerID == userID || (e.ReceiverID != nil && *e.ReceiverID == userID)
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	cp.ReceiverID = cloneInt64(e.ReceiverID)
	cp.TransactionID = cloneInt64(e.TransactionID)
	cp.DisputedBy = cloneInt64(e.DisputedBy)
	cp.AutoReleaseAt = cloneTime(e.AutoReleaseAt)
	cp.ReleasedAt = cloneTime(e.ReleasedAt)
	return &cp
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Filter narrows escrow listings. Zero fields match everything.
type Filter struct {
	Status Status
	UserID int64
	// BeforeID restricts to escrows with a smaller id, for keyset paging.
	BeforeID int64
	Limit    int
}

// Tx is the unit of work the executor mutates escrows in. LockEscrow must
// hold an exclusive lock on the row until the unit commits.
type Tx interface {
	LockEscrow(ctx context.Context, ref string) (*Escrow, error)
	InsertEscrow(ctx context.Context, e *Escrow) error
	UpdateEscrow(ctx context.Context, e *Escrow) error
	CreditWallet(ctx context.Context, userID int64, amount decimal.Decimal, kind, reference string) error
	GrantClientAccess(ctx context.Context, profileID int64, at time.Time) error
	DeliverPurchase(ctx context.Context, escrowID int64) error
	RefundPurchase(ctx context.Context, escrowID int64) error
}

// Store persists escrows.
type Store interface {
	// InTx runs fn in one atomic unit; a returned error rolls everything back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetEscrow(ctx context.Context, ref string) (*Escrow, error)
	ListEscrows(ctx context.Context, filter Filter) ([]*Escrow, error)
	ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
	ListEscrowsByRelated(ctx context.Context, purpose ledger.Purpose, relatedID int64) ([]*Escrow, error)
}
