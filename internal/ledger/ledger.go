// Package ledger records payers' intents to pay.
//
// Flow:
//  1. A purchase flow creates a pending Transaction with a fresh reference
//  2. The payment provider confirms it; settlement marks it completed exactly once
//  3. Or an administrator rejects it while still pending
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/velvetrooms/escrowd/internal/idgen"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidTransition   = errors.New("invalid transaction status transition")
	ErrUnknownPurpose      = errors.New("unknown purpose")
)

// Purpose is the business reason for a transaction or escrow.
type Purpose string

const (
	PurposeSession   Purpose = "session"
	PurposeContent   Purpose = "content"
	PurposeAccessFee Purpose = "access_fee"
	PurposeExtension Purpose = "extension"
)

// Purposes lists every supported purpose.
var Purposes = []Purpose{PurposeSession, PurposeContent, PurposeAccessFee, PurposeExtension}

// ParsePurpose maps a purpose tag onto a Purpose.
func ParsePurpose(tag string) (Purpose, error) {
	p := Purpose(tag)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPurpose, tag)
	}
	return p, nil
}

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeSession, PurposeContent, PurposeAccessFee, PurposeExtension:
		return true
	}
	return false
}

// RefPrefix is the three-letter prefix used for escrow references.
func (p Purpose) RefPrefix() string {
	if len(p) < 3 {
		return string(p)
	}
	return string(p[:3])
}

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
)

// Transaction is a payer's intent to pay an amount for a purpose.
type Transaction struct {
	ID          int64           `json:"id"`
	Ref         string          `json:"ref"`
	PayerID     int64           `json:"payerId"`
	Purpose     Purpose         `json:"purpose"`
	Amount      decimal.Decimal `json:"amount"`
	Metadata    Metadata        `json:"metadata"`
	Status      Status          `json:"status"`
	Provider    string          `json:"provider,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// IsFinal returns true once the transaction has left pending.
func (t *Transaction) IsFinal() bool {
	return t.Status == StatusCompleted || t.Status == StatusRejected
}

// Complete moves a pending transaction to completed and records the provider.
func (t *Transaction) Complete(provider string, at time.Time) error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusCompleted)
	}
	t.Status = StatusCompleted
	t.Provider = provider
	t.CompletedAt = &at
	return nil
}

// Reject moves a pending transaction to rejected.
func (t *Transaction) Reject() error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusRejected)
	}
	t.Status = StatusRejected
	return nil
}

// Store persists transactions.
type Store interface {
	InsertTransaction(ctx context.Context, t *Transaction) error
	GetTransaction(ctx context.Context, ref string) (*Transaction, error)
	ListTransactions(ctx context.Context, status Status, limit int) ([]*Transaction, error)
}

// CreateRequest contains the parameters for recording a payment intent.
type CreateRequest struct {
	PayerID  int64           `json:"-"`
	Purpose  Purpose         `json:"purpose" binding:"required"`
	Amount   decimal.Decimal `json:"amount"`
	Metadata Metadata        `json:"metadata"`
}

// Service implements the transaction ledger.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a new ledger service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Create inserts a new pending transaction with a fresh reference.
// Persistence failures are returned to the caller unchanged.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	if !req.Purpose.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPurpose, req.Purpose)
	}
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, ErrInvalidAmount
	}

	md := req.Metadata.Clone()
	if md.PurposeTag() == "" {
		md[MetaPurpose] = string(req.Purpose)
	}

	t := &Transaction{
		Ref:       idgen.TransactionRef(),
		PayerID:   req.PayerID,
		Purpose:   req.Purpose,
		Amount:    req.Amount,
		Metadata:  md,
		Status:    StatusPending,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return t, nil
}

// Get returns a transaction by reference.
func (s *Service) Get(ctx context.Context, ref string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, ref)
}

// ListPending returns transactions still awaiting payment.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListTransactions(ctx, StatusPending, limit)
}
