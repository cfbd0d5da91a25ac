// Package admin implements administrator overrides: manual payment
// approval and rejection, escrow release and refund, dispute resolution
// and account bans. Every mutation is audited after it commits.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/velvetrooms/escrowd/internal/audit"
	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/ledger"
	"github.com/velvetrooms/escrowd/internal/market"
)

// ProviderCrypto tags transactions approved by hand after an off-platform payment.
const ProviderCrypto = "crypto"

// Approval outcomes.
const (
	ApprovalSettled          = "approved"
	ApprovalAlreadyCompleted = "already_completed"
	ApprovalLeftPending      = "pending"
)

// Tx is the unit of work for rejecting a payment.
type Tx interface {
	LockTransaction(ctx context.Context, ref string) (*ledger.Transaction, error)
	UpdateTransaction(ctx context.Context, t *ledger.Transaction) error
	LockSession(ctx context.Context, id int64) (*market.Session, error)
	UpdateSession(ctx context.Context, s *market.Session) error
	FindPurchaseByTransaction(ctx context.Context, transactionID int64) (*market.ContentPurchase, error)
	UpdatePurchase(ctx context.Context, p *market.ContentPurchase) error
}

// Store opens admin units of work.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Settler runs settlement for a transaction.
type Settler interface {
	Process(ctx context.Context, ref, provider string, payload map[string]any) (*escrow.Escrow, error)
}

// ErrDirectHoldPurpose is returned when an administrator tries to open a
// hold for a purpose that only settlement may create.
var ErrDirectHoldPurpose = errors.New("purpose cannot be held directly")

// directHoldConditions are the purposes an administrator may hold directly
// and the release condition each carries.
var directHoldConditions = map[ledger.Purpose]string{
	ledger.PurposeSession: escrow.ConditionBothConfirmed,
	ledger.PurposeContent: escrow.ConditionContentDelivered,
}

// Executor creates escrows and moves them to a terminal state.
type Executor interface {
	Create(ctx context.Context, req escrow.HoldRequest) (*escrow.Escrow, error)
	Policy() escrow.Policy
	Release(ctx context.Context, ref, reason string) (*escrow.Escrow, bool, error)
	Refund(ctx context.Context, ref, reason string) (*escrow.Escrow, bool, error)
	List(ctx context.Context, filter escrow.Filter) ([]*escrow.Escrow, error)
}

// Transactions reads the transaction ledger.
type Transactions interface {
	Get(ctx context.Context, ref string) (*ledger.Transaction, error)
	ListPending(ctx context.Context, limit int) ([]*ledger.Transaction, error)
}

// Accounts manages user accounts.
type Accounts interface {
	GetUser(ctx context.Context, userID int64) (*market.User, error)
	BanUser(ctx context.Context, userID int64) (*market.User, error)
}

// Notifier delivers post-commit messages.
type Notifier interface {
	NotifyUser(ctx context.Context, userID int64, text string)
}

// ApproveResult describes a manual approval.
type ApproveResult struct {
	Status      string              `json:"status"`
	Transaction *ledger.Transaction `json:"transaction"`
	Escrow      *escrow.Escrow      `json:"escrow,omitempty"`
}

// Service implements administrator operations.
type Service struct {
	store        Store
	settler      Settler
	executor     Executor
	transactions Transactions
	accounts     Accounts
	recorder     *audit.Recorder
	notifier     Notifier
	logger       *slog.Logger
}

// NewService creates a new admin service.
func NewService(store Store, settler Settler, executor Executor, transactions Transactions,
	accounts Accounts, recorder *audit.Recorder, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		settler:      settler,
		executor:     executor,
		transactions: transactions,
		accounts:     accounts,
		recorder:     recorder,
		notifier:     notifier,
		logger:       logger,
	}
}

// Approve settles a pending transaction by hand. Approving a completed
// transaction is a no-op reported as already_completed.
func (s *Service) Approve(ctx context.Context, actorID int64, ref string) (*ApproveResult, error) {
	t, err := s.transactions.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case ledger.StatusCompleted:
		return &ApproveResult{Status: ApprovalAlreadyCompleted, Transaction: t}, nil
	case ledger.StatusRejected:
		return nil, fmt.Errorf("%w: transaction was rejected", ledger.ErrInvalidTransition)
	}

	e, err := s.settler.Process(ctx, ref, ProviderCrypto, nil)
	if err != nil {
		return nil, err
	}

	after, err := s.transactions.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	res := &ApproveResult{Transaction: after, Escrow: e}
	switch {
	case e != nil:
		res.Status = ApprovalSettled
	case after.Status == ledger.StatusPending:
		res.Status = ApprovalLeftPending
		return res, nil
	case after.Provider != ProviderCrypto:
		// A webhook settled it between our read and Process.
		res.Status = ApprovalAlreadyCompleted
		return res, nil
	default:
		res.Status = ApprovalSettled
	}

	detail := map[string]any{"amount": after.Amount.StringFixed(2), "purpose": string(after.Purpose)}
	if e != nil {
		detail["escrowRef"] = e.Ref
	}
	s.record(ctx, actorID, audit.KindApprovePayment, audit.TargetTransaction, ref, detail)
	return res, nil
}

// Reject moves a pending transaction to rejected and marks the purchase or
// session it was paying for rejected.
func (s *Service) Reject(ctx context.Context, actorID int64, ref, reason string) (*ledger.Transaction, error) {
	var out *ledger.Transaction
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		t, err := tx.LockTransaction(ctx, ref)
		if err != nil {
			return err
		}
		if err := t.Reject(); err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return err
		}

		purchase, err := tx.FindPurchaseByTransaction(ctx, t.ID)
		switch {
		case err == nil:
			purchase.Status = market.PurchaseRejected
			if err := tx.UpdatePurchase(ctx, purchase); err != nil {
				return err
			}
		case !errors.Is(err, market.ErrPurchaseNotFound):
			return err
		}

		if t.Metadata.PurposeTag() == string(ledger.PurposeSession) {
			if id, ok := t.Metadata.Int64(ledger.MetaSessionID); ok {
				sess, err := tx.LockSession(ctx, id)
				switch {
				case err == nil:
					sess.Status = market.SessionRejected
					if err := tx.UpdateSession(ctx, sess); err != nil {
						return err
					}
				case !errors.Is(err, market.ErrSessionNotFound):
					return err
				}
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment rejected", "transactionRef", ref, "actor", actorID)
	s.notifier.NotifyUser(ctx, out.PayerID, fmt.Sprintf("Your payment %s was rejected. Contact support if you believe this is a mistake.", ref))
	s.record(ctx, actorID, audit.KindRejectPayment, audit.TargetTransaction, ref, map[string]any{"reason": reason})
	return out, nil
}

// CreateEscrowRequest describes a hold opened by an administrator.
type CreateEscrowRequest struct {
	Purpose    ledger.Purpose
	RelatedID  int64
	PayerID    int64
	ReceiverID int64
	Amount     decimal.Decimal
	Reason     string
}

// CreateEscrow opens a held escrow for a session or content payment taken
// off-platform. Both parties must exist.
func (s *Service) CreateEscrow(ctx context.Context, actorID int64, req CreateEscrowRequest) (*escrow.Escrow, error) {
	condition, ok := directHoldConditions[req.Purpose]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDirectHoldPurpose, req.Purpose)
	}
	for _, id := range []int64{req.PayerID, req.ReceiverID} {
		if _, err := s.accounts.GetUser(ctx, id); err != nil {
			return nil, err
		}
	}

	receiver := req.ReceiverID
	e, err := s.executor.Create(ctx, escrow.HoldRequest{
		Purpose:          req.Purpose,
		RelatedID:        req.RelatedID,
		PayerID:          req.PayerID,
		ReceiverID:       &receiver,
		Amount:           req.Amount,
		Condition:        condition,
		AutoReleaseHours: s.executor.Policy().AutoReleaseHours,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("escrow created by admin", "escrowRef", e.Ref, "actor", actorID, "amount", e.Amount.StringFixed(2))
	s.record(ctx, actorID, audit.KindCreateEscrow, audit.TargetEscrow, e.Ref, map[string]any{
		"amount":    e.Amount.StringFixed(2),
		"purpose":   string(e.Purpose),
		"relatedId": e.RelatedID,
		"reason":    req.Reason,
	})
	return e, nil
}

// Release releases an escrow; on a disputed escrow this resolves the
// dispute in the receiver's favour.
func (s *Service) Release(ctx context.Context, actorID int64, ref, reason string) (*escrow.Escrow, bool, error) {
	e, changed, err := s.executor.Release(ctx, ref, reason)
	if err != nil || !changed {
		return e, changed, err
	}
	s.recordResolution(ctx, actorID, audit.KindReleaseEscrow, "release", e)
	return e, true, nil
}

// Refund refunds an escrow; on a disputed escrow this resolves the
// dispute in the payer's favour.
func (s *Service) Refund(ctx context.Context, actorID int64, ref, reason string) (*escrow.Escrow, bool, error) {
	e, changed, err := s.executor.Refund(ctx, ref, reason)
	if err != nil || !changed {
		return e, changed, err
	}
	s.recordResolution(ctx, actorID, audit.KindRefundEscrow, "refund", e)
	return e, true, nil
}

func (s *Service) recordResolution(ctx context.Context, actorID int64, kind audit.Kind, resolution string, e *escrow.Escrow) {
	detail := map[string]any{
		"amount":  e.Amount.StringFixed(2),
		"purpose": string(e.Purpose),
		"reason":  e.Reason,
	}
	if e.DisputedBy != nil {
		kind = audit.KindResolveDispute
		detail["resolution"] = resolution
		detail["disputedBy"] = *e.DisputedBy
	}
	s.record(ctx, actorID, kind, audit.TargetEscrow, e.Ref, detail)
}

// BanUser bans an account.
func (s *Service) BanUser(ctx context.Context, actorID, userID int64) (*market.User, error) {
	u, err := s.accounts.BanUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user banned", "userId", userID, "actor", actorID)
	s.notifier.NotifyUser(ctx, userID, "Your account has been suspended.")
	s.record(ctx, actorID, audit.KindBanUser, audit.TargetUser, strconv.FormatInt(userID, 10), nil)
	return u, nil
}

// ListPending returns transactions awaiting payment.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*ledger.Transaction, error) {
	return s.transactions.ListPending(ctx, limit)
}

// ListEscrows returns escrows matching filter.
func (s *Service) ListEscrows(ctx context.Context, filter escrow.Filter) ([]*escrow.Escrow, error) {
	return s.executor.List(ctx, filter)
}

// ListActions returns audit entries, most recent first.
func (s *Service) ListActions(ctx context.Context, filter audit.Filter) ([]*audit.Action, error) {
	return s.recorder.List(ctx, filter)
}

// record appends to the audit log after the mutation has committed. A
// failure here cannot undo the mutation, so it is logged, not returned.
func (s *Service) record(ctx context.Context, actorID int64, kind audit.Kind, targetType, targetID string, detail map[string]any) {
	_, _ = s.recorder.Record(ctx, actorID, kind, targetType, targetID, detail)
}
