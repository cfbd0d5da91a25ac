package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/velvetrooms/escrowd/internal/ledger"
	"github.com/velvetrooms/escrowd/internal/metrics"
	"github.com/velvetrooms/escrowd/internal/syncutil"
	"github.com/velvetrooms/escrowd/internal/traces"
)

// Service implements the release/refund executor and dispute filing.
// Every move out of held or disputed goes through finish.
type Service struct {
	store    Store
	policy   Policy
	notifier Notifier
	logger   *slog.Logger
	locks    *syncutil.KeyedMutex
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the post-commit fan-out.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new escrow service.
func NewService(store Store, policy Policy, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		policy:   policy,
		notifier: nopNotifier{},
		logger:   logger,
		locks:    syncutil.NewKeyedMutex(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the deployment escrow policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// Create inserts a hold that no payment notification produced, for
// administrators recording an off-platform payment.
func (s *Service) Create(ctx context.Context, req HoldRequest) (*Escrow, error) {
	e, err := s.policy.NewHold(req, s.now())
	if err != nil {
		return nil, err
	}
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertEscrow(ctx, e)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert escrow: %w", err)
	}
	s.Announce(ctx, EventCreated, e)
	return e, nil
}

// Get returns an escrow by reference.
func (s *Service) Get(ctx context.Context, ref string) (*Escrow, error) {
	return s.store.GetEscrow(ctx, ref)
}

// List returns escrows matching filter, newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]*Escrow, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.store.ListEscrows(ctx, filter)
}

// Release pays the receiver's share out of escrow. An unknown ref yields
// (nil, false, nil); an already terminal escrow is returned unchanged with
// changed=false.
func (s *Service) Release(ctx context.Context, ref, reason string) (*Escrow, bool, error) {
	return s.finish(ctx, ref, StatusReleased, reason, resolvable)
}

// AutoRelease releases ref only if, under the row lock, it is still held and
// past its deadline. A dispute filed after the sweep listed it wins.
func (s *Service) AutoRelease(ctx context.Context, ref string) (*Escrow, bool, error) {
	return s.finish(ctx, ref, StatusReleased, ReasonAutoRelease, (*Escrow).DueForAutoRelease)
}

// Refund returns the full held amount to the payer. Same contract as Release.
func (s *Service) Refund(ctx context.Context, ref, reason string) (*Escrow, bool, error) {
	return s.finish(ctx, ref, StatusRefunded, reason, resolvable)
}

func resolvable(e *Escrow, _ time.Time) bool {
	return e.Resolvable()
}

func (s *Service) finish(ctx context.Context, ref string, target Status, reason string, eligible func(*Escrow, time.Time) bool) (_ *Escrow, _ bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(target), traces.EscrowRef(ref))
	defer func() { traces.End(span, err) }()

	// The row lock is authoritative across processes; the keyed mutex only
	// keeps same-process callers from queueing on the database.
	unlock, err := s.locks.LockContext(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	var (
		out     *Escrow
		changed bool
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		out, changed = nil, false

		e, err := tx.LockEscrow(ctx, ref)
		if errors.Is(err, ErrEscrowNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out = e
		now := s.now()
		if !eligible(e, now) {
			return nil
		}

		e.Status = target
		e.ReleasedAt = &now
		e.ReleaseConditionMet = true
		if reason = strings.TrimSpace(reason); reason != "" {
			e.Reason = reason
		}
		if err := tx.UpdateEscrow(ctx, e); err != nil {
			return err
		}

		if target == StatusReleased {
			if e.ReceiverID != nil && e.ReceiverPayout.Valid {
				if err := tx.CreditWallet(ctx, *e.ReceiverID, e.ReceiverPayout.Decimal, CreditRelease, e.Ref); err != nil {
					return err
				}
			}
			if err := releaseEffects(ctx, tx, e, now); err != nil {
				return err
			}
		} else {
			if e.PayerID != 0 {
				if err := tx.CreditWallet(ctx, e.PayerID, e.Amount, CreditRefund, e.Ref); err != nil {
					return err
				}
			}
			if e.Purpose == ledger.PurposeContent {
				if err := tx.RefundPurchase(ctx, e.ID); err != nil {
					return err
				}
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to %s escrow %s: %w", verb(target), ref, err)
	}
	if out == nil {
		return nil, false, nil
	}
	if !changed {
		metrics.EscrowNoopsTotal.WithLabelValues(verb(target)).Inc()
		s.logger.Debug("escrow not eligible, left unchanged", "escrowRef", ref, "status", out.Status)
		return out, false, nil
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(out.Purpose), string(target)).Inc()
	metrics.EscrowHoldDuration.Observe(out.ReleasedAt.Sub(out.HeldAt).Seconds())
	s.logger.Info("escrow "+string(target),
		"escrowRef", out.Ref,
		"purpose", out.Purpose,
		"amount", out.Amount.StringFixed(2),
		"reason", out.Reason,
	)
	if target == StatusReleased {
		s.Announce(ctx, EventReleased, out)
	} else {
		s.Announce(ctx, EventRefunded, out)
	}
	return out, true, nil
}

// releaseEffects applies the purpose-specific consequences of a release
// inside the same unit as the wallet credit.
func releaseEffects(ctx context.Context, tx Tx, e *Escrow, at time.Time) error {
	switch e.Purpose {
	case ledger.PurposeAccessFee:
		return tx.GrantClientAccess(ctx, e.RelatedID, at)
	case ledger.PurposeContent:
		return tx.DeliverPurchase(ctx, e.ID)
	case ledger.PurposeSession, ledger.PurposeExtension:
		return nil
	default:
		return fmt.Errorf("%w: %q", ledger.ErrUnknownPurpose, e.Purpose)
	}
}

func verb(target Status) string {
	if target == StatusReleased {
		return "release"
	}
	return "refund"
}

// Dispute moves a held escrow to disputed on behalf of a counterparty.
// It shares the executor's lock so a dispute cannot interleave with a
// release of the same escrow.
func (s *Service) Dispute(ctx context.Context, ref string, filedBy int64, reason string) (*Escrow, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	unlock, err := s.locks.LockContext(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *Escrow
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		e, err := tx.LockEscrow(ctx, ref)
		if err != nil {
			return err
		}
		if !e.IsCounterparty(filedBy) {
			return ErrNotCounterparty
		}
		if e.Status != StatusHeld {
			return fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status)
		}
		e.Status = StatusDisputed
		e.Reason = reason
		e.DisputedBy = &filedBy
		out = e
		return tx.UpdateEscrow(ctx, e)
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(out.Purpose), string(StatusDisputed)).Inc()
	s.logger.Info("escrow disputed", "escrowRef", out.Ref, "filedBy", filedBy)
	s.Announce(ctx, EventDisputed, out)
	return out, nil
}

// Announce fans a committed change out to the stream and the affected users.
func (s *Service) Announce(ctx context.Context, kind string, e *Escrow) {
	s.notifier.Publish(ctx, Event{Type: kind, Escrow: e.Clone(), At: s.now()})

	switch kind {
	case EventCreated:
		s.notifier.NotifyUser(ctx, e.PayerID, fmt.Sprintf("Payment received. Escrow %s is holding %s.", e.Ref, e.Amount.StringFixed(2)))
		if e.ReceiverID != nil {
			s.notifier.NotifyUser(ctx, *e.ReceiverID, fmt.Sprintf("Escrow %s funded with %s.", e.Ref, e.Amount.StringFixed(2)))
		}
		s.notifier.NotifyAdmins(ctx, fmt.Sprintf("New %s escrow %s: %s held.", e.Purpose, e.Ref, e.Amount.StringFixed(2)))
	case EventReleased:
		if e.ReceiverID != nil && e.ReceiverPayout.Valid {
			s.notifier.NotifyUser(ctx, *e.ReceiverID, fmt.Sprintf("Escrow %s released. %s credited to your wallet.", e.Ref, e.ReceiverPayout.Decimal.StringFixed(2)))
		}
		s.notifier.NotifyUser(ctx, e.PayerID, fmt.Sprintf("Escrow %s has been released.", e.Ref))
	case EventRefunded:
		s.notifier.NotifyUser(ctx, e.PayerID, fmt.Sprintf("Escrow %s refunded. %s credited to your wallet.", e.Ref, e.Amount.StringFixed(2)))
		if e.ReceiverID != nil {
			s.notifier.NotifyUser(ctx, *e.ReceiverID, fmt.Sprintf("Escrow %s was refunded to the payer.", e.Ref))
		}
	case EventDisputed:
		for _, id := range []*int64{&e.PayerID, e.ReceiverID} {
			if id != nil && e.DisputedBy != nil && *id != *e.DisputedBy {
				s.notifier.NotifyUser(ctx, *id, fmt.Sprintf("Escrow %s has been disputed: %s", e.Ref, e.Reason))
			}
		}
		s.notifier.NotifyAdmins(ctx, fmt.Sprintf("Dispute filed on escrow %s: %s", e.Ref, e.Reason))
	}
}
