// Package settlement turns confirmed payments into escrow holds.
//
// Process is safe to call any number of times for the same reference:
// the transaction row is locked and its status checked inside the same
// unit of work that completes it, so only one delivery ever settles.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/ledger"
	"github.com/velvetrooms/escrowd/internal/market"
	"github.com/velvetrooms/escrowd/internal/metrics"
	"github.com/velvetrooms/escrowd/internal/traces"
)

// ErrMissingRecord means the metadata did not resolve to a backing record.
var ErrMissingRecord = errors.New("purpose record missing")

// Outcomes reported to metrics and logs.
const (
	OutcomeSettled        = "settled"
	OutcomeNoop           = "noop"
	OutcomeUnknownPurpose = "unknown_purpose"
	OutcomeMissingRecord  = "missing_record"
	OutcomeError          = "error"
)

// Tx is the unit of work a settlement runs in.
type Tx interface {
	LockTransaction(ctx context.Context, ref string) (*ledger.Transaction, error)
	UpdateTransaction(ctx context.Context, t *ledger.Transaction) error
	InsertEscrow(ctx context.Context, e *escrow.Escrow) error

	LockSession(ctx context.Context, id int64) (*market.Session, error)
	UpdateSession(ctx context.Context, s *market.Session) error
	FindPurchaseByTransaction(ctx context.Context, transactionID int64) (*market.ContentPurchase, error)
	InsertPurchase(ctx context.Context, p *market.ContentPurchase) error
	UpdatePurchase(ctx context.Context, p *market.ContentPurchase) error
	LockContent(ctx context.Context, id int64) (*market.ContentItem, error)
	UpdateContent(ctx context.Context, c *market.ContentItem) error
	ClientProfileByUser(ctx context.Context, userID int64) (*market.ClientProfile, error)
	InsertClientProfile(ctx context.Context, p *market.ClientProfile) error
	UpdateClientProfile(ctx context.Context, p *market.ClientProfile) error
}

// Store opens settlement units of work.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Announcer fans a newly created hold out after commit.
type Announcer interface {
	Announce(ctx context.Context, kind string, e *escrow.Escrow)
}

// Alerter raises operator alerts for money received without a hold.
type Alerter interface {
	Alert(ctx context.Context, subject, body string)
}

// Processor is the settlement entry point.
type Processor struct {
	store     Store
	policy    escrow.Policy
	announcer Announcer
	alerter   Alerter
	logger    *slog.Logger
	now       func() time.Time
}

// NewProcessor creates a new settlement processor.
func NewProcessor(store Store, policy escrow.Policy, announcer Announcer, alerter Alerter, logger *slog.Logger) *Processor {
	return &Processor{
		store:     store,
		policy:    policy,
		announcer: announcer,
		alerter:   alerter,
		logger:    logger,
		now:       time.Now,
	}
}

type result struct {
	txn     *ledger.Transaction
	escrow  *escrow.Escrow
	outcome string
	purpose string
	cause   error
}

// Process settles the transaction identified by ref. It returns the new
// escrow, or nil when there was nothing to do: unknown reference, already
// settled or rejected, unknown purpose tag (the transaction stays pending),
// or a missing purpose record (the transaction stays completed and
// operators are alerted). Persistence failures are returned so the
// provider redelivers.
func (p *Processor) Process(ctx context.Context, ref, provider string, payload map[string]any) (_ *escrow.Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.process", traces.TransactionRef(ref), traces.Provider(provider))
	defer func() { traces.End(span, err) }()

	var res result
	err = p.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		res = result{outcome: OutcomeNoop}

		t, err := tx.LockTransaction(ctx, ref)
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res.txn = t
		if t.Status != ledger.StatusPending {
			return nil
		}

		tag := t.Metadata.PurposeTag()
		if tag == "" {
			tag = ledger.PayloadPurposeTag(payload)
		}
		res.purpose = tag
		purpose, err := ledger.ParsePurpose(tag)
		if err != nil {
			res.outcome, res.cause = OutcomeUnknownPurpose, err
			return nil
		}

		now := p.now()
		if err := t.Complete(provider, now); err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return err
		}

		e, err := p.dispatch(ctx, tx, t, purpose, now)
		if errors.Is(err, ErrMissingRecord) {
			res.outcome, res.cause = OutcomeMissingRecord, err
			return nil
		}
		if err != nil {
			return err
		}
		res.outcome, res.escrow = OutcomeSettled, e
		return nil
	})
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(res.purpose, OutcomeError).Inc()
		return nil, fmt.Errorf("failed to settle %s: %w", ref, err)
	}
	metrics.SettlementsTotal.WithLabelValues(res.purpose, res.outcome).Inc()
	span.SetAttributes(traces.Purpose(res.purpose))
	if res.txn != nil {
		span.SetAttributes(traces.Amount(res.txn.Amount.StringFixed(2)))
	}

	switch res.outcome {
	case OutcomeSettled:
		p.logger.Info("payment settled",
			"transactionRef", ref,
			"escrowRef", res.escrow.Ref,
			"purpose", res.escrow.Purpose,
			"provider", provider,
			"amount", res.escrow.Amount.StringFixed(2),
		)
		p.announcer.Announce(ctx, escrow.EventCreated, res.escrow)
		return res.escrow, nil
	case OutcomeMissingRecord:
		p.logger.Error("payment completed without escrow",
			"transactionRef", ref,
			"purpose", res.purpose,
			"amount", res.txn.Amount.StringFixed(2),
			"error", res.cause,
		)
		p.alerter.Alert(ctx,
			"Payment received with no escrow hold",
			fmt.Sprintf("Transaction %s (%s, %s via %s) was completed but no escrow was created: %v",
				ref, res.purpose, res.txn.Amount.StringFixed(2), provider, res.cause),
		)
	case OutcomeUnknownPurpose:
		p.logger.Error("payment with unknown purpose left pending",
			"transactionRef", ref,
			"provider", provider,
			"error", res.cause,
		)
		p.alerter.Alert(ctx,
			"Payment with unknown purpose",
			fmt.Sprintf("Transaction %s via %s carries purpose %q and was left pending.", ref, provider, res.purpose),
		)
	default:
		p.logger.Debug("settlement no-op", "transactionRef", ref, "provider", provider)
	}
	return nil, nil
}

func (p *Processor) dispatch(ctx context.Context, tx Tx, t *ledger.Transaction, purpose ledger.Purpose, now time.Time) (*escrow.Escrow, error) {
	switch purpose {
	case ledger.PurposeSession:
		return p.settleSession(ctx, tx, t, now)
	case ledger.PurposeContent:
		return p.settleContent(ctx, tx, t, now)
	case ledger.PurposeAccessFee:
		return p.settleAccessFee(ctx, tx, t, now)
	case ledger.PurposeExtension:
		return p.settleExtension(ctx, tx, t, now)
	}
	return nil, fmt.Errorf("%w: %q", ledger.ErrUnknownPurpose, purpose)
}

func (p *Processor) hold(ctx context.Context, tx Tx, req escrow.HoldRequest, now time.Time) (*escrow.Escrow, error) {
	e, err := p.policy.NewHold(req, now)
	if err != nil {
		return nil, err
	}
	if err := tx.InsertEscrow(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to insert escrow: %w", err)
	}
	return e, nil
}

func missing(what string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMissingRecord, what, err)
	}
	return fmt.Errorf("%w: %s", ErrMissingRecord, what)
}
