// Package reconciliation looks for money the escrow engine holds no record
// of: completed transactions without an escrow, and escrows the sweep or
// an administrator should already have resolved.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/ledger"
)

// Store reads the records a check compares.
type Store interface {
	ListOrphanedTransactions(ctx context.Context, limit int) ([]*ledger.Transaction, error)
	ListEscrows(ctx context.Context, filter escrow.Filter) ([]*escrow.Escrow, error)
}

// Alerter raises operator alerts.
type Alerter interface {
	Alert(ctx context.Context, subject, body string)
}

// Config tunes what counts as stuck.
type Config struct {
	// ReleaseGrace is how far past its deadline a held escrow may be
	// before it is reported; the sweep normally releases it within a tick.
	ReleaseGrace time.Duration
	// DisputeAge reports disputes left open longer than this.
	DisputeAge time.Duration
	// Limit caps each query.
	Limit int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{ReleaseGrace: time.Hour, DisputeAge: 7 * 24 * time.Hour, Limit: 500}
}

// Report is the outcome of one run.
type Report struct {
	OrphanedPayments []*ledger.Transaction `json:"orphanedPayments"`
	OverdueEscrows   []*escrow.Escrow      `json:"overdueEscrows"`
	StaleDisputes    []*escrow.Escrow      `json:"staleDisputes"`
	Healthy          bool                  `json:"healthy"`
	RanAt            time.Time             `json:"ranAt"`
	Duration         string                `json:"duration"`
}

// Runner executes reconciliation checks. Each orphaned payment is alerted
// once per process.
type Runner struct {
	store   Store
	alerter Alerter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	alerted map[string]bool
}

// NewRunner creates a runner.
func NewRunner(store Store, alerter Alerter, cfg Config, logger *slog.Logger) *Runner {
	def := DefaultConfig()
	if cfg.ReleaseGrace <= 0 {
		cfg.ReleaseGrace = def.ReleaseGrace
	}
	if cfg.DisputeAge <= 0 {
		cfg.DisputeAge = def.DisputeAge
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	return &Runner{
		store:   store,
		alerter: alerter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		alerted: make(map[string]bool),
	}
}

// RunAll executes every check.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	now := r.now()
	report := &Report{RanAt: now}

	orphans, err := r.store.ListOrphanedTransactions(ctx, r.cfg.Limit)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list orphaned transactions: %w", err)
	}
	report.OrphanedPayments = orphans

	held, err := r.store.ListEscrows(ctx, escrow.Filter{Status: escrow.StatusHeld, Limit: r.cfg.Limit})
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list held escrows: %w", err)
	}
	for _, e := range held {
		if e.AutoReleaseAt != nil && now.Sub(*e.AutoReleaseAt) > r.cfg.ReleaseGrace {
			report.OverdueEscrows = append(report.OverdueEscrows, e)
		}
	}

	disputed, err := r.store.ListEscrows(ctx, escrow.Filter{Status: escrow.StatusDisputed, Limit: r.cfg.Limit})
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list disputed escrows: %w", err)
	}
	for _, e := range disputed {
		if now.Sub(e.HeldAt) > r.cfg.DisputeAge {
			report.StaleDisputes = append(report.StaleDisputes, e)
		}
	}

	report.Healthy = len(report.OrphanedPayments) == 0 && len(report.OverdueEscrows) == 0 && len(report.StaleDisputes) == 0
	elapsed := time.Since(start)
	report.Duration = elapsed.String()

	reconcileOrphanedPayments.Set(float64(len(report.OrphanedPayments)))
	reconcileOverdueEscrows.Set(float64(len(report.OverdueEscrows)))
	reconcileStaleDisputes.Set(float64(len(report.StaleDisputes)))
	reconcileDuration.Observe(elapsed.Seconds())

	if !report.Healthy {
		r.logger.Warn("reconciliation found discrepancies",
			"orphaned_payments", len(report.OrphanedPayments),
			"overdue_escrows", len(report.OverdueEscrows),
			"stale_disputes", len(report.StaleDisputes),
		)
	}
	r.alertNewOrphans(ctx, orphans)
	return report, nil
}

func (r *Runner) alertNewOrphans(ctx context.Context, orphans []*ledger.Transaction) {
	r.mu.Lock()
	var fresh []string
	for _, t := range orphans {
		if !r.alerted[t.Ref] {
			r.alerted[t.Ref] = true
			fresh = append(fresh, fmt.Sprintf("%s (%s %s, payer %d)", t.Ref, t.Purpose, t.Amount.StringFixed(2), t.PayerID))
		}
	}
	r.mu.Unlock()

	if len(fresh) == 0 || r.alerter == nil {
		return
	}
	r.alerter.Alert(ctx,
		fmt.Sprintf("%d completed payment(s) without an escrow", len(fresh)),
		"Completed transactions with no escrow hold:\n"+strings.Join(fresh, "\n"))
}
