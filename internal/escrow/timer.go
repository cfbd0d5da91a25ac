package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/velvetrooms/escrowd/internal/metrics"
)

// ErrSweepAborted wraps the connectivity error that ended a sweep cycle.
var ErrSweepAborted = errors.New("sweep aborted")

// SessionExpirer moves active sessions past their duration to awaiting
// confirmation and reports how many moved.
type SessionExpirer interface {
	ExpireSessions(ctx context.Context, now time.Time) (int, error)
}

// Lease gates a sweep cycle across replicas. Acquire returns false when
// another replica holds the lease for this tick.
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
}

// Pool classifies and recovers from persistence connectivity failures.
type Pool interface {
	Transient(err error) bool
	Reset(ctx context.Context) error
}

// SweepResult summarizes one sweep cycle.
type SweepResult struct {
	Released int
	Failed   int
	Expired  int
	Skipped  bool
}

// Timer runs the periodic sweep: auto-release of held escrows past their
// deadline, then session timeouts.
type Timer struct {
	service  *Service
	store    Store
	expirer  SessionExpirer
	lease    Lease
	pool     Pool
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// TimerOption configures a Timer.
type TimerOption func(*Timer)

func WithSessionExpirer(e SessionExpirer) TimerOption {
	return func(t *Timer) { t.expirer = e }
}

func WithLease(l Lease) TimerOption {
	return func(t *Timer) { t.lease = l }
}

func WithPool(p Pool) TimerOption {
	return func(t *Timer) { t.pool = p }
}

// WithInterval sets the tick; non-positive values are ignored.
func WithInterval(d time.Duration) TimerOption {
	return func(t *Timer) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithBatchSize caps escrows released per cycle; non-positive values are ignored.
func WithBatchSize(n int) TimerOption {
	return func(t *Timer) {
		if n > 0 {
			t.batch = n
		}
	}
}

// NewTimer creates a new sweep timer.
func NewTimer(service *Service, store Store, logger *slog.Logger, opts ...TimerOption) *Timer {
	t := &Timer{
		service:  service,
		store:    store,
		interval: 60 * time.Second,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow sweep", "panic", fmt.Sprint(r))
		}
	}()
	_, _ = t.Sweep(ctx)
}

// Sweep runs one cycle. A connectivity error ends the cycle early, resets
// the pool, and is returned wrapped in ErrSweepAborted; the next tick starts
// from scratch. Any other per-escrow failure is logged and skipped.
func (t *Timer) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	if t.lease != nil {
		ok, err := t.lease.Acquire(ctx, t.interval)
		if err != nil {
			// Release is idempotent, so a missing lease costs duplicate work only.
			t.logger.Warn("sweep lease unavailable, sweeping anyway", "error", err)
		} else if !ok {
			metrics.SweepRunsTotal.WithLabelValues("skipped").Inc()
			res.Skipped = true
			return res, nil
		}
	}

	now := t.service.now()

	if !t.service.policy.ManualReleaseOnly {
		due, err := t.store.ListDueForRelease(ctx, now, t.batch)
		if err != nil {
			return res, t.abort(ctx, "list due escrows", err)
		}
		for _, e := range due {
			_, changed, err := t.service.AutoRelease(ctx, e.Ref)
			if err != nil {
				if t.transient(err) {
					return res, t.abort(ctx, "auto-release", err)
				}
				res.Failed++
				t.logger.Warn("failed to auto-release escrow", "escrowRef", e.Ref, "error", err)
				continue
			}
			if changed {
				res.Released++
				metrics.SweepReleasedTotal.Inc()
			}
		}
	}

	if t.expirer != nil {
		n, err := t.expirer.ExpireSessions(ctx, now)
		if err != nil {
			if t.transient(err) {
				return res, t.abort(ctx, "session timeouts", err)
			}
			t.logger.Warn("failed to expire sessions", "error", err)
		}
		res.Expired = n
		metrics.SessionsExpiredTotal.Add(float64(n))
	}

	metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
	if res.Released > 0 || res.Expired > 0 || res.Failed > 0 {
		t.logger.Info("sweep complete",
			"released", res.Released,
			"failed", res.Failed,
			"sessionsExpired", res.Expired,
		)
	}
	return res, nil
}

func (t *Timer) transient(err error) bool {
	return t.pool != nil && t.pool.Transient(err)
}

func (t *Timer) abort(ctx context.Context, stage string, err error) error {
	metrics.SweepRunsTotal.WithLabelValues("aborted").Inc()
	t.logger.Warn("sweep aborted", "stage", stage, "error", err)
	if t.pool != nil && t.pool.Transient(err) {
		if rerr := t.pool.Reset(ctx); rerr != nil {
			t.logger.Error("failed to reset connection pool", "error", rerr)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrSweepAborted, stage, err)
}
