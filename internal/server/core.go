package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/velvetrooms/escrowd/internal/admin"
	"github.com/velvetrooms/escrowd/internal/audit"
	"github.com/velvetrooms/escrowd/internal/config"
	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/lease"
	"github.com/velvetrooms/escrowd/internal/ledger"
	"github.com/velvetrooms/escrowd/internal/market"
	"github.com/velvetrooms/escrowd/internal/notify"
	"github.com/velvetrooms/escrowd/internal/reconciliation"
	"github.com/velvetrooms/escrowd/internal/settlement"
	"github.com/velvetrooms/escrowd/internal/store"
)

// Core is the set of services shared by the API server and the sweep
// worker. Publisher is optional; the worker runs without a stream.
type Core struct {
	Backend store.Backend
	Stores  store.Stores
	// Postgres is nil in memory mode.
	Postgres *store.PostgresStore
	// Lease is nil without REDIS_URL.
	Lease *lease.RedisLease

	Notifier   *notify.Fanout
	Ledger     *ledger.Service
	Escrows    *escrow.Service
	Settlement *settlement.Processor
	Market     *market.Service
	Admin      *admin.Service
	Reconciler *reconciliation.Runner

	cfg    *config.Config
	logger *slog.Logger
}

// CoreOption configures NewCore.
type CoreOption func(*coreOptions)

type coreOptions struct {
	backend   store.Backend
	audit     audit.Store
	publisher notify.Publisher
	sender    notify.Sender
}

// WithBackend uses b instead of opening one from DATABASE_URL.
func WithBackend(b store.Backend, a audit.Store) CoreOption {
	return func(o *coreOptions) {
		o.backend = b
		o.audit = a
	}
}

// WithPublisher streams escrow events to p.
func WithPublisher(p notify.Publisher) CoreOption {
	return func(o *coreOptions) { o.publisher = p }
}

// WithSender overrides the relay built from NOTIFY_RELAY_URL.
func WithSender(s notify.Sender) CoreOption {
	return func(o *coreOptions) { o.sender = s }
}

// NewCore opens persistence and wires the domain services. Postgres is used
// when DATABASE_URL is set, otherwise everything lives in memory.
func NewCore(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...CoreOption) (*Core, error) {
	var o coreOptions
	for _, opt := range opts {
		opt(&o)
	}
	c := &Core{cfg: cfg, logger: logger}

	auditStore := o.audit
	switch {
	case o.backend != nil:
		c.Backend = o.backend
	case cfg.DatabaseURL != "":
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		c.Postgres = pg
		c.Backend = pg
		auditStore = audit.NewPostgresStore(pg.DB)
		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	default:
		c.Backend = store.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, using in-memory storage")
	}
	if auditStore == nil {
		auditStore = audit.NewMemoryStore()
	}
	c.Stores = store.Bind(c.Backend)

	if cfg.RedisURL != "" {
		l, err := lease.Open(ctx, cfg.RedisURL, lease.DefaultKey)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("sweep lease: %w", err)
		}
		c.Lease = l
		logger.Info("sweep lease enabled", "holder", l.Holder())
	}

	c.Notifier = newNotifier(cfg, logger, o)

	policy := escrow.Policy{
		ManualReleaseOnly: cfg.ManualReleaseOnly,
		FeeRate:           cfg.PlatformFeeRate,
		AutoReleaseHours:  cfg.AutoReleaseHours,
	}
	c.Ledger = ledger.NewService(c.Stores.Ledger)
	c.Escrows = escrow.NewService(c.Stores.Escrow, policy, logger, escrow.WithNotifier(c.Notifier))
	c.Settlement = settlement.NewProcessor(c.Stores.Settlement, policy, c.Escrows, c.Notifier, logger)
	c.Market = market.NewService(c.Stores.Market, c.Notifier, logger)
	c.Admin = admin.NewService(c.Stores.Admin, c.Settlement, c.Escrows, c.Ledger, c.Market,
		audit.NewRecorder(auditStore, logger), c.Notifier, logger)
	c.Reconciler = reconciliation.NewRunner(c.Backend, c.Notifier, reconciliation.DefaultConfig(), logger)

	logger.Info("escrow policy",
		"manual_release_only", policy.ManualReleaseOnly,
		"fee_rate", policy.FeeRate.String(),
		"auto_release_hours", policy.AutoReleaseHours,
	)
	return c, nil
}

func newNotifier(cfg *config.Config, logger *slog.Logger, o coreOptions) *notify.Fanout {
	opts := []notify.Option{notify.WithAdmins(cfg.AdminUserIDs), notify.WithTimeout(cfg.NotifyTimeout)}
	switch {
	case o.sender != nil:
		opts = append(opts, notify.WithSender(o.sender))
	case cfg.NotifyRelayURL != "":
		opts = append(opts, notify.WithSender(notify.NewRelay(cfg.NotifyRelayURL, cfg.NotifyRelaySecret)))
	default:
		logger.Warn("NOTIFY_RELAY_URL not set, chat notifications disabled")
	}
	if o.publisher != nil {
		opts = append(opts, notify.WithPublisher(o.publisher))
	}
	if cfg.BrevoAPIKey != "" {
		opts = append(opts, notify.WithMailer(notify.NewBrevoMailer(cfg.BrevoAPIKey, cfg.AlertEmailFrom, cfg.AlertEmailTo)))
	}
	return notify.New(logger, opts...)
}

// Timer builds the sweep timer. The lease and pool recovery are attached
// when available.
func (c *Core) Timer() *escrow.Timer {
	opts := []escrow.TimerOption{
		escrow.WithSessionExpirer(c.Market),
		escrow.WithInterval(c.cfg.SweepInterval),
		escrow.WithBatchSize(c.cfg.SweepBatchSize),
	}
	if c.Lease != nil {
		opts = append(opts, escrow.WithLease(c.Lease))
	}
	if c.Postgres != nil {
		opts = append(opts, escrow.WithPool(c.Postgres))
	}
	return escrow.NewTimer(c.Escrows, c.Stores.Escrow, c.logger, opts...)
}

// ReconcileTimer builds the periodic reconciliation timer.
func (c *Core) ReconcileTimer() *reconciliation.Timer {
	return reconciliation.NewTimer(c.Reconciler, c.cfg.ReconcileInterval, c.logger)
}

// Close waits briefly for in-flight notifications and releases connections.
func (c *Core) Close() {
	if c.Notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), notifyDrainTimeout)
		if err := c.Notifier.Wait(ctx); err != nil {
			c.logger.Warn("notifications still in flight at shutdown", "error", err)
		}
		cancel()
	}
	if c.Lease != nil {
		if err := c.Lease.Close(); err != nil {
			c.logger.Error("redis close error", "error", err)
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(); err != nil {
			c.logger.Error("database close error", "error", err)
		} else {
			c.logger.Info("database connection closed")
		}
	}
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
