// Command worker runs the escrow sweep (auto-release of held escrows past
// their deadline, then session timeouts) and periodic reconciliation.
//
// Usage:
//
//	worker          # sweep every SWEEP_INTERVAL until SIGINT/SIGTERM
//	worker -once    # run a single cycle and exit
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/velvetrooms/escrowd/internal/config"
	"github.com/velvetrooms/escrowd/internal/logging"
	"github.com/velvetrooms/escrowd/internal/server"
)

func main() {
	once := flag.Bool("once", false, "run one sweep cycle and exit")
	flag.Parse()

	logger := logging.New("info", "text")
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat).With("component", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := server.NewCore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	timer := core.Timer()
	if *once {
		res, err := timer.Sweep(ctx)
		if err != nil {
			logger.Error("sweep failed", "error", err)
			os.Exit(1)
		}
		logger.Info("sweep finished",
			"released", res.Released,
			"failed", res.Failed,
			"expired", res.Expired,
			"skipped", res.Skipped,
		)
		report, err := core.Reconciler.RunAll(ctx)
		if err != nil {
			logger.Error("reconciliation failed", "error", err)
			os.Exit(1)
		}
		logger.Info("reconciliation finished",
			"healthy", report.Healthy,
			"orphaned_payments", len(report.OrphanedPayments),
			"overdue_escrows", len(report.OverdueEscrows),
			"stale_disputes", len(report.StaleDisputes),
		)
		return
	}

	checks := core.ReconcileTimer()
	go checks.Start(ctx)
	defer checks.Stop()

	logger.Info("sweep worker started", "interval", cfg.SweepInterval, "batch_size", cfg.SweepBatchSize)
	timer.Start(ctx)
	logger.Info("sweep worker stopped")
}
