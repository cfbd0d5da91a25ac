package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileOrphanedPayments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "orphaned_payments",
		Help:      "Completed transactions without an escrow in the last reconciliation run.",
	})

	reconcileOverdueEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "overdue_escrows",
		Help:      "Held escrows past their auto-release deadline plus grace in the last run.",
	})

	reconcileStaleDisputes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "stale_disputes",
		Help:      "Disputed escrows left open past the dispute age in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileOrphanedPayments,
		reconcileOverdueEscrows,
		reconcileStaleDisputes,
		reconcileDuration,
		reconcileErrors,
	)
}
