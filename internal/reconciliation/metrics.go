package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "veloracoin",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation passes in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "veloracoin",
		Subsystem: "reconciliation",
		Name:      "escrows_scanned_total",
		Help:      "Open escrows examined across all reconciliation passes.",
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "veloracoin",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Store or ledger read errors during reconciliation.",
	})

	reconcileLastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veloracoin",
		Subsystem: "reconciliation",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time of the most recent completed reconciliation pass.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileDuration,
		reconcileScanned,
		reconcileErrors,
		reconcileLastRun,
	)
}
