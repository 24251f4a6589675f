package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	passesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "reconcile",
		Name:      "passes_total",
		Help:      "Reconciliation passes by outcome (clean, partial).",
	}, []string{"outcome"})

	passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowsync",
		Subsystem: "reconcile",
		Name:      "pass_duration_seconds",
		Help:      "Duration of reconciliation passes in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	storeWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "reconcile",
		Name:      "store_writes_total",
		Help:      "Deal record writes by result (ok, error, superseded).",
	}, []string{"result"})

	readErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "reconcile",
		Name:      "read_errors_total",
		Help:      "Failed remote reads by source.",
	}, []string{"source"})

	anomalies = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "reconcile",
		Name:      "anomalies_total",
		Help:      "Unknown on-chain status codes defaulted to created.",
	})

	escrowsLocated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "reconcile",
		Name:      "escrows_located_total",
		Help:      "Escrow contracts discovered through the factory registry.",
	})
)

func init() {
	prometheus.MustRegister(
		passesTotal,
		passDuration,
		storeWrites,
		readErrors,
		anomalies,
		escrowsLocated,
	)
}
