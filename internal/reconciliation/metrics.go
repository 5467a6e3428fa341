package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileOpenCommits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "open_commits",
		Help:      "Open pending commits left after the last reconciliation run.",
	})

	reconcileResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "resolved_total",
		Help:      "Pending commits settled by reconciliation, by kind.",
	}, []string{"kind"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Pending commits that could not be settled, by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		reconcileOpenCommits,
		reconcileResolved,
		reconcileDuration,
		reconcileErrors,
	)
}
