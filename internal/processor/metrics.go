package processor

import "github.com/prometheus/client_golang/prometheus"

var (
	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "processor",
		Name:      "calls_total",
		Help:      "Payment processor calls by processor, operation and result.",
	}, []string{"processor", "operation", "result"})

	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "processor",
		Name:      "call_duration_seconds",
		Help:      "Payment processor call latency per attempt.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"processor", "operation"})
)

func init() {
	prometheus.MustRegister(callsTotal, callDuration)
}

// resultLabel buckets a call outcome for metrics.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case isDeclined(err):
		return "declined"
	case isInvalid(err):
		return "invalid"
	case isUnavailable(err):
		return "unavailable"
	default:
		return "unknown"
	}
}
