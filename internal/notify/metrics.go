package notify

import "github.com/prometheus/client_golang/prometheus"

var (
	notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "notify",
		Name:      "notifications_total",
		Help:      "Notifications dispatched by kind.",
	}, []string{"kind"})

	deliveryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "notify",
		Name:      "delivery_errors_total",
		Help:      "Failed sink deliveries by sink.",
	}, []string{"sink"})

	deliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "notify",
		Name:      "delivery_duration_seconds",
		Help:      "Sink delivery latency.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(notificationsTotal, deliveryErrors, deliveryDuration)
}
