package escrow

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	escrowsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "created_total",
		Help:      "Escrows created.",
	})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Committed escrow transitions by operation.",
	}, []string{"operation"})

	operationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "operation_errors_total",
		Help:      "Rejected or failed escrow operations by operation and error kind.",
	}, []string{"operation", "kind"})

	operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "operation_duration_seconds",
		Help:      "Escrow operation latency including the processor call.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})

	amountTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "amount_total",
		Help:      "Money moved through escrow by kind (funded, released, refunded, fees).",
	}, []string{"kind"})

	reconciliationRequired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "reconciliation_required_total",
		Help:      "Operations that left money and ledger out of step, by journal kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(escrowsCreated, transitionsTotal, operationErrors,
		operationDuration, amountTotal, reconciliationRequired)
}

// ErrorKind classifies an error for metrics and API responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrReconciliationRequired):
		return "reconciliation_required"
	case errors.Is(err, ErrReconciliationPending):
		return "reconciliation_pending"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrEscrowNotFound), errors.Is(err, ErrContractNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrProcessorFailure):
		return "processor_failure"
	}
	return "internal"
}

func observeError(op string, err error) {
	operationErrors.WithLabelValues(op, ErrorKind(err)).Inc()
}

func observeAmount(kind, amount string) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return
	}
	f, _ := d.Float64()
	amountTotal.WithLabelValues(kind).Add(f)
}
