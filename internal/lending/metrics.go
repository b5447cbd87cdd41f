package lending

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/lendingops/internal/domain"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_operations_total",
		Help: "Lending operations processed, labeled by outcome",
	}, []string{"operation", "outcome"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lending_operation_duration_seconds",
		Help:    "Latency of lending operations including retries",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"operation"})

	conflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_conflict_retries_total",
		Help: "Transactions retried after a concurrency conflict",
	}, []string{"operation"})
)

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, domain.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, domain.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, domain.ErrInvalidTargetStatus):
		return "invalid_target"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, domain.ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "error"
	}
}
