// Package repository carries the shared storage-layer vocabulary: the
// common error sentinels and the instrumentation wrapper the Mongo-backed
// stores run their operations through.
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dbOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "db",
			Name:      "operation_duration_seconds",
			Help:      "Database operation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"collection", "operation"},
	)

	dbOperationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "db",
			Name:      "operations_total",
			Help:      "Total database operations",
		},
		[]string{"collection", "operation", "result"},
	)

	dbOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "db",
			Name:      "operation_errors_total",
			Help:      "Database operation errors by type",
		},
		[]string{"collection", "operation", "error_type"},
	)
)

// SlowQueryThreshold is the duration above which a successful operation is
// logged as slow.
const SlowQueryThreshold = 100 * time.Millisecond

// Instrument runs a storage operation and records its duration, result
// counters, and error classification. Slow successes and all failures are
// logged.
func Instrument[T any](ctx context.Context, collection, operation string, fn func() (T, error)) (T, error) {
	start := time.Now()
	result, err := fn()
	elapsed := time.Since(start)

	dbOperationDuration.WithLabelValues(collection, operation).Observe(elapsed.Seconds())

	if err != nil {
		dbOperationTotal.WithLabelValues(collection, operation, "error").Inc()
		dbOperationErrors.WithLabelValues(collection, operation, errorType(err)).Inc()
		slog.Error("Storage operation failed",
			"collection", collection,
			"operation", operation,
			"duration_ms", elapsed.Milliseconds(),
			"error", err)
		return result, err
	}

	dbOperationTotal.WithLabelValues(collection, operation, "success").Inc()
	if elapsed > SlowQueryThreshold {
		slog.Warn("Slow storage operation",
			"collection", collection,
			"operation", operation,
			"duration_ms", elapsed.Milliseconds())
	}
	return result, nil
}

// InstrumentVoid is Instrument for operations that return only an error.
func InstrumentVoid(ctx context.Context, collection, operation string, fn func() error) error {
	_, err := Instrument(ctx, collection, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// errorType maps an error onto a bounded metric label.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateKey):
		return "duplicate_key"
	case errors.Is(err, ErrOptimisticLock):
		return "optimistic_lock"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
