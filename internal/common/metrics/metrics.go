// Package metrics defines the Prometheus metrics exposed by the library.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics

	// PipelineOutcomes tracks processor outcomes by decorator and result.
	PipelineOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "pipeline",
			Name:      "outcomes_total",
			Help:      "Processor outcomes by message name and result",
		},
		[]string{"message", "result"}, // result: success, failure, skipped
	)

	// PipelineDuration tracks end-to-end chain duration per message name.
	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Time to run the full decorator chain",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"message"},
	)

	// PipelineRetries counts retry attempts by message name.
	PipelineRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "pipeline",
			Name:      "retries_total",
			Help:      "Retry attempts performed by the retry decorator",
		},
		[]string{"message"},
	)

	// CircuitBreakerState tracks breaker state per circuit.
	// 0 = closed, 1 = open, 2 = half-open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relaykit",
			Subsystem: "pipeline",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"circuit"},
	)

	// CircuitBreakerTrips counts transitions to the open state.
	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "pipeline",
			Name:      "circuit_breaker_trips_total",
			Help:      "Number of times a circuit breaker tripped open",
		},
		[]string{"circuit"},
	)

	// IdempotencyHits counts idempotency cache hits and misses.
	IdempotencyHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "idempotency",
			Name:      "lookups_total",
			Help:      "Idempotency store lookups by result",
		},
		[]string{"result"}, // hit, miss
	)

	// BatchSize observes dispatched batch sizes.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "pipeline",
			Name:      "batch_size",
			Help:      "Number of messages per dispatched batch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// Dispatch metrics

	// DispatchHandlerFailures counts handler failures by message name.
	DispatchHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "dispatch",
			Name:      "handler_failures_total",
			Help:      "Handler failures observed by the dispatcher",
		},
		[]string{"message"},
	)

	// Queue metrics

	// QueueDepth tracks per-queue depth.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relaykit",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of visible messages in the queue",
		},
		[]string{"queue"},
	)

	// QueueEnqueued counts enqueued messages by queue and result.
	QueueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Messages enqueued by queue and result",
		},
		[]string{"queue", "result"}, // accepted, dropped
	)

	// QueueRedeliveries counts lease-expiry redeliveries.
	QueueRedeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "queue",
			Name:      "redeliveries_total",
			Help:      "Messages made visible again after lease expiry",
		},
		[]string{"queue"},
	)

	// QueueRateLimitRejections counts rate-limited consumer reads.
	QueueRateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "queue",
			Name:      "rate_limit_rejections_total",
			Help:      "Consumer reads deferred due to rate limiting",
		},
		[]string{"queue"},
	)

	// Outbox metrics

	// OutboxEntriesProcessed counts terminal outbox transitions.
	OutboxEntriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "outbox",
			Name:      "entries_processed_total",
			Help:      "Outbox entries by terminal result",
		},
		[]string{"result"}, // processed, retried, failed
	)

	// OutboxPollDuration observes poll cycle duration.
	OutboxPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "outbox",
			Name:      "poll_duration_seconds",
			Help:      "Duration of a single outbox poll cycle",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// OutboxPendingEntries gauges the pending backlog.
	OutboxPendingEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relaykit",
			Subsystem: "outbox",
			Name:      "pending_entries",
			Help:      "Pending outbox entries at last poll",
		},
	)

	// OutboxReclaimedEntries counts lease reclaims.
	OutboxReclaimedEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "outbox",
			Name:      "reclaimed_entries_total",
			Help:      "Entries reclaimed after a processing lease expired",
		},
	)

	// Inbox metrics

	// InboxMessages counts inbox results.
	InboxMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "inbox",
			Name:      "messages_total",
			Help:      "Inbox results by outcome",
		},
		[]string{"result"}, // processed, duplicate, failed
	)

	// InboxCleanupRemoved counts entries purged by retention cleanup.
	InboxCleanupRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "inbox",
			Name:      "cleanup_removed_total",
			Help:      "Processed inbox entries removed by retention cleanup",
		},
	)

	// Saga metrics

	// SagaTransitions counts state transitions by saga type.
	SagaTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "saga",
			Name:      "transitions_total",
			Help:      "Saga state transitions by saga type and action",
		},
		[]string{"saga", "action"}, // transition, complete, compensate
	)

	// SagaConcurrencyRetries counts version-conflict retries.
	SagaConcurrencyRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "saga",
			Name:      "concurrency_retries_total",
			Help:      "Saga saves retried after an optimistic concurrency clash",
		},
		[]string{"saga"},
	)

	// SagaTimeouts counts delivered timeout events.
	SagaTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "saga",
			Name:      "timeouts_total",
			Help:      "Synthetic timeout events delivered to sagas",
		},
		[]string{"saga"},
	)

	// Scheduler metrics

	// SchedulerDelivered counts delivered scheduled messages.
	SchedulerDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "scheduler",
			Name:      "delivered_total",
			Help:      "Scheduled messages delivered",
		},
	)

	// SchedulerCancelled counts cancelled scheduled messages.
	SchedulerCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "scheduler",
			Name:      "cancelled_total",
			Help:      "Scheduled messages cancelled before delivery",
		},
	)

	// SchedulerReclaimed counts delivering claims recovered after expiry.
	SchedulerReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "scheduler",
			Name:      "reclaimed_total",
			Help:      "Scheduled messages reclaimed after a delivery claim expired",
		},
	)

	// Storage resilience metrics

	// StorageRetries counts retried storage operations by store and op.
	StorageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "storage",
			Name:      "retries_total",
			Help:      "Storage operations retried after a transient failure",
		},
		[]string{"store", "operation"},
	)

	// StorageBreakerState exposes the storage circuit state per store.
	StorageBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relaykit",
			Subsystem: "storage",
			Name:      "circuit_state",
			Help:      "Storage circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"store"},
	)

	// DLQ metrics

	// DeadLettersTotal counts dead-lettered messages by component.
	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "dlq",
			Name:      "dead_letters_total",
			Help:      "Messages sent to the dead letter store by component",
		},
		[]string{"component"},
	)
)

// Circuit breaker state values for CircuitBreakerState.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
