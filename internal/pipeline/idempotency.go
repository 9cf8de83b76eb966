package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/idempotency"
	"go.relaykit.dev/internal/message"
)

// IdempotencyConfig controls the idempotency decorator.
type IdempotencyConfig struct {
	// SuccessTtl is how long successful outcomes stay cached.
	SuccessTtl time.Duration

	// FailureTtl is how long failed outcomes stay cached when
	// CacheFailures is enabled.
	FailureTtl time.Duration

	// CacheFailures caches permanent failures so redeliveries fail fast
	// instead of re-running a handler that cannot succeed. Transient
	// failures are never cached.
	CacheFailures bool
}

// DefaultIdempotencyConfig returns the idempotency defaults.
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		SuccessTtl:    24 * time.Hour,
		FailureTtl:    time.Hour,
		CacheFailures: false,
	}
}

// Validate checks the configuration.
func (c IdempotencyConfig) Validate() error {
	if c.SuccessTtl <= 0 {
		return configErrorf("idempotency: SuccessTtl must be positive, got %s", c.SuccessTtl)
	}
	if c.CacheFailures && c.FailureTtl <= 0 {
		return configErrorf("idempotency: FailureTtl must be positive when CacheFailures is set, got %s", c.FailureTtl)
	}
	return nil
}

// idempotencyDecorator returns the recorded outcome for a key it has seen
// before, and records the inner outcome otherwise. Cache read or write
// errors degrade to processing without the cache rather than failing the
// message.
type idempotencyDecorator struct {
	cfg   IdempotencyConfig
	store idempotency.Store
	inner Processor
}

func newIdempotencyDecorator(cfg IdempotencyConfig, store idempotency.Store, inner Processor) *idempotencyDecorator {
	return &idempotencyDecorator{cfg: cfg, store: store, inner: inner}
}

func (d *idempotencyDecorator) Process(ctx context.Context, env *message.Envelope, pc *Context) Outcome {
	if out, done := cancelledOutcome(ctx); done {
		return out
	}

	key := pc.Key(env)

	rec, err := d.store.Get(ctx, key)
	if err != nil {
		slog.Warn("Idempotency cache read failed, processing without cache",
			"key", key, "error", err)
	}
	if rec != nil {
		metrics.IdempotencyHits.WithLabelValues("hit").Inc()
		if rec.Success {
			return Success(rec.Value)
		}
		return Failuref(failureKindFromString(rec.FailureKind), "%s", rec.FailureMessage)
	}
	metrics.IdempotencyHits.WithLabelValues("miss").Inc()

	outcome := d.inner.Process(ctx, env, pc)

	switch {
	case outcome.IsSuccess():
		if err := d.store.StoreSuccess(ctx, key, outcome.Value, d.cfg.SuccessTtl); err != nil {
			slog.Warn("Idempotency cache write failed", "key", key, "error", err)
		}
	case outcome.IsFailure() && d.cfg.CacheFailures && cacheableFailure(outcome.Kind):
		if err := d.store.StoreFailure(ctx, key, outcome.Kind.String(), outcome.Message, d.cfg.FailureTtl); err != nil {
			slog.Warn("Idempotency cache write failed", "key", key, "error", err)
		}
	}
	return outcome
}

// cacheableFailure excludes kinds a redelivery could legitimately resolve.
func cacheableFailure(kind FailureKind) bool {
	switch kind {
	case FailureTransient, FailureTimeout, FailureCancelled, FailureCircuitOpen, FailureConcurrency:
		return false
	default:
		return true
	}
}

// failureKindFromString reverses FailureKind.String for cached records.
func failureKindFromString(s string) FailureKind {
	for k := FailureValidation; k <= FailureConfiguration; k++ {
		if k.String() == s {
			return k
		}
	}
	return FailurePermanent
}
