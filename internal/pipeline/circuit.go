package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/message"
)

// CircuitConfig controls the circuit breaker decorator.
type CircuitConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// BreakDuration is how long the circuit stays open before a probe
	// is allowed through.
	BreakDuration time.Duration

	// SamplingDuration is the window after which the closed-state failure
	// counts reset.
	SamplingDuration time.Duration
}

// DefaultCircuitConfig returns the circuit breaker defaults.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		BreakDuration:    30 * time.Second,
		SamplingDuration: 60 * time.Second,
	}
}

// Validate checks the configuration.
func (c CircuitConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return configErrorf("circuit: FailureThreshold must be positive, got %d", c.FailureThreshold)
	}
	if c.BreakDuration <= 0 {
		return configErrorf("circuit: BreakDuration must be positive, got %s", c.BreakDuration)
	}
	return nil
}

// circuitDecorator fails fast with FailureCircuitOpen while the breaker is
// open. Success and permanent-failure outcomes count as breaker successes;
// only transient and timeout failures feed the trip counter, so a stream of
// validation failures never opens the circuit.
type circuitDecorator struct {
	name  string
	cb    *gobreaker.CircuitBreaker
	inner Processor
}

func newCircuitDecorator(name string, cfg CircuitConfig, inner Processor) *circuitDecorator {
	d := &circuitDecorator{name: name, inner: inner}
	d.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.SamplingDuration,
		Timeout:     cfg.BreakDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.FailureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateGaugeValue(to))
			if to == gobreaker.StateOpen {
				metrics.CircuitBreakerTrips.WithLabelValues(name).Inc()
			}
		},
	})
	return d
}

func stateGaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitBreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitBreakerHalfOpen
	default:
		return metrics.CircuitBreakerClosed
	}
}

// errOutcomeFailure marks breaker-visible failures so the outcome survives
// the Execute round trip.
type errOutcome struct {
	outcome Outcome
}

func (e *errOutcome) Error() string { return e.outcome.Message }

func (d *circuitDecorator) Process(ctx context.Context, env *message.Envelope, pc *Context) Outcome {
	result, err := d.cb.Execute(func() (any, error) {
		out := d.inner.Process(ctx, env, pc)
		if out.IsFailure() && countsAsBreakerFailure(out.Kind) {
			return nil, &errOutcome{outcome: out}
		}
		return out, nil
	})
	if err != nil {
		var wrapped *errOutcome
		if errors.As(err, &wrapped) {
			return wrapped.outcome
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Failuref(FailureCircuitOpen, "circuit %q is open", d.name)
		}
		return FromError(err, FailureTransient)
	}
	return result.(Outcome)
}

func countsAsBreakerFailure(kind FailureKind) bool {
	return kind == FailureTransient || kind == FailureTimeout
}
