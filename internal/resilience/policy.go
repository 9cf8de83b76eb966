// Package resilience wraps storage operations with retry and a circuit
// breaker, keeping failure handling orthogonal to the adapters themselves.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/common/metrics"
)

// ErrCircuitOpen is returned while the policy's circuit breaker rejects
// calls. It propagates immediately and is never retried.
var ErrCircuitOpen = errors.New("resilience: circuit is open")

// Classifier reports whether an error is transient and worth retrying.
type Classifier func(error) bool

// DefaultClassifier treats every error as transient except context
// cancellation and deadline expiry.
func DefaultClassifier(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Config controls a connection resilience policy.
type Config struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int

	// BaseDelay is the first retry delay. Each subsequent retry doubles it.
	BaseDelay time.Duration

	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration

	// Jitter adds up to this fraction of the computed delay (0..1).
	Jitter float64

	// FailureThreshold is the number of consecutive transient failures
	// that opens the circuit.
	FailureThreshold int

	// BreakDuration is how long the circuit stays open before a probe.
	BreakDuration time.Duration

	// Classifier decides which errors are transient. Nil means
	// DefaultClassifier.
	Classifier Classifier
}

// DefaultConfig returns the storage resilience defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		BaseDelay:        50 * time.Millisecond,
		MaxRetryDelay:    5 * time.Second,
		Jitter:           0.2,
		FailureThreshold: 5,
		BreakDuration:    30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("resilience: MaxRetries must be >= 0, got %d", c.MaxRetries)
	}
	if c.MaxRetries > 0 && c.BaseDelay <= 0 {
		return fmt.Errorf("resilience: BaseDelay must be positive, got %s", c.BaseDelay)
	}
	if c.MaxRetryDelay > 0 && c.MaxRetryDelay < c.BaseDelay {
		return fmt.Errorf("resilience: MaxRetryDelay %s is below BaseDelay %s", c.MaxRetryDelay, c.BaseDelay)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("resilience: Jitter must be in [0,1], got %g", c.Jitter)
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("resilience: FailureThreshold must be positive, got %d", c.FailureThreshold)
	}
	if c.BreakDuration <= 0 {
		return fmt.Errorf("resilience: BreakDuration must be positive, got %s", c.BreakDuration)
	}
	return nil
}

// Policy attempts operations with bounded exponential backoff on transient
// errors, behind a circuit breaker. Non-transient errors propagate
// immediately and count as breaker successes.
type Policy struct {
	name     string
	cfg      Config
	clk      clock.Clock
	classify Classifier
	cb       *gobreaker.CircuitBreaker
}

// NewPolicy creates a named resilience policy. The name labels metrics and
// log lines. A nil clock uses the system clock.
func NewPolicy(name string, cfg Config, clk clock.Clock) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	classify := cfg.Classifier
	if classify == nil {
		classify = DefaultClassifier
	}
	p := &Policy{name: name, cfg: cfg, clk: clk, classify: classify}
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.FailureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			slog.Warn("Storage circuit state change",
				"store", name, "from", from.String(), "to", to.String())
			metrics.StorageBreakerState.WithLabelValues(name).Set(breakerGaugeValue(to))
		},
	})
	return p, nil
}

func breakerGaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitBreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitBreakerHalfOpen
	default:
		return metrics.CircuitBreakerClosed
	}
}

// Do runs op under the policy. The operation label tags retry metrics.
func (p *Policy) Do(ctx context.Context, operation string, op func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		res, cbErr := p.cb.Execute(func() (any, error) {
			err := op()
			if err != nil && !p.classify(err) {
				// Permanent: surface it without tripping the breaker.
				return err, nil
			}
			return nil, err
		})
		if cbErr == nil {
			if res != nil {
				return res.(error)
			}
			return nil
		}
		if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, p.name)
		}

		lastErr = cbErr
		if attempt >= p.cfg.MaxRetries {
			return lastErr
		}
		metrics.StorageRetries.WithLabelValues(p.name, operation).Inc()
		slog.Debug("Retrying storage operation",
			"store", p.name, "operation", operation, "attempt", attempt+1, "error", cbErr)
		if !p.sleep(ctx, p.delay(attempt)) {
			return ctx.Err()
		}
	}
}

func (p *Policy) delay(attempt int) time.Duration {
	d := p.cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.cfg.MaxRetryDelay > 0 && d >= p.cfg.MaxRetryDelay {
			d = p.cfg.MaxRetryDelay
			break
		}
	}
	if p.cfg.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.cfg.Jitter * float64(d))
	}
	return d
}

func (p *Policy) sleep(ctx context.Context, delay time.Duration) bool {
	timer := p.clk.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C():
		return true
	case <-ctx.Done():
		return false
	}
}
