package pipeline

import (
	"context"
	"math/rand"
	"time"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/message"
)

// RetryConfig controls the retry decorator.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first. 0 disables retry.
	MaxRetries int

	// BaseDelay is the first retry delay. Each subsequent retry doubles it.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Jitter adds up to this fraction of the computed delay (0..1).
	Jitter float64
}

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Jitter:     0.2,
	}
}

// Validate checks the configuration.
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return configErrorf("retry: MaxRetries must be >= 0, got %d", c.MaxRetries)
	}
	if c.MaxRetries > 0 && c.BaseDelay <= 0 {
		return configErrorf("retry: BaseDelay must be positive, got %s", c.BaseDelay)
	}
	if c.MaxDelay > 0 && c.MaxDelay < c.BaseDelay {
		return configErrorf("retry: MaxDelay %s is below BaseDelay %s", c.MaxDelay, c.BaseDelay)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return configErrorf("retry: Jitter must be in [0,1], got %g", c.Jitter)
	}
	return nil
}

// Delay returns the backoff before retry attempt n (0-based), without jitter.
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if c.MaxDelay > 0 && d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// retryDecorator re-invokes the inner processor on transient failures with
// exponential backoff. Permanent, validation, and concurrency failures pass
// through untouched: only FailureKind.IsTransient outcomes are retried.
type retryDecorator struct {
	cfg   RetryConfig
	clk   clock.Clock
	inner Processor
}

func newRetryDecorator(cfg RetryConfig, clk clock.Clock, inner Processor) *retryDecorator {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &retryDecorator{cfg: cfg, clk: clk, inner: inner}
}

func (d *retryDecorator) Process(ctx context.Context, env *message.Envelope, pc *Context) Outcome {
	outcome := d.inner.Process(ctx, env, pc)

	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		if !outcome.IsFailure() || !outcome.Kind.IsTransient() {
			return outcome
		}

		metrics.PipelineRetries.WithLabelValues(env.Name).Inc()

		delay := d.cfg.Delay(attempt)
		if d.cfg.Jitter > 0 {
			delay += time.Duration(rand.Float64() * d.cfg.Jitter * float64(delay))
		}
		if !d.sleep(ctx, delay) {
			return FromError(ctx.Err(), FailureCancelled)
		}

		outcome = d.inner.Process(ctx, env, pc)
	}
	return outcome
}

// sleep waits for d or until the context fires. Returns false on cancellation.
func (d *retryDecorator) sleep(ctx context.Context, delay time.Duration) bool {
	timer := d.clk.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C():
		return true
	case <-ctx.Done():
		return false
	}
}
