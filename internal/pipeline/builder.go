package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/idempotency"
	"go.relaykit.dev/internal/message"
)

// ConfigError reports an invalid pipeline configuration detected at build
// time. Build never returns a partially-configured chain.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// Builder assembles a decorator chain around a handler processor. The
// canonical composition order, outermost first, is validation,
// idempotency, batching, retry, circuit breaker, transaction, handler.
// Decorators not configured are omitted from the chain. The built chain
// is immutable; the builder may be reused.
type Builder struct {
	clk        clock.Clock
	validators []Validator

	idemCfg   *IdempotencyConfig
	idemStore idempotency.Store

	batchCfg *BatchConfig

	retryCfg *RetryConfig

	circuitName string
	circuitCfg  *CircuitConfig

	txFactory UnitOfWorkFactory
	isolation IsolationLevel
}

// NewBuilder creates an empty pipeline builder.
func NewBuilder() *Builder {
	return &Builder{clk: clock.NewSystem()}
}

// WithClock overrides the time source used by time-driven decorators.
func (b *Builder) WithClock(clk clock.Clock) *Builder {
	b.clk = clk
	return b
}

// WithValidation adds validators run before anything else in the chain.
func (b *Builder) WithValidation(validators ...Validator) *Builder {
	b.validators = append(b.validators, validators...)
	return b
}

// WithIdempotency enables the idempotency decorator backed by the store.
func (b *Builder) WithIdempotency(cfg IdempotencyConfig, store idempotency.Store) *Builder {
	b.idemCfg = &cfg
	b.idemStore = store
	return b
}

// WithRetry enables the retry decorator.
func (b *Builder) WithRetry(cfg RetryConfig) *Builder {
	b.retryCfg = &cfg
	return b
}

// WithBatching enables the batching decorator.
func (b *Builder) WithBatching(cfg BatchConfig) *Builder {
	b.batchCfg = &cfg
	return b
}

// WithCircuitBreaker enables the circuit breaker decorator. The name
// identifies the circuit in logs and metrics.
func (b *Builder) WithCircuitBreaker(name string, cfg CircuitConfig) *Builder {
	b.circuitName = name
	b.circuitCfg = &cfg
	return b
}

// WithTransactions enables the transaction decorator.
func (b *Builder) WithTransactions(factory UnitOfWorkFactory, isolation IsolationLevel) *Builder {
	b.txFactory = factory
	b.isolation = isolation
	return b
}

// Build assembles the chain around the handler. Configuration problems
// return a ConfigError and no chain.
func (b *Builder) Build(handler Processor) (Processor, error) {
	if handler == nil {
		return nil, configErrorf("pipeline: handler must not be nil")
	}
	if b.idemCfg != nil {
		if b.idemStore == nil {
			return nil, configErrorf("idempotency: store must not be nil")
		}
		if err := b.idemCfg.Validate(); err != nil {
			return nil, err
		}
	}
	if b.batchCfg != nil {
		if err := b.batchCfg.Validate(); err != nil {
			return nil, err
		}
	}
	if b.retryCfg != nil {
		if err := b.retryCfg.Validate(); err != nil {
			return nil, err
		}
	}
	if b.circuitCfg != nil {
		if err := b.circuitCfg.Validate(); err != nil {
			return nil, err
		}
		if b.circuitName == "" {
			return nil, configErrorf("circuit: name must not be empty")
		}
	}

	// Wrap inside-out so the declared order holds outermost-first.
	chain := handler
	if b.txFactory != nil {
		chain = newTransactionDecorator(b.txFactory, b.isolation, chain)
	}
	if b.circuitCfg != nil {
		chain = newCircuitDecorator(b.circuitName, *b.circuitCfg, chain)
	}
	if b.retryCfg != nil {
		chain = newRetryDecorator(*b.retryCfg, b.clk, chain)
	}
	if b.batchCfg != nil {
		chain = newBatchDecorator(*b.batchCfg, b.clk, chain)
	}
	if b.idemCfg != nil {
		chain = newIdempotencyDecorator(*b.idemCfg, b.idemStore, chain)
	}
	chain = newValidationDecorator(b.validators, chain)
	return &instrumentedProcessor{clk: b.clk, inner: chain}, nil
}

// instrumentedProcessor is the implicit outermost stage recording outcome
// counts and chain duration.
type instrumentedProcessor struct {
	clk   clock.Clock
	inner Processor
}

func (p *instrumentedProcessor) Process(ctx context.Context, env *message.Envelope, pc *Context) Outcome {
	start := time.Now()
	outcome := p.inner.Process(ctx, env, pc)

	name := "unknown"
	if env != nil {
		name = env.Name
	}
	metrics.PipelineOutcomes.WithLabelValues(name, outcome.ResultLabel()).Inc()
	metrics.PipelineDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return outcome
}
