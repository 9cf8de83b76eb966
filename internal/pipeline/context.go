package pipeline

import (
	"context"
	"sync"

	"go.relaykit.dev/internal/message"
)

// KeyFunc derives an idempotency key from an envelope. The default uses
// the message ID.
type KeyFunc func(env *message.Envelope) string

// DefaultKeyFunc keys by the producer-assigned message ID.
func DefaultKeyFunc(env *message.Envelope) string {
	return env.ID
}

// Context carries per-invocation state through the decorator chain:
// correlation ids, a scoped mapping for decorator-local values, the
// idempotency key generator, and the ambient transaction. Cancellation
// and deadlines travel on the context.Context passed to Process.
type Context struct {
	// CorrelationID and CausationID mirror the envelope for decorators
	// that emit derived messages.
	CorrelationID string
	CausationID   string

	// Key derives the idempotency cache key. Never nil after NewContext.
	Key KeyFunc

	mu     sync.Mutex
	values map[string]any

	// ambient transaction, owned by the transaction decorator
	tx UnitOfWork
}

// NewContext creates a processing context for an envelope.
func NewContext(env *message.Envelope) *Context {
	pc := &Context{
		Key:    DefaultKeyFunc,
		values: make(map[string]any),
	}
	if env != nil {
		pc.CorrelationID = env.CorrelationID
		pc.CausationID = env.CausationID
	}
	return pc
}

// Get returns a decorator-local value.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores a decorator-local value and returns a restore function that
// reinstates the previous value. Decorators that mutate context state must
// defer the restore so the state is unwound on exit.
func (c *Context) Set(key string, value any) (restore func()) {
	c.mu.Lock()
	prev, had := c.values[key]
	c.values[key] = value
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if had {
			c.values[key] = prev
		} else {
			delete(c.values, key)
		}
	}
}

// UnitOfWorkOf returns the ambient transaction, or nil outside one.
func (c *Context) UnitOfWorkOf() UnitOfWork {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx
}

func (c *Context) setUnitOfWork(tx UnitOfWork) (restore func()) {
	c.mu.Lock()
	prev := c.tx
	c.tx = tx
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.tx = prev
	}
}

// Processor is the single operation every pipeline stage implements.
// Implementations must honour ctx cancellation at suspension points and
// return Failure(Cancelled) when it fires.
type Processor interface {
	Process(ctx context.Context, env *message.Envelope, pc *Context) Outcome
}

// Func adapts a function to the Processor interface.
type Func func(ctx context.Context, env *message.Envelope, pc *Context) Outcome

// Process implements Processor.
func (f Func) Process(ctx context.Context, env *message.Envelope, pc *Context) Outcome {
	return f(ctx, env, pc)
}

// cancelledOutcome is the shared short-circuit for a fired context.
func cancelledOutcome(ctx context.Context) (Outcome, bool) {
	select {
	case <-ctx.Done():
		return FromError(ctx.Err(), FailureCancelled), true
	default:
		return Outcome{}, false
	}
}
