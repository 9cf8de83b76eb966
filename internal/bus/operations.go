package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.relaykit.dev/internal/convert"
	"go.relaykit.dev/internal/dispatch"
	"go.relaykit.dev/internal/dlq"
	"go.relaykit.dev/internal/inbox"
	"go.relaykit.dev/internal/message"
	"go.relaykit.dev/internal/outbox"
	"go.relaykit.dev/internal/pipeline"
	"go.relaykit.dev/internal/queue"
	"go.relaykit.dev/internal/saga"
	"go.relaykit.dev/internal/scheduler"
)

// RegisterCommand registers the single handler for a command name.
func (b *Bus) RegisterCommand(name string, h dispatch.Handler) error {
	return b.registry.RegisterCommand(name, h)
}

// RegisterQuery registers the single handler for a query name.
func (b *Bus) RegisterQuery(name string, h dispatch.Handler) error {
	return b.registry.RegisterQuery(name, h)
}

// SubscribeEvent adds a handler for an event name.
func (b *Bus) SubscribeEvent(name string, h dispatch.EventHandler) error {
	return b.registry.SubscribeEvent(name, h)
}

// RegisterSaga adds a saga definition to the orchestrator.
func (b *Bus) RegisterSaga(def *saga.Definition) error {
	return b.sagas.Register(def)
}

// SetSagaTimeout sets the per-type timeout defaults.
func (b *Bus) SetSagaTimeout(sagaType string, opts saga.TimeoutOptions) {
	b.sagas.SetTimeoutOptions(sagaType, opts)
}

// RegisterConversion adds a payload conversion between two schema versions
// of a message name.
func (b *Bus) RegisterConversion(name string, from, to int, fn convert.Func) error {
	return b.conversions.Register(name, from, to, fn)
}

// Convert rewrites an envelope to the target schema version.
func (b *Bus) Convert(ctx context.Context, env *message.Envelope, target int) (*message.Envelope, error) {
	return b.conversions.Convert(ctx, env, target)
}

// Compatible reports whether a handler at handlerVersion accepts a message
// at msgVersion under the configured compatibility mode.
func (b *Bus) Compatible(handlerVersion, msgVersion int) bool {
	return b.compat.Accepts(handlerVersion, msgVersion)
}

// Send dispatches a command through the pipeline to its handler.
func (b *Bus) Send(ctx context.Context, env *message.Envelope) pipeline.Outcome {
	return b.mediator.Send(ctx, env)
}

// Query dispatches a query and returns the handler result in the outcome.
func (b *Bus) Query(ctx context.Context, env *message.Envelope) pipeline.Outcome {
	return b.mediator.Query(ctx, env)
}

// Publish delivers an event to all subscribers and any matching sagas.
// The outcome aggregates individual handler failures.
func (b *Bus) Publish(ctx context.Context, env *message.Envelope) pipeline.Outcome {
	if env == nil {
		return pipeline.Failuref(pipeline.FailureValidation, "nil message")
	}
	return b.publish(ctx, env)
}

// PublishToOutbox stages an event for asynchronous publication. The entry
// is dispatched by the outbox processor after the surrounding storage
// transaction, if any, commits.
func (b *Bus) PublishToOutbox(ctx context.Context, env *message.Envelope, opts outbox.AddOptions) (*outbox.Entry, error) {
	if b.outboxStore == nil {
		return nil, fmt.Errorf("bus: outbox is not enabled")
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = b.cfg.Outbox.MaxRetries
	}
	return b.outboxStore.Add(ctx, env, opts)
}

// RegisterQueue creates a named queue with explicit settings. Queues used
// without prior registration get the configured defaults.
func (b *Bus) RegisterQueue(cfg queue.Config) (queue.Queue, error) {
	return b.queues.Register(cfg)
}

// Enqueue adds a message to the named queue, creating the queue with the
// configured defaults on first use.
func (b *Bus) Enqueue(ctx context.Context, queueName string, env *message.Envelope, opts ...queue.EnqueueOption) error {
	q, err := b.ensureQueue(queueName)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, env, opts...)
}

// StartQueue launches the consumers of the named queue. Deliveries are
// dispatched by kind; transient failures are nacked for redelivery while
// permanent failures are dead-lettered and acked.
func (b *Bus) StartQueue(queueName string) error {
	if _, err := b.ensureQueue(queueName); err != nil {
		return err
	}
	return b.queues.StartQueue(queueName, func(ctx context.Context, d *queue.Delivery) error {
		out := b.dispatchByKind(ctx, d.Env)
		if !out.IsFailure() {
			return nil
		}
		if out.Kind.IsTransient() || out.Kind == pipeline.FailureCircuitOpen {
			return out.Error()
		}
		if _, err := b.deadLetters.SendToDeadLetter(ctx, d.Env, dlq.FailureContext{
			Reason:     out.Message,
			Component:  "queue:" + queueName,
			RetryCount: d.Attempt,
			Cause:      out.Cause,
		}); err != nil {
			slog.Error("Failed to dead-letter queue message",
				"queue", queueName, "messageId", d.Env.ID, "error", err)
		}
		return nil
	})
}

// StopQueue halts the consumers of the named queue. The queue keeps
// accepting messages.
func (b *Bus) StopQueue(queueName string) error {
	return b.queues.StopQueue(queueName)
}

// ProcessIncoming records an externally received message in the inbox,
// deduplicates it, and dispatches new messages by kind. Nil options use
// the configured inbox defaults.
func (b *Bus) ProcessIncoming(ctx context.Context, env *message.Envelope, opts *inbox.Options) pipeline.Outcome {
	if b.inboxProc == nil {
		return pipeline.Failuref(pipeline.FailureConfiguration, "inbox is not enabled")
	}
	return b.inboxProc.ProcessIncoming(ctx, env, opts)
}

// Schedule registers a message for delivery at the given time and returns
// its schedule id.
func (b *Bus) Schedule(ctx context.Context, env *message.Envelope, at time.Time, opts scheduler.Options) (string, error) {
	if b.sched == nil {
		return "", fmt.Errorf("bus: scheduler is not enabled")
	}
	return b.sched.Schedule(ctx, env, at, opts)
}

// CancelScheduled withdraws a scheduled message. Cancellation is advisory:
// a message already claimed for delivery may still be delivered.
func (b *Bus) CancelScheduled(ctx context.Context, id string) (bool, error) {
	if b.sched == nil {
		return false, fmt.Errorf("bus: scheduler is not enabled")
	}
	return b.sched.Cancel(ctx, id)
}

// OutboxStore exposes the outbox store for the monitoring surface. Nil
// when the outbox is disabled.
func (b *Bus) OutboxStore() outbox.Store {
	return b.outboxStore
}

// DeadLetters exposes the dead letter store.
func (b *Bus) DeadLetters() dlq.Store {
	return b.deadLetters
}

// QueueStats snapshots every registered queue.
func (b *Bus) QueueStats() []queue.QueueStats {
	return b.queues.Stats()
}

// ensureQueue returns the named queue, registering it with the configured
// defaults when missing. A registration race resolves to the winner.
func (b *Bus) ensureQueue(name string) (queue.Queue, error) {
	if q, ok := b.queues.Get(name); ok {
		return q, nil
	}
	q, err := b.queues.Register(b.queueConfig(name))
	if err != nil {
		if existing, ok := b.queues.Get(name); ok {
			return existing, nil
		}
		return nil, err
	}
	return q, nil
}

// queueConfig maps the queue configuration section onto a named queue.
func (b *Bus) queueConfig(name string) queue.Config {
	qc := b.cfg.Queue
	c := queue.DefaultConfig(name)
	if strings.EqualFold(qc.Mode, "ringbuffer") {
		c.Mode = queue.ModeRingBuffer
	}
	if qc.BufferSize > 0 {
		c.BufferSize = qc.BufferSize
	}
	c.DropWhenFull = qc.DropWhenFull
	if qc.LeaseTimeout > 0 {
		c.LeaseTimeout = qc.LeaseTimeout
	}
	c.WaitStrategy = waitStrategy(qc.WaitStrategy)
	c.ProducerMode = producerMode(qc.ProducerMode)
	if qc.Workers > 0 {
		c.Workers = qc.Workers
	}
	c.RatePerSecond = qc.RatePerSecond
	return c
}

func waitStrategy(s string) queue.WaitStrategy {
	switch strings.ToLower(s) {
	case "busyspin":
		return queue.WaitBusySpin
	case "yielding":
		return queue.WaitYielding
	case "sleeping":
		return queue.WaitSleeping
	case "blocking":
		return queue.WaitBlocking
	default:
		return ""
	}
}

func producerMode(s string) queue.ProducerMode {
	switch strings.ToLower(s) {
	case "single":
		return queue.ProducerSingle
	case "multi":
		return queue.ProducerMulti
	default:
		return ""
	}
}
