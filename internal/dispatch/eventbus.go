package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/message"
	"go.relaykit.dev/internal/pipeline"
)

// PublishMode selects how event handlers are invoked.
type PublishMode string

const (
	// PublishParallel invokes all handlers concurrently. One handler's
	// failure does not cancel the others.
	PublishParallel PublishMode = "PARALLEL"

	// PublishSequential invokes handlers in subscription order.
	PublishSequential PublishMode = "SEQUENTIAL"
)

// EventBusConfig controls event publishing.
type EventBusConfig struct {
	// Mode is the handler invocation mode. Defaults to PublishParallel.
	Mode PublishMode

	// StopOnFailure skips remaining handlers after the first failure.
	// Only consulted in sequential mode.
	StopOnFailure bool
}

// DefaultEventBusConfig returns the event bus defaults.
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{Mode: PublishParallel}
}

// EventBus delivers events to every subscribed handler. Publishing an
// event nobody subscribes to succeeds silently.
type EventBus struct {
	registry *Registry
	cfg      EventBusConfig
}

// NewEventBus creates an event bus over the registry.
func NewEventBus(registry *Registry, cfg EventBusConfig) *EventBus {
	if cfg.Mode == "" {
		cfg.Mode = PublishParallel
	}
	return &EventBus{registry: registry, cfg: cfg}
}

// Publish delivers the event to all subscribers and returns the aggregate
// outcome: Success iff every handler succeeded, otherwise an aggregate
// failure carrying each individual handler failure.
func (b *EventBus) Publish(ctx context.Context, env *message.Envelope) pipeline.Outcome {
	if env == nil {
		return pipeline.Failuref(pipeline.FailureValidation, "nil message")
	}
	if env.Kind != message.KindEvent {
		return pipeline.Failuref(pipeline.FailureValidation, "Publish requires an event, got %s", env.Kind)
	}

	handlers := b.registry.EventHandlers(env.Name)
	if len(handlers) == 0 {
		return pipeline.Success(nil)
	}

	if b.cfg.Mode == PublishSequential {
		return b.publishSequential(ctx, env, handlers)
	}
	return b.publishParallel(ctx, env, handlers)
}

func (b *EventBus) publishParallel(ctx context.Context, env *message.Envelope, handlers []EventHandler) pipeline.Outcome {
	outcomes := make([]pipeline.Outcome, len(handlers))

	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h EventHandler) {
			defer wg.Done()
			outcomes[i] = b.invoke(ctx, env, h)
		}(i, h)
	}
	wg.Wait()

	var failures []pipeline.Outcome
	for _, out := range outcomes {
		if out.IsFailure() {
			failures = append(failures, out)
		}
	}
	if len(failures) > 0 {
		return pipeline.Aggregate(failures)
	}
	return pipeline.Success(nil)
}

func (b *EventBus) publishSequential(ctx context.Context, env *message.Envelope, handlers []EventHandler) pipeline.Outcome {
	var failures []pipeline.Outcome
	for _, h := range handlers {
		out := b.invoke(ctx, env, h)
		if out.IsFailure() {
			failures = append(failures, out)
			if b.cfg.StopOnFailure {
				break
			}
		}
	}
	if len(failures) > 0 {
		return pipeline.Aggregate(failures)
	}
	return pipeline.Success(nil)
}

func (b *EventBus) invoke(ctx context.Context, env *message.Envelope, h EventHandler) pipeline.Outcome {
	if err := h.Handle(ctx, env); err != nil {
		metrics.DispatchHandlerFailures.WithLabelValues(env.Name).Inc()
		slog.Debug("Event handler failed", "event", env.Name, "messageId", env.ID, "error", err)
		return pipeline.Classify(err)
	}
	return pipeline.Success(nil)
}
