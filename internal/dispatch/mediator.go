package dispatch

import (
	"context"
	"log/slog"

	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/message"
	"go.relaykit.dev/internal/pipeline"
)

// Mediator dispatches commands and queries through the decorator chain to
// their single registered handler. The chain is assembled once at
// construction; the innermost stage resolves the handler by message name.
type Mediator struct {
	registry *Registry
	chain    pipeline.Processor
}

// NewMediator builds a mediator. A nil builder dispatches with no
// decorators around handler invocation.
func NewMediator(registry *Registry, builder *pipeline.Builder) (*Mediator, error) {
	m := &Mediator{registry: registry}

	invoker := pipeline.Func(m.invokeHandler)
	if builder == nil {
		m.chain = invoker
		return m, nil
	}
	chain, err := builder.Build(invoker)
	if err != nil {
		return nil, err
	}
	m.chain = chain
	return m, nil
}

// Send dispatches a command and returns its outcome. A command with no
// registered handler fails with FailureNoHandler.
func (m *Mediator) Send(ctx context.Context, env *message.Envelope) pipeline.Outcome {
	if env == nil {
		return pipeline.Failuref(pipeline.FailureValidation, "nil message")
	}
	if env.Kind != message.KindCommand {
		return pipeline.Failuref(pipeline.FailureValidation, "Send requires a command, got %s", env.Kind)
	}
	return m.chain.Process(ctx, env, pipeline.NewContext(env))
}

// Query dispatches a query and returns its outcome. A successful outcome
// always carries the handler result.
func (m *Mediator) Query(ctx context.Context, env *message.Envelope) pipeline.Outcome {
	if env == nil {
		return pipeline.Failuref(pipeline.FailureValidation, "nil message")
	}
	if env.Kind != message.KindQuery {
		return pipeline.Failuref(pipeline.FailureValidation, "Query requires a query, got %s", env.Kind)
	}
	return m.chain.Process(ctx, env, pipeline.NewContext(env))
}

// invokeHandler is the innermost pipeline stage.
func (m *Mediator) invokeHandler(ctx context.Context, env *message.Envelope, _ *pipeline.Context) pipeline.Outcome {
	var (
		handler Handler
		ok      bool
	)
	switch env.Kind {
	case message.KindQuery:
		handler, ok = m.registry.QueryHandler(env.Name)
	default:
		handler, ok = m.registry.CommandHandler(env.Name)
	}
	if !ok {
		return pipeline.Failuref(pipeline.FailureNoHandler, "no handler registered for %s %q", env.Kind, env.Name)
	}

	result, err := handler.Handle(ctx, env)
	if err != nil {
		metrics.DispatchHandlerFailures.WithLabelValues(env.Name).Inc()
		slog.Debug("Handler failed", "message", env.Name, "messageId", env.ID, "error", err)
		return pipeline.Classify(err)
	}
	return pipeline.Success(result)
}
