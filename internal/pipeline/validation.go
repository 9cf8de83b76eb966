package pipeline

import (
	"context"

	"go.relaykit.dev/internal/message"
)

// Validator checks a message before it reaches the handler. A non-nil
// error fails the message permanently with FailureValidation.
type Validator interface {
	Validate(ctx context.Context, env *message.Envelope) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, env *message.Envelope) error

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, env *message.Envelope) error {
	return f(ctx, env)
}

// validationDecorator runs the configured validators in order and stops at
// the first failure. Validation failures are never retried.
type validationDecorator struct {
	validators []Validator
	inner      Processor
}

func newValidationDecorator(validators []Validator, inner Processor) *validationDecorator {
	return &validationDecorator{validators: validators, inner: inner}
}

func (d *validationDecorator) Process(ctx context.Context, env *message.Envelope, pc *Context) Outcome {
	if out, done := cancelledOutcome(ctx); done {
		return out
	}
	if env == nil {
		return Failuref(FailureValidation, "nil message")
	}
	if env.Name == "" {
		return Failuref(FailureValidation, "message has no name")
	}
	for _, v := range d.validators {
		if err := v.Validate(ctx, env); err != nil {
			return Failure(FailureValidation, err.Error(), err)
		}
	}
	return d.inner.Process(ctx, env, pc)
}
