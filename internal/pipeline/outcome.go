// Package pipeline implements the message processing pipeline: a Processor
// interface and a composable chain of decorators (validation, idempotency,
// batching, retry, circuit breaking, transactions) wrapping each handler
// invocation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind categorizes a failure outcome. Retry and circuit-breaking
// decisions are functions of the kind, never of the error text.
type FailureKind int

const (
	// FailureValidation - the message failed precondition checks. Permanent.
	FailureValidation FailureKind = iota

	// FailureNoHandler - no handler registered for the message name. Permanent.
	FailureNoHandler

	// FailureTransient - network blip, storage timeout, transient conflict.
	// Retried by the retry decorator.
	FailureTransient

	// FailurePermanent - unrecoverable business failure. Not retried.
	FailurePermanent

	// FailureConcurrency - optimistic concurrency clash. Retried with
	// bounded attempts by the component that owns the version check.
	FailureConcurrency

	// FailureCircuitOpen - the circuit breaker is open. Fail-fast.
	FailureCircuitOpen

	// FailureDuplicate - the inbox observed a prior entry for this message.
	FailureDuplicate

	// FailureCancelled - the caller's cancellation signal fired.
	FailureCancelled

	// FailureTimeout - the processing deadline elapsed.
	FailureTimeout

	// FailureAggregate - composite of multiple handler failures from
	// parallel event dispatch.
	FailureAggregate

	// FailureConfiguration - invalid or incomplete configuration detected
	// at startup.
	FailureConfiguration
)

// String returns the failure kind name.
func (k FailureKind) String() string {
	switch k {
	case FailureValidation:
		return "VALIDATION"
	case FailureNoHandler:
		return "NO_HANDLER"
	case FailureTransient:
		return "TRANSIENT"
	case FailurePermanent:
		return "PERMANENT"
	case FailureConcurrency:
		return "CONCURRENCY"
	case FailureCircuitOpen:
		return "CIRCUIT_OPEN"
	case FailureDuplicate:
		return "DUPLICATE"
	case FailureCancelled:
		return "CANCELLED"
	case FailureTimeout:
		return "TIMEOUT"
	case FailureAggregate:
		return "AGGREGATE"
	case FailureConfiguration:
		return "CONFIGURATION"
	default:
		return "UNKNOWN"
	}
}

// IsTransient reports whether the retry decorator may retry this kind.
func (k FailureKind) IsTransient() bool {
	return k == FailureTransient
}

// Status is the top-level outcome discriminator.
type Status int

const (
	// StatusSuccess - the handler completed, possibly with a result.
	StatusSuccess Status = iota

	// StatusFailure - processing failed with a classified kind.
	StatusFailure

	// StatusSkipped - a decorator elected not to run the inner processor.
	StatusSkipped
)

// Outcome is the result of a Process call. Exactly one of the three
// statuses applies; Failures is populated only for aggregate failures.
type Outcome struct {
	Status  Status
	Value   any
	Kind    FailureKind
	Message string
	Cause   error
	Reason  string
	// Failures carries the individual failures of an aggregate outcome.
	Failures []Outcome
}

// Success creates a successful outcome carrying an optional result.
func Success(value any) Outcome {
	return Outcome{Status: StatusSuccess, Value: value}
}

// Failure creates a failed outcome with a classified kind.
func Failure(kind FailureKind, msg string, cause error) Outcome {
	return Outcome{Status: StatusFailure, Kind: kind, Message: msg, Cause: cause}
}

// Failuref creates a failed outcome with a formatted message.
func Failuref(kind FailureKind, format string, args ...any) Outcome {
	return Outcome{Status: StatusFailure, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Skipped creates a skipped outcome with the reason it was not processed.
func Skipped(reason string) Outcome {
	return Outcome{Status: StatusSkipped, Reason: reason}
}

// Aggregate creates an aggregate failure from individual handler failures.
func Aggregate(failures []Outcome) Outcome {
	return Outcome{
		Status:   StatusFailure,
		Kind:     FailureAggregate,
		Message:  fmt.Sprintf("%d handler(s) failed", len(failures)),
		Failures: failures,
	}
}

// FromError classifies a plain error into an outcome. Context cancellation
// and deadline errors map to their dedicated kinds; everything else is
// classified by the supplied default kind.
func FromError(err error, defaultKind FailureKind) Outcome {
	switch {
	case err == nil:
		return Success(nil)
	case errors.Is(err, context.Canceled):
		return Failure(FailureCancelled, "operation cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return Failure(FailureTimeout, "deadline exceeded", err)
	default:
		return Failure(defaultKind, err.Error(), err)
	}
}

// IsSuccess reports whether the outcome is successful.
func (o Outcome) IsSuccess() bool { return o.Status == StatusSuccess }

// IsFailure reports whether the outcome is a failure.
func (o Outcome) IsFailure() bool { return o.Status == StatusFailure }

// IsSkipped reports whether the outcome was skipped.
func (o Outcome) IsSkipped() bool { return o.Status == StatusSkipped }

// Error renders a failure outcome as an error, or nil for other statuses.
func (o Outcome) Error() error {
	if !o.IsFailure() {
		return nil
	}
	if o.Cause != nil {
		return fmt.Errorf("[%s] %s: %w", o.Kind, o.Message, o.Cause)
	}
	return fmt.Errorf("[%s] %s", o.Kind, o.Message)
}

// ResultLabel returns the metric label for the outcome.
func (o Outcome) ResultLabel() string {
	switch o.Status {
	case StatusSuccess:
		return "success"
	case StatusSkipped:
		return "skipped"
	default:
		return "failure"
	}
}
