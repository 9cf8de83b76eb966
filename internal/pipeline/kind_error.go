package pipeline

import "errors"

// KindError attaches a failure kind to an error so handlers written as
// plain (result, error) functions can steer retry and caching decisions.
type KindError struct {
	Kind FailureKind
	Err  error
}

func (e *KindError) Error() string { return e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

// WithKind wraps err with an explicit failure kind.
func WithKind(err error, kind FailureKind) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Classify converts a handler error into an outcome. A wrapped KindError
// wins; context errors map to their kinds; anything else defaults to
// Permanent so unclassified failures are not retried blindly.
func Classify(err error) Outcome {
	if err == nil {
		return Success(nil)
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return Failure(ke.Kind, ke.Err.Error(), ke.Err)
	}
	return FromError(err, FailurePermanent)
}
