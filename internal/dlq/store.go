// Package dlq implements the dead letter store: the terminal parking lot
// for messages that exhausted their retries or failed without recourse.
package dlq

import (
	"context"
	"time"

	"go.relaykit.dev/internal/message"
)

// Entry is a dead-lettered message. Terminal unless explicitly retried or
// discarded.
type Entry struct {
	ID          string             `json:"id" bson:"_id"`
	Env         *message.Envelope  `json:"message" bson:"message"`
	Reason      string             `json:"reason" bson:"reason"`
	Component   string             `json:"component" bson:"component"`
	RetryCount  int                `json:"retryCount" bson:"retryCount"`
	FailureTime time.Time          `json:"failureTime" bson:"failureTime"`
	Cause       string             `json:"cause,omitempty" bson:"cause,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// FailureContext describes how a message ended up dead-lettered.
type FailureContext struct {
	Reason     string
	Component  string
	RetryCount int
	Cause      error
	Metadata   map[string]string
}

// Statistics summarizes the store for the monitoring surface.
type Statistics struct {
	Total       int64            `json:"total"`
	ByComponent map[string]int64 `json:"byComponent"`
	Oldest      *time.Time       `json:"oldest,omitempty"`
}

// RetryFunc re-dispatches a dead letter. Used by Store.Retry.
type RetryFunc func(ctx context.Context, env *message.Envelope) error

// Store is the dead letter store contract.
type Store interface {
	// SendToDeadLetter parks a message and returns the dead letter id.
	SendToDeadLetter(ctx context.Context, env *message.Envelope, fc FailureContext) (string, error)

	// GetDeadLetters returns up to limit entries, newest first.
	GetDeadLetters(ctx context.Context, limit int) ([]*Entry, error)

	// Retry re-dispatches the entry through fn and removes it on success.
	Retry(ctx context.Context, id string, fn RetryFunc) (bool, error)

	// Discard removes the entry permanently.
	Discard(ctx context.Context, id string) (bool, error)

	// Count returns the number of parked entries.
	Count(ctx context.Context) (int64, error)

	// Statistics summarizes the store.
	Statistics(ctx context.Context) (*Statistics, error)
}
