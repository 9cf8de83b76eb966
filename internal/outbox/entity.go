// Package outbox implements the transactional outbox: staged entries are
// committed alongside application state and a background processor later
// hands them to the dispatcher.
//
// Processing is status-based:
//  1. The processor claims Pending entries due for delivery, atomically
//     marking them Processing with an owner and claim time.
//  2. Claimed entries are dispatched; Success marks Processed.
//  3. Failure either reschedules (NextRetryAt = now + backoff) or, once
//     retries are exhausted, marks Failed and dead-letters the entry.
//  4. Claims older than the lease timeout are reclaimable, so a crashed
//     worker's entries are picked up again. Delivery is at-least-once.
package outbox

import (
	"time"

	"go.relaykit.dev/internal/message"
)

// Status is the processing status of an outbox entry.
type Status int

const (
	// StatusPending - staged and waiting for the processor.
	StatusPending Status = 0

	// StatusProcessing - claimed by a worker.
	StatusProcessing Status = 1

	// StatusProcessed - dispatched successfully. Terminal.
	StatusProcessed Status = 2

	// StatusFailed - retries exhausted and dead-lettered. Terminal.
	StatusFailed Status = 3
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusProcessing:
		return "PROCESSING"
	case StatusProcessed:
		return "PROCESSED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// Entry is one staged outbound message.
type Entry struct {
	// ID is the server-assigned, time-ordered entry id (TSID).
	ID string `bson:"_id" json:"id"`

	// Env is the staged message.
	Env *message.Envelope `bson:"message" json:"message"`

	// Destination is an opaque routing key carried to the dispatcher.
	Destination string `bson:"destination,omitempty" json:"destination,omitempty"`

	// Status is the current processing status.
	Status Status `bson:"status" json:"status"`

	// RetryCount is the number of failed dispatch attempts so far.
	RetryCount int `bson:"retryCount" json:"retryCount"`

	// MaxRetries bounds dispatch attempts for this entry.
	MaxRetries int `bson:"maxRetries" json:"maxRetries"`

	// NextRetryAt is when the entry becomes due again. Zero means due now.
	NextRetryAt time.Time `bson:"nextRetryAt,omitempty" json:"nextRetryAt,omitempty"`

	// ClaimedBy and ClaimedAt record the Processing lease.
	ClaimedBy string    `bson:"claimedBy,omitempty" json:"claimedBy,omitempty"`
	ClaimedAt time.Time `bson:"claimedAt,omitempty" json:"claimedAt,omitempty"`

	// LastError is the most recent dispatch error.
	LastError string `bson:"lastError,omitempty" json:"lastError,omitempty"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Due reports whether the entry is eligible for claiming at the given time.
func (e *Entry) Due(now time.Time) bool {
	return e.Status == StatusPending && !e.NextRetryAt.After(now)
}

// RetriesExhausted reports whether another retry is allowed.
func (e *Entry) RetriesExhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// AddOptions modify a single staged entry.
type AddOptions struct {
	// Destination is an opaque routing key.
	Destination string

	// MaxRetries overrides the store default when > 0.
	MaxRetries int

	// Delay defers the first delivery attempt.
	Delay time.Duration
}
