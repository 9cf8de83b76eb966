// Package inbox implements the deduplicated receive side: every incoming
// message is recorded before dispatch so a redelivery of the same message
// is recognized and skipped.
package inbox

import (
	"time"

	"go.relaykit.dev/internal/message"
)

// Status is the processing status of an inbox entry.
type Status int

const (
	// StatusPending - recorded, dispatch not yet finished.
	StatusPending Status = 0

	// StatusProcessed - dispatched successfully. Terminal.
	StatusProcessed Status = 1

	// StatusFailed - dispatch failed. The inbox does not retry; retry is
	// the dispatcher's concern.
	StatusFailed Status = 2
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusProcessed:
		return "PROCESSED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Entry records one received message. The key is the dedupe identity:
// for a given key at most one entry ever reaches Processed.
type Entry struct {
	// Key is the dedupe key: the source MessageId, optionally scoped by
	// the source descriptor.
	Key string `bson:"_id" json:"key"`

	// MessageID is the producer-assigned id of the received message.
	MessageID string `bson:"messageId" json:"messageId"`

	// Source describes where the message came from.
	Source string `bson:"source,omitempty" json:"source,omitempty"`

	// Env is the received message.
	Env *message.Envelope `bson:"message" json:"message"`

	Status      Status     `bson:"status" json:"status"`
	ReceivedAt  time.Time  `bson:"receivedAt" json:"receivedAt"`
	ProcessedAt *time.Time `bson:"processedAt,omitempty" json:"processedAt,omitempty"`
	Error       string     `bson:"error,omitempty" json:"error,omitempty"`
}

// Options modify a single receive.
type Options struct {
	// Source scopes the dedupe key when ScopeBySource is set and feeds
	// the entry's Source field.
	Source string

	// ScopeBySource includes the source in the dedupe key, so the same
	// MessageId from two sources is two distinct messages.
	ScopeBySource bool

	// IdempotencyWindow bounds how long a Failed entry still counts as
	// seen. 0 means Failed entries do not block redelivery.
	IdempotencyWindow time.Duration
}

// DedupeKey computes the entry key for a message id under the options.
func (o Options) DedupeKey(messageID string) string {
	if o.ScopeBySource && o.Source != "" {
		return o.Source + ":" + messageID
	}
	return messageID
}
