// Package message defines the canonical message envelope shared by every
// component: dispatchers, queues, outbox/inbox processors, sagas, and the
// scheduler all move envelopes, never raw payloads.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a message by its dispatch semantics.
type Kind string

const (
	// KindCommand expects exactly one handler and at most one response.
	KindCommand Kind = "COMMAND"

	// KindQuery expects exactly one handler and exactly one response.
	KindQuery Kind = "QUERY"

	// KindEvent is delivered to zero or more handlers and returns nothing.
	KindEvent Kind = "EVENT"
)

// Envelope is the canonical message shape. ID is assigned by the producer
// and is immutable: recomputing the ID for the same logical message is a
// bug, because the inbox and idempotency layers key on it.
type Envelope struct {
	// ID is the stable, producer-assigned message identifier.
	ID string `json:"id" bson:"_id"`

	// Kind is the dispatch role of the message.
	Kind Kind `json:"kind" bson:"kind"`

	// Name is the message type tag used for handler resolution.
	Name string `json:"name" bson:"name"`

	// Version is the payload schema version. Zero means version 1.
	Version int `json:"version,omitempty" bson:"version,omitempty"`

	// Timestamp is when the message was created (UTC).
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`

	// CorrelationID associates related messages, including saga instances.
	CorrelationID string `json:"correlationId,omitempty" bson:"correlationId,omitempty"`

	// CausationID is the ID of the message that caused this one.
	CausationID string `json:"causationId,omitempty" bson:"causationId,omitempty"`

	// Metadata is an open string mapping carried with the message.
	Metadata map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`

	// Body is the application payload.
	Body any `json:"body,omitempty" bson:"body,omitempty"`
}

// New creates an envelope with a fresh ID and the given kind, name, and body.
func New(kind Kind, name string, body any) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Kind:      kind,
		Name:      name,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]string),
		Body:      body,
	}
}

// NewCommand creates a command envelope.
func NewCommand(name string, body any) *Envelope {
	return New(KindCommand, name, body)
}

// NewQuery creates a query envelope.
func NewQuery(name string, body any) *Envelope {
	return New(KindQuery, name, body)
}

// NewEvent creates an event envelope.
func NewEvent(name string, body any) *Envelope {
	return New(KindEvent, name, body)
}

// WithCorrelation sets the correlation id and returns the envelope.
func (e *Envelope) WithCorrelation(correlationID string) *Envelope {
	e.CorrelationID = correlationID
	return e
}

// WithMetadata adds a metadata entry and returns the envelope.
func (e *Envelope) WithMetadata(key, value string) *Envelope {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Derive creates a child message caused by e: it gets a fresh ID, inherits
// the correlation id, and records e.ID as its causation id.
func (e *Envelope) Derive(kind Kind, name string, body any) *Envelope {
	child := New(kind, name, body)
	child.CorrelationID = e.CorrelationID
	child.CausationID = e.ID
	return child
}

// Clone returns a deep copy of the envelope. The Body is shared: callers
// must treat bodies as immutable once published.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
