// Package msgstore provides the general-purpose message store used for
// auditing and replay.
package msgstore

import (
	"context"
	"time"

	"go.relaykit.dev/internal/message"
)

// StoreOptions modify a single store call.
type StoreOptions struct {
	// Tags are free-form labels queryable through Filter.
	Tags map[string]string
}

// Filter narrows Query and Count. Zero-value fields are ignored.
type Filter struct {
	Kind  message.Kind
	Name  string
	After time.Time
	Tags  map[string]string
}

// Stored pairs a message with its storage metadata.
type Stored struct {
	Env      *message.Envelope `json:"message" bson:"message"`
	StoredAt time.Time         `json:"storedAt" bson:"storedAt"`
	Tags     map[string]string `json:"tags,omitempty" bson:"tags,omitempty"`
}

// Store is the message store contract.
type Store interface {
	// Store persists a message and returns its id.
	Store(ctx context.Context, env *message.Envelope, opts StoreOptions) (string, error)

	// Retrieve returns the message with the given id, or nil.
	Retrieve(ctx context.Context, id string) (*message.Envelope, error)

	// Delete removes a message. Reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Exists reports whether a message with the id is stored.
	Exists(ctx context.Context, id string) (bool, error)

	// Query returns stored messages matching the filter.
	Query(ctx context.Context, f Filter) ([]*Stored, error)

	// Update replaces a stored message. Reports whether it existed.
	Update(ctx context.Context, id string, env *message.Envelope) (bool, error)

	// Count returns the number of stored messages matching the filter.
	Count(ctx context.Context, f Filter) (int64, error)

	// Clear removes everything.
	Clear(ctx context.Context) error
}
