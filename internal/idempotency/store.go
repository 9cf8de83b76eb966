// Package idempotency caches processing outcomes by idempotency key so a
// redelivered message returns its recorded outcome instead of re-running
// the handler.
package idempotency

import (
	"context"
	"time"
)

// Record is a cached processing outcome. Success records may carry a
// serializable result value; failure records carry the failure text.
type Record struct {
	Key string `json:"key" bson:"_id"`

	// Success discriminates the two record shapes.
	Success bool `json:"success" bson:"success"`

	// Value is the handler result for success records.
	Value any `json:"value,omitempty" bson:"value,omitempty"`

	// FailureKind and FailureMessage describe the failure for failure records.
	FailureKind    string `json:"failureKind,omitempty" bson:"failureKind,omitempty"`
	FailureMessage string `json:"failureMessage,omitempty" bson:"failureMessage,omitempty"`

	// RecordedAt is when the outcome was stored (UTC).
	RecordedAt time.Time `json:"recordedAt" bson:"recordedAt"`

	// ExpiresAt is when the record becomes eligible for cleanup (UTC).
	ExpiresAt time.Time `json:"expiresAt" bson:"expiresAt"`
}

// Expired reports whether the record is past its TTL at the given time.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store is the idempotency cache contract. Implementations must make
// StoreSuccess/StoreFailure last-write-wins and Get linearizable enough
// that a key stored before a redelivery is visible to it.
type Store interface {
	// Get returns the record for key, or (nil, nil) when absent or expired.
	Get(ctx context.Context, key string) (*Record, error)

	// StoreSuccess records a successful outcome with the given TTL.
	StoreSuccess(ctx context.Context, key string, value any, ttl time.Duration) error

	// StoreFailure records a failed outcome with the given TTL.
	StoreFailure(ctx context.Context, key string, kind, message string, ttl time.Duration) error

	// Exists reports whether a live record exists for key.
	Exists(ctx context.Context, key string) (bool, error)

	// CleanupExpired removes expired records and returns how many were removed.
	// Backends with native TTL support may return 0 without scanning.
	CleanupExpired(ctx context.Context) (int64, error)
}
