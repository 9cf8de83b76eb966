package saga

import (
	"context"
	"time"
)

// Repository is the saga storage contract. Save enforces optimistic
// concurrency: it succeeds only when the stored Version still equals
// expectedVersion, and increments the instance's Version on success.
type Repository interface {
	// Load returns the instance for a saga type and correlation id, or nil.
	Load(ctx context.Context, sagaType, correlationID string) (*Instance, error)

	// Save persists the instance when the stored Version equals
	// expectedVersion. expectedVersion 0 means the instance is new and is
	// inserted; a racing insert loses. Returns false on a version clash.
	Save(ctx context.Context, inst *Instance, expectedVersion int64) (bool, error)

	// GetExpired returns up to limit incomplete instances whose TimeoutAt
	// is at or before now.
	GetExpired(ctx context.Context, now time.Time, limit int) ([]*Instance, error)
}
