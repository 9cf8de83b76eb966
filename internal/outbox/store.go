package outbox

import (
	"context"
	"time"

	"go.relaykit.dev/internal/message"
)

// Store is the outbox storage contract. Claiming must be atomic: an entry
// may be Processing under at most one owner at a time.
type Store interface {
	// Add stages a message. When the ambient transaction mechanism of the
	// backing storage is in use, the insert joins it.
	Add(ctx context.Context, env *message.Envelope, opts AddOptions) (*Entry, error)

	// ClaimPending atomically transitions up to limit due Pending entries
	// to Processing, recording the owner and claim time, and returns them.
	ClaimPending(ctx context.Context, limit int, owner string) ([]*Entry, error)

	// ReclaimExpired returns Processing entries whose claim is older than
	// olderThan to Pending. Returns how many were reclaimed.
	ReclaimExpired(ctx context.Context, olderThan time.Time) (int64, error)

	// MarkProcessed transitions a claimed entry to Processed.
	MarkProcessed(ctx context.Context, id string) (bool, error)

	// MarkFailed transitions a claimed entry to Failed with the error.
	MarkFailed(ctx context.Context, id string, lastError string) (bool, error)

	// UpdateRetry returns a claimed entry to Pending with the new retry
	// count and due time.
	UpdateRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string) (bool, error)

	// GetPending returns up to limit Pending entries, oldest first.
	GetPending(ctx context.Context, limit int) ([]*Entry, error)

	// GetFailed returns up to limit Failed entries, newest first.
	GetFailed(ctx context.Context, limit int) ([]*Entry, error)

	// GetPendingCount returns the Pending backlog size.
	GetPendingCount(ctx context.Context) (int64, error)
}
