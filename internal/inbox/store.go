package inbox

import (
	"context"
	"time"

	"go.relaykit.dev/internal/message"
)

// Store is the inbox storage contract. Add must be atomic: when two
// workers race on the same key, exactly one insert wins and the loser
// sees the existing entry.
type Store interface {
	// Add inserts a Pending entry for the message unless one already
	// exists for its dedupe key. Returns (entry, true) on insert and
	// (existing, false) when the key was already present.
	Add(ctx context.Context, env *message.Envelope, opts Options) (*Entry, bool, error)

	// Get returns the entry for a dedupe key, or nil.
	Get(ctx context.Context, key string) (*Entry, error)

	// IsDuplicate reports whether key has been seen: Processed always
	// counts; Pending and Failed count within the window (0 window means
	// Pending counts, Failed does not).
	IsDuplicate(ctx context.Context, key string, window time.Duration) (bool, error)

	// MarkProcessed transitions an entry to Processed.
	MarkProcessed(ctx context.Context, key string) (bool, error)

	// MarkFailed transitions an entry to Failed with the error.
	MarkFailed(ctx context.Context, key string, processErr string) (bool, error)

	// GetUnprocessed returns up to limit Pending entries, oldest first.
	GetUnprocessed(ctx context.Context, limit int) ([]*Entry, error)

	// GetUnprocessedCount returns the Pending backlog size.
	GetUnprocessedCount(ctx context.Context) (int64, error)

	// CleanupOldEntries removes Processed entries received before the
	// cutoff and returns how many were removed.
	CleanupOldEntries(ctx context.Context, olderThan time.Time) (int64, error)
}
