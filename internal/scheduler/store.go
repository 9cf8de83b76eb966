package scheduler

import (
	"context"
	"time"
)

// Store is the scheduled-message storage contract used by the polled
// scheduler. Claiming must be atomic: a message may be Delivering under at
// most one owner at a time.
type Store interface {
	// Add persists a new Scheduled message.
	Add(ctx context.Context, msg *ScheduledMessage) error

	// Get returns a message by id, or nil.
	Get(ctx context.Context, id string) (*ScheduledMessage, error)

	// ClaimDue atomically transitions up to limit Scheduled messages due
	// at or before the deadline to Delivering under the owner.
	ClaimDue(ctx context.Context, deadline time.Time, limit int, owner string) ([]*ScheduledMessage, error)

	// MarkDelivered transitions a claimed message to Delivered.
	MarkDelivered(ctx context.Context, id string) (bool, error)

	// MarkFailed transitions a claimed message to Failed with the error.
	MarkFailed(ctx context.Context, id string, lastError string) (bool, error)

	// Reschedule returns a claimed message to Scheduled at the next due
	// time, used for recurring schedules.
	Reschedule(ctx context.Context, id string, nextAt time.Time) (bool, error)

	// Cancel transitions a message to Cancelled, but only while it is
	// still Scheduled. Returns false once claimed or finished.
	Cancel(ctx context.Context, id string) (bool, error)

	// ReclaimExpired returns Delivering messages claimed before olderThan
	// to Scheduled. Recovers from worker death.
	ReclaimExpired(ctx context.Context, olderThan time.Time) (int64, error)

	// GetScheduledCount returns the Scheduled backlog size.
	GetScheduledCount(ctx context.Context) (int64, error)
}
