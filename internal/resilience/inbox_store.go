package resilience

import (
	"context"
	"time"

	"go.relaykit.dev/internal/inbox"
	"go.relaykit.dev/internal/message"
)

// InboxStore is an inbox.Store decorator that delegates every operation
// through a resilience policy.
type InboxStore struct {
	inner  inbox.Store
	policy *Policy
}

// NewInboxStore wraps an inbox store with the policy.
func NewInboxStore(inner inbox.Store, policy *Policy) *InboxStore {
	return &InboxStore{inner: inner, policy: policy}
}

func (s *InboxStore) Add(ctx context.Context, env *message.Envelope, opts inbox.Options) (*inbox.Entry, bool, error) {
	var (
		entry    *inbox.Entry
		inserted bool
	)
	err := s.policy.Do(ctx, "add", func() error {
		var opErr error
		entry, inserted, opErr = s.inner.Add(ctx, env, opts)
		return opErr
	})
	return entry, inserted, err
}

func (s *InboxStore) Get(ctx context.Context, key string) (*inbox.Entry, error) {
	var entry *inbox.Entry
	err := s.policy.Do(ctx, "get", func() error {
		var opErr error
		entry, opErr = s.inner.Get(ctx, key)
		return opErr
	})
	return entry, err
}

func (s *InboxStore) IsDuplicate(ctx context.Context, key string, window time.Duration) (bool, error) {
	var dup bool
	err := s.policy.Do(ctx, "is_duplicate", func() error {
		var opErr error
		dup, opErr = s.inner.IsDuplicate(ctx, key, window)
		return opErr
	})
	return dup, err
}

func (s *InboxStore) MarkProcessed(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.policy.Do(ctx, "mark_processed", func() error {
		var opErr error
		ok, opErr = s.inner.MarkProcessed(ctx, key)
		return opErr
	})
	return ok, err
}

func (s *InboxStore) MarkFailed(ctx context.Context, key string, processErr string) (bool, error) {
	var ok bool
	err := s.policy.Do(ctx, "mark_failed", func() error {
		var opErr error
		ok, opErr = s.inner.MarkFailed(ctx, key, processErr)
		return opErr
	})
	return ok, err
}

func (s *InboxStore) GetUnprocessed(ctx context.Context, limit int) ([]*inbox.Entry, error) {
	var entries []*inbox.Entry
	err := s.policy.Do(ctx, "get_unprocessed", func() error {
		var opErr error
		entries, opErr = s.inner.GetUnprocessed(ctx, limit)
		return opErr
	})
	return entries, err
}

func (s *InboxStore) GetUnprocessedCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.policy.Do(ctx, "get_unprocessed_count", func() error {
		var opErr error
		count, opErr = s.inner.GetUnprocessedCount(ctx)
		return opErr
	})
	return count, err
}

func (s *InboxStore) CleanupOldEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	var removed int64
	err := s.policy.Do(ctx, "cleanup_old_entries", func() error {
		var opErr error
		removed, opErr = s.inner.CleanupOldEntries(ctx, olderThan)
		return opErr
	})
	return removed, err
}
