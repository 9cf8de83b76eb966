package resilience

import (
	"context"
	"time"

	"go.relaykit.dev/internal/message"
	"go.relaykit.dev/internal/outbox"
)

// OutboxStore is an outbox.Store decorator that delegates every operation
// through a resilience policy.
type OutboxStore struct {
	inner  outbox.Store
	policy *Policy
}

// NewOutboxStore wraps an outbox store with the policy.
func NewOutboxStore(inner outbox.Store, policy *Policy) *OutboxStore {
	return &OutboxStore{inner: inner, policy: policy}
}

func (s *OutboxStore) Add(ctx context.Context, env *message.Envelope, opts outbox.AddOptions) (*outbox.Entry, error) {
	var entry *outbox.Entry
	err := s.policy.Do(ctx, "add", func() error {
		var opErr error
		entry, opErr = s.inner.Add(ctx, env, opts)
		return opErr
	})
	return entry, err
}

func (s *OutboxStore) ClaimPending(ctx context.Context, limit int, owner string) ([]*outbox.Entry, error) {
	var entries []*outbox.Entry
	err := s.policy.Do(ctx, "claim_pending", func() error {
		var opErr error
		entries, opErr = s.inner.ClaimPending(ctx, limit, owner)
		return opErr
	})
	return entries, err
}

func (s *OutboxStore) ReclaimExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	var count int64
	err := s.policy.Do(ctx, "reclaim_expired", func() error {
		var opErr error
		count, opErr = s.inner.ReclaimExpired(ctx, olderThan)
		return opErr
	})
	return count, err
}

func (s *OutboxStore) MarkProcessed(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.policy.Do(ctx, "mark_processed", func() error {
		var opErr error
		ok, opErr = s.inner.MarkProcessed(ctx, id)
		return opErr
	})
	return ok, err
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastError string) (bool, error) {
	var ok bool
	err := s.policy.Do(ctx, "mark_failed", func() error {
		var opErr error
		ok, opErr = s.inner.MarkFailed(ctx, id, lastError)
		return opErr
	})
	return ok, err
}

func (s *OutboxStore) UpdateRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string) (bool, error) {
	var ok bool
	err := s.policy.Do(ctx, "update_retry", func() error {
		var opErr error
		ok, opErr = s.inner.UpdateRetry(ctx, id, retryCount, nextRetryAt, lastError)
		return opErr
	})
	return ok, err
}

func (s *OutboxStore) GetPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	var entries []*outbox.Entry
	err := s.policy.Do(ctx, "get_pending", func() error {
		var opErr error
		entries, opErr = s.inner.GetPending(ctx, limit)
		return opErr
	})
	return entries, err
}

func (s *OutboxStore) GetFailed(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	var entries []*outbox.Entry
	err := s.policy.Do(ctx, "get_failed", func() error {
		var opErr error
		entries, opErr = s.inner.GetFailed(ctx, limit)
		return opErr
	})
	return entries, err
}

func (s *OutboxStore) GetPendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.policy.Do(ctx, "get_pending_count", func() error {
		var opErr error
		count, opErr = s.inner.GetPendingCount(ctx)
		return opErr
	})
	return count, err
}
