package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/common/tsid"
	"go.relaykit.dev/internal/message"
)

// DefaultMaxRetries applies to entries staged without an override.
const DefaultMaxRetries = 5

// MemoryStore is the in-process outbox store used by single-process
// deployments and tests.
type MemoryStore struct {
	clk clock.Clock
	ids *tsid.Generator

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryStore creates an in-memory outbox store. A nil clock uses the
// system clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MemoryStore{
		clk:     clk,
		ids:     tsid.NewGenerator(clk),
		entries: make(map[string]*Entry),
	}
}

func (s *MemoryStore) Add(_ context.Context, env *message.Envelope, opts AddOptions) (*Entry, error) {
	now := s.clk.Now()
	entry := &Entry{
		ID:          s.ids.Generate(),
		Env:         env,
		Destination: opts.Destination,
		Status:      StatusPending,
		MaxRetries:  DefaultMaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.MaxRetries > 0 {
		entry.MaxRetries = opts.MaxRetries
	}
	if opts.Delay > 0 {
		entry.NextRetryAt = now.Add(opts.Delay)
	}

	s.mu.Lock()
	s.entries[entry.ID] = entry
	s.mu.Unlock()
	return cloneEntry(entry), nil
}

func (s *MemoryStore) ClaimPending(_ context.Context, limit int, owner string) ([]*Entry, error) {
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Entry
	for _, e := range s.entries {
		if e.Due(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Entry, 0, len(due))
	for _, e := range due {
		e.Status = StatusProcessing
		e.ClaimedBy = owner
		e.ClaimedAt = now
		e.UpdatedAt = now
		claimed = append(claimed, cloneEntry(e))
	}
	return claimed, nil
}

func (s *MemoryStore) ReclaimExpired(_ context.Context, olderThan time.Time) (int64, error) {
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed int64
	for _, e := range s.entries {
		if e.Status == StatusProcessing && e.ClaimedAt.Before(olderThan) {
			e.Status = StatusPending
			e.ClaimedBy = ""
			e.ClaimedAt = time.Time{}
			e.UpdatedAt = now
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, id string) (bool, error) {
	return s.transition(id, func(e *Entry) {
		e.Status = StatusProcessed
		e.ClaimedBy = ""
	}), nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, lastError string) (bool, error) {
	return s.transition(id, func(e *Entry) {
		e.Status = StatusFailed
		e.LastError = lastError
		e.ClaimedBy = ""
	}), nil
}

func (s *MemoryStore) UpdateRetry(_ context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string) (bool, error) {
	return s.transition(id, func(e *Entry) {
		e.Status = StatusPending
		e.RetryCount = retryCount
		e.NextRetryAt = nextRetryAt
		e.LastError = lastError
		e.ClaimedBy = ""
		e.ClaimedAt = time.Time{}
	}), nil
}

func (s *MemoryStore) transition(id string, mutate func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	mutate(e)
	e.UpdatedAt = s.clk.Now()
	return true
}

func (s *MemoryStore) GetPending(_ context.Context, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*Entry
	for _, e := range s.entries {
		if e.Status == StatusPending {
			pending = append(pending, cloneEntry(e))
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *MemoryStore) GetFailed(_ context.Context, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []*Entry
	for _, e := range s.entries {
		if e.Status == StatusFailed {
			failed = append(failed, cloneEntry(e))
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].ID > failed[j].ID })
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func (s *MemoryStore) GetPendingCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, e := range s.entries {
		if e.Status == StatusPending {
			count++
		}
	}
	return count, nil
}

func cloneEntry(e *Entry) *Entry {
	cp := *e
	return &cp
}
