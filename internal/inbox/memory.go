package inbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/message"
)

// MemoryStore is the in-process inbox store.
type MemoryStore struct {
	clk clock.Clock

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryStore creates an in-memory inbox store. A nil clock uses the
// system clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MemoryStore{clk: clk, entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Add(_ context.Context, env *message.Envelope, opts Options) (*Entry, bool, error) {
	key := opts.DedupeKey(env.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok {
		cp := *existing
		return &cp, false, nil
	}

	entry := &Entry{
		Key:        key,
		MessageID:  env.ID,
		Source:     opts.Source,
		Env:        env,
		Status:     StatusPending,
		ReceivedAt: s.clk.Now(),
	}
	s.entries[key] = entry
	cp := *entry
	return &cp, true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) IsDuplicate(_ context.Context, key string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	return countsAsSeen(e, s.clk.Now(), window), nil
}

// countsAsSeen implements the idempotency window: Processed entries always
// block redelivery; Pending always does; Failed only within the window.
func countsAsSeen(e *Entry, now time.Time, window time.Duration) bool {
	switch e.Status {
	case StatusProcessed, StatusPending:
		return true
	case StatusFailed:
		return window > 0 && now.Sub(e.ReceivedAt) < window
	default:
		return false
	}
}

func (s *MemoryStore) MarkProcessed(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	now := s.clk.Now()
	e.Status = StatusProcessed
	e.ProcessedAt = &now
	return true, nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, key string, processErr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	e.Status = StatusFailed
	e.Error = processErr
	return true, nil
}

func (s *MemoryStore) GetUnprocessed(_ context.Context, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*Entry
	for _, e := range s.entries {
		if e.Status == StatusPending {
			cp := *e
			pending = append(pending, &cp)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ReceivedAt.Before(pending[j].ReceivedAt) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *MemoryStore) GetUnprocessedCount(context.Context) (int64, error) {
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

func (s *MemoryStore) CleanupOldEntries(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, e := range s.entries {
		if e.Status == StatusProcessed && e.ReceivedAt.Before(olderThan) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}
