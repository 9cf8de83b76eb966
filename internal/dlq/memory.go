package dlq

import (
	"context"
	"sort"
	"sync"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/common/tsid"
	"go.relaykit.dev/internal/message"
)

// MemoryStore is the in-process dead letter store.
type MemoryStore struct {
	clk clock.Clock
	ids *tsid.Generator

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore creates an in-memory dead letter store. A nil clock uses
// the system clock.
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

func (s *MemoryStore) SendToDeadLetter(_ context.Context, env *message.Envelope, fc FailureContext) (string, error) {
	entry := &Entry{
		ID:          s.ids.Generate(),
		Env:         env,
		Reason:      fc.Reason,
		Component:   fc.Component,
		RetryCount:  fc.RetryCount,
		FailureTime: s.clk.Now(),
		Metadata:    fc.Metadata,
	}
	if fc.Cause != nil {
		entry.Cause = fc.Cause.Error()
	}

	s.mu.Lock()
	s.entries[entry.ID] = entry
	s.mu.Unlock()

	metrics.DeadLettersTotal.WithLabelValues(fc.Component).Inc()
	return entry.ID, nil
}

func (s *MemoryStore) GetDeadLetters(_ context.Context, limit int) ([]*Entry, error) {
	s.mu.RLock()
	all := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].FailureTime.After(all[j].FailureTime) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) Retry(ctx context.Context, id string, fn RetryFunc) (bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if err := fn(ctx, entry.Env); err != nil {
		return false, err
	}

	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return true, nil
}

func (s *MemoryStore) Discard(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false, nil
	}
	delete(s.entries, id)
	return true, nil
}

func (s *MemoryStore) Count(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

func (s *MemoryStore) Statistics(context.Context) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Statistics{
		Total:       int64(len(s.entries)),
		ByComponent: make(map[string]int64),
	}
	for _, e := range s.entries {
		stats.ByComponent[e.Component]++
		if stats.Oldest == nil || e.FailureTime.Before(*stats.Oldest) {
			t := e.FailureTime
			stats.Oldest = &t
		}
	}
	return stats, nil
}
