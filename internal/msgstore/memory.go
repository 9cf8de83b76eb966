package msgstore

import (
	"context"
	"sort"
	"sync"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/message"
)

// MemoryStore is the in-process message store.
type MemoryStore struct {
	clk clock.Clock

	mu     sync.RWMutex
	stored map[string]*Stored
}

// NewMemoryStore creates an in-memory message store. A nil clock uses the
// system clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MemoryStore{clk: clk, stored: make(map[string]*Stored)}
}

func (s *MemoryStore) Store(_ context.Context, env *message.Envelope, opts StoreOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored[env.ID] = &Stored{
		Env:      env.Clone(),
		StoredAt: s.clk.Now(),
		Tags:     opts.Tags,
	}
	return env.ID, nil
}

func (s *MemoryStore) Retrieve(_ context.Context, id string) (*message.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stored[id]
	if !ok {
		return nil, nil
	}
	return st.Env.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stored[id]; !ok {
		return false, nil
	}
	delete(s.stored, id)
	return true, nil
}

func (s *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stored[id]
	return ok, nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]*Stored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Stored
	for _, st := range s.stored {
		if matches(st, f) {
			matched = append(matched, st)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].StoredAt.Before(matched[j].StoredAt) })
	return matched, nil
}

func matches(st *Stored, f Filter) bool {
	if f.Kind != "" && st.Env.Kind != f.Kind {
		return false
	}
	if f.Name != "" && st.Env.Name != f.Name {
		return false
	}
	if !f.After.IsZero() && !st.StoredAt.After(f.After) {
		return false
	}
	for k, v := range f.Tags {
		if st.Tags[k] != v {
			return false
		}
	}
	return true
}

func (s *MemoryStore) Update(_ context.Context, id string, env *message.Envelope) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stored[id]
	if !ok {
		return false, nil
	}
	st.Env = env.Clone()
	return true, nil
}

func (s *MemoryStore) Count(ctx context.Context, f Filter) (int64, error) {
	matched, err := s.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = make(map[string]*Stored)
	return nil
}
