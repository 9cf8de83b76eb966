package idempotency

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"go.relaykit.dev/internal/common/clock"
)

// MemoryStore is an in-process idempotency cache backed by an expiring
// cache. Suitable for single-process deployments and tests.
type MemoryStore struct {
	cache *gocache.Cache
	clk   clock.Clock
}

// NewMemoryStore creates an in-memory store. A nil clock uses the system
// clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MemoryStore{
		cache: gocache.New(gocache.NoExpiration, 5*time.Minute),
		clk:   clk,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	rec := v.(*Record)
	if rec.Expired(s.clk.Now()) {
		s.cache.Delete(key)
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) StoreSuccess(_ context.Context, key string, value any, ttl time.Duration) error {
	now := s.clk.Now()
	s.cache.Set(key, &Record{
		Key:        key,
		Success:    true,
		Value:      value,
		RecordedAt: now,
		ExpiresAt:  now.Add(ttl),
	}, gocache.NoExpiration)
	return nil
}

func (s *MemoryStore) StoreFailure(_ context.Context, key string, kind, message string, ttl time.Duration) error {
	now := s.clk.Now()
	s.cache.Set(key, &Record{
		Key:            key,
		Success:        false,
		FailureKind:    kind,
		FailureMessage: message,
		RecordedAt:     now,
		ExpiresAt:      now.Add(ttl),
	}, gocache.NoExpiration)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	rec, err := s.Get(ctx, key)
	return rec != nil, err
}

func (s *MemoryStore) CleanupExpired(_ context.Context) (int64, error) {
	now := s.clk.Now()
	var removed int64
	for key, item := range s.cache.Items() {
		rec, ok := item.Object.(*Record)
		if !ok {
			continue
		}
		if rec.Expired(now) {
			s.cache.Delete(key)
			removed++
		}
	}
	return removed, nil
}
