package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.relaykit.dev/internal/common/clock"
)

// MemoryStore keeps scheduled messages in process memory. Claims are
// serialized by the store mutex.
type MemoryStore struct {
	clk clock.Clock

	mu       sync.Mutex
	messages map[string]*ScheduledMessage
}

// NewMemoryStore creates an in-memory scheduled-message store. A nil clock
// uses the system clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MemoryStore{clk: clk, messages: make(map[string]*ScheduledMessage)}
}

func (s *MemoryStore) Add(_ context.Context, msg *ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return cloneMessage(msg), nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, deadline time.Time, limit int, owner string) ([]*ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*ScheduledMessage
	for _, msg := range s.messages {
		if msg.Status == StatusScheduled && !msg.ScheduledFor.After(deadline) {
			due = append(due, msg)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(due[j].ScheduledFor) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	now := s.clk.Now()
	claimed := make([]*ScheduledMessage, 0, len(due))
	for _, msg := range due {
		msg.Status = StatusDelivering
		msg.Owner = owner
		claimedAt := now
		msg.ClaimedAt = &claimedAt
		claimed = append(claimed, cloneMessage(msg))
	}
	return claimed, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || msg.Status != StatusDelivering {
		return false, nil
	}
	now := s.clk.Now()
	msg.Status = StatusDelivered
	msg.DeliveredAt = &now
	msg.Owner = ""
	msg.ClaimedAt = nil
	return true, nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, lastError string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || msg.Status != StatusDelivering {
		return false, nil
	}
	msg.Status = StatusFailed
	msg.LastError = lastError
	msg.Owner = ""
	msg.ClaimedAt = nil
	return true, nil
}

func (s *MemoryStore) Reschedule(_ context.Context, id string, nextAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || msg.Status != StatusDelivering {
		return false, nil
	}
	msg.Status = StatusScheduled
	msg.ScheduledFor = nextAt
	msg.Owner = ""
	msg.ClaimedAt = nil
	return true, nil
}

func (s *MemoryStore) Cancel(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || msg.Status != StatusScheduled {
		return false, nil
	}
	msg.Status = StatusCancelled
	return true, nil
}

func (s *MemoryStore) ReclaimExpired(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed int64
	for _, msg := range s.messages {
		if msg.Status == StatusDelivering && msg.ClaimedAt != nil && msg.ClaimedAt.Before(olderThan) {
			msg.Status = StatusScheduled
			msg.Owner = ""
			msg.ClaimedAt = nil
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *MemoryStore) GetScheduledCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, msg := range s.messages {
		if msg.Status == StatusScheduled {
			count++
		}
	}
	return count, nil
}

func cloneMessage(msg *ScheduledMessage) *ScheduledMessage {
	cp := *msg
	if msg.ClaimedAt != nil {
		t := *msg.ClaimedAt
		cp.ClaimedAt = &t
	}
	if msg.DeliveredAt != nil {
		t := *msg.DeliveredAt
		cp.DeliveredAt = &t
	}
	return &cp
}
