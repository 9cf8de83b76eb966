package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/common/tsid"
	"go.relaykit.dev/internal/message"
)

// timerEntry is one heap slot of the in-memory scheduler.
type timerEntry struct {
	msg       *ScheduledMessage
	heapIndex int
	cancelled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	return h[i].msg.ScheduledFor.Before(h[j].msg.ScheduledFor)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// TimerScheduler delivers scheduled messages from process memory: a
// min-heap keyed by due time and a single dispatcher goroutine waiting on
// the earliest deadline. Nothing survives a restart; use the polled
// scheduler for durable schedules.
type TimerScheduler struct {
	deliver DeliverFunc
	clk     clock.Clock
	ids     *tsid.Generator

	mu      sync.Mutex
	entries timerHeap
	byID    map[string]*timerEntry
	wake    chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewTimerScheduler creates an in-memory scheduler delivering through the
// callback. A nil clock uses the system clock.
func NewTimerScheduler(deliver DeliverFunc, clk clock.Clock) (*TimerScheduler, error) {
	if deliver == nil {
		return nil, fmt.Errorf("scheduler: delivery callback must not be nil")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &TimerScheduler{
		deliver: deliver,
		clk:     clk,
		ids:     tsid.NewGenerator(clk),
		byID:    make(map[string]*timerEntry),
		wake:    make(chan struct{}, 1),
	}, nil
}

func (s *TimerScheduler) Schedule(_ context.Context, env *message.Envelope, at time.Time, opts Options) (string, error) {
	if env == nil {
		return "", fmt.Errorf("scheduler: message must not be nil")
	}
	msg := &ScheduledMessage{
		ID:           s.ids.Generate(),
		Env:          env,
		Destination:  opts.Destination,
		ScheduledFor: at,
		Status:       StatusScheduled,
		Every:        opts.Every,
		CreatedAt:    s.clk.Now(),
	}

	s.mu.Lock()
	entry := &timerEntry{msg: msg}
	heap.Push(&s.entries, entry)
	s.byID[msg.ID] = entry
	s.mu.Unlock()

	// Nudge the dispatcher in case this entry is now the earliest.
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return msg.ID, nil
}

func (s *TimerScheduler) Cancel(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byID[id]
	if !ok || entry.cancelled {
		return false, nil
	}
	entry.cancelled = true
	entry.msg.Status = StatusCancelled
	delete(s.byID, id)
	metrics.SchedulerCancelled.Inc()
	return true, nil
}

// Start launches the dispatcher goroutine.
func (s *TimerScheduler) Start() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.wg.Add(1)
	go s.run()
	slog.Info("In-memory scheduler started")
}

// Stop halts the dispatcher. Pending entries stay in the heap and fire if
// the scheduler is started again.
func (s *TimerScheduler) Stop() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.running = false
	slog.Info("In-memory scheduler stopped")
}

func (s *TimerScheduler) run() {
	defer s.wg.Done()
	for {
		due, next := s.collectDue()
		for _, msg := range due {
			s.fire(msg)
		}

		var timer clock.Timer
		var fires <-chan time.Time
		if next != nil {
			timer = s.clk.NewTimer(next.Sub(s.clk.Now()))
			fires = timer.C()
		}

		select {
		case <-s.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-fires:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// collectDue pops every due entry and returns the next deadline, if any.
func (s *TimerScheduler) collectDue() ([]*ScheduledMessage, *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	var due []*ScheduledMessage
	for s.entries.Len() > 0 {
		head := s.entries[0]
		if head.cancelled {
			heap.Pop(&s.entries)
			continue
		}
		if head.msg.ScheduledFor.After(now) {
			next := head.msg.ScheduledFor
			return due, &next
		}
		heap.Pop(&s.entries)
		delete(s.byID, head.msg.ID)
		head.msg.Status = StatusDelivering
		due = append(due, head.msg)
	}
	return due, nil
}

func (s *TimerScheduler) fire(msg *ScheduledMessage) {
	if err := s.deliver(s.ctx, msg); err != nil {
		msg.Status = StatusFailed
		msg.LastError = err.Error()
		slog.Error("Scheduled delivery failed", "id", msg.ID, "error", err)
		return
	}
	metrics.SchedulerDelivered.Inc()

	if msg.Every > 0 {
		msg.Status = StatusScheduled
		msg.ScheduledFor = s.clk.Now().Add(msg.Every)
		s.mu.Lock()
		entry := &timerEntry{msg: msg}
		heap.Push(&s.entries, entry)
		s.byID[msg.ID] = entry
		s.mu.Unlock()
		return
	}
	now := s.clk.Now()
	msg.Status = StatusDelivered
	msg.DeliveredAt = &now
}
