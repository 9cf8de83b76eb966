package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/message"
)

// recorder collects delivered messages.
type recorder struct {
	mu        sync.Mutex
	delivered []*ScheduledMessage
	ch        chan *ScheduledMessage
	err       error
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan *ScheduledMessage, 16)}
}

func (r *recorder) deliver(_ context.Context, msg *ScheduledMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.delivered = append(r.delivered, msg)
	r.ch <- msg
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delivered)
}

func TestTimerSchedulerDeliversOnTime(t *testing.T) {
	rec := newRecorder()
	s, err := NewTimerScheduler(rec.deliver, nil)
	if err != nil {
		t.Fatalf("NewTimerScheduler: %v", err)
	}
	s.Start()
	defer s.Stop()

	start := time.Now()
	due := start.Add(50 * time.Millisecond)
	if _, err := s.Schedule(context.Background(), message.NewEvent("ReminderDue", nil), due, Options{}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case <-rec.ch:
		elapsed := time.Since(start)
		if elapsed < 50*time.Millisecond || elapsed > 150*time.Millisecond {
			t.Errorf("delivery at %s is outside the 50-150ms window", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduled message never delivered")
	}
}

func TestTimerSchedulerPastDueFiresImmediately(t *testing.T) {
	rec := newRecorder()
	s, _ := NewTimerScheduler(rec.deliver, nil)
	s.Start()
	defer s.Stop()

	past := time.Now().Add(-time.Minute)
	s.Schedule(context.Background(), message.NewEvent("ReminderDue", nil), past, Options{})

	select {
	case <-rec.ch:
	case <-time.After(time.Second):
		t.Fatal("past-due message must fire immediately")
	}
}

func TestTimerSchedulerCancelBeforeDue(t *testing.T) {
	rec := newRecorder()
	s, _ := NewTimerScheduler(rec.deliver, nil)
	s.Start()
	defer s.Stop()

	id, _ := s.Schedule(context.Background(),
		message.NewEvent("ReminderDue", nil), time.Now().Add(80*time.Millisecond), Options{})

	cancelled, err := s.Cancel(context.Background(), id)
	if err != nil || !cancelled {
		t.Fatalf("Cancel: cancelled=%v err=%v", cancelled, err)
	}

	select {
	case <-rec.ch:
		t.Fatal("cancelled message must not be delivered")
	case <-time.After(200 * time.Millisecond):
	}

	if again, _ := s.Cancel(context.Background(), id); again {
		t.Error("second cancel must report false")
	}
}

func TestTimerSchedulerEarlierInsertResetsTimer(t *testing.T) {
	rec := newRecorder()
	s, _ := NewTimerScheduler(rec.deliver, nil)
	s.Start()
	defer s.Stop()

	ctx := context.Background()
	s.Schedule(ctx, message.NewEvent("Late", nil), time.Now().Add(500*time.Millisecond), Options{})
	s.Schedule(ctx, message.NewEvent("Early", nil), time.Now().Add(40*time.Millisecond), Options{})

	select {
	case msg := <-rec.ch:
		if msg.Env.Name != "Early" {
			t.Errorf("expected the earlier message first, got %s", msg.Env.Name)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatal("earlier message must preempt the pending deadline")
	}
}

func TestTimerSchedulerRecurring(t *testing.T) {
	rec := newRecorder()
	s, _ := NewTimerScheduler(rec.deliver, nil)
	s.Start()
	defer s.Stop()

	s.Schedule(context.Background(), message.NewEvent("Tick", nil),
		time.Now().Add(20*time.Millisecond), Options{Every: 30 * time.Millisecond})

	deadline := time.After(time.Second)
	for i := 0; i < 3; i++ {
		select {
		case <-rec.ch:
		case <-deadline:
			t.Fatalf("expected 3 recurring deliveries, got %d", i)
		}
	}
}

// newTestPolled wires a polled scheduler for direct pollOnce calls.
func newTestPolled(t *testing.T, store Store, rec *recorder, clk clock.Clock) *PolledScheduler {
	t.Helper()
	s, err := NewPolledScheduler(DefaultPolledConfig(), store, rec.deliver, clk)
	if err != nil {
		t.Fatalf("NewPolledScheduler: %v", err)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func TestPolledSchedulerClaimsAndDelivers(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	rec := newRecorder()
	s := newTestPolled(t, store, rec, clk)

	ctx := context.Background()
	id, err := s.Schedule(ctx, message.NewEvent("ReminderDue", nil), clk.Now().Add(time.Minute), Options{Destination: "orders"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// Not due yet.
	s.pollOnce()
	if rec.count() != 0 {
		t.Fatal("message delivered before its due time")
	}

	clk.Advance(2 * time.Minute)
	s.pollOnce()
	if rec.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", rec.count())
	}
	if got := rec.delivered[0]; got.Destination != "orders" {
		t.Errorf("expected destination to ride along, got %q", got.Destination)
	}

	msg, _ := store.Get(ctx, id)
	if msg.Status != StatusDelivered {
		t.Errorf("expected Delivered, got %s", msg.Status)
	}

	// Delivered messages never fire again.
	s.pollOnce()
	if rec.count() != 1 {
		t.Errorf("expected no redelivery, got %d", rec.count())
	}
}

func TestPolledSchedulerMarksFailedDeliveries(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	rec := newRecorder()
	rec.err = errors.New("downstream unavailable")
	s := newTestPolled(t, store, rec, clk)

	ctx := context.Background()
	id, _ := s.Schedule(ctx, message.NewEvent("ReminderDue", nil), clk.Now(), Options{})
	s.pollOnce()

	msg, _ := store.Get(ctx, id)
	if msg.Status != StatusFailed {
		t.Errorf("expected Failed, got %s", msg.Status)
	}
	if msg.LastError != "downstream unavailable" {
		t.Errorf("expected recorded error, got %q", msg.LastError)
	}
}

func TestPolledSchedulerCancelIsAdvisory(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	rec := newRecorder()
	s := newTestPolled(t, store, rec, clk)

	ctx := context.Background()
	id, _ := s.Schedule(ctx, message.NewEvent("ReminderDue", nil), clk.Now().Add(time.Hour), Options{})

	cancelled, err := s.Cancel(ctx, id)
	if err != nil || !cancelled {
		t.Fatalf("Cancel: cancelled=%v err=%v", cancelled, err)
	}

	clk.Advance(2 * time.Hour)
	s.pollOnce()
	if rec.count() != 0 {
		t.Error("cancelled message must not be delivered")
	}

	// Once claimed, cancellation no longer lands.
	id2, _ := s.Schedule(ctx, message.NewEvent("ReminderDue", nil), clk.Now(), Options{})
	store.ClaimDue(ctx, clk.Now(), 10, "other-worker")
	if cancelled, _ := s.Cancel(ctx, id2); cancelled {
		t.Error("cancel of a claimed message must report false")
	}
}

func TestPolledSchedulerReclaimsExpiredClaims(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	rec := newRecorder()
	s := newTestPolled(t, store, rec, clk)
	id, _ := s.Schedule(ctx, message.NewEvent("ReminderDue", nil), clk.Now(), Options{})

	// A different worker claims and dies.
	store.ClaimDue(ctx, clk.Now(), 10, "dead-worker")
	clk.Advance(5 * time.Minute)

	reclaimed, err := store.ReclaimExpired(ctx, clk.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", reclaimed)
	}

	s.pollOnce()
	if rec.count() != 1 {
		t.Fatalf("expected redelivery after reclaim, got %d", rec.count())
	}
	msg, _ := store.Get(ctx, id)
	if msg.Status != StatusDelivered {
		t.Errorf("expected Delivered, got %s", msg.Status)
	}
}

func TestPolledSchedulerRecurringReschedules(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	rec := newRecorder()
	s := newTestPolled(t, store, rec, clk)

	ctx := context.Background()
	id, _ := s.Schedule(ctx, message.NewEvent("Tick", nil), clk.Now(), Options{Every: time.Minute})

	s.pollOnce()
	if rec.count() != 1 {
		t.Fatalf("expected first delivery, got %d", rec.count())
	}

	msg, _ := store.Get(ctx, id)
	if msg.Status != StatusScheduled {
		t.Fatalf("recurring message must return to Scheduled, got %s", msg.Status)
	}
	want := clk.Now().Add(time.Minute)
	if !msg.ScheduledFor.Equal(want) {
		t.Errorf("expected next due %s, got %s", want, msg.ScheduledFor)
	}

	clk.Advance(2 * time.Minute)
	s.pollOnce()
	if rec.count() != 2 {
		t.Errorf("expected second delivery, got %d", rec.count())
	}
}
