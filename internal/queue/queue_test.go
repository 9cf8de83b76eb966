package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.relaykit.dev/internal/message"
)

func newTestChannelQueue(t *testing.T, mutate func(*ChannelConfig)) *ChannelQueue {
	t.Helper()
	cfg := DefaultChannelConfig("test")
	cfg.LeaseTimeout = 0
	if mutate != nil {
		mutate(&cfg)
	}
	q, err := NewChannelQueue(cfg, nil)
	if err != nil {
		t.Fatalf("NewChannelQueue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestChannelQueueFIFO(t *testing.T) {
	q := newTestChannelQueue(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, message.NewEvent("Tick", i)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		d, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue %d: %v", i, err)
		}
		if d.Env.Body != i {
			t.Errorf("expected item %d, got %v", i, d.Env.Body)
		}
		q.Ack(d.Token)
	}
}

func TestChannelQueuePriorityDrainsHighFirst(t *testing.T) {
	q := newTestChannelQueue(t, nil)
	ctx := context.Background()

	q.Enqueue(ctx, message.NewEvent("Tick", "low"), WithPriority(PriorityLow))
	q.Enqueue(ctx, message.NewEvent("Tick", "normal"))
	q.Enqueue(ctx, message.NewEvent("Tick", "high"), WithPriority(PriorityHigh))

	expected := []string{"high", "normal", "low"}
	for _, want := range expected {
		d, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if d.Env.Body != want {
			t.Errorf("expected %q, got %v", want, d.Env.Body)
		}
		q.Ack(d.Token)
	}
}

func TestChannelQueueDropWhenFullEvictsOldest(t *testing.T) {
	q := newTestChannelQueue(t, func(c *ChannelConfig) {
		c.BufferSize = 2
		c.DropWhenFull = true
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, message.NewEvent("Tick", i)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	d, _ := q.Dequeue(ctx)
	if d.Env.Body != 1 {
		t.Errorf("expected oldest (0) to be evicted, first delivery is %v", d.Env.Body)
	}
}

func TestChannelQueueDelayedVisibility(t *testing.T) {
	q := newTestChannelQueue(t, nil)
	ctx := context.Background()

	q.Enqueue(ctx, message.NewEvent("Tick", "later"), WithDelay(30*time.Millisecond))

	if q.Depth() != 0 {
		t.Errorf("delayed message must not be visible, depth %d", q.Depth())
	}

	deadline, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := q.Dequeue(deadline)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if d.Env.Body != "later" {
		t.Errorf("expected the delayed message, got %v", d.Env.Body)
	}
}

func TestChannelQueueLeaseRedelivery(t *testing.T) {
	q := newTestChannelQueue(t, func(c *ChannelConfig) {
		c.LeaseTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()

	q.Enqueue(ctx, message.NewEvent("Tick", "x"))

	first, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	// Never acked: the lease expires and the message comes back.

	deadline, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	second, err := q.Dequeue(deadline)
	if err != nil {
		t.Fatalf("redelivery Dequeue: %v", err)
	}
	if second.Env.ID != first.Env.ID {
		t.Errorf("expected the same message redelivered")
	}
	if second.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", second.Attempt)
	}
}

func TestChannelQueueNackRedeliversImmediately(t *testing.T) {
	q := newTestChannelQueue(t, nil)
	ctx := context.Background()

	q.Enqueue(ctx, message.NewEvent("Tick", "x"))
	d, _ := q.Dequeue(ctx)

	if err := q.Nack(d.Token); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	again, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue after Nack: %v", err)
	}
	if again.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", again.Attempt)
	}

	if err := q.Ack(d.Token); err != ErrUnknownDelivery {
		t.Errorf("settling a settled delivery must fail, got %v", err)
	}
}

func TestChannelQueueCloseUnblocksDequeue(t *testing.T) {
	q := newTestChannelQueue(t, nil)

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if err != ErrQueueClosed {
			t.Errorf("expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock after Close")
	}
}

func TestRingConfigRejectsNonPowerOfTwo(t *testing.T) {
	cfg := DefaultRingConfig("bad")
	cfg.BufferSize = 100

	if _, err := NewRingQueue(cfg, nil); err == nil {
		t.Fatal("expected a configuration error for a non-power-of-two size")
	}
}

func TestRingQueuePreservesOrderThroughWrap(t *testing.T) {
	cfg := DefaultRingConfig("wrap")
	cfg.BufferSize = 8
	cfg.ProducerMode = ProducerSingle
	cfg.LeaseTimeout = 0
	q, err := NewRingQueue(cfg, nil)
	if err != nil {
		t.Fatalf("NewRingQueue: %v", err)
	}
	defer q.Close()

	const total = 100
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if err := q.Enqueue(ctx, message.NewEvent("Tick", i)); err != nil {
				t.Errorf("Enqueue %d: %v", i, err)
				return
			}
		}
	}()

	deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for i := 0; i < total; i++ {
		d, err := q.Dequeue(deadline)
		if err != nil {
			t.Fatalf("Dequeue %d: %v", i, err)
		}
		if d.Env.Body != i {
			t.Fatalf("order broken at %d: got %v", i, d.Env.Body)
		}
		q.Ack(d.Token)
	}
	wg.Wait()
}

func TestRingQueueMultiProducer(t *testing.T) {
	cfg := DefaultRingConfig("multi")
	cfg.BufferSize = 64
	cfg.LeaseTimeout = 0
	q, err := NewRingQueue(cfg, nil)
	if err != nil {
		t.Fatalf("NewRingQueue: %v", err)
	}
	defer q.Close()

	const producers = 4
	const perProducer = 50
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				env := message.NewEvent("Tick", fmt.Sprintf("%d-%d", p, i))
				if err := q.Enqueue(ctx, env); err != nil {
					t.Errorf("producer %d: %v", p, err)
					return
				}
			}
		}(p)
	}

	seen := make(map[string]bool)
	deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for i := 0; i < producers*perProducer; i++ {
		d, err := q.Dequeue(deadline)
		if err != nil {
			t.Fatalf("Dequeue %d: %v", i, err)
		}
		body := d.Env.Body.(string)
		if seen[body] {
			t.Fatalf("duplicate delivery of %s", body)
		}
		seen[body] = true
		q.Ack(d.Token)
	}
	wg.Wait()

	if len(seen) != producers*perProducer {
		t.Errorf("expected %d distinct messages, got %d", producers*perProducer, len(seen))
	}
}

func TestRingQueuePriority(t *testing.T) {
	cfg := DefaultRingConfig("prio")
	cfg.BufferSize = 8
	cfg.LeaseTimeout = 0
	q, _ := NewRingQueue(cfg, nil)
	defer q.Close()
	ctx := context.Background()

	q.Enqueue(ctx, message.NewEvent("Tick", "low"), WithPriority(PriorityLow))
	q.Enqueue(ctx, message.NewEvent("Tick", "high"), WithPriority(PriorityHigh))

	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if d.Env.Body != "high" {
		t.Errorf("expected the high band to drain first, got %v", d.Env.Body)
	}
}

func TestManagerStartAndStopConsumers(t *testing.T) {
	m := NewManager(nil)
	cfg := DefaultConfig("orders")
	cfg.Workers = 2
	cfg.LeaseTimeout = 0
	q, err := m.Register(cfg)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer m.Close()

	var mu sync.Mutex
	received := make(map[string]bool)
	done := make(chan struct{})

	const total = 10
	err = m.StartQueue("orders", func(_ context.Context, d *Delivery) error {
		mu.Lock()
		received[d.Env.ID] = true
		if len(received) == total {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("StartQueue: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < total; i++ {
		if err := q.Enqueue(ctx, message.NewEvent("OrderPlaced", i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumers did not process all messages")
	}

	if err := m.StopQueue("orders"); err != nil {
		t.Fatalf("StopQueue: %v", err)
	}

	stats := m.Stats()
	if len(stats) != 1 || stats[0].Running {
		t.Errorf("expected one stopped queue in stats, got %+v", stats)
	}
}

func TestManagerRejectsDuplicateName(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	if _, err := m.Register(DefaultConfig("dup")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := m.Register(DefaultConfig("dup")); err == nil {
		t.Fatal("duplicate registration must fail")
	}
}
