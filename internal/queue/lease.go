package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"go.relaykit.dev/internal/common/clock"
)

// leased is an in-flight delivery awaiting Ack or Nack.
type leased struct {
	item     *queued
	deadline time.Time
}

// leaseTracker records in-flight deliveries and hands expired ones back to
// the queue for redelivery. A zero timeout disables expiry; deliveries are
// then tracked only so Ack and Nack resolve.
type leaseTracker struct {
	clk     clock.Clock
	timeout time.Duration
	expired func(*queued)

	mu       sync.Mutex
	inflight map[uint64]*leased

	nextToken atomic.Uint64
	done      chan struct{}
	wg        sync.WaitGroup
}

func newLeaseTracker(clk clock.Clock, timeout time.Duration, expired func(*queued)) *leaseTracker {
	t := &leaseTracker{
		clk:      clk,
		timeout:  timeout,
		expired:  expired,
		inflight: make(map[uint64]*leased),
		done:     make(chan struct{}),
	}
	if timeout > 0 {
		t.wg.Add(1)
		go t.sweep()
	}
	return t
}

// track records a delivery and returns its token.
func (t *leaseTracker) track(item *queued) uint64 {
	token := t.nextToken.Add(1)
	l := &leased{item: item}
	if t.timeout > 0 {
		l.deadline = t.clk.Now().Add(t.timeout)
	}
	t.mu.Lock()
	t.inflight[token] = l
	t.mu.Unlock()
	return token
}

// settle removes a delivery and returns its item, or ErrUnknownDelivery.
func (t *leaseTracker) settle(token uint64) (*queued, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.inflight[token]
	if !ok {
		return nil, ErrUnknownDelivery
	}
	delete(t.inflight, token)
	return l.item, nil
}

// inflightCount reports unsettled deliveries.
func (t *leaseTracker) inflightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

func (t *leaseTracker) stop() {
	close(t.done)
	t.wg.Wait()
}

func (t *leaseTracker) sweep() {
	defer t.wg.Done()

	interval := t.timeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	for {
		timer := t.clk.NewTimer(interval)
		select {
		case <-timer.C():
		case <-t.done:
			timer.Stop()
			return
		}

		now := t.clk.Now()
		var due []*queued
		t.mu.Lock()
		for token, l := range t.inflight {
			if !l.deadline.After(now) {
				delete(t.inflight, token)
				due = append(due, l.item)
			}
		}
		t.mu.Unlock()

		for _, item := range due {
			t.expired(item)
		}
	}
}
