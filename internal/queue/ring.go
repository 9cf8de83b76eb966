package queue

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/message"
)

// WaitStrategy selects how ring buffer consumers wait for work.
type WaitStrategy string

const (
	// WaitBusySpin spins without yielding. Lowest latency, burns a core.
	WaitBusySpin WaitStrategy = "BUSY_SPIN"

	// WaitYielding spins briefly, then yields the processor.
	WaitYielding WaitStrategy = "YIELDING"

	// WaitSleeping escalates from spinning through yielding to short
	// sleeps with rising duration.
	WaitSleeping WaitStrategy = "SLEEPING"

	// WaitBlocking parks the consumer until a producer publishes.
	WaitBlocking WaitStrategy = "BLOCKING"
)

// ProducerMode selects the slot-claim protocol.
type ProducerMode string

const (
	// ProducerSingle uses plain cursor increments. Only one goroutine may
	// enqueue.
	ProducerSingle ProducerMode = "SINGLE"

	// ProducerMulti claims slots with CAS so any number of goroutines may
	// enqueue.
	ProducerMulti ProducerMode = "MULTI"
)

// RingConfig controls a ring buffer queue.
type RingConfig struct {
	// Name identifies the queue in logs and metrics.
	Name string

	// BufferSize is the per-band slot count. Must be a power of two.
	BufferSize int

	// WaitStrategy is the consumer wait strategy. Defaults to WaitBlocking.
	WaitStrategy WaitStrategy

	// ProducerMode is the producer claim protocol. Defaults to ProducerMulti.
	ProducerMode ProducerMode

	// DropWhenFull evicts the oldest message in the band instead of
	// blocking the producer.
	DropWhenFull bool

	// LeaseTimeout is how long a delivery may stay unacknowledged before
	// it becomes visible again. 0 disables redelivery.
	LeaseTimeout time.Duration
}

// DefaultRingConfig returns the ring buffer defaults.
func DefaultRingConfig(name string) RingConfig {
	return RingConfig{
		Name:         name,
		BufferSize:   1024,
		WaitStrategy: WaitBlocking,
		ProducerMode: ProducerMulti,
		LeaseTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration. A non-power-of-two buffer size is
// rejected because slot indexing relies on masking.
func (c RingConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("ring queue: Name must not be empty")
	}
	if c.BufferSize <= 0 || c.BufferSize&(c.BufferSize-1) != 0 {
		return fmt.Errorf("ring queue %q: BufferSize must be a power of two, got %d", c.Name, c.BufferSize)
	}
	switch c.WaitStrategy {
	case "", WaitBusySpin, WaitYielding, WaitSleeping, WaitBlocking:
	default:
		return fmt.Errorf("ring queue %q: unknown wait strategy %q", c.Name, c.WaitStrategy)
	}
	switch c.ProducerMode {
	case "", ProducerSingle, ProducerMulti:
	default:
		return fmt.Errorf("ring queue %q: unknown producer mode %q", c.Name, c.ProducerMode)
	}
	if c.LeaseTimeout < 0 {
		return fmt.Errorf("ring queue %q: LeaseTimeout must be >= 0, got %s", c.Name, c.LeaseTimeout)
	}
	return nil
}

// ringSlot is one slot of a ring. seq implements the publish protocol:
// seq == pos means the slot is free for the producer claiming pos;
// seq == pos+1 means the slot holds the item published at pos.
type ringSlot struct {
	seq  atomic.Uint64
	item *queued
}

// ring is a bounded lock-free queue of one priority band.
type ring struct {
	mask  uint64
	slots []ringSlot
	head  atomic.Uint64
	tail  atomic.Uint64
}

func newRing(size int) *ring {
	r := &ring{
		mask:  uint64(size - 1),
		slots: make([]ringSlot, size),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// offerMulti claims a slot with CAS. Returns false when the ring is full.
func (r *ring) offerMulti(item *queued) bool {
	for {
		pos := r.tail.Load()
		slot := &r.slots[pos&r.mask]
		seq := slot.seq.Load()
		switch {
		case seq == pos:
			if r.tail.CompareAndSwap(pos, pos+1) {
				slot.item = item
				slot.seq.Store(pos + 1)
				return true
			}
		case seq < pos:
			return false
		default:
			// Another producer advanced the cursor; reload.
		}
	}
}

// offerSingle claims the next slot with a plain increment. Only valid with
// a single producing goroutine.
func (r *ring) offerSingle(item *queued) bool {
	pos := r.tail.Load()
	slot := &r.slots[pos&r.mask]
	if slot.seq.Load() != pos {
		return false
	}
	slot.item = item
	slot.seq.Store(pos + 1)
	r.tail.Store(pos + 1)
	return true
}

// poll consumes the next published slot. Returns nil when the ring is
// empty. Safe for concurrent consumers.
func (r *ring) poll() *queued {
	for {
		pos := r.head.Load()
		slot := &r.slots[pos&r.mask]
		seq := slot.seq.Load()
		switch {
		case seq == pos+1:
			if r.head.CompareAndSwap(pos, pos+1) {
				item := slot.item
				slot.item = nil
				slot.seq.Store(pos + r.mask + 1)
				return item
			}
		case seq <= pos:
			return nil
		default:
			// A consumer advanced the cursor; reload.
		}
	}
}

func (r *ring) size() int {
	return int(r.tail.Load() - r.head.Load())
}

// RingQueue is a lock-free multi-band queue. Each priority band has its
// own ring; dequeue drains higher bands first.
type RingQueue struct {
	cfg RingConfig
	clk clock.Clock

	rings  [numPriorityBands]*ring
	delay  *delayRunner
	leases *leaseTracker

	// notify wakes blocked consumers under WaitBlocking.
	notify  chan struct{}
	closed  atomic.Bool
	closeCh chan struct{}
}

// NewRingQueue creates a ring buffer queue. A nil clock uses the system
// clock.
func NewRingQueue(cfg RingConfig, clk clock.Clock) (*RingQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.WaitStrategy == "" {
		cfg.WaitStrategy = WaitBlocking
	}
	if cfg.ProducerMode == "" {
		cfg.ProducerMode = ProducerMulti
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	q := &RingQueue{
		cfg:     cfg,
		clk:     clk,
		notify:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	for i := range q.rings {
		q.rings[i] = newRing(cfg.BufferSize)
	}
	q.delay = newDelayRunner(clk, q.releaseDelayed)
	q.leases = newLeaseTracker(clk, cfg.LeaseTimeout, q.redeliver)
	return q, nil
}

func (q *RingQueue) Enqueue(ctx context.Context, env *message.Envelope, opts ...EnqueueOption) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	var o EnqueueOptions
	o.Priority = PriorityNormal
	for _, opt := range opts {
		opt(&o)
	}

	item := &queued{env: env, priority: o.Priority, attempt: 1}

	if o.Delay > 0 {
		item.visibleAt = q.clk.Now().Add(o.Delay)
		q.delay.schedule(item)
		return nil
	}
	return q.offer(ctx, item)
}

func (q *RingQueue) offer(ctx context.Context, item *queued) error {
	band := q.rings[item.priority]
	for {
		if q.tryOffer(band, item) {
			metrics.QueueEnqueued.WithLabelValues(q.cfg.Name, "accepted").Inc()
			metrics.QueueDepth.WithLabelValues(q.cfg.Name).Set(float64(q.Depth()))
			q.wakeConsumer()
			return nil
		}

		if q.cfg.DropWhenFull {
			if evicted := band.poll(); evicted != nil {
				metrics.QueueEnqueued.WithLabelValues(q.cfg.Name, "dropped").Inc()
			}
			continue
		}

		// Full ring: back off briefly and retry, honouring cancellation.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closeCh:
			return ErrQueueClosed
		default:
			runtime.Gosched()
		}
	}
}

func (q *RingQueue) tryOffer(band *ring, item *queued) bool {
	if q.cfg.ProducerMode == ProducerSingle {
		return band.offerSingle(item)
	}
	return band.offerMulti(item)
}

func (q *RingQueue) wakeConsumer() {
	if q.cfg.WaitStrategy != WaitBlocking {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *RingQueue) releaseDelayed(item *queued) {
	if q.closed.Load() {
		return
	}
	_ = q.offer(context.Background(), item)
}

func (q *RingQueue) redeliver(item *queued) {
	if q.closed.Load() {
		return
	}
	item.attempt++
	metrics.QueueRedeliveries.WithLabelValues(q.cfg.Name).Inc()
	_ = q.offer(context.Background(), item)
}

func (q *RingQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	spins := 0
	for {
		if q.closed.Load() {
			return nil, ErrQueueClosed
		}
		for p := PriorityHigh; p >= PriorityLow; p-- {
			if item := q.rings[p].poll(); item != nil {
				return q.deliver(item), nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		q.wait(ctx, &spins)
	}
}

// wait idles the consumer according to the configured strategy.
func (q *RingQueue) wait(ctx context.Context, spins *int) {
	switch q.cfg.WaitStrategy {
	case WaitBusySpin:
		// Spin.
	case WaitYielding:
		*spins++
		if *spins > 100 {
			runtime.Gosched()
		}
	case WaitSleeping:
		*spins++
		switch {
		case *spins < 100:
			// Spin.
		case *spins < 200:
			runtime.Gosched()
		default:
			sleep := time.Duration(*spins-199) * 10 * time.Microsecond
			if sleep > time.Millisecond {
				sleep = time.Millisecond
			}
			time.Sleep(sleep)
		}
	default: // WaitBlocking
		timer := q.clk.NewTimer(10 * time.Millisecond)
		select {
		case <-q.notify:
		case <-timer.C():
		case <-ctx.Done():
		case <-q.closeCh:
		}
		timer.Stop()
	}
}

func (q *RingQueue) deliver(item *queued) *Delivery {
	metrics.QueueDepth.WithLabelValues(q.cfg.Name).Set(float64(q.Depth()))
	token := q.leases.track(item)
	return &Delivery{
		Token:    token,
		Env:      item.env,
		Priority: item.priority,
		Attempt:  item.attempt,
	}
}

func (q *RingQueue) Ack(token uint64) error {
	_, err := q.leases.settle(token)
	return err
}

func (q *RingQueue) Nack(token uint64) error {
	item, err := q.leases.settle(token)
	if err != nil {
		return err
	}
	item.attempt++
	return q.offer(context.Background(), item)
}

func (q *RingQueue) Depth() int {
	total := 0
	for _, r := range q.rings {
		total += r.size()
	}
	return total
}

func (q *RingQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(q.closeCh)
	q.delay.stop()
	q.leases.stop()
	return nil
}
