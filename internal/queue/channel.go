package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/message"
)

// ChannelConfig controls a channel queue.
type ChannelConfig struct {
	// Name identifies the queue in logs and metrics.
	Name string

	// BufferSize is the per-band capacity. Enqueue to a full band blocks
	// unless DropWhenFull is set.
	BufferSize int

	// DropWhenFull evicts the oldest message in the band instead of
	// blocking the producer.
	DropWhenFull bool

	// LeaseTimeout is how long a delivery may stay unacknowledged before
	// it becomes visible again. 0 disables redelivery.
	LeaseTimeout time.Duration
}

// DefaultChannelConfig returns the channel queue defaults.
func DefaultChannelConfig(name string) ChannelConfig {
	return ChannelConfig{
		Name:         name,
		BufferSize:   1024,
		LeaseTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c ChannelConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("channel queue: Name must not be empty")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("channel queue %q: BufferSize must be positive, got %d", c.Name, c.BufferSize)
	}
	if c.LeaseTimeout < 0 {
		return fmt.Errorf("channel queue %q: LeaseTimeout must be >= 0, got %s", c.Name, c.LeaseTimeout)
	}
	return nil
}

// ChannelQueue is a bounded FIFO built on buffered channels, one per
// priority band. Dequeue drains higher bands first.
type ChannelQueue struct {
	cfg ChannelConfig
	clk clock.Clock

	bands  [numPriorityBands]chan *queued
	delay  *delayRunner
	leases *leaseTracker

	depth   atomic.Int64
	closed  atomic.Bool
	closeCh chan struct{}
}

// NewChannelQueue creates a channel queue. A nil clock uses the system
// clock.
func NewChannelQueue(cfg ChannelConfig, clk clock.Clock) (*ChannelQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	q := &ChannelQueue{
		cfg:     cfg,
		clk:     clk,
		closeCh: make(chan struct{}),
	}
	for i := range q.bands {
		q.bands[i] = make(chan *queued, cfg.BufferSize)
	}
	q.delay = newDelayRunner(clk, q.releaseDelayed)
	q.leases = newLeaseTracker(clk, cfg.LeaseTimeout, q.redeliver)
	return q, nil
}

func (q *ChannelQueue) Enqueue(ctx context.Context, env *message.Envelope, opts ...EnqueueOption) error {
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
	return q.push(ctx, item)
}

// push adds a visible item to its band, applying the configured
// backpressure policy.
func (q *ChannelQueue) push(ctx context.Context, item *queued) error {
	band := q.bands[item.priority]

	select {
	case band <- item:
		q.accepted(item)
		return nil
	default:
	}

	if q.cfg.DropWhenFull {
		// Evict the oldest message in the band to admit the newest.
		select {
		case evicted := <-band:
			q.depth.Add(-1)
			metrics.QueueEnqueued.WithLabelValues(q.cfg.Name, "dropped").Inc()
			slog.Warn("Queue full, dropped oldest message",
				"queue", q.cfg.Name, "droppedId", evicted.env.ID)
		default:
		}
		select {
		case band <- item:
			q.accepted(item)
			return nil
		default:
			return ErrQueueFull
		}
	}

	select {
	case band <- item:
		q.accepted(item)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeCh:
		return ErrQueueClosed
	}
}

func (q *ChannelQueue) accepted(item *queued) {
	q.depth.Add(1)
	metrics.QueueEnqueued.WithLabelValues(q.cfg.Name, "accepted").Inc()
	metrics.QueueDepth.WithLabelValues(q.cfg.Name).Set(float64(q.depth.Load()))
}

// releaseDelayed moves a matured delayed item into its band. The producer
// has already returned, so a full band falls back to the drop policy or a
// background blocking send.
func (q *ChannelQueue) releaseDelayed(item *queued) {
	if q.closed.Load() {
		return
	}
	if err := q.push(context.Background(), item); err != nil {
		slog.Warn("Failed to release delayed message", "queue", q.cfg.Name, "error", err)
	}
}

// redeliver makes an expired lease visible again.
func (q *ChannelQueue) redeliver(item *queued) {
	if q.closed.Load() {
		return
	}
	item.attempt++
	metrics.QueueRedeliveries.WithLabelValues(q.cfg.Name).Inc()
	if err := q.push(context.Background(), item); err != nil {
		slog.Warn("Failed to redeliver message", "queue", q.cfg.Name, "messageId", item.env.ID, "error", err)
	}
}

func (q *ChannelQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if q.closed.Load() {
			return nil, ErrQueueClosed
		}

		// Drain higher bands first.
		for p := PriorityHigh; p >= PriorityLow; p-- {
			select {
			case item := <-q.bands[p]:
				return q.deliver(item), nil
			default:
			}
		}

		select {
		case item := <-q.bands[PriorityHigh]:
			return q.deliver(item), nil
		case item := <-q.bands[PriorityNormal]:
			return q.deliver(item), nil
		case item := <-q.bands[PriorityLow]:
			return q.deliver(item), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closeCh:
			return nil, ErrQueueClosed
		}
	}
}

func (q *ChannelQueue) deliver(item *queued) *Delivery {
	q.depth.Add(-1)
	metrics.QueueDepth.WithLabelValues(q.cfg.Name).Set(float64(q.depth.Load()))
	token := q.leases.track(item)
	return &Delivery{
		Token:    token,
		Env:      item.env,
		Priority: item.priority,
		Attempt:  item.attempt,
	}
}

func (q *ChannelQueue) Ack(token uint64) error {
	_, err := q.leases.settle(token)
	return err
}

func (q *ChannelQueue) Nack(token uint64) error {
	item, err := q.leases.settle(token)
	if err != nil {
		return err
	}
	item.attempt++
	return q.push(context.Background(), item)
}

func (q *ChannelQueue) Depth() int {
	return int(q.depth.Load())
}

func (q *ChannelQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(q.closeCh)
	q.delay.stop()
	q.leases.stop()
	return nil
}
