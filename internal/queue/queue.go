// Package queue provides the in-memory queue implementations: a channel
// based FIFO with backpressure and a lock-free ring buffer, both behind
// one contract with priorities, deferred visibility, and lease-based
// redelivery.
package queue

import (
	"context"
	"errors"
	"time"

	"go.relaykit.dev/internal/message"
)

// Priority orders messages across bands. Higher priority drains first;
// within a band delivery is FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh

	numPriorityBands = 3
)

// Mode selects the queue implementation.
type Mode string

const (
	ModeChannel    Mode = "CHANNEL"
	ModeRingBuffer Mode = "RING_BUFFER"
)

var (
	// ErrQueueClosed is returned once the queue is closed.
	ErrQueueClosed = errors.New("queue: closed")

	// ErrQueueFull is returned by a full queue that neither blocks nor drops.
	ErrQueueFull = errors.New("queue: full")

	// ErrUnknownDelivery is returned when settling an unknown or already
	// settled delivery.
	ErrUnknownDelivery = errors.New("queue: unknown delivery")
)

// EnqueueOptions modify a single enqueue.
type EnqueueOptions struct {
	Priority Priority
	Delay    time.Duration
}

// EnqueueOption mutates EnqueueOptions.
type EnqueueOption func(*EnqueueOptions)

// WithPriority enqueues at the given priority band.
func WithPriority(p Priority) EnqueueOption {
	return func(o *EnqueueOptions) { o.Priority = p }
}

// WithDelay holds the message invisible for d before delivery.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) { o.Delay = d }
}

// Delivery is a dequeued message under a lease. The consumer must Ack or
// Nack it before the lease expires, or the queue makes the message
// visible again.
type Delivery struct {
	// Token identifies this delivery for Ack and Nack.
	Token uint64

	// Env is the delivered message.
	Env *message.Envelope

	// Priority is the band the message was delivered from.
	Priority Priority

	// Attempt counts deliveries of this message, starting at 1.
	Attempt int
}

// Queue is the common contract both implementations satisfy. Dequeue
// delivers each message at most once per lease; unacknowledged messages
// reappear after the lease timeout.
type Queue interface {
	// Enqueue adds a message. It blocks under backpressure unless the
	// queue is configured to drop, and respects ctx cancellation.
	Enqueue(ctx context.Context, env *message.Envelope, opts ...EnqueueOption) error

	// Dequeue blocks until a message is visible or ctx fires. Returns
	// ErrQueueClosed after Close.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Ack settles a delivery.
	Ack(token uint64) error

	// Nack returns a delivery to the queue for immediate redelivery.
	Nack(token uint64) error

	// Depth reports the number of visible messages.
	Depth() int

	// Close stops the queue. Blocked Enqueue and Dequeue calls return
	// ErrQueueClosed.
	Close() error
}
