// Package scheduler delivers messages at a future time, either from an
// in-memory timer or by polling a durable store.
package scheduler

import (
	"context"
	"time"

	"go.relaykit.dev/internal/message"
)

// Status is the lifecycle state of a scheduled message.
type Status string

const (
	// StatusScheduled means the message waits for its due time.
	StatusScheduled Status = "SCHEDULED"

	// StatusDelivering means a worker has claimed the message.
	StatusDelivering Status = "DELIVERING"

	// StatusDelivered means the delivery callback succeeded.
	StatusDelivered Status = "DELIVERED"

	// StatusCancelled means the message was cancelled before delivery.
	StatusCancelled Status = "CANCELLED"

	// StatusFailed means the delivery callback returned an error.
	StatusFailed Status = "FAILED"
)

// ScheduledMessage is one deferred delivery.
type ScheduledMessage struct {
	// ID is a server-assigned TSID.
	ID string `json:"id" bson:"_id"`

	Env *message.Envelope `json:"message" bson:"message"`

	// Destination is an opaque routing hint passed to the delivery callback.
	Destination string `json:"destination,omitempty" bson:"destination,omitempty"`

	ScheduledFor time.Time `json:"scheduledFor" bson:"scheduledFor"`

	Status Status `json:"status" bson:"status"`

	// Every, when positive, reschedules the message at a fixed interval
	// after each delivery instead of marking it Delivered.
	Every time.Duration `json:"every,omitempty" bson:"every,omitempty"`

	// Owner and ClaimedAt identify the worker holding a Delivering claim.
	Owner     string     `json:"owner,omitempty" bson:"owner,omitempty"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty" bson:"claimedAt,omitempty"`

	CreatedAt   time.Time  `json:"createdAt" bson:"createdAt"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty" bson:"deliveredAt,omitempty"`
	LastError   string     `json:"lastError,omitempty" bson:"lastError,omitempty"`
}

// Options modify a Schedule call.
type Options struct {
	// Destination is handed to the delivery callback untouched.
	Destination string

	// Every makes the schedule recurring at a fixed interval.
	Every time.Duration
}

// DeliverFunc receives a due message. A nil return marks it Delivered (or
// reschedules a recurring one); an error marks it Failed.
type DeliverFunc func(ctx context.Context, msg *ScheduledMessage) error

// Scheduler is the deferred-delivery contract shared by the in-memory and
// storage-backed implementations.
type Scheduler interface {
	// Schedule registers a message for delivery at the given time. A time
	// in the past delivers as soon as possible.
	Schedule(ctx context.Context, env *message.Envelope, at time.Time, opts Options) (string, error)

	// Cancel withdraws a scheduled message by id. Cancellation is
	// advisory: a message already claimed for delivery may still be
	// delivered. Reports whether the cancellation took effect.
	Cancel(ctx context.Context, id string) (bool, error)

	Start()
	Stop()
}
