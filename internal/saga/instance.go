// Package saga runs long-lived, per-instance state machines with optimistic
// concurrency, timeouts, and compensation.
package saga

import (
	"time"
)

// InitialState is the state every new saga instance starts in.
const InitialState = "Initial"

// TimeoutEvent is the name of the synthetic event delivered when a saga's
// timeout expires.
const TimeoutEvent = "SagaTimeout"

// Instance is one running saga. Updates must supply the current Version;
// a successful save increments it by 1.
type Instance struct {
	// Key is SagaType + ":" + CorrelationID, the storage identity.
	Key string `json:"key" bson:"_id"`

	SagaType      string `json:"sagaType" bson:"sagaType"`
	CorrelationID string `json:"correlationId" bson:"correlationId"`

	// CurrentState is the state machine position, InitialState at birth.
	CurrentState string `json:"currentState" bson:"currentState"`

	// Data is the saga-specific payload, mutated by transition callbacks.
	Data map[string]any `json:"data,omitempty" bson:"data,omitempty"`

	// Version is the optimistic concurrency token. A fresh, unsaved
	// instance has Version 0; the first successful save sets it to 1.
	Version int64 `json:"version" bson:"version"`

	IsCompleted bool `json:"isCompleted" bson:"isCompleted"`

	// CompensatedReason is set when a Compensate action ended the saga.
	CompensatedReason string `json:"compensatedReason,omitempty" bson:"compensatedReason,omitempty"`

	// TimeoutAt, when set, makes the timeout poller deliver a synthetic
	// TimeoutEvent once it passes.
	TimeoutAt *time.Time `json:"timeoutAt,omitempty" bson:"timeoutAt,omitempty"`

	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// InstanceKey builds the storage identity for a saga type and correlation id.
func InstanceKey(sagaType, correlationID string) string {
	return sagaType + ":" + correlationID
}

// NewInstance creates an unsaved instance in the initial state.
func NewInstance(sagaType, correlationID string, now time.Time) *Instance {
	return &Instance{
		Key:           InstanceKey(sagaType, correlationID),
		SagaType:      sagaType,
		CorrelationID: correlationID,
		CurrentState:  InitialState,
		Data:          make(map[string]any),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Expired reports whether the instance's timeout has passed.
func (i *Instance) Expired(now time.Time) bool {
	return !i.IsCompleted && i.TimeoutAt != nil && !i.TimeoutAt.After(now)
}

// clone returns a deep-enough copy for repository isolation. Data values
// are shared; callers must not mutate stored values outside a transition.
func (i *Instance) clone() *Instance {
	cp := *i
	if i.TimeoutAt != nil {
		t := *i.TimeoutAt
		cp.TimeoutAt = &t
	}
	if i.Data != nil {
		cp.Data = make(map[string]any, len(i.Data))
		for k, v := range i.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}
