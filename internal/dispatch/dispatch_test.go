package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.relaykit.dev/internal/message"
	"go.relaykit.dev/internal/pipeline"
)

func TestRegistryRejectsDuplicateCommandHandler(t *testing.T) {
	r := NewRegistry()
	h := HandlerFunc(func(context.Context, *message.Envelope) (any, error) { return nil, nil })

	if err := r.RegisterCommand("CreateOrder", h); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := r.RegisterCommand("CreateOrder", h); err == nil {
		t.Fatal("second registration for the same command must fail")
	}
}

func TestSendReturnsHandlerResult(t *testing.T) {
	r := NewRegistry()
	r.RegisterCommand("CreateOrder", HandlerFunc(func(_ context.Context, env *message.Envelope) (any, error) {
		return "order-1", nil
	}))
	m, err := NewMediator(r, nil)
	if err != nil {
		t.Fatalf("NewMediator: %v", err)
	}

	out := m.Send(context.Background(), message.NewCommand("CreateOrder", nil))

	if !out.IsSuccess() || out.Value != "order-1" {
		t.Fatalf("expected handler result, got %+v", out)
	}
}

func TestSendFailsWithoutHandler(t *testing.T) {
	m, _ := NewMediator(NewRegistry(), nil)

	out := m.Send(context.Background(), message.NewCommand("Unknown", nil))

	if out.Kind != pipeline.FailureNoHandler {
		t.Fatalf("expected NoHandler failure, got %+v", out)
	}
}

func TestSendRejectsNonCommand(t *testing.T) {
	m, _ := NewMediator(NewRegistry(), nil)

	out := m.Send(context.Background(), message.NewEvent("OrderCreated", nil))

	if out.Kind != pipeline.FailureValidation {
		t.Fatalf("expected validation failure, got %+v", out)
	}
}

func TestQueryDispatchesToQueryHandler(t *testing.T) {
	r := NewRegistry()
	r.RegisterQuery("GetOrder", HandlerFunc(func(context.Context, *message.Envelope) (any, error) {
		return map[string]string{"id": "42"}, nil
	}))
	m, _ := NewMediator(r, nil)

	out := m.Query(context.Background(), message.NewQuery("GetOrder", "42"))

	if !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Value.(map[string]string)["id"] != "42" {
		t.Errorf("expected query result, got %v", out.Value)
	}
}

func TestHandlerErrorKindPropagates(t *testing.T) {
	r := NewRegistry()
	r.RegisterCommand("CallDownstream", HandlerFunc(func(context.Context, *message.Envelope) (any, error) {
		return nil, pipeline.WithKind(errors.New("connection reset"), pipeline.FailureTransient)
	}))
	m, _ := NewMediator(r, nil)

	out := m.Send(context.Background(), message.NewCommand("CallDownstream", nil))

	if out.Kind != pipeline.FailureTransient {
		t.Fatalf("expected transient classification, got %+v", out)
	}
}

func TestPublishWithNoSubscribersSucceeds(t *testing.T) {
	bus := NewEventBus(NewRegistry(), DefaultEventBusConfig())

	out := bus.Publish(context.Background(), message.NewEvent("OrderCreated", nil))

	if !out.IsSuccess() {
		t.Fatalf("publishing to nobody must succeed, got %+v", out)
	}
}

func TestParallelPublishAggregatesFailures(t *testing.T) {
	r := NewRegistry()
	var calls atomic.Int32
	r.SubscribeEvent("OrderCreated", EventHandlerFunc(func(context.Context, *message.Envelope) error {
		calls.Add(1)
		return nil
	}))
	r.SubscribeEvent("OrderCreated", EventHandlerFunc(func(context.Context, *message.Envelope) error {
		calls.Add(1)
		return errors.New("projection update failed")
	}))
	r.SubscribeEvent("OrderCreated", EventHandlerFunc(func(context.Context, *message.Envelope) error {
		calls.Add(1)
		return errors.New("email send failed")
	}))
	bus := NewEventBus(r, EventBusConfig{Mode: PublishParallel})

	out := bus.Publish(context.Background(), message.NewEvent("OrderCreated", nil))

	if out.Kind != pipeline.FailureAggregate {
		t.Fatalf("expected aggregate failure, got %+v", out)
	}
	if len(out.Failures) != 2 {
		t.Errorf("expected 2 individual failures, got %d", len(out.Failures))
	}
	if calls.Load() != 3 {
		t.Errorf("one failure must not cancel other handlers, got %d calls", calls.Load())
	}
}

func TestSequentialPublishStopsOnFailure(t *testing.T) {
	r := NewRegistry()
	var order []int
	r.SubscribeEvent("OrderCreated", EventHandlerFunc(func(context.Context, *message.Envelope) error {
		order = append(order, 1)
		return nil
	}))
	r.SubscribeEvent("OrderCreated", EventHandlerFunc(func(context.Context, *message.Envelope) error {
		order = append(order, 2)
		return errors.New("boom")
	}))
	r.SubscribeEvent("OrderCreated", EventHandlerFunc(func(context.Context, *message.Envelope) error {
		order = append(order, 3)
		return nil
	}))
	bus := NewEventBus(r, EventBusConfig{Mode: PublishSequential, StopOnFailure: true})

	out := bus.Publish(context.Background(), message.NewEvent("OrderCreated", nil))

	if !out.IsFailure() {
		t.Fatalf("expected failure, got %+v", out)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("expected handlers 1 and 2 in order, got %v", order)
	}
}

func TestSequentialPublishContinuesWithoutStopOnFailure(t *testing.T) {
	r := NewRegistry()
	var calls int
	fail := EventHandlerFunc(func(context.Context, *message.Envelope) error {
		calls++
		return errors.New("boom")
	})
	r.SubscribeEvent("OrderCreated", fail)
	r.SubscribeEvent("OrderCreated", fail)
	bus := NewEventBus(r, EventBusConfig{Mode: PublishSequential})

	out := bus.Publish(context.Background(), message.NewEvent("OrderCreated", nil))

	if len(out.Failures) != 2 || calls != 2 {
		t.Errorf("expected both handlers to run and fail, got %d calls, %d failures", calls, len(out.Failures))
	}
}
