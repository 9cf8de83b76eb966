package bus

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.relaykit.dev/internal/config"
	"go.relaykit.dev/internal/dispatch"
	"go.relaykit.dev/internal/message"
	"go.relaykit.dev/internal/outbox"
	"go.relaykit.dev/internal/pipeline"
	"go.relaykit.dev/internal/saga"
	"go.relaykit.dev/internal/scheduler"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Storage.Backend = "memory"
	cfg.Storage.IdempotencyBackend = "memory"
	cfg.Outbox.Enabled = true
	cfg.Inbox.Enabled = true
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Backend = "memory"
	return cfg
}

func newTestBus(t *testing.T, cfg *config.Config) *Bus {
	t.Helper()
	b, err := New(cfg, Dependencies{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestSendRoutesToCommandHandler(t *testing.T) {
	b := newTestBus(t, memoryConfig(t))

	err := b.RegisterCommand("CreateOrder", dispatch.HandlerFunc(
		func(ctx context.Context, env *message.Envelope) (any, error) {
			return "order-42", nil
		}))
	if err != nil {
		t.Fatalf("RegisterCommand: %v", err)
	}

	out := b.Send(context.Background(), message.NewCommand("CreateOrder", nil))
	if !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Value != "order-42" {
		t.Errorf("expected handler result, got %v", out.Value)
	}
}

func TestQueryReturnsResult(t *testing.T) {
	b := newTestBus(t, memoryConfig(t))

	b.RegisterQuery("GetOrder", dispatch.HandlerFunc(
		func(ctx context.Context, env *message.Envelope) (any, error) {
			return map[string]string{"id": "42"}, nil
		}))

	out := b.Query(context.Background(), message.NewQuery("GetOrder", nil))
	if !out.IsSuccess() || out.Value == nil {
		t.Fatalf("expected a query result, got %+v", out)
	}
}

func TestPublishReachesSubscribersAndSagas(t *testing.T) {
	b := newTestBus(t, memoryConfig(t))

	var calls atomic.Int32
	b.SubscribeEvent("OrderCreated", dispatch.EventHandlerFunc(
		func(ctx context.Context, env *message.Envelope) error {
			calls.Add(1)
			return nil
		}))

	def := saga.NewDefinition("OrderSaga").
		StartWith("OrderCreated", "PaymentPending").
		Definition()
	if err := b.RegisterSaga(def); err != nil {
		t.Fatalf("RegisterSaga: %v", err)
	}

	env := message.NewEvent("OrderCreated", nil).WithCorrelation("order-1")
	if out := b.Publish(context.Background(), env); !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 subscriber call, got %d", calls.Load())
	}
}

func TestPublishAggregatesSubscriberFailures(t *testing.T) {
	b := newTestBus(t, memoryConfig(t))

	b.SubscribeEvent("OrderCreated", dispatch.EventHandlerFunc(
		func(ctx context.Context, env *message.Envelope) error {
			return pipeline.WithKind(errors.New("projection rejected"), pipeline.FailurePermanent)
		}))

	out := b.Publish(context.Background(), message.NewEvent("OrderCreated", nil))
	if !out.IsFailure() || out.Kind != pipeline.FailureAggregate {
		t.Fatalf("expected an aggregate failure, got %+v", out)
	}
}

func TestProcessIncomingDeduplicates(t *testing.T) {
	b := newTestBus(t, memoryConfig(t))

	var calls atomic.Int32
	b.RegisterCommand("ImportOrder", dispatch.HandlerFunc(
		func(ctx context.Context, env *message.Envelope) (any, error) {
			calls.Add(1)
			return nil, nil
		}))

	env := message.NewCommand("ImportOrder", nil)
	if out := b.ProcessIncoming(context.Background(), env, nil); !out.IsSuccess() {
		t.Fatalf("first delivery must succeed, got %+v", out)
	}
	out := b.ProcessIncoming(context.Background(), env, nil)
	if !out.IsFailure() || out.Kind != pipeline.FailureDuplicate {
		t.Fatalf("second delivery must be a duplicate, got %+v", out)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 handler call, got %d", calls.Load())
	}
}

func TestEnqueueAndStartQueueDispatches(t *testing.T) {
	b := newTestBus(t, memoryConfig(t))
	defer b.Stop()

	received := make(chan string, 1)
	b.RegisterCommand("ResizeImage", dispatch.HandlerFunc(
		func(ctx context.Context, env *message.Envelope) (any, error) {
			received <- env.ID
			return nil, nil
		}))

	env := message.NewCommand("ResizeImage", nil)
	if err := b.Enqueue(context.Background(), "images", env); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := b.StartQueue("images"); err != nil {
		t.Fatalf("StartQueue: %v", err)
	}

	select {
	case id := <-received:
		if id != env.ID {
			t.Errorf("expected %s, got %s", env.ID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued message was not dispatched")
	}

	if err := b.StopQueue("images"); err != nil {
		t.Fatalf("StopQueue: %v", err)
	}
}

func TestQueuePermanentFailureIsDeadLettered(t *testing.T) {
	b := newTestBus(t, memoryConfig(t))
	defer b.Stop()

	// No handler registered: dispatch fails permanently with NO_HANDLER.
	env := message.NewCommand("UnroutableCommand", nil)
	if err := b.Enqueue(context.Background(), "work", env); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := b.StartQueue("work"); err != nil {
		t.Fatalf("StartQueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := b.DeadLetters().Count(context.Background())
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 dead letter, got %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPublishToOutboxStagesEntry(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Outbox.MaxRetries = 7
	b := newTestBus(t, cfg)

	entry, err := b.PublishToOutbox(context.Background(),
		message.NewEvent("InvoiceIssued", nil), outbox.AddOptions{})
	if err != nil {
		t.Fatalf("PublishToOutbox: %v", err)
	}
	if entry.MaxRetries != 7 {
		t.Errorf("expected the configured MaxRetries, got %d", entry.MaxRetries)
	}

	n, err := b.OutboxStore().GetPendingCount(context.Background())
	if err != nil {
		t.Fatalf("GetPendingCount: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pending entry, got %d", n)
	}
}

func TestOutboxProcessorPublishesStagedEvents(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Outbox.PollingInterval = 100 * time.Millisecond
	b := newTestBus(t, cfg)

	received := make(chan struct{}, 1)
	b.SubscribeEvent("InvoiceIssued", dispatch.EventHandlerFunc(
		func(ctx context.Context, env *message.Envelope) error {
			received <- struct{}{}
			return nil
		}))

	if _, err := b.PublishToOutbox(context.Background(),
		message.NewEvent("InvoiceIssued", nil), outbox.AddOptions{}); err != nil {
		t.Fatalf("PublishToOutbox: %v", err)
	}

	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("staged event was not published")
	}
}

func TestScheduleDeliversAtDueTime(t *testing.T) {
	b := newTestBus(t, memoryConfig(t))
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	received := make(chan struct{}, 1)
	b.RegisterCommand("SendReminder", dispatch.HandlerFunc(
		func(ctx context.Context, env *message.Envelope) (any, error) {
			received <- struct{}{}
			return nil, nil
		}))

	id, err := b.Schedule(context.Background(),
		message.NewCommand("SendReminder", nil),
		time.Now().Add(50*time.Millisecond), scheduler.Options{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if id == "" {
		t.Fatal("expected a schedule id")
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled message was not delivered")
	}
}

func TestCancelScheduledBeforeDue(t *testing.T) {
	b := newTestBus(t, memoryConfig(t))
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	id, err := b.Schedule(context.Background(),
		message.NewCommand("SendReminder", nil),
		time.Now().Add(time.Hour), scheduler.Options{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	ok, err := b.CancelScheduled(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("expected cancellation to take effect, got ok=%v err=%v", ok, err)
	}
}

func TestNewReportsMissingDependencies(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Storage.Backend = "mongo"
	cfg.MongoDB.URI = "mongodb://localhost:27017"

	_, err := New(cfg, Dependencies{})
	if err == nil || !strings.Contains(err.Error(), "Mongo") {
		t.Fatalf("expected a missing-Mongo error, got %v", err)
	}
}
