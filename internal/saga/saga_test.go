package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/message"
	"go.relaykit.dev/internal/pipeline"
)

func orderDefinition() *Definition {
	return NewDefinition("OrderSaga").
		StartWith("OrderCreated", "PaymentPending").
		Definition()
}

func newTestOrchestrator(t *testing.T, repo Repository, clk clock.Clock, defs ...*Definition) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(DefaultOrchestratorConfig(), repo, clk)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	for _, def := range defs {
		if err := o.Register(def); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return o
}

func TestInitialEventCreatesInstance(t *testing.T) {
	repo := NewMemoryRepository(nil)
	o := newTestOrchestrator(t, repo, nil, orderDefinition())

	env := message.NewEvent("OrderCreated", nil).WithCorrelation("order-1")
	out := o.HandleEvent(context.Background(), env)
	if !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out)
	}

	inst, _ := repo.Load(context.Background(), "OrderSaga", "order-1")
	if inst == nil {
		t.Fatal("expected a persisted instance")
	}
	if inst.CurrentState != "PaymentPending" {
		t.Errorf("expected PaymentPending, got %s", inst.CurrentState)
	}
	if inst.Version != 1 {
		t.Errorf("first save must set Version=1, got %d", inst.Version)
	}
}

func TestConcurrentInitialEventsYieldOneInstance(t *testing.T) {
	repo := NewMemoryRepository(nil)
	o := newTestOrchestrator(t, repo, nil, orderDefinition())

	const workers = 2
	var wg sync.WaitGroup
	outcomes := make([]pipeline.Outcome, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env := message.NewEvent("OrderCreated", nil).WithCorrelation("order-42")
			outcomes[i] = o.HandleEvent(context.Background(), env)
		}(i)
	}
	wg.Wait()

	for i, out := range outcomes {
		if out.IsFailure() {
			t.Fatalf("worker %d failed: %+v", i, out)
		}
	}

	inst, _ := repo.Load(context.Background(), "OrderSaga", "order-42")
	if inst == nil {
		t.Fatal("expected one persisted instance")
	}
	if inst.CurrentState != "PaymentPending" || inst.Version != 1 {
		t.Errorf("expected PaymentPending at Version=1, got %s at %d",
			inst.CurrentState, inst.Version)
	}
}

func TestFullLifecycleWithDataMutator(t *testing.T) {
	def := NewDefinition("OrderSaga").
		StartWith("OrderCreated", "PaymentPending").
		From("PaymentPending").On("PaymentReceived").
		TransitionTo("Shipping").
		Do(func(inst *Instance, env *message.Envelope) {
			inst.Data["paidBy"] = env.Body
		}).
		From("Shipping").On("OrderShipped").Complete().
		Definition()

	repo := NewMemoryRepository(nil)
	o := newTestOrchestrator(t, repo, nil, def)
	ctx := context.Background()

	o.HandleEvent(ctx, message.NewEvent("OrderCreated", nil).WithCorrelation("order-7"))
	o.HandleEvent(ctx, message.NewEvent("PaymentReceived", "card").WithCorrelation("order-7"))
	out := o.HandleEvent(ctx, message.NewEvent("OrderShipped", nil).WithCorrelation("order-7"))
	if !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out)
	}

	inst, _ := repo.Load(ctx, "OrderSaga", "order-7")
	if !inst.IsCompleted {
		t.Error("saga must be completed")
	}
	if inst.Version != 3 {
		t.Errorf("expected Version=3 after three transitions, got %d", inst.Version)
	}
	if inst.Data["paidBy"] != "card" {
		t.Errorf("expected mutated data, got %v", inst.Data)
	}

	// Events after completion are ignored.
	out = o.HandleEvent(ctx, message.NewEvent("PaymentReceived", nil).WithCorrelation("order-7"))
	if !out.IsSkipped() {
		t.Errorf("completed sagas must skip further events, got %+v", out)
	}
}

func TestUnmatchedEventIsSkipped(t *testing.T) {
	repo := NewMemoryRepository(nil)
	def := orderDefinition()
	def.From("PaymentPending").On("PaymentReceived").Complete()
	o := newTestOrchestrator(t, repo, nil, def)
	ctx := context.Background()

	// No instance yet and not an initial trigger.
	out := o.HandleEvent(ctx, message.NewEvent("PaymentReceived", nil).WithCorrelation("order-9"))
	if !out.IsSkipped() {
		t.Fatalf("expected skip without an instance, got %+v", out)
	}

	o.HandleEvent(ctx, message.NewEvent("OrderCreated", nil).WithCorrelation("order-9"))

	// OrderCreated again in PaymentPending has no binding.
	out = o.HandleEvent(ctx, message.NewEvent("OrderCreated", nil).WithCorrelation("order-9"))
	if !out.IsSkipped() {
		t.Fatalf("expected skip for unmatched binding, got %+v", out)
	}
}

func TestGuardSelectsBinding(t *testing.T) {
	def := NewDefinition("OrderSaga").
		StartWith("OrderCreated", "PaymentPending").
		Definition()
	def.From("PaymentPending").On("PaymentReceived").
		When(func(_ *Instance, env *message.Envelope) bool { return env.Body == "declined" }).
		Compensate("payment declined")
	def.From("PaymentPending").On("PaymentReceived").Complete()

	repo := NewMemoryRepository(nil)
	o := newTestOrchestrator(t, repo, nil, def)
	ctx := context.Background()

	o.HandleEvent(ctx, message.NewEvent("OrderCreated", nil).WithCorrelation("order-d"))
	o.HandleEvent(ctx, message.NewEvent("PaymentReceived", "declined").WithCorrelation("order-d"))

	inst, _ := repo.Load(ctx, "OrderSaga", "order-d")
	if inst.CurrentState != "Compensated" || !inst.IsCompleted {
		t.Errorf("expected a compensated saga, got %+v", inst)
	}
	if inst.CompensatedReason != "payment declined" {
		t.Errorf("expected the compensation reason, got %q", inst.CompensatedReason)
	}
}

func TestScheduleArmsTimeoutAndPollerFires(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	def := NewDefinition("OrderSaga").
		StartWith("OrderCreated", "PaymentPending").
		Schedule(30 * time.Minute).
		From("PaymentPending").OnTimeout().Compensate("payment timed out").
		Definition()

	repo := NewMemoryRepository(clk)
	o := newTestOrchestrator(t, repo, clk, def)
	ctx := context.Background()

	o.HandleEvent(ctx, message.NewEvent("OrderCreated", nil).WithCorrelation("order-t"))

	inst, _ := repo.Load(ctx, "OrderSaga", "order-t")
	if inst.TimeoutAt == nil {
		t.Fatal("Schedule must arm TimeoutAt")
	}

	// Not yet due.
	o.ctx = ctx
	o.pollTimeouts()
	inst, _ = repo.Load(ctx, "OrderSaga", "order-t")
	if inst.IsCompleted {
		t.Fatal("timeout must not fire before the deadline")
	}

	clk.Advance(time.Hour)
	o.pollTimeouts()

	inst, _ = repo.Load(ctx, "OrderSaga", "order-t")
	if inst.CurrentState != "Compensated" || !inst.IsCompleted {
		t.Errorf("expected compensation on timeout, got %+v", inst)
	}
	if inst.TimeoutAt != nil {
		t.Error("timeout delivery must clear TimeoutAt")
	}
}

func TestDefaultTimeoutFromRegistry(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	def := NewDefinition("OrderSaga").
		StartWith("OrderCreated", "PaymentPending").
		Schedule(0).
		Definition()

	repo := NewMemoryRepository(clk)
	o := newTestOrchestrator(t, repo, clk, def)
	o.SetTimeoutOptions("OrderSaga", TimeoutOptions{DefaultTimeout: 10 * time.Minute})

	ctx := context.Background()
	o.HandleEvent(ctx, message.NewEvent("OrderCreated", nil).WithCorrelation("order-dt"))

	inst, _ := repo.Load(ctx, "OrderSaga", "order-dt")
	if inst.TimeoutAt == nil {
		t.Fatal("per-type default must arm TimeoutAt")
	}
	want := clk.Now().Add(10 * time.Minute)
	if !inst.TimeoutAt.Equal(want) {
		t.Errorf("expected timeout at %s, got %s", want, inst.TimeoutAt)
	}
}

func TestSaveVersionClashLosesOnce(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()

	a := NewInstance("OrderSaga", "order-v", time.Now())
	a.CurrentState = "PaymentPending"
	if ok, _ := repo.Save(ctx, a, 0); !ok {
		t.Fatal("first insert must win")
	}

	b := NewInstance("OrderSaga", "order-v", time.Now())
	if ok, _ := repo.Save(ctx, b, 0); ok {
		t.Fatal("second insert must lose")
	}

	// Two writers from version 1: one commits at 2, one clashes.
	first, _ := repo.Load(ctx, "OrderSaga", "order-v")
	second, _ := repo.Load(ctx, "OrderSaga", "order-v")
	first.CurrentState = "Shipping"
	if ok, _ := repo.Save(ctx, first, 1); !ok {
		t.Fatal("first writer must commit")
	}
	second.CurrentState = "Cancelled"
	if ok, _ := repo.Save(ctx, second, 1); ok {
		t.Fatal("second writer must observe the version clash")
	}

	stored, _ := repo.Load(ctx, "OrderSaga", "order-v")
	if stored.CurrentState != "Shipping" || stored.Version != 2 {
		t.Errorf("expected Shipping at Version=2, got %s at %d",
			stored.CurrentState, stored.Version)
	}
}
