package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.relaykit.dev/internal/idempotency"
	"go.relaykit.dev/internal/message"
)

// countingProcessor returns scripted outcomes and records invocations.
type countingProcessor struct {
	mu       sync.Mutex
	calls    int
	outcomes []Outcome
	fallback Outcome
}

func (p *countingProcessor) Process(_ context.Context, _ *message.Envelope, _ *Context) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	if idx < len(p.outcomes) {
		return p.outcomes[idx]
	}
	return p.fallback
}

func (p *countingProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func invoke(t *testing.T, p Processor, env *message.Envelope) Outcome {
	t.Helper()
	return p.Process(context.Background(), env, NewContext(env))
}

func TestValidationRejectsBeforeHandler(t *testing.T) {
	inner := &countingProcessor{fallback: Success(nil)}
	d := newValidationDecorator([]Validator{
		ValidatorFunc(func(_ context.Context, env *message.Envelope) error {
			if env.Body == nil {
				return errors.New("body required")
			}
			return nil
		}),
	}, inner)

	out := invoke(t, d, message.NewCommand("CreateOrder", nil))

	if !out.IsFailure() || out.Kind != FailureValidation {
		t.Fatalf("expected validation failure, got %+v", out)
	}
	if inner.callCount() != 0 {
		t.Error("handler must not run for an invalid message")
	}
}

func TestValidationPassesValidMessage(t *testing.T) {
	inner := &countingProcessor{fallback: Success("ok")}
	d := newValidationDecorator(nil, inner)

	out := invoke(t, d, message.NewCommand("CreateOrder", "body"))

	if !out.IsSuccess() || out.Value != "ok" {
		t.Fatalf("expected handler result, got %+v", out)
	}
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	inner := &countingProcessor{
		outcomes: []Outcome{
			Failuref(FailureTransient, "blip"),
			Failuref(FailureTransient, "blip"),
			Success("done"),
		},
	}
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	d := newRetryDecorator(cfg, nil, inner)

	out := invoke(t, d, message.NewCommand("CreateOrder", "x"))

	if !out.IsSuccess() {
		t.Fatalf("expected success after retries, got %+v", out)
	}
	if inner.callCount() != 3 {
		t.Errorf("expected 3 attempts, got %d", inner.callCount())
	}
}

func TestRetryDoesNotRetryPermanentFailure(t *testing.T) {
	inner := &countingProcessor{fallback: Failuref(FailurePermanent, "no")}
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}
	d := newRetryDecorator(cfg, nil, inner)

	out := invoke(t, d, message.NewCommand("CreateOrder", "x"))

	if out.Kind != FailurePermanent {
		t.Fatalf("expected permanent failure, got %+v", out)
	}
	if inner.callCount() != 1 {
		t.Errorf("permanent failures must not be retried, got %d attempts", inner.callCount())
	}
}

func TestRetryExhaustsAndReturnsLastFailure(t *testing.T) {
	inner := &countingProcessor{fallback: Failuref(FailureTransient, "still down")}
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}
	d := newRetryDecorator(cfg, nil, inner)

	out := invoke(t, d, message.NewCommand("CreateOrder", "x"))

	if out.Kind != FailureTransient {
		t.Fatalf("expected the final transient failure, got %+v", out)
	}
	if inner.callCount() != 3 {
		t.Errorf("expected initial attempt plus 2 retries, got %d", inner.callCount())
	}
}

func TestRetryDelayBackoff(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for attempt, want := range expected {
		if got := cfg.Delay(attempt); got != want {
			t.Errorf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	inner := &countingProcessor{fallback: Failuref(FailureTransient, "down")}
	cfg := CircuitConfig{FailureThreshold: 2, BreakDuration: time.Minute, SamplingDuration: time.Minute}
	d := newCircuitDecorator("test-circuit", cfg, inner)

	env := message.NewCommand("CallDownstream", "x")

	for i := 0; i < 2; i++ {
		out := invoke(t, d, env)
		if out.Kind != FailureTransient {
			t.Fatalf("call %d: expected transient failure, got %+v", i, out)
		}
	}

	out := invoke(t, d, env)
	if out.Kind != FailureCircuitOpen {
		t.Fatalf("expected circuit-open fast failure, got %+v", out)
	}
	if inner.callCount() != 2 {
		t.Errorf("open circuit must not invoke the handler, got %d calls", inner.callCount())
	}
}

func TestCircuitIgnoresValidationFailures(t *testing.T) {
	inner := &countingProcessor{fallback: Failuref(FailureValidation, "bad input")}
	cfg := CircuitConfig{FailureThreshold: 2, BreakDuration: time.Minute, SamplingDuration: time.Minute}
	d := newCircuitDecorator("validation-circuit", cfg, inner)

	env := message.NewCommand("CreateOrder", "x")
	for i := 0; i < 5; i++ {
		out := invoke(t, d, env)
		if out.Kind != FailureValidation {
			t.Fatalf("call %d: expected validation failure, got %+v", i, out)
		}
	}
	if inner.callCount() != 5 {
		t.Errorf("validation failures must not open the circuit, got %d calls", inner.callCount())
	}
}

func TestIdempotencyReturnsCachedOutcome(t *testing.T) {
	store := idempotency.NewMemoryStore(nil)
	inner := &countingProcessor{fallback: Success("first")}
	d := newIdempotencyDecorator(DefaultIdempotencyConfig(), store, inner)

	env := message.NewCommand("CreateOrder", "x")

	first := invoke(t, d, env)
	if !first.IsSuccess() || first.Value != "first" {
		t.Fatalf("expected handler result, got %+v", first)
	}

	second := invoke(t, d, env)
	if !second.IsSuccess() || second.Value != "first" {
		t.Fatalf("expected cached result, got %+v", second)
	}
	if inner.callCount() != 1 {
		t.Errorf("redelivery must not re-run the handler, got %d calls", inner.callCount())
	}
}

func TestIdempotencyCachesFailuresWhenEnabled(t *testing.T) {
	store := idempotency.NewMemoryStore(nil)
	inner := &countingProcessor{fallback: Failuref(FailurePermanent, "rejected")}
	cfg := DefaultIdempotencyConfig()
	cfg.CacheFailures = true
	d := newIdempotencyDecorator(cfg, store, inner)

	env := message.NewCommand("CreateOrder", "x")

	invoke(t, d, env)
	out := invoke(t, d, env)

	if out.Kind != FailurePermanent || out.Message != "rejected" {
		t.Fatalf("expected cached permanent failure, got %+v", out)
	}
	if inner.callCount() != 1 {
		t.Errorf("cached failure must not re-run the handler, got %d calls", inner.callCount())
	}
}

func TestIdempotencyNeverCachesTransientFailures(t *testing.T) {
	store := idempotency.NewMemoryStore(nil)
	inner := &countingProcessor{
		outcomes: []Outcome{Failuref(FailureTransient, "blip"), Success("ok")},
	}
	cfg := DefaultIdempotencyConfig()
	cfg.CacheFailures = true
	d := newIdempotencyDecorator(cfg, store, inner)

	env := message.NewCommand("CreateOrder", "x")

	invoke(t, d, env)
	out := invoke(t, d, env)

	if !out.IsSuccess() {
		t.Fatalf("redelivery after a transient failure must re-run the handler, got %+v", out)
	}
}

type fakeUnitOfWork struct {
	committed  bool
	rolledBack bool
}

func (u *fakeUnitOfWork) Commit(context.Context) error   { u.committed = true; return nil }
func (u *fakeUnitOfWork) Rollback(context.Context) error { u.rolledBack = true; return nil }

type fakeUowFactory struct {
	last *fakeUnitOfWork
}

func (f *fakeUowFactory) Begin(context.Context, IsolationLevel) (UnitOfWork, error) {
	f.last = &fakeUnitOfWork{}
	return f.last, nil
}

func TestTransactionCommitsOnSuccess(t *testing.T) {
	factory := &fakeUowFactory{}
	inner := &countingProcessor{fallback: Success(nil)}
	d := newTransactionDecorator(factory, IsolationDefault, inner)

	out := invoke(t, d, message.NewCommand("CreateOrder", "x"))

	if !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out)
	}
	if !factory.last.committed || factory.last.rolledBack {
		t.Errorf("expected commit without rollback, got %+v", factory.last)
	}
}

func TestTransactionRollsBackOnFailure(t *testing.T) {
	factory := &fakeUowFactory{}
	inner := &countingProcessor{fallback: Failuref(FailurePermanent, "no")}
	d := newTransactionDecorator(factory, IsolationDefault, inner)

	invoke(t, d, message.NewCommand("CreateOrder", "x"))

	if factory.last.committed || !factory.last.rolledBack {
		t.Errorf("expected rollback without commit, got %+v", factory.last)
	}
}

func TestTransactionJoinsAmbient(t *testing.T) {
	factory := &fakeUowFactory{}
	var beginCount atomic.Int32

	innerTx := newTransactionDecorator(factory, IsolationDefault,
		Func(func(_ context.Context, _ *message.Envelope, pc *Context) Outcome {
			if pc.UnitOfWorkOf() == nil {
				return Failuref(FailurePermanent, "no ambient transaction")
			}
			return Success(nil)
		}))
	outerTx := newTransactionDecorator(countingFactory{&beginCount, factory}, IsolationDefault,
		Func(func(ctx context.Context, env *message.Envelope, pc *Context) Outcome {
			return innerTx.Process(ctx, env, pc)
		}))

	out := invoke(t, outerTx, message.NewCommand("CreateOrder", "x"))

	if !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out)
	}
	if beginCount.Load() != 1 {
		t.Errorf("nested invocation must join the ambient transaction, got %d begins", beginCount.Load())
	}
}

type countingFactory struct {
	count *atomic.Int32
	inner UnitOfWorkFactory
}

func (f countingFactory) Begin(ctx context.Context, iso IsolationLevel) (UnitOfWork, error) {
	f.count.Add(1)
	return f.inner.Begin(ctx, iso)
}

func TestBatchFlushesAtMaxSize(t *testing.T) {
	inner := &countingProcessor{fallback: Success(nil)}
	cfg := DefaultBatchConfig()
	cfg.MaxBatchSize = 3
	cfg.BatchTimeout = time.Minute
	d := newBatchDecorator(cfg, nil, inner)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = invoke(t, d, message.NewCommand("ImportRow", i))
		}(i)
	}
	wg.Wait()

	for i, out := range outcomes {
		if !out.IsSuccess() {
			t.Errorf("message %d: expected success, got %+v", i, out)
		}
	}
	if inner.callCount() != 3 {
		t.Errorf("expected all 3 batched messages processed, got %d", inner.callCount())
	}
}

func TestBatchFlushesOnTimeout(t *testing.T) {
	inner := &countingProcessor{fallback: Success(nil)}
	cfg := DefaultBatchConfig()
	cfg.MaxBatchSize = 100
	cfg.BatchTimeout = 20 * time.Millisecond
	d := newBatchDecorator(cfg, nil, inner)

	out := invoke(t, d, message.NewCommand("ImportRow", 1))

	if !out.IsSuccess() {
		t.Fatalf("expected timeout flush to process the lone message, got %+v", out)
	}
}

func TestBatchAbortSkipsRemainder(t *testing.T) {
	inner := &countingProcessor{
		outcomes: []Outcome{Success(nil), Failuref(FailurePermanent, "bad row")},
		fallback: Success(nil),
	}
	cfg := DefaultBatchConfig()
	cfg.MaxBatchSize = 3
	cfg.BatchTimeout = time.Minute
	cfg.ContinueOnFailure = false
	d := newBatchDecorator(cfg, nil, inner)

	var wg sync.WaitGroup
	results := make(chan Outcome, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- invoke(t, d, message.NewCommand("ImportRow", i))
		}(i)
	}
	wg.Wait()
	close(results)

	var skipped, failed, succeeded int
	for out := range results {
		switch {
		case out.IsSkipped():
			skipped++
		case out.IsFailure():
			failed++
		default:
			succeeded++
		}
	}
	if failed != 1 || skipped != 1 || succeeded != 1 {
		t.Errorf("expected 1 success, 1 failure, 1 skipped; got %d/%d/%d", succeeded, failed, skipped)
	}
	if inner.callCount() != 2 {
		t.Errorf("abort must stop processing, got %d calls", inner.callCount())
	}
}

func TestBuilderRejectsInvalidConfig(t *testing.T) {
	_, err := NewBuilder().
		WithBatching(BatchConfig{MaxBatchSize: 0, BatchTimeout: time.Second, MinBatchSize: 1}).
		Build(Func(func(context.Context, *message.Envelope, *Context) Outcome { return Success(nil) }))

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected a ConfigError, got %v", err)
	}
}

func TestBuilderChainOrder(t *testing.T) {
	store := idempotency.NewMemoryStore(nil)
	inner := &countingProcessor{
		outcomes: []Outcome{Failuref(FailureTransient, "blip"), Success("done")},
	}

	chain, err := NewBuilder().
		WithIdempotency(DefaultIdempotencyConfig(), store).
		WithRetry(RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}).
		Build(inner)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	env := message.NewCommand("CreateOrder", "x")

	out := invoke(t, chain, env)
	if !out.IsSuccess() || out.Value != "done" {
		t.Fatalf("expected retried success, got %+v", out)
	}

	// Redelivery hits the idempotency cache, outside retry.
	out = invoke(t, chain, env)
	if !out.IsSuccess() || out.Value != "done" {
		t.Fatalf("expected cached success, got %+v", out)
	}
	if inner.callCount() != 2 {
		t.Errorf("expected exactly 2 handler attempts total, got %d", inner.callCount())
	}
}

func TestFromErrorClassifiesContextErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := FromError(ctx.Err(), FailureTransient)
	if out.Kind != FailureCancelled {
		t.Errorf("expected cancelled kind, got %s", out.Kind)
	}

	out = FromError(context.DeadlineExceeded, FailureTransient)
	if out.Kind != FailureTimeout {
		t.Errorf("expected timeout kind, got %s", out.Kind)
	}
}
