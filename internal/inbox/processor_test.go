package inbox

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/message"
	"go.relaykit.dev/internal/pipeline"
)

func TestProcessIncomingDeduplicates(t *testing.T) {
	store := NewMemoryStore(nil)
	var handlerCalls atomic.Int32
	p, err := NewProcessor(DefaultProcessorConfig(), store,
		func(context.Context, *message.Envelope) pipeline.Outcome {
			handlerCalls.Add(1)
			return pipeline.Success(nil)
		}, nil)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	ctx := context.Background()
	env := message.NewEvent("PaymentReceived", "A")

	first := p.ProcessIncoming(ctx, env, nil)
	if !first.IsSuccess() {
		t.Fatalf("first delivery must succeed, got %+v", first)
	}

	second := p.ProcessIncoming(ctx, env, nil)
	if second.Kind != pipeline.FailureDuplicate {
		t.Fatalf("second delivery must report duplicate, got %+v", second)
	}
	if handlerCalls.Load() != 1 {
		t.Errorf("handler must run exactly once, got %d", handlerCalls.Load())
	}

	entry, _ := store.Get(ctx, env.ID)
	if entry == nil || entry.Status != StatusProcessed {
		t.Errorf("expected a Processed entry, got %+v", entry)
	}
}

func TestProcessIncomingMarksFailedWithoutRetry(t *testing.T) {
	store := NewMemoryStore(nil)
	var handlerCalls atomic.Int32
	p, _ := NewProcessor(DefaultProcessorConfig(), store,
		func(context.Context, *message.Envelope) pipeline.Outcome {
			handlerCalls.Add(1)
			return pipeline.Failuref(pipeline.FailurePermanent, "handler rejected")
		}, nil)

	ctx := context.Background()
	env := message.NewEvent("PaymentReceived", "A")

	out := p.ProcessIncoming(ctx, env, nil)
	if out.Kind != pipeline.FailurePermanent {
		t.Fatalf("expected the dispatch failure, got %+v", out)
	}

	entry, _ := store.Get(ctx, env.ID)
	if entry.Status != StatusFailed {
		t.Errorf("expected a Failed entry, got %s", entry.Status)
	}
	if entry.Error != "handler rejected" {
		t.Errorf("expected recorded error, got %q", entry.Error)
	}
}

func TestProcessIncomingFailedEntryBlocksWithinWindow(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	var handlerCalls atomic.Int32
	p, _ := NewProcessor(DefaultProcessorConfig(), store,
		func(context.Context, *message.Envelope) pipeline.Outcome {
			handlerCalls.Add(1)
			return pipeline.Failuref(pipeline.FailurePermanent, "no")
		}, clk)

	opts := &Options{IdempotencyWindow: time.Hour}
	ctx := context.Background()
	env := message.NewEvent("PaymentReceived", "A")

	p.ProcessIncoming(ctx, env, opts)

	// Within the window the failed entry still counts as seen.
	out := p.ProcessIncoming(ctx, env, opts)
	if out.Kind != pipeline.FailureDuplicate {
		t.Fatalf("expected duplicate within the window, got %+v", out)
	}

	// Past the window the message may be reprocessed.
	clk.Advance(2 * time.Hour)
	out = p.ProcessIncoming(ctx, env, opts)
	if out.Kind != pipeline.FailurePermanent {
		t.Fatalf("expected reprocessing after the window, got %+v", out)
	}
	if handlerCalls.Load() != 2 {
		t.Errorf("expected 2 handler runs, got %d", handlerCalls.Load())
	}
}

func TestProcessIncomingSourceScoping(t *testing.T) {
	store := NewMemoryStore(nil)
	var handlerCalls atomic.Int32
	p, _ := NewProcessor(DefaultProcessorConfig(), store,
		func(context.Context, *message.Envelope) pipeline.Outcome {
			handlerCalls.Add(1)
			return pipeline.Success(nil)
		}, nil)

	ctx := context.Background()
	env := message.NewEvent("PaymentReceived", "A")

	out := p.ProcessIncoming(ctx, env, &Options{Source: "gateway-a", ScopeBySource: true})
	if !out.IsSuccess() {
		t.Fatalf("first source: %+v", out)
	}

	// Same MessageId from a different source is a different message.
	out = p.ProcessIncoming(ctx, env, &Options{Source: "gateway-b", ScopeBySource: true})
	if !out.IsSuccess() {
		t.Fatalf("second source must not dedupe, got %+v", out)
	}
	if handlerCalls.Load() != 2 {
		t.Errorf("expected 2 handler runs, got %d", handlerCalls.Load())
	}
}

func TestCleanupRemovesOldProcessedEntries(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	old := message.NewEvent("PaymentReceived", "old")
	store.Add(ctx, old, Options{})
	store.MarkProcessed(ctx, old.ID)

	clk.Advance(48 * time.Hour)

	recent := message.NewEvent("PaymentReceived", "recent")
	store.Add(ctx, recent, Options{})
	store.MarkProcessed(ctx, recent.ID)

	removed, err := store.CleanupOldEntries(ctx, clk.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("CleanupOldEntries: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if entry, _ := store.Get(ctx, recent.ID); entry == nil {
		t.Error("recent entry must survive cleanup")
	}
}
