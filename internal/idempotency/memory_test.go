package idempotency

import (
	"context"
	"testing"
	"time"

	"go.relaykit.dev/internal/common/clock"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	if err := store.StoreSuccess(ctx, "msg-1", "result", time.Hour); err != nil {
		t.Fatalf("StoreSuccess: %v", err)
	}

	rec, err := store.Get(ctx, "msg-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil || !rec.Success {
		t.Fatalf("expected a success record, got %+v", rec)
	}
	if rec.Value != "result" {
		t.Errorf("expected cached value, got %v", rec.Value)
	}

	exists, err := store.Exists(ctx, "msg-1")
	if err != nil || !exists {
		t.Errorf("expected key to exist, got %v %v", exists, err)
	}
}

func TestMemoryStoreMissReturnsNil(t *testing.T) {
	store := NewMemoryStore(nil)

	rec, err := store.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil for absent key, got %+v", rec)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	if err := store.StoreFailure(ctx, "msg-2", "TRANSIENT", "boom", time.Minute); err != nil {
		t.Fatalf("StoreFailure: %v", err)
	}

	clk.Advance(30 * time.Second)
	rec, _ := store.Get(ctx, "msg-2")
	if rec == nil {
		t.Fatal("record must be live before its TTL")
	}

	clk.Advance(time.Minute)
	rec, _ = store.Get(ctx, "msg-2")
	if rec != nil {
		t.Errorf("record must expire after its TTL, got %+v", rec)
	}
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	store.StoreSuccess(ctx, "short", nil, time.Minute)
	store.StoreSuccess(ctx, "long", nil, time.Hour)

	clk.Advance(10 * time.Minute)

	removed, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if exists, _ := store.Exists(ctx, "long"); !exists {
		t.Error("unexpired record must survive cleanup")
	}
}
