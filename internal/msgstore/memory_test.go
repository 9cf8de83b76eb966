package msgstore

import (
	"context"
	"testing"
	"time"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/message"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	env := message.NewEvent("OrderShipped", map[string]string{"order": "42"})
	id, err := store.Store(ctx, env, StoreOptions{Tags: map[string]string{"tenant": "acme"}})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if id != env.ID {
		t.Errorf("expected id %s, got %s", env.ID, id)
	}

	got, err := store.Retrieve(ctx, id)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got == nil || got.Name != "OrderShipped" {
		t.Fatalf("unexpected retrieve result: %+v", got)
	}

	exists, _ := store.Exists(ctx, id)
	if !exists {
		t.Error("Exists must report true for a stored message")
	}

	removed, _ := store.Delete(ctx, id)
	if !removed {
		t.Error("Delete must report true for a stored message")
	}
	if got, _ := store.Retrieve(ctx, id); got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}

func TestMemoryStoreQueryFilters(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	store.Store(ctx, message.NewEvent("OrderShipped", nil), StoreOptions{Tags: map[string]string{"tenant": "acme"}})
	clk.Advance(time.Minute)
	cutoff := clk.Now()
	clk.Advance(time.Minute)
	store.Store(ctx, message.NewEvent("OrderShipped", nil), StoreOptions{Tags: map[string]string{"tenant": "globex"}})
	store.Store(ctx, message.NewCommand("ShipOrder", nil), StoreOptions{})

	byKind, err := store.Query(ctx, Filter{Kind: message.KindEvent})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byKind) != 2 {
		t.Errorf("expected 2 events, got %d", len(byKind))
	}

	byTag, _ := store.Query(ctx, Filter{Tags: map[string]string{"tenant": "acme"}})
	if len(byTag) != 1 {
		t.Errorf("expected 1 acme message, got %d", len(byTag))
	}

	after, _ := store.Query(ctx, Filter{After: cutoff})
	if len(after) != 2 {
		t.Errorf("expected 2 messages after cutoff, got %d", len(after))
	}

	count, _ := store.Count(ctx, Filter{Name: "ShipOrder"})
	if count != 1 {
		t.Errorf("expected 1 ShipOrder, got %d", count)
	}
}

func TestMemoryStoreUpdateAndClear(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	env := message.NewEvent("OrderShipped", "v1")
	store.Store(ctx, env, StoreOptions{})

	updated := env.Clone()
	updated.Body = "v2"
	ok, err := store.Update(ctx, env.ID, updated)
	if err != nil || !ok {
		t.Fatalf("Update: ok=%v err=%v", ok, err)
	}
	got, _ := store.Retrieve(ctx, env.ID)
	if got.Body != "v2" {
		t.Errorf("expected updated body, got %v", got.Body)
	}

	if ok, _ := store.Update(ctx, "missing", updated); ok {
		t.Error("Update of a missing id must report false")
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if count, _ := store.Count(ctx, Filter{}); count != 0 {
		t.Errorf("expected empty store after Clear, got %d", count)
	}
}
