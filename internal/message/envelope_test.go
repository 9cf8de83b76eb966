package message

import (
	"testing"
)

func TestNewAssignsStableID(t *testing.T) {
	env := NewCommand("CreateOrder", map[string]string{"orderId": "42"})

	if env.ID == "" {
		t.Fatal("expected a producer-assigned ID")
	}
	if env.Kind != KindCommand {
		t.Errorf("expected KindCommand, got %s", env.Kind)
	}
	if env.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}

	other := NewCommand("CreateOrder", map[string]string{"orderId": "42"})
	if other.ID == env.ID {
		t.Error("two envelopes must never share an ID")
	}
}

func TestDeriveInheritsCorrelation(t *testing.T) {
	parent := NewEvent("OrderCreated", nil).WithCorrelation("corr-1")

	child := parent.Derive(KindCommand, "ReserveStock", nil)

	if child.CorrelationID != "corr-1" {
		t.Errorf("expected inherited correlation, got %q", child.CorrelationID)
	}
	if child.CausationID != parent.ID {
		t.Errorf("expected causation %q, got %q", parent.ID, child.CausationID)
	}
	if child.ID == parent.ID {
		t.Error("derived message must get a fresh ID")
	}
}

func TestCloneCopiesMetadata(t *testing.T) {
	env := NewEvent("OrderCreated", nil).WithMetadata("tenant", "acme")

	cp := env.Clone()
	cp.Metadata["tenant"] = "other"

	if env.Metadata["tenant"] != "acme" {
		t.Error("clone must not share the metadata map")
	}
}
