package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"go.relaykit.dev/internal/bus"
	"go.relaykit.dev/internal/config"
	"go.relaykit.dev/internal/message"
	"go.relaykit.dev/internal/outbox"
)

func newTestServer(t *testing.T) (*Server, *bus.Bus) {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Outbox.Enabled = true
	b, err := bus.New(cfg, bus.Dependencies{})
	if err != nil {
		t.Fatalf("New bus: %v", err)
	}
	return NewServer(cfg.HTTP, b, nil), b
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/q/health", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/q/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestOutboxStatsReportsBacklog(t *testing.T) {
	s, b := newTestServer(t)

	if _, err := b.PublishToOutbox(context.Background(),
		message.NewEvent("InvoiceIssued", nil), outbox.AddOptions{}); err != nil {
		t.Fatalf("PublishToOutbox: %v", err)
	}

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/monitoring/outbox", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats outboxStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !stats.Enabled || stats.PendingCount != 1 {
		t.Errorf("expected 1 pending entry, got %+v", stats)
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	s, b := newTestServer(t)

	if err := b.Enqueue(context.Background(), "emails", message.NewCommand("SendEmail", nil)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/monitoring/queues", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(stats) != 1 {
		t.Errorf("expected 1 queue, got %d", len(stats))
	}
}

func TestDeadLetterStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/monitoring/dlq", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
