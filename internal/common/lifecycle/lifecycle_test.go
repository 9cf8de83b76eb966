package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recorder logs start/stop events across services.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func recordedService(name string, rec *recorder) *ServiceFunc {
	return NewServiceFunc(name,
		func(ctx context.Context) error {
			rec.add("start:" + name)
			return nil
		},
		func(ctx context.Context) error {
			rec.add("stop:" + name)
			return nil
		})
}

func TestSupervisorStartsInOrderStopsInReverse(t *testing.T) {
	rec := &recorder{}
	sup := NewSupervisor(recordedService("a", rec), recordedService("b", rec))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestSupervisorStopsStartedServicesOnStartupFailure(t *testing.T) {
	rec := &recorder{}
	failing := NewServiceFunc("broken",
		func(ctx context.Context) error { return errors.New("no socket") },
		func(ctx context.Context) error { return nil })
	sup := NewSupervisor(recordedService("a", rec), failing)

	err := sup.Run(context.Background())
	if err == nil {
		t.Fatal("Run should report the startup failure")
	}

	got := rec.snapshot()
	want := []string{"start:a", "stop:a"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestSupervisorRejectsConcurrentRun(t *testing.T) {
	sup := NewSupervisor(recordedService("a", &recorder{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	if err := sup.Run(ctx); err == nil {
		t.Error("second Run should fail while the first is active")
	}
	cancel()
	<-done
}

func TestSupervisorHealthAggregates(t *testing.T) {
	healthy := NewServiceFunc("ok",
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil })
	sick := NewServiceFunc("sick",
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil }).
		WithHealth(func() error { return errors.New("backlog too deep") })

	if err := NewSupervisor(healthy).Health(); err != nil {
		t.Errorf("healthy supervisor reported %v", err)
	}
	if err := NewSupervisor(healthy, sick).Health(); err == nil {
		t.Error("supervisor should surface the unhealthy service")
	}
}
