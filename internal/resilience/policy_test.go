package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/message"
	"go.relaykit.dev/internal/outbox"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxRetryDelay = 2 * time.Millisecond
	cfg.Jitter = 0
	return cfg
}

func TestPolicyRetriesTransientErrors(t *testing.T) {
	p, err := NewPolicy("test", fastConfig(), nil)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	calls := 0
	err = p.Do(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestPolicyExhaustsRetries(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 2
	cfg.FailureThreshold = 100
	p, _ := NewPolicy("test", cfg, nil)

	calls := 0
	boom := errors.New("still down")
	err := p.Do(context.Background(), "op", func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the last error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 1 + 2 retries = 3 attempts, got %d", calls)
	}
}

func TestPolicyDoesNotRetryPermanentErrors(t *testing.T) {
	cfg := fastConfig()
	permanent := errors.New("bad request")
	cfg.Classifier = func(err error) bool { return !errors.Is(err, permanent) }
	p, _ := NewPolicy("test", cfg, nil)

	calls := 0
	err := p.Do(context.Background(), "op", func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected the permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent errors must not retry, got %d attempts", calls)
	}
}

func TestPolicyOpensCircuitAfterThreshold(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 3
	p, _ := NewPolicy("test", cfg, nil)

	boom := errors.New("down")
	for i := 0; i < 3; i++ {
		if err := p.Do(context.Background(), "op", func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected raw error, got %v", i, err)
		}
	}

	calls := 0
	err := p.Do(context.Background(), "op", func() error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 0 {
		t.Errorf("open circuit must not invoke the operation, got %d calls", calls)
	}
}

func TestPolicyHonorsContextDuringBackoff(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxRetryDelay = time.Hour
	p, _ := NewPolicy("test", cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// DefaultClassifier does not retry context errors, so feed a transient
	// error and rely on the cancelled backoff wait.
	err := p.Do(ctx, "op", func() error { return errors.New("down") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// failingOutbox fails a fixed number of times before delegating.
type failingOutbox struct {
	outbox.Store
	failures int
	inner    outbox.Store
}

func (f *failingOutbox) Add(ctx context.Context, env *message.Envelope, opts outbox.AddOptions) (*outbox.Entry, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("transient outage")
	}
	return f.inner.Add(ctx, env, opts)
}

func TestOutboxStoreDecoratorRetries(t *testing.T) {
	inner := outbox.NewMemoryStore(clock.NewSystem())
	flaky := &failingOutbox{failures: 2, inner: inner}
	policy, _ := NewPolicy("outbox", fastConfig(), nil)
	store := NewOutboxStore(flaky, policy)

	entry, err := store.Add(context.Background(), message.NewEvent("OrderShipped", nil), outbox.AddOptions{})
	if err != nil {
		t.Fatalf("Add through decorator: %v", err)
	}
	if entry == nil || entry.Status != outbox.StatusPending {
		t.Fatalf("expected a pending entry, got %+v", entry)
	}
}
