package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/dlq"
	"go.relaykit.dev/internal/message"
	"go.relaykit.dev/internal/pipeline"
)

// Dispatcher hands a claimed entry's message onward, by default as an
// event publish.
type Dispatcher func(ctx context.Context, env *message.Envelope) pipeline.Outcome

// ProcessorConfig controls the outbox processor.
type ProcessorConfig struct {
	// PollingInterval is the base poll cadence. Values below the lower
	// bound are raised to it.
	PollingInterval time.Duration

	// BatchSize is the maximum entries claimed per poll.
	BatchSize int

	// BaseDelay and MaxDelay shape the per-entry retry backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// LeaseTimeout is how long a claim may stand before another worker
	// can reclaim the entry.
	LeaseTimeout time.Duration

	// EmptyBackoffMax caps the poll backoff applied after empty polls.
	EmptyBackoffMax time.Duration
}

// minPollingInterval is the lower bound on the poll cadence.
const minPollingInterval = 100 * time.Millisecond

// DefaultProcessorConfig returns the processor defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollingInterval: time.Second,
		BatchSize:       100,
		BaseDelay:       5 * time.Second,
		MaxDelay:        5 * time.Minute,
		LeaseTimeout:    5 * time.Minute,
		EmptyBackoffMax: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c ProcessorConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("outbox: BatchSize must be positive, got %d", c.BatchSize)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("outbox: BaseDelay must be positive, got %s", c.BaseDelay)
	}
	if c.LeaseTimeout <= 0 {
		return fmt.Errorf("outbox: LeaseTimeout must be positive, got %s", c.LeaseTimeout)
	}
	return nil
}

// Processor is the long-lived worker draining the outbox store.
type Processor struct {
	cfg         ProcessorConfig
	store       Store
	dispatch    Dispatcher
	deadLetters dlq.Store
	clk         clock.Clock
	owner       string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewProcessor creates an outbox processor. A nil clock uses the system
// clock.
func NewProcessor(cfg ProcessorConfig, store Store, dispatch Dispatcher, deadLetters dlq.Store, clk clock.Clock) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || dispatch == nil {
		return nil, fmt.Errorf("outbox: store and dispatcher must not be nil")
	}
	if cfg.PollingInterval < minPollingInterval {
		cfg.PollingInterval = minPollingInterval
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Processor{
		cfg:         cfg,
		store:       store,
		dispatch:    dispatch,
		deadLetters: deadLetters,
		clk:         clk,
		owner:       uuid.NewString(),
	}, nil
}

// Start begins polling. Entries claimed by a previous incarnation of this
// process are reclaimed first.
func (p *Processor) Start() error {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	if p.running {
		return nil
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running = true

	// Crash recovery: anything still marked Processing predates this start.
	if reclaimed, err := p.store.ReclaimExpired(p.ctx, p.clk.Now()); err != nil {
		slog.Error("Outbox startup recovery failed", "error", err)
	} else if reclaimed > 0 {
		slog.Info("Outbox recovered in-progress entries", "count", reclaimed)
		metrics.OutboxReclaimedEntries.Add(float64(reclaimed))
	}

	p.wg.Add(2)
	go p.pollLoop()
	go p.reclaimLoop()

	slog.Info("Outbox processor started",
		"pollingInterval", p.cfg.PollingInterval,
		"batchSize", p.cfg.BatchSize,
		"owner", p.owner)
	return nil
}

// Stop halts polling and waits for in-flight work to finish.
func (p *Processor) Stop() {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	if !p.running {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.running = false
	slog.Info("Outbox processor stopped")
}

// pollLoop claims and dispatches due entries, backing off exponentially
// when polls come back empty.
func (p *Processor) pollLoop() {
	defer p.wg.Done()

	interval := p.cfg.PollingInterval
	for {
		timer := p.clk.NewTimer(interval)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}

		processed, err := p.pollOnce()
		if err != nil {
			slog.Error("Outbox poll failed", "error", err)
		}

		if processed == 0 {
			interval *= 2
			if interval > p.cfg.EmptyBackoffMax {
				interval = p.cfg.EmptyBackoffMax
			}
		} else {
			interval = p.cfg.PollingInterval
		}
	}
}

func (p *Processor) pollOnce() (int, error) {
	start := time.Now()
	defer func() {
		metrics.OutboxPollDuration.Observe(time.Since(start).Seconds())
	}()

	entries, err := p.store.ClaimPending(p.ctx, p.cfg.BatchSize, p.owner)
	if err != nil {
		return 0, err
	}

	if pending, err := p.store.GetPendingCount(p.ctx); err == nil {
		metrics.OutboxPendingEntries.Set(float64(pending))
	}

	for _, entry := range entries {
		select {
		case <-p.ctx.Done():
			return len(entries), nil
		default:
		}
		p.process(entry)
	}
	return len(entries), nil
}

func (p *Processor) process(entry *Entry) {
	outcome := p.dispatch(p.ctx, entry.Env)

	if outcome.IsSuccess() || outcome.IsSkipped() {
		if _, err := p.store.MarkProcessed(p.ctx, entry.ID); err != nil {
			slog.Error("Failed to mark outbox entry processed", "entryId", entry.ID, "error", err)
			return
		}
		metrics.OutboxEntriesProcessed.WithLabelValues("processed").Inc()
		return
	}

	entry.RetryCount++
	if entry.RetryCount < entry.MaxRetries {
		next := p.clk.Now().Add(p.backoff(entry.RetryCount))
		if _, err := p.store.UpdateRetry(p.ctx, entry.ID, entry.RetryCount, next, outcome.Message); err != nil {
			slog.Error("Failed to schedule outbox retry", "entryId", entry.ID, "error", err)
			return
		}
		metrics.OutboxEntriesProcessed.WithLabelValues("retried").Inc()
		slog.Warn("Outbox dispatch failed, retry scheduled",
			"entryId", entry.ID,
			"retryCount", entry.RetryCount,
			"nextRetryAt", next,
			"error", outcome.Message)
		return
	}

	if _, err := p.store.MarkFailed(p.ctx, entry.ID, outcome.Message); err != nil {
		slog.Error("Failed to mark outbox entry failed", "entryId", entry.ID, "error", err)
		return
	}
	metrics.OutboxEntriesProcessed.WithLabelValues("failed").Inc()
	slog.Error("Outbox entry exhausted retries",
		"entryId", entry.ID,
		"retryCount", entry.RetryCount,
		"error", outcome.Message)

	if p.deadLetters != nil {
		_, err := p.deadLetters.SendToDeadLetter(p.ctx, entry.Env, dlq.FailureContext{
			Reason:     "max retries exceeded",
			Component:  "outbox",
			RetryCount: entry.RetryCount,
			Cause:      outcome.Error(),
		})
		if err != nil {
			slog.Error("Failed to dead-letter outbox entry", "entryId", entry.ID, "error", err)
		}
	}
}

// backoff computes the delay before retry n (1-based), doubling from
// BaseDelay up to MaxDelay.
func (p *Processor) backoff(retryCount int) time.Duration {
	d := p.cfg.BaseDelay
	for i := 1; i < retryCount; i++ {
		d *= 2
		if p.cfg.MaxDelay > 0 && d >= p.cfg.MaxDelay {
			return p.cfg.MaxDelay
		}
	}
	return d
}

// reclaimLoop periodically returns expired claims to Pending so entries
// held by a dead worker are redelivered.
func (p *Processor) reclaimLoop() {
	defer p.wg.Done()

	interval := p.cfg.LeaseTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	for {
		timer := p.clk.NewTimer(interval)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}

		cutoff := p.clk.Now().Add(-p.cfg.LeaseTimeout)
		reclaimed, err := p.store.ReclaimExpired(p.ctx, cutoff)
		if err != nil {
			slog.Error("Outbox reclaim failed", "error", err)
			continue
		}
		if reclaimed > 0 {
			metrics.OutboxReclaimedEntries.Add(float64(reclaimed))
			slog.Warn("Outbox reclaimed expired claims", "count", reclaimed)
		}
	}
}
