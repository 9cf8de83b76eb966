package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/message"
	"go.relaykit.dev/internal/pipeline"
)

// Dispatcher hands a deduplicated message to the dispatch layer.
type Dispatcher func(ctx context.Context, env *message.Envelope) pipeline.Outcome

// ProcessorConfig controls the inbox processor.
type ProcessorConfig struct {
	// DefaultOptions apply when ProcessIncoming is called without
	// per-message options.
	DefaultOptions Options

	// Retention is how long Processed entries are kept before cleanup.
	Retention time.Duration

	// CleanupInterval is the cadence of the retention sweep. 0 disables
	// the background cleanup.
	CleanupInterval time.Duration
}

// DefaultProcessorConfig returns the inbox defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Processor records, deduplicates, and dispatches incoming messages. The
// inbox guarantees dedup only: a failed dispatch is recorded as Failed and
// not retried here.
type Processor struct {
	cfg      ProcessorConfig
	store    Store
	dispatch Dispatcher
	clk      clock.Clock

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewProcessor creates an inbox processor. A nil clock uses the system
// clock.
func NewProcessor(cfg ProcessorConfig, store Store, dispatch Dispatcher, clk clock.Clock) (*Processor, error) {
	if store == nil || dispatch == nil {
		return nil, fmt.Errorf("inbox: store and dispatcher must not be nil")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Processor{cfg: cfg, store: store, dispatch: dispatch, clk: clk}, nil
}

// ProcessIncoming records the message, skips duplicates, and dispatches
// new messages. The returned outcome is Success, a dispatch failure, or a
// Duplicate failure for a message already seen.
func (p *Processor) ProcessIncoming(ctx context.Context, env *message.Envelope, opts *Options) pipeline.Outcome {
	if env == nil || env.ID == "" {
		return pipeline.Failuref(pipeline.FailureValidation, "incoming message needs a MessageId")
	}
	o := p.cfg.DefaultOptions
	if opts != nil {
		o = *opts
	}
	key := o.DedupeKey(env.ID)

	entry, inserted, err := p.store.Add(ctx, env, o)
	if err != nil {
		return pipeline.FromError(err, pipeline.FailureTransient)
	}
	if !inserted {
		if countsAsSeen(entry, p.clk.Now(), o.IdempotencyWindow) {
			metrics.InboxMessages.WithLabelValues("duplicate").Inc()
			slog.Debug("Duplicate message skipped", "messageId", env.ID, "source", o.Source)
			return pipeline.Failuref(pipeline.FailureDuplicate, "message %s already seen", env.ID)
		}
		// A Failed entry outside the idempotency window gets another go.
		slog.Debug("Reprocessing previously failed message", "messageId", env.ID)
	}

	// Dispatch happens outside the insert, so a handler crash leaves a
	// Pending entry rather than losing the message.
	outcome := p.dispatch(ctx, env)

	if outcome.IsFailure() {
		if _, err := p.store.MarkFailed(ctx, key, outcome.Message); err != nil {
			slog.Error("Failed to mark inbox entry failed", "messageId", env.ID, "error", err)
		}
		metrics.InboxMessages.WithLabelValues("failed").Inc()
		return outcome
	}

	if _, err := p.store.MarkProcessed(ctx, key); err != nil {
		slog.Error("Failed to mark inbox entry processed", "messageId", env.ID, "error", err)
	}
	metrics.InboxMessages.WithLabelValues("processed").Inc()
	return outcome
}

// Start launches the retention cleanup sweep.
func (p *Processor) Start() {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	if p.running || p.cfg.CleanupInterval <= 0 {
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running = true
	p.wg.Add(1)
	go p.cleanupLoop()
	slog.Info("Inbox cleanup started",
		"interval", p.cfg.CleanupInterval, "retention", p.cfg.Retention)
}

// Stop halts the cleanup sweep.
func (p *Processor) Stop() {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	if !p.running {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.running = false
	slog.Info("Inbox cleanup stopped")
}

func (p *Processor) cleanupLoop() {
	defer p.wg.Done()
	for {
		timer := p.clk.NewTimer(p.cfg.CleanupInterval)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}

		cutoff := p.clk.Now().Add(-p.cfg.Retention)
		removed, err := p.store.CleanupOldEntries(p.ctx, cutoff)
		if err != nil {
			slog.Error("Inbox cleanup failed", "error", err)
			continue
		}
		if removed > 0 {
			metrics.InboxCleanupRemoved.Add(float64(removed))
			slog.Info("Inbox cleanup removed processed entries", "count", removed)
		}
	}
}
