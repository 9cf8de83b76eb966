package pipeline

import (
	"context"
	"sync"
	"time"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/message"
)

// BatchKeyFunc groups messages into batches. The default groups by
// message name.
type BatchKeyFunc func(env *message.Envelope) string

// DefaultBatchKeyFunc batches messages of the same name together.
func DefaultBatchKeyFunc(env *message.Envelope) string {
	return env.Name
}

// BatchConfig controls the batching decorator.
type BatchConfig struct {
	// MaxBatchSize flushes a group as soon as it holds this many messages.
	MaxBatchSize int

	// BatchTimeout flushes a non-empty group after this long even when
	// it has not reached MaxBatchSize.
	BatchTimeout time.Duration

	// MinBatchSize is the smallest group a timeout flush dispatches as a
	// batch. Smaller groups are processed per-message instead.
	MinBatchSize int

	// MaxDegreeOfParallelism bounds concurrent handler invocations within
	// one batch. 0 or 1 means sequential.
	MaxDegreeOfParallelism int

	// ContinueOnFailure keeps processing the rest of a batch after a
	// message fails. When false, a failure aborts the batch.
	ContinueOnFailure bool

	// FallbackPerMessage re-invokes the remaining messages individually
	// after a batch abort instead of skipping them. Only consulted when
	// ContinueOnFailure is false.
	FallbackPerMessage bool

	// Key groups messages into batches. Nil uses DefaultBatchKeyFunc.
	Key BatchKeyFunc
}

// DefaultBatchConfig returns the batching defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:           50,
		BatchTimeout:           100 * time.Millisecond,
		MinBatchSize:           1,
		MaxDegreeOfParallelism: 4,
		ContinueOnFailure:      true,
	}
}

// Validate checks the configuration.
func (c BatchConfig) Validate() error {
	if c.MaxBatchSize <= 0 {
		return configErrorf("batch: MaxBatchSize must be positive, got %d", c.MaxBatchSize)
	}
	if c.BatchTimeout <= 0 {
		return configErrorf("batch: BatchTimeout must be positive, got %s", c.BatchTimeout)
	}
	if c.MinBatchSize < 1 || c.MinBatchSize > c.MaxBatchSize {
		return configErrorf("batch: MinBatchSize must be in [1, MaxBatchSize], got %d", c.MinBatchSize)
	}
	if c.MaxDegreeOfParallelism < 0 {
		return configErrorf("batch: MaxDegreeOfParallelism must be >= 0, got %d", c.MaxDegreeOfParallelism)
	}
	return nil
}

type batchItem struct {
	ctx    context.Context
	env    *message.Envelope
	pc     *Context
	result chan Outcome
}

type batchGroup struct {
	key   string
	items []*batchItem
	stop  chan struct{}
}

// batchDecorator accumulates messages per group key and flushes a group
// when it reaches MaxBatchSize or when BatchTimeout elapses since its
// first message. Every caller blocks until its own message's outcome is
// available.
type batchDecorator struct {
	cfg   BatchConfig
	clk   clock.Clock
	inner Processor

	mu     sync.Mutex
	groups map[string]*batchGroup
}

func newBatchDecorator(cfg BatchConfig, clk clock.Clock, inner Processor) *batchDecorator {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if cfg.Key == nil {
		cfg.Key = DefaultBatchKeyFunc
	}
	return &batchDecorator{
		cfg:    cfg,
		clk:    clk,
		inner:  inner,
		groups: make(map[string]*batchGroup),
	}
}

func (d *batchDecorator) Process(ctx context.Context, env *message.Envelope, pc *Context) Outcome {
	if out, done := cancelledOutcome(ctx); done {
		return out
	}

	item := &batchItem{ctx: ctx, env: env, pc: pc, result: make(chan Outcome, 1)}
	key := d.cfg.Key(env)

	d.mu.Lock()
	g, ok := d.groups[key]
	if !ok {
		g = &batchGroup{key: key, stop: make(chan struct{})}
		d.groups[key] = g
		go d.flushAfterTimeout(g)
	}
	g.items = append(g.items, item)

	if len(g.items) >= d.cfg.MaxBatchSize {
		delete(d.groups, key)
		close(g.stop)
		items := g.items
		d.mu.Unlock()
		go d.flush(key, items, true)
	} else {
		d.mu.Unlock()
	}

	select {
	case out := <-item.result:
		return out
	case <-ctx.Done():
		// The flusher still processes the item; the caller stops waiting.
		return FromError(ctx.Err(), FailureCancelled)
	}
}

// flushAfterTimeout flushes the group when BatchTimeout elapses, unless a
// size-triggered flush claimed it first.
func (d *batchDecorator) flushAfterTimeout(g *batchGroup) {
	timer := d.clk.NewTimer(d.cfg.BatchTimeout)
	defer timer.Stop()

	select {
	case <-timer.C():
	case <-g.stop:
		return
	}

	d.mu.Lock()
	if d.groups[g.key] != g {
		d.mu.Unlock()
		return
	}
	delete(d.groups, g.key)
	items := g.items
	d.mu.Unlock()

	d.flush(g.key, items, len(items) >= d.cfg.MinBatchSize)
}

// flush dispatches a claimed set of items. asBatch selects batch semantics;
// undersized timeout flushes process per-message.
func (d *batchDecorator) flush(key string, items []*batchItem, asBatch bool) {
	if len(items) == 0 {
		return
	}
	metrics.BatchSize.Observe(float64(len(items)))

	if !asBatch || d.cfg.ContinueOnFailure {
		d.flushParallel(items)
		return
	}
	d.flushSequential(items)
}

// flushParallel processes every item independently with bounded parallelism.
func (d *batchDecorator) flushParallel(items []*batchItem) {
	parallelism := d.cfg.MaxDegreeOfParallelism
	if parallelism <= 1 {
		for _, item := range items {
			item.result <- d.processItem(item)
		}
		return
	}

	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(it *batchItem) {
			defer wg.Done()
			defer func() { <-sem }()
			it.result <- d.processItem(it)
		}(item)
	}
	wg.Wait()
}

// flushSequential aborts the batch at the first failure. The remainder is
// either re-processed individually or skipped, per FallbackPerMessage.
func (d *batchDecorator) flushSequential(items []*batchItem) {
	for i, item := range items {
		out := d.processItem(item)
		item.result <- out

		if out.IsFailure() {
			rest := items[i+1:]
			if d.cfg.FallbackPerMessage {
				d.flushParallel(rest)
			} else {
				for _, skipped := range rest {
					skipped.result <- Skipped("batch aborted after earlier failure")
				}
			}
			return
		}
	}
}

func (d *batchDecorator) processItem(item *batchItem) Outcome {
	if out, done := cancelledOutcome(item.ctx); done {
		return out
	}
	return d.inner.Process(item.ctx, item.env, item.pc)
}
