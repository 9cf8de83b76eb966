// Package bus assembles the messaging components behind one facade: the
// mediator and event bus, the outbox and inbox relays, named queues, the
// scheduler, saga orchestration, and message version conversion, all
// constructed from one configuration and sharing one lifecycle.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"go.relaykit.dev/internal/common/clock"
	rkmongo "go.relaykit.dev/internal/common/mongo"
	"go.relaykit.dev/internal/config"
	"go.relaykit.dev/internal/convert"
	"go.relaykit.dev/internal/dispatch"
	"go.relaykit.dev/internal/dlq"
	"go.relaykit.dev/internal/idempotency"
	"go.relaykit.dev/internal/inbox"
	"go.relaykit.dev/internal/message"
	"go.relaykit.dev/internal/outbox"
	"go.relaykit.dev/internal/pipeline"
	"go.relaykit.dev/internal/queue"
	"go.relaykit.dev/internal/resilience"
	"go.relaykit.dev/internal/saga"
	"go.relaykit.dev/internal/scheduler"
)

// Dependencies carries the external clients the configured backends need.
// Leave a field nil when no configured backend uses it.
type Dependencies struct {
	// Clock overrides the time source. Nil uses the system clock.
	Clock clock.Clock

	// Mongo backs the "mongo" storage backends and the transaction
	// decorator.
	Mongo *rkmongo.Client

	// Redis backs the "redis" idempotency backend.
	Redis redis.UniversalClient
}

// Bus is the facade over the assembled components. Construct it with New,
// register handlers, then Start it.
type Bus struct {
	cfg *config.Config
	clk clock.Clock

	registry *dispatch.Registry
	mediator *dispatch.Mediator
	events   *dispatch.EventBus

	conversions *convert.Registry
	compat      convert.CompatibilityMode

	deadLetters dlq.Store

	outboxStore outbox.Store
	outboxProc  *outbox.Processor

	inboxProc *inbox.Processor

	queues *queue.Manager

	sched scheduler.Scheduler

	sagas *saga.Orchestrator

	// indexInits create the indexes of the Mongo-backed stores on Start.
	indexInits []func(context.Context) error

	running   bool
	runningMu sync.Mutex
}

// New builds a bus from the configuration. Every configuration problem is
// reported in one pass; a bus is returned only when the whole assembly
// succeeded.
func New(cfg *config.Config, deps Dependencies) (*Bus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bus: config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkDependencies(cfg, deps); err != nil {
		return nil, err
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}

	b := &Bus{
		cfg:      cfg,
		clk:      clk,
		registry: dispatch.NewRegistry(),
		queues:   queue.NewManager(clk),
	}

	compat, err := convert.ParseCompatibilityMode(cfg.Conversion.DefaultCompatibilityMode)
	if err != nil {
		return nil, err
	}
	b.compat = compat
	b.conversions = convert.NewRegistry(convert.Config{
		Timeout:  cfg.Conversion.ConversionTimeout,
		MaxSteps: cfg.Conversion.MaxConversionSteps,
	})

	b.deadLetters = dlq.NewMemoryStore(clk)

	builder, err := b.buildPipeline(deps)
	if err != nil {
		return nil, err
	}
	mediator, err := dispatch.NewMediator(b.registry, builder)
	if err != nil {
		return nil, err
	}
	b.mediator = mediator
	b.events = dispatch.NewEventBus(b.registry, dispatch.DefaultEventBusConfig())

	if err := b.buildOutbox(deps); err != nil {
		return nil, err
	}
	if err := b.buildInbox(deps); err != nil {
		return nil, err
	}
	if err := b.buildScheduler(deps); err != nil {
		return nil, err
	}
	if err := b.buildSagas(deps); err != nil {
		return nil, err
	}
	return b, nil
}

// checkDependencies verifies that every configured backend has its client,
// collecting all problems into one error.
func checkDependencies(cfg *config.Config, deps Dependencies) error {
	var problems []string
	if cfg.Storage.Backend == "mongo" && deps.Mongo == nil {
		problems = append(problems, "Storage.Backend is mongo but no Mongo client was supplied")
	}
	if cfg.Idempotency.Enabled {
		switch cfg.Storage.IdempotencyBackend {
		case "redis":
			if deps.Redis == nil {
				problems = append(problems, "Storage.IdempotencyBackend is redis but no Redis client was supplied")
			}
		case "mongo":
			if deps.Mongo == nil {
				problems = append(problems, "Storage.IdempotencyBackend is mongo but no Mongo client was supplied")
			}
		}
	}
	if cfg.Transaction.Enabled && deps.Mongo == nil {
		problems = append(problems, "Transaction.Enabled requires a Mongo client")
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("bus: %s", strings.Join(problems, "; "))
}

// buildPipeline maps the configuration sections onto the decorator chain.
func (b *Bus) buildPipeline(deps Dependencies) (*pipeline.Builder, error) {
	cfg := b.cfg
	builder := pipeline.NewBuilder().WithClock(b.clk)

	if cfg.Idempotency.Enabled {
		store, err := b.idempotencyStore(deps)
		if err != nil {
			return nil, err
		}
		builder.WithIdempotency(pipeline.IdempotencyConfig{
			SuccessTtl:    cfg.Idempotency.SuccessTtl,
			FailureTtl:    cfg.Idempotency.FailureTtl,
			CacheFailures: cfg.Idempotency.CacheFailures,
		}, store)
	}
	if cfg.Batching.Enabled {
		batch := pipeline.DefaultBatchConfig()
		batch.MaxBatchSize = cfg.Batching.MaxBatchSize
		batch.BatchTimeout = cfg.Batching.BatchTimeout
		batch.MinBatchSize = cfg.Batching.MinBatchSize
		batch.MaxDegreeOfParallelism = cfg.Batching.MaxDegreeOfParallelism
		builder.WithBatching(batch)
	}
	if cfg.Retry.MaxRetries > 0 {
		retry := pipeline.DefaultRetryConfig()
		retry.MaxRetries = cfg.Retry.MaxRetries
		retry.BaseDelay = cfg.Retry.BaseDelay
		retry.MaxDelay = cfg.Retry.MaxDelay
		builder.WithRetry(retry)
	}
	if cfg.Circuit.Enabled {
		builder.WithCircuitBreaker("dispatch", pipeline.CircuitConfig{
			FailureThreshold: cfg.Circuit.FailureThreshold,
			BreakDuration:    cfg.Circuit.BreakDuration,
			SamplingDuration: cfg.Circuit.SamplingDuration,
		})
	}
	if cfg.Transaction.Enabled {
		builder.WithTransactions(deps.Mongo, pipeline.IsolationLevel(strings.ToUpper(cfg.Transaction.IsolationLevel)))
	}
	return builder, nil
}

func (b *Bus) idempotencyStore(deps Dependencies) (idempotency.Store, error) {
	switch b.cfg.Storage.IdempotencyBackend {
	case "", "memory":
		return idempotency.NewMemoryStore(b.clk), nil
	case "redis":
		return idempotency.NewRedisStore(deps.Redis, "relaykit:idem:"), nil
	case "mongo":
		store := idempotency.NewMongoStore(deps.Mongo.Database(), "idempotency")
		b.indexInits = append(b.indexInits, store.EnsureIndexes)
		return store, nil
	default:
		return nil, fmt.Errorf("bus: unknown idempotency backend %q", b.cfg.Storage.IdempotencyBackend)
	}
}

// storagePolicy builds the retry-and-breaker policy wrapped around durable
// stores. The dispatch retry envelope doubles as the storage envelope.
func (b *Bus) storagePolicy(name string) (*resilience.Policy, error) {
	rc := resilience.DefaultConfig()
	if b.cfg.Retry.MaxRetries > 0 {
		rc.MaxRetries = b.cfg.Retry.MaxRetries
		rc.BaseDelay = b.cfg.Retry.BaseDelay
		rc.MaxRetryDelay = b.cfg.Retry.MaxDelay
	}
	if b.cfg.Circuit.Enabled {
		rc.FailureThreshold = b.cfg.Circuit.FailureThreshold
		rc.BreakDuration = b.cfg.Circuit.BreakDuration
	}
	return resilience.NewPolicy(name, rc, b.clk)
}

func (b *Bus) buildOutbox(deps Dependencies) error {
	if !b.cfg.Outbox.Enabled {
		return nil
	}
	var store outbox.Store
	switch b.cfg.Storage.Backend {
	case "", "memory":
		store = outbox.NewMemoryStore(b.clk)
	case "mongo":
		policy, err := b.storagePolicy("outbox")
		if err != nil {
			return err
		}
		ms := outbox.NewMongoStore(deps.Mongo.Database(), "outbox", b.clk)
		b.indexInits = append(b.indexInits, ms.EnsureIndexes)
		store = resilience.NewOutboxStore(ms, policy)
	default:
		return fmt.Errorf("bus: unknown storage backend %q", b.cfg.Storage.Backend)
	}

	pcfg := outbox.DefaultProcessorConfig()
	pcfg.PollingInterval = b.cfg.Outbox.PollingInterval
	pcfg.BatchSize = b.cfg.Outbox.BatchSize
	pcfg.LeaseTimeout = b.cfg.Outbox.LeaseTimeout

	proc, err := outbox.NewProcessor(pcfg, store, b.dispatchByKind, b.deadLetters, b.clk)
	if err != nil {
		return err
	}
	b.outboxStore = store
	b.outboxProc = proc
	return nil
}

func (b *Bus) buildInbox(deps Dependencies) error {
	if !b.cfg.Inbox.Enabled {
		return nil
	}
	var store inbox.Store
	switch b.cfg.Storage.Backend {
	case "", "memory":
		store = inbox.NewMemoryStore(b.clk)
	case "mongo":
		policy, err := b.storagePolicy("inbox")
		if err != nil {
			return err
		}
		ms := inbox.NewMongoStore(deps.Mongo.Database(), "inbox", b.clk)
		b.indexInits = append(b.indexInits, ms.EnsureIndexes)
		store = resilience.NewInboxStore(ms, policy)
	default:
		return fmt.Errorf("bus: unknown storage backend %q", b.cfg.Storage.Backend)
	}

	pcfg := inbox.DefaultProcessorConfig()
	pcfg.DefaultOptions = inbox.Options{IdempotencyWindow: b.cfg.Inbox.IdempotencyWindow}
	pcfg.Retention = b.cfg.Inbox.Retention
	pcfg.CleanupInterval = b.cfg.Inbox.CleanupInterval

	proc, err := inbox.NewProcessor(pcfg, store, b.dispatchByKind, b.clk)
	if err != nil {
		return err
	}
	b.inboxProc = proc
	return nil
}

func (b *Bus) buildScheduler(deps Dependencies) error {
	if !b.cfg.Scheduler.Enabled {
		return nil
	}
	switch b.cfg.Scheduler.Backend {
	case "", "memory":
		sched, err := scheduler.NewTimerScheduler(b.deliverScheduled, b.clk)
		if err != nil {
			return err
		}
		b.sched = sched
	case "storage":
		var store scheduler.Store
		switch b.cfg.Storage.Backend {
		case "", "memory":
			store = scheduler.NewMemoryStore(b.clk)
		case "mongo":
			ms := scheduler.NewMongoStore(deps.Mongo.Database(), "scheduled_messages", b.clk)
			b.indexInits = append(b.indexInits, ms.EnsureIndexes)
			store = ms
		}
		scfg := scheduler.DefaultPolledConfig()
		scfg.PollInterval = b.cfg.Scheduler.PollingInterval
		scfg.BatchSize = b.cfg.Scheduler.BatchSize
		scfg.LookAhead = b.cfg.Scheduler.LookAhead
		scfg.ClaimTimeout = b.cfg.Scheduler.ClaimTimeout
		sched, err := scheduler.NewPolledScheduler(scfg, store, b.deliverScheduled, b.clk)
		if err != nil {
			return err
		}
		b.sched = sched
	default:
		return fmt.Errorf("bus: unknown scheduler backend %q", b.cfg.Scheduler.Backend)
	}
	return nil
}

func (b *Bus) buildSagas(deps Dependencies) error {
	var repo saga.Repository
	switch b.cfg.Storage.Backend {
	case "", "memory":
		repo = saga.NewMemoryRepository(b.clk)
	case "mongo":
		mr := saga.NewMongoRepository(deps.Mongo.Database(), "saga_instances", b.clk)
		b.indexInits = append(b.indexInits, mr.EnsureIndexes)
		repo = mr
	default:
		return fmt.Errorf("bus: unknown storage backend %q", b.cfg.Storage.Backend)
	}
	scfg := saga.DefaultOrchestratorConfig()
	scfg.MaxConcurrencyRetries = b.cfg.Saga.MaxConcurrencyRetries
	scfg.TimeoutPollInterval = b.cfg.Saga.TimeoutPollInterval
	orch, err := saga.NewOrchestrator(scfg, repo, b.clk)
	if err != nil {
		return err
	}
	b.sagas = orch
	return nil
}

// dispatchByKind routes an envelope to the surface matching its kind. It
// is the dispatcher behind the outbox, inbox, queues, and scheduler.
func (b *Bus) dispatchByKind(ctx context.Context, env *message.Envelope) pipeline.Outcome {
	if env == nil {
		return pipeline.Failuref(pipeline.FailureValidation, "nil message")
	}
	switch env.Kind {
	case message.KindCommand:
		return b.mediator.Send(ctx, env)
	case message.KindQuery:
		return b.mediator.Query(ctx, env)
	default:
		return b.publish(ctx, env)
	}
}

// publish delivers an event to subscribers and, when it carries a
// correlation id, to the saga orchestrator.
func (b *Bus) publish(ctx context.Context, env *message.Envelope) pipeline.Outcome {
	out := b.events.Publish(ctx, env)
	if env == nil || env.CorrelationID == "" {
		return out
	}
	sagaOut := b.sagas.HandleEvent(ctx, env)
	if !sagaOut.IsFailure() {
		return out
	}
	if !out.IsFailure() {
		return sagaOut
	}
	return pipeline.Aggregate([]pipeline.Outcome{out, sagaOut})
}

// deliverScheduled hands a due message onward: to the destination queue
// when one is registered under that name, otherwise straight to dispatch.
func (b *Bus) deliverScheduled(ctx context.Context, msg *scheduler.ScheduledMessage) error {
	if msg.Destination != "" {
		if q, ok := b.queues.Get(msg.Destination); ok {
			return q.Enqueue(ctx, msg.Env)
		}
	}
	return b.dispatchByKind(ctx, msg.Env).Error()
}

// Start launches the background workers: the outbox and inbox processors,
// the scheduler, and the saga timeout poller. Start is idempotent.
func (b *Bus) Start() error {
	b.runningMu.Lock()
	defer b.runningMu.Unlock()
	if b.running {
		return nil
	}
	if len(b.indexInits) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, ensure := range b.indexInits {
			if err := ensure(ctx); err != nil {
				return err
			}
		}
	}
	if b.outboxProc != nil {
		if err := b.outboxProc.Start(); err != nil {
			return err
		}
	}
	if b.inboxProc != nil {
		b.inboxProc.Start()
	}
	if b.sched != nil {
		b.sched.Start()
	}
	b.sagas.Start()
	b.running = true
	slog.Info("Bus started")
	return nil
}

// Stop halts the background workers in reverse start order and closes the
// queues. Stop is idempotent.
func (b *Bus) Stop() {
	b.runningMu.Lock()
	defer b.runningMu.Unlock()
	if !b.running {
		return
	}
	b.sagas.Stop()
	if b.sched != nil {
		b.sched.Stop()
	}
	if b.inboxProc != nil {
		b.inboxProc.Stop()
	}
	if b.outboxProc != nil {
		b.outboxProc.Stop()
	}
	if err := b.queues.Close(); err != nil {
		slog.Error("Failed to close queues", "error", err)
	}
	b.running = false
	slog.Info("Bus stopped")
}
