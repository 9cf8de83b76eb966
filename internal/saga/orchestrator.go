package saga

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

// TimeoutOptions are the per-saga-type timeout settings. A Schedule(0)
// binding falls back to DefaultTimeout.
type TimeoutOptions struct {
	DefaultTimeout time.Duration
}

// OrchestratorConfig controls the saga orchestrator.
type OrchestratorConfig struct {
	// MaxConcurrencyRetries bounds reload-and-retry after a version clash.
	MaxConcurrencyRetries int

	// TimeoutPollInterval is the cadence of the timeout sweep.
	TimeoutPollInterval time.Duration

	// TimeoutBatchSize caps expired instances handled per sweep.
	TimeoutBatchSize int
}

// DefaultOrchestratorConfig returns the orchestrator defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxConcurrencyRetries: 3,
		TimeoutPollInterval:   5 * time.Second,
		TimeoutBatchSize:      100,
	}
}

// Validate checks the configuration.
func (c OrchestratorConfig) Validate() error {
	if c.MaxConcurrencyRetries < 0 {
		return fmt.Errorf("saga: MaxConcurrencyRetries must be >= 0, got %d", c.MaxConcurrencyRetries)
	}
	if c.TimeoutPollInterval <= 0 {
		return fmt.Errorf("saga: TimeoutPollInterval must be positive, got %s", c.TimeoutPollInterval)
	}
	return nil
}

// Orchestrator routes events to saga definitions, persists transitions
// under optimistic concurrency, and delivers timeout events.
type Orchestrator struct {
	cfg  OrchestratorConfig
	repo Repository
	clk  clock.Clock

	mu          sync.RWMutex
	definitions map[string]*Definition
	timeoutOpts map[string]TimeoutOptions

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewOrchestrator creates an orchestrator. A nil clock uses the system
// clock.
func NewOrchestrator(cfg OrchestratorConfig, repo Repository, clk clock.Clock) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, fmt.Errorf("saga: repository must not be nil")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Orchestrator{
		cfg:         cfg,
		repo:        repo,
		clk:         clk,
		definitions: make(map[string]*Definition),
		timeoutOpts: make(map[string]TimeoutOptions),
	}, nil
}

// Register adds a saga definition. Registering the same type twice is an
// error.
func (o *Orchestrator) Register(def *Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.definitions[def.sagaType]; exists {
		return fmt.Errorf("saga: type %q already registered", def.sagaType)
	}
	o.definitions[def.sagaType] = def
	return nil
}

// SetTimeoutOptions registers per-type timeout settings, which take
// precedence over a binding's own Schedule duration of zero.
func (o *Orchestrator) SetTimeoutOptions(sagaType string, opts TimeoutOptions) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timeoutOpts[sagaType] = opts
}

// HandleEvent delivers an event to every registered definition that listens
// for it. Returns the first failure, or Success when every interested saga
// advanced (or none was interested).
func (o *Orchestrator) HandleEvent(ctx context.Context, env *message.Envelope) pipeline.Outcome {
	if env == nil || env.CorrelationID == "" {
		return pipeline.Failuref(pipeline.FailureValidation, "saga events need a CorrelationId")
	}

	o.mu.RLock()
	var interested []*Definition
	for _, def := range o.definitions {
		if def.handlesEvent(env.Name) {
			interested = append(interested, def)
		}
	}
	o.mu.RUnlock()

	if len(interested) == 0 {
		return pipeline.Skipped(fmt.Sprintf("no saga listens for %s", env.Name))
	}

	for _, def := range interested {
		if out := o.handle(ctx, def, env); out.IsFailure() {
			return out
		}
	}
	return pipeline.Success(nil)
}

// handle runs one definition's load-evaluate-save cycle with bounded
// retries on version clashes.
func (o *Orchestrator) handle(ctx context.Context, def *Definition, env *message.Envelope) pipeline.Outcome {
	for attempt := 0; attempt <= o.cfg.MaxConcurrencyRetries; attempt++ {
		if attempt > 0 {
			metrics.SagaConcurrencyRetries.WithLabelValues(def.sagaType).Inc()
		}

		inst, err := o.repo.Load(ctx, def.sagaType, env.CorrelationID)
		if err != nil {
			return pipeline.FromError(err, pipeline.FailureTransient)
		}
		if inst == nil {
			if env.Name != def.initialEvent {
				return pipeline.Skipped(fmt.Sprintf(
					"no %s instance for correlation %s", def.sagaType, env.CorrelationID))
			}
			inst = NewInstance(def.sagaType, env.CorrelationID, o.clk.Now())
		}
		if inst.IsCompleted {
			return pipeline.Skipped(fmt.Sprintf("saga %s is completed", inst.Key))
		}

		expectedVersion := inst.Version

		b, ok := def.evaluate(inst, env)
		if !ok {
			if env.Name == TimeoutEvent && inst.TimeoutAt != nil {
				// An unhandled timeout still clears TimeoutAt, or the
				// poller would redeliver forever.
				inst.TimeoutAt = nil
				if saved, err := o.repo.Save(ctx, inst, expectedVersion); err != nil {
					return pipeline.FromError(err, pipeline.FailureTransient)
				} else if !saved {
					continue
				}
			}
			return pipeline.Skipped(fmt.Sprintf(
				"no transition for %s in state %s", env.Name, inst.CurrentState))
		}

		o.apply(inst, b, env)

		saved, err := o.repo.Save(ctx, inst, expectedVersion)
		if err != nil {
			return pipeline.FromError(err, pipeline.FailureTransient)
		}
		if !saved {
			slog.Debug("Saga version clash, retrying",
				"saga", def.sagaType, "correlationId", env.CorrelationID,
				"expectedVersion", expectedVersion)
			continue
		}

		metrics.SagaTransitions.WithLabelValues(def.sagaType, b.actionLabel()).Inc()
		slog.Info("Saga transition",
			"saga", def.sagaType, "correlationId", env.CorrelationID,
			"event", env.Name, "from", b.state, "to", inst.CurrentState,
			"action", b.actionLabel(), "version", inst.Version)
		return pipeline.Success(inst.CurrentState)
	}
	return pipeline.Failuref(pipeline.FailureConcurrency,
		"saga %s save for correlation %s lost %d version races",
		def.sagaType, env.CorrelationID, o.cfg.MaxConcurrencyRetries+1)
}

// apply mutates the instance per the binding. TimeoutAt is cleared on any
// transition and re-armed only by Schedule.
func (o *Orchestrator) apply(inst *Instance, b *binding, env *message.Envelope) {
	if b.mutate != nil {
		b.mutate(inst, env)
	}
	inst.TimeoutAt = nil

	switch b.action {
	case actionComplete:
		inst.IsCompleted = true
	case actionCompensate:
		inst.IsCompleted = true
		inst.CurrentState = "Compensated"
		inst.CompensatedReason = b.compensateReason
	default:
		inst.CurrentState = b.nextState
	}

	if !inst.IsCompleted && b.scheduleSet {
		if timeout := o.timeoutFor(inst.SagaType, b.timeout); timeout > 0 {
			due := o.clk.Now().Add(timeout)
			inst.TimeoutAt = &due
		}
	}
}

func (o *Orchestrator) timeoutFor(sagaType string, bound time.Duration) time.Duration {
	if bound > 0 {
		return bound
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.timeoutOpts[sagaType].DefaultTimeout
}

// Start launches the timeout poller.
func (o *Orchestrator) Start() {
	o.runningMu.Lock()
	defer o.runningMu.Unlock()
	if o.running {
		return
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.running = true
	o.wg.Add(1)
	go o.timeoutLoop()
	slog.Info("Saga timeout poller started", "interval", o.cfg.TimeoutPollInterval)
}

// Stop halts the timeout poller.
func (o *Orchestrator) Stop() {
	o.runningMu.Lock()
	defer o.runningMu.Unlock()
	if !o.running {
		return
	}
	o.cancel()
	o.wg.Wait()
	o.running = false
	slog.Info("Saga timeout poller stopped")
}

func (o *Orchestrator) timeoutLoop() {
	defer o.wg.Done()
	for {
		timer := o.clk.NewTimer(o.cfg.TimeoutPollInterval)
		select {
		case <-o.ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
		o.pollTimeouts()
	}
}

// pollTimeouts delivers a synthetic timeout event to every expired saga.
func (o *Orchestrator) pollTimeouts() {
	expired, err := o.repo.GetExpired(o.ctx, o.clk.Now(), o.cfg.TimeoutBatchSize)
	if err != nil {
		slog.Error("Saga timeout poll failed", "error", err)
		return
	}

	for _, inst := range expired {
		select {
		case <-o.ctx.Done():
			return
		default:
		}

		o.mu.RLock()
		def := o.definitions[inst.SagaType]
		o.mu.RUnlock()
		if def == nil {
			slog.Warn("Expired saga has no registered definition", "saga", inst.SagaType)
			continue
		}

		env := message.New(message.KindEvent, TimeoutEvent, nil).WithCorrelation(inst.CorrelationID)
		metrics.SagaTimeouts.WithLabelValues(inst.SagaType).Inc()
		slog.Info("Delivering saga timeout",
			"saga", inst.SagaType, "correlationId", inst.CorrelationID)

		if out := o.handle(o.ctx, def, env); out.IsFailure() {
			slog.Error("Saga timeout handling failed",
				"saga", inst.SagaType, "correlationId", inst.CorrelationID,
				"kind", out.Kind, "message", out.Message)
		}
	}
}
