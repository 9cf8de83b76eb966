package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/common/tsid"
	"go.relaykit.dev/internal/message"
)

// PolledConfig controls the storage-backed scheduler.
type PolledConfig struct {
	// PollInterval is how often the store is polled for due messages.
	PollInterval time.Duration

	// LookAhead widens each poll to messages due within this window, so a
	// message never waits a full extra interval past its due time.
	LookAhead time.Duration

	// BatchSize caps messages claimed per poll.
	BatchSize int

	// ClaimTimeout is how long a Delivering claim may stand before another
	// worker may reclaim it.
	ClaimTimeout time.Duration
}

// DefaultPolledConfig returns the polled scheduler defaults.
func DefaultPolledConfig() PolledConfig {
	return PolledConfig{
		PollInterval: time.Second,
		LookAhead:    500 * time.Millisecond,
		BatchSize:    100,
		ClaimTimeout: time.Minute,
	}
}

// Validate checks the configuration.
func (c PolledConfig) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("scheduler: PollInterval must be positive, got %s", c.PollInterval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("scheduler: BatchSize must be positive, got %d", c.BatchSize)
	}
	if c.ClaimTimeout <= 0 {
		return fmt.Errorf("scheduler: ClaimTimeout must be positive, got %s", c.ClaimTimeout)
	}
	return nil
}

// PolledScheduler drains a durable scheduled-message store: poll for due
// entries, claim Scheduled to Delivering, deliver, mark Delivered. Claim
// expiry recovers messages from dead workers, so several instances may run
// against one store.
type PolledScheduler struct {
	cfg     PolledConfig
	store   Store
	deliver DeliverFunc
	clk     clock.Clock
	ids     *tsid.Generator

	// owner tags this instance's claims for diagnosis.
	owner string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewPolledScheduler creates a storage-backed scheduler. A nil clock uses
// the system clock.
func NewPolledScheduler(cfg PolledConfig, store Store, deliver DeliverFunc, clk clock.Clock) (*PolledScheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || deliver == nil {
		return nil, fmt.Errorf("scheduler: store and delivery callback must not be nil")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &PolledScheduler{
		cfg:     cfg,
		store:   store,
		deliver: deliver,
		clk:     clk,
		ids:     tsid.NewGenerator(clk),
		owner:   uuid.NewString(),
	}, nil
}

func (s *PolledScheduler) Schedule(ctx context.Context, env *message.Envelope, at time.Time, opts Options) (string, error) {
	if env == nil {
		return "", fmt.Errorf("scheduler: message must not be nil")
	}
	msg := &ScheduledMessage{
		ID:           s.ids.Generate(),
		Env:          env,
		Destination:  opts.Destination,
		ScheduledFor: at,
		Status:       StatusScheduled,
		Every:        opts.Every,
		CreatedAt:    s.clk.Now(),
	}
	if err := s.store.Add(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (s *PolledScheduler) Cancel(ctx context.Context, id string) (bool, error) {
	cancelled, err := s.store.Cancel(ctx, id)
	if err != nil {
		return false, err
	}
	if cancelled {
		metrics.SchedulerCancelled.Inc()
	}
	return cancelled, nil
}

// Start reclaims orphaned claims from a previous run, then launches the
// poll and reclaim loops.
func (s *PolledScheduler) Start() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	if reclaimed, err := s.store.ReclaimExpired(s.ctx, s.clk.Now()); err != nil {
		slog.Error("Scheduler startup reclaim failed", "error", err)
	} else if reclaimed > 0 {
		metrics.SchedulerReclaimed.Add(float64(reclaimed))
		slog.Warn("Reclaimed orphaned scheduled messages", "count", reclaimed)
	}

	s.wg.Add(2)
	go s.pollLoop()
	go s.reclaimLoop()
	slog.Info("Polled scheduler started",
		"pollInterval", s.cfg.PollInterval, "batchSize", s.cfg.BatchSize, "owner", s.owner)
}

// Stop halts both loops.
func (s *PolledScheduler) Stop() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.running = false
	slog.Info("Polled scheduler stopped")
}

func (s *PolledScheduler) pollLoop() {
	defer s.wg.Done()
	s.pollOnce()
	for {
		timer := s.clk.NewTimer(s.cfg.PollInterval)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
		s.pollOnce()
	}
}

// pollOnce claims and delivers one batch of due messages.
func (s *PolledScheduler) pollOnce() {
	deadline := s.clk.Now().Add(s.cfg.LookAhead)
	claimed, err := s.store.ClaimDue(s.ctx, deadline, s.cfg.BatchSize, s.owner)
	if err != nil {
		slog.Error("Scheduler poll failed", "error", err)
		return
	}

	for _, msg := range claimed {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		s.fire(msg)
	}
}

func (s *PolledScheduler) fire(msg *ScheduledMessage) {
	if err := s.deliver(s.ctx, msg); err != nil {
		slog.Error("Scheduled delivery failed", "id", msg.ID, "error", err)
		if _, markErr := s.store.MarkFailed(s.ctx, msg.ID, err.Error()); markErr != nil {
			slog.Error("Failed to mark scheduled message failed", "id", msg.ID, "error", markErr)
		}
		return
	}
	metrics.SchedulerDelivered.Inc()

	if msg.Every > 0 {
		nextAt := s.clk.Now().Add(msg.Every)
		if _, err := s.store.Reschedule(s.ctx, msg.ID, nextAt); err != nil {
			slog.Error("Failed to reschedule recurring message", "id", msg.ID, "error", err)
		}
		return
	}
	if _, err := s.store.MarkDelivered(s.ctx, msg.ID); err != nil {
		slog.Error("Failed to mark scheduled message delivered", "id", msg.ID, "error", err)
	}
}

// reclaimLoop returns expired claims to Scheduled at half the claim
// timeout.
func (s *PolledScheduler) reclaimLoop() {
	defer s.wg.Done()
	interval := s.cfg.ClaimTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	for {
		timer := s.clk.NewTimer(interval)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}

		olderThan := s.clk.Now().Add(-s.cfg.ClaimTimeout)
		reclaimed, err := s.store.ReclaimExpired(s.ctx, olderThan)
		if err != nil {
			slog.Error("Scheduler reclaim failed", "error", err)
			continue
		}
		if reclaimed > 0 {
			metrics.SchedulerReclaimed.Add(float64(reclaimed))
			slog.Warn("Reclaimed expired delivery claims", "count", reclaimed)
		}
	}
}
