// Package leader provides distributed leader election over a MongoDB or
// Redis lock, so singleton workers run on exactly one instance.
package leader

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Elector is the contract shared by the lock backends. Callbacks must be
// set before Start and fire from the election loop goroutine.
type Elector interface {
	OnBecomeLeader(fn func())
	OnLoseLeadership(fn func())
	Start(ctx context.Context) error
	Stop()
	IsPrimary() bool
	InstanceID() string
}

// Config holds the election cadence. RefreshInterval must be shorter than
// TTL or leadership flaps on every cycle.
type Config struct {
	// InstanceID uniquely identifies this process. Defaults to the
	// hostname.
	InstanceID string

	// LockName names the lock all contending instances share.
	LockName string

	// TTL is how long an unrefreshed lock stays valid.
	TTL time.Duration

	// RefreshInterval is how often the holder extends the lock.
	RefreshInterval time.Duration
}

// DefaultConfig returns the election defaults for the given lock name.
func DefaultConfig(lockName string) Config {
	instanceID, _ := os.Hostname()
	if instanceID == "" {
		instanceID = "instance-" + time.Now().Format("20060102150405")
	}
	return Config{
		InstanceID:      instanceID,
		LockName:        lockName,
		TTL:             30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// lock is the storage side of an election: acquire wins a free or expired
// lock, refresh extends a held one, release gives it up.
type lock interface {
	acquire(ctx context.Context) bool
	refresh(ctx context.Context) bool
	release(ctx context.Context) bool
	holder(ctx context.Context) (string, error)
}

// loop drives an election over a lock: it claims, refreshes while primary,
// and reports transitions through the callbacks. Both backends share it.
type loop struct {
	cfg  Config
	lock lock

	isPrimary atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	onBecomeLeader   func()
	onLoseLeadership func()
}

func newLoop(cfg Config, l lock) *loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &loop{cfg: cfg, lock: l, ctx: ctx, cancel: cancel}
}

func (e *loop) OnBecomeLeader(fn func())   { e.onBecomeLeader = fn }
func (e *loop) OnLoseLeadership(fn func()) { e.onLoseLeadership = fn }

func (e *loop) IsPrimary() bool    { return e.isPrimary.Load() }
func (e *loop) InstanceID() string { return e.cfg.InstanceID }

// Start launches the election loop. It returns immediately; leadership is
// reported through the callbacks.
func (e *loop) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.run()
	slog.Info("Leader election started",
		"instanceId", e.cfg.InstanceID,
		"lockName", e.cfg.LockName,
		"ttl", e.cfg.TTL,
		"refreshInterval", e.cfg.RefreshInterval)
	return nil
}

// Stop halts the loop and releases the lock when held.
func (e *loop) Stop() {
	e.cancel()
	e.wg.Wait()

	if e.isPrimary.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if e.lock.release(ctx) {
			slog.Info("Released leader lock",
				"instanceId", e.cfg.InstanceID, "lockName", e.cfg.LockName)
		}
		e.isPrimary.Store(false)
	}
	slog.Info("Leader election stopped", "instanceId", e.cfg.InstanceID)
}

// CurrentLeader returns the instance id holding the lock, or "" when the
// lock is free.
func (e *loop) CurrentLeader(ctx context.Context) (string, error) {
	return e.lock.holder(ctx)
}

func (e *loop) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	e.step()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.step()
		}
	}
}

// step refreshes the lock while primary and contends for it otherwise. A
// failed refresh demotes before re-contending, so the loss callback always
// precedes any re-acquisition.
func (e *loop) step() {
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()

	wasPrimary := e.isPrimary.Load()
	if wasPrimary {
		if e.lock.refresh(ctx) {
			return
		}
		e.isPrimary.Store(false)
		slog.Warn("Lost leadership",
			"instanceId", e.cfg.InstanceID, "lockName", e.cfg.LockName)
		if e.onLoseLeadership != nil {
			e.onLoseLeadership()
		}
	}

	if e.lock.acquire(ctx) {
		e.isPrimary.Store(true)
		if !wasPrimary {
			slog.Info("Acquired leadership",
				"instanceId", e.cfg.InstanceID, "lockName", e.cfg.LockName)
			if e.onBecomeLeader != nil {
				e.onBecomeLeader()
			}
		}
	}
}
