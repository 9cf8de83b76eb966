package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/common/metrics"
)

// Config describes one named queue and its consumer settings.
type Config struct {
	// Name identifies the queue.
	Name string

	// Mode selects the implementation. Defaults to ModeChannel.
	Mode Mode

	// BufferSize is the per-band capacity. Ring mode requires a power of two.
	BufferSize int

	// DropWhenFull evicts the oldest message instead of blocking producers.
	DropWhenFull bool

	// LeaseTimeout bounds unacknowledged deliveries. 0 disables redelivery.
	LeaseTimeout time.Duration

	// WaitStrategy applies to ring mode consumers.
	WaitStrategy WaitStrategy

	// ProducerMode applies to ring mode producers.
	ProducerMode ProducerMode

	// Workers is the number of consumer goroutines started by StartQueue.
	Workers int

	// RatePerSecond throttles consumption. 0 disables rate limiting.
	RatePerSecond float64

	// RateBurst is the limiter burst. Defaults to max(1, RatePerSecond).
	RateBurst int
}

// DefaultConfig returns queue defaults for the given name.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		Mode:         ModeChannel,
		BufferSize:   1024,
		LeaseTimeout: 30 * time.Second,
		Workers:      1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("queue: Name must not be empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("queue %q: Workers must be >= 1, got %d", c.Name, c.Workers)
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("queue %q: RatePerSecond must be >= 0, got %g", c.Name, c.RatePerSecond)
	}
	switch c.Mode {
	case "", ModeChannel:
		return ChannelConfig{
			Name:         c.Name,
			BufferSize:   c.BufferSize,
			DropWhenFull: c.DropWhenFull,
			LeaseTimeout: c.LeaseTimeout,
		}.Validate()
	case ModeRingBuffer:
		return RingConfig{
			Name:         c.Name,
			BufferSize:   c.BufferSize,
			WaitStrategy: c.WaitStrategy,
			ProducerMode: c.ProducerMode,
			DropWhenFull: c.DropWhenFull,
			LeaseTimeout: c.LeaseTimeout,
		}.Validate()
	default:
		return fmt.Errorf("queue %q: unknown mode %q", c.Name, c.Mode)
	}
}

// Handler consumes one delivery. A nil return acks the delivery; an error
// nacks it for redelivery.
type Handler func(ctx context.Context, d *Delivery) error

// managedQueue pairs a queue with its consumer lifecycle.
type managedQueue struct {
	cfg   Config
	queue Queue

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Manager owns the named queues: registration, consumer start and stop,
// and stats for the monitoring surface.
type Manager struct {
	clk clock.Clock

	mu     sync.RWMutex
	queues map[string]*managedQueue
}

// NewManager creates an empty queue manager. A nil clock uses the system
// clock.
func NewManager(clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Manager{clk: clk, queues: make(map[string]*managedQueue)}
}

// Register creates a queue from its config. Registering the same name
// twice is an error.
func (m *Manager) Register(cfg Config) (Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		q   Queue
		err error
	)
	switch cfg.Mode {
	case ModeRingBuffer:
		q, err = NewRingQueue(RingConfig{
			Name:         cfg.Name,
			BufferSize:   cfg.BufferSize,
			WaitStrategy: cfg.WaitStrategy,
			ProducerMode: cfg.ProducerMode,
			DropWhenFull: cfg.DropWhenFull,
			LeaseTimeout: cfg.LeaseTimeout,
		}, m.clk)
	default:
		q, err = NewChannelQueue(ChannelConfig{
			Name:         cfg.Name,
			BufferSize:   cfg.BufferSize,
			DropWhenFull: cfg.DropWhenFull,
			LeaseTimeout: cfg.LeaseTimeout,
		}, m.clk)
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queues[cfg.Name]; exists {
		_ = q.Close()
		return nil, fmt.Errorf("queue %q already registered", cfg.Name)
	}
	m.queues[cfg.Name] = &managedQueue{cfg: cfg, queue: q}
	return q, nil
}

// Get returns a registered queue.
func (m *Manager) Get(name string) (Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mq, ok := m.queues[name]
	if !ok {
		return nil, false
	}
	return mq.queue, true
}

// StartQueue starts the consumer workers for a queue. Starting an already
// running queue is a no-op.
func (m *Manager) StartQueue(name string, handler Handler) error {
	m.mu.RLock()
	mq, ok := m.queues[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("queue %q not registered", name)
	}

	mq.mu.Lock()
	defer mq.mu.Unlock()
	if mq.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	mq.cancel = cancel
	mq.running = true

	var limiter *rate.Limiter
	if mq.cfg.RatePerSecond > 0 {
		burst := mq.cfg.RateBurst
		if burst < 1 {
			burst = int(mq.cfg.RatePerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(mq.cfg.RatePerSecond), burst)
	}

	for i := 0; i < mq.cfg.Workers; i++ {
		mq.wg.Add(1)
		go m.consume(ctx, mq, limiter, handler)
	}
	slog.Info("Queue consumers started", "queue", name, "workers", mq.cfg.Workers)
	return nil
}

// StopQueue stops the consumer workers. The queue itself stays registered
// and keeps accepting messages.
func (m *Manager) StopQueue(name string) error {
	m.mu.RLock()
	mq, ok := m.queues[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("queue %q not registered", name)
	}

	mq.mu.Lock()
	if !mq.running {
		mq.mu.Unlock()
		return nil
	}
	mq.running = false
	mq.cancel()
	mq.mu.Unlock()

	mq.wg.Wait()
	slog.Info("Queue consumers stopped", "queue", name)
	return nil
}

func (m *Manager) consume(ctx context.Context, mq *managedQueue, limiter *rate.Limiter, handler Handler) {
	defer mq.wg.Done()
	for {
		if limiter != nil {
			if !limiter.Allow() {
				metrics.QueueRateLimitRejections.WithLabelValues(mq.cfg.Name).Inc()
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}
		}

		d, err := mq.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
				return
			}
			slog.Error("Dequeue failed", "queue", mq.cfg.Name, "error", err)
			continue
		}

		if err := handler(ctx, d); err != nil {
			slog.Warn("Queue handler failed, message will be redelivered",
				"queue", mq.cfg.Name, "messageId", d.Env.ID, "attempt", d.Attempt, "error", err)
			if nackErr := mq.queue.Nack(d.Token); nackErr != nil {
				slog.Error("Nack failed", "queue", mq.cfg.Name, "error", nackErr)
			}
			continue
		}
		if ackErr := mq.queue.Ack(d.Token); ackErr != nil {
			slog.Error("Ack failed", "queue", mq.cfg.Name, "error", ackErr)
		}
	}
}

// QueueStats is a point-in-time snapshot for the monitoring surface.
type QueueStats struct {
	Name    string `json:"name"`
	Mode    Mode   `json:"mode"`
	Depth   int    `json:"depth"`
	Workers int    `json:"workers"`
	Running bool   `json:"running"`
}

// Stats snapshots every registered queue.
func (m *Manager) Stats() []QueueStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]QueueStats, 0, len(m.queues))
	for name, mq := range m.queues {
		mq.mu.Lock()
		running := mq.running
		mq.mu.Unlock()

		mode := mq.cfg.Mode
		if mode == "" {
			mode = ModeChannel
		}
		stats = append(stats, QueueStats{
			Name:    name,
			Mode:    mode,
			Depth:   mq.queue.Depth(),
			Workers: mq.cfg.Workers,
			Running: running,
		})
	}
	return stats
}

// Close stops all consumers and closes every queue.
func (m *Manager) Close() error {
	m.mu.Lock()
	queues := make([]*managedQueue, 0, len(m.queues))
	names := make([]string, 0, len(m.queues))
	for name, mq := range m.queues {
		queues = append(queues, mq)
		names = append(names, name)
	}
	m.mu.Unlock()

	for i, mq := range queues {
		_ = m.StopQueue(names[i])
		_ = mq.queue.Close()
	}
	return nil
}
