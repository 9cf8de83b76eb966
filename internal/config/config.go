// Package config holds the process-wide configuration surface: every
// recognized option, its default, and startup validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config enumerates the recognized options for a RelayKit process.
type Config struct {
	// HTTP is the monitoring API server configuration.
	HTTP HTTPConfig

	// MongoDB configures the durable storage backend.
	MongoDB MongoDBConfig

	// Redis configures the distributed idempotency cache.
	Redis RedisConfig

	// Storage selects backends per concern.
	Storage StorageConfig

	Idempotency IdempotencyConfig
	Batching    BatchingConfig
	Retry       RetryConfig
	Circuit     CircuitConfig
	Transaction TransactionConfig
	Outbox      OutboxConfig
	Inbox       InboxConfig
	Queue       QueueConfig
	Scheduler   SchedulerConfig
	Saga        SagaConfig
	Conversion  ConversionConfig
	Leader      LeaderConfig

	// DevMode relaxes validation for local development.
	DevMode bool
}

// HTTPConfig holds monitoring server configuration.
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// MongoDBConfig holds MongoDB connection configuration.
type MongoDBConfig struct {
	URI      string
	Database string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StorageConfig selects the backend per storage concern.
type StorageConfig struct {
	// Backend is the durable store for outbox, inbox, sagas, and
	// scheduled messages: "memory" or "mongo".
	Backend string

	// IdempotencyBackend is the idempotency cache: "memory", "redis", or
	// "mongo".
	IdempotencyBackend string
}

// IdempotencyConfig holds idempotency cache lifetimes.
type IdempotencyConfig struct {
	Enabled       bool
	SuccessTtl    time.Duration
	FailureTtl    time.Duration
	CacheFailures bool
}

// BatchingConfig holds batching behaviour.
type BatchingConfig struct {
	Enabled                bool
	MaxBatchSize           int
	BatchTimeout           time.Duration
	MinBatchSize           int
	MaxDegreeOfParallelism int
}

// RetryConfig holds the retry envelope.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// CircuitConfig holds circuit breaker thresholds.
type CircuitConfig struct {
	Enabled          bool
	FailureThreshold int
	BreakDuration    time.Duration
	SamplingDuration time.Duration
}

// TransactionConfig holds the transaction decorator settings.
type TransactionConfig struct {
	Enabled        bool
	IsolationLevel string
}

// OutboxConfig holds outbox worker cadence.
type OutboxConfig struct {
	Enabled         bool
	PollingInterval time.Duration
	BatchSize       int
	MaxRetries      int
	LeaseTimeout    time.Duration
}

// InboxConfig holds inbox dedup settings.
type InboxConfig struct {
	Enabled           bool
	IdempotencyWindow time.Duration
	Retention         time.Duration
	CleanupInterval   time.Duration
}

// QueueConfig holds in-memory queue defaults.
type QueueConfig struct {
	// Mode selects the backend: "channel" or "ringbuffer".
	Mode string

	// BufferSize is the queue capacity; a power of two for ring buffers.
	BufferSize int

	// WaitStrategy is the ring consumer wait: "busyspin", "yielding",
	// "sleeping", or "blocking".
	WaitStrategy string

	// ProducerMode is the ring producer coordination: "single" or "multi".
	ProducerMode string

	DropWhenFull bool
	LeaseTimeout time.Duration
	Workers      int

	// RatePerSecond throttles consumption; 0 disables the limiter.
	RatePerSecond float64
}

// SchedulerConfig holds scheduler cadence.
type SchedulerConfig struct {
	Enabled bool

	// Backend selects "memory" (timer) or "storage" (polled).
	Backend string

	PollingInterval time.Duration
	BatchSize       int
	LookAhead       time.Duration
	ClaimTimeout    time.Duration
}

// SagaConfig holds saga orchestration settings.
type SagaConfig struct {
	MaxConcurrencyRetries int
	TimeoutPollInterval   time.Duration
}

// ConversionConfig holds message version conversion settings.
type ConversionConfig struct {
	ConversionTimeout  time.Duration
	MaxConversionSteps int

	// DefaultCompatibilityMode is "strict", "backward", "forward", or
	// "flexible".
	DefaultCompatibilityMode string
}

// LeaderConfig holds leader election settings for multi-instance
// deployments. When enabled, the bus workers run only on the elected
// leader.
type LeaderConfig struct {
	Enabled bool

	// Backend selects the lock store: "mongo" or "redis".
	Backend string

	LockName        string
	TTL             time.Duration
	RefreshInterval time.Duration
}

// Load builds the configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", nil),
		},
		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGODB_DATABASE", "relaykit"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Backend:            getEnv("STORAGE_BACKEND", "memory"),
			IdempotencyBackend: getEnv("IDEMPOTENCY_BACKEND", "memory"),
		},
		Idempotency: IdempotencyConfig{
			Enabled:       getEnvBool("IDEMPOTENCY_ENABLED", false),
			SuccessTtl:    getEnvDuration("IDEMPOTENCY_SUCCESS_TTL", 24*time.Hour),
			FailureTtl:    getEnvDuration("IDEMPOTENCY_FAILURE_TTL", time.Hour),
			CacheFailures: getEnvBool("IDEMPOTENCY_CACHE_FAILURES", false),
		},
		Batching: BatchingConfig{
			Enabled:                getEnvBool("BATCHING_ENABLED", false),
			MaxBatchSize:           getEnvInt("BATCH_MAX_SIZE", 100),
			BatchTimeout:           getEnvDuration("BATCH_TIMEOUT", 100*time.Millisecond),
			MinBatchSize:           getEnvInt("BATCH_MIN_SIZE", 1),
			MaxDegreeOfParallelism: getEnvInt("BATCH_MAX_PARALLELISM", 1),
		},
		Retry: RetryConfig{
			MaxRetries: getEnvInt("RETRY_MAX_RETRIES", 3),
			BaseDelay:  getEnvDuration("RETRY_BASE_DELAY", 100*time.Millisecond),
			MaxDelay:   getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
		},
		Circuit: CircuitConfig{
			Enabled:          getEnvBool("CIRCUIT_ENABLED", false),
			FailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
			BreakDuration:    getEnvDuration("CIRCUIT_BREAK_DURATION", 30*time.Second),
			SamplingDuration: getEnvDuration("CIRCUIT_SAMPLING_DURATION", 60*time.Second),
		},
		Transaction: TransactionConfig{
			Enabled:        getEnvBool("TRANSACTIONS_ENABLED", false),
			IsolationLevel: getEnv("TRANSACTION_ISOLATION_LEVEL", "default"),
		},
		Outbox: OutboxConfig{
			Enabled:         getEnvBool("OUTBOX_ENABLED", false),
			PollingInterval: getEnvDuration("OUTBOX_POLLING_INTERVAL", time.Second),
			BatchSize:       getEnvInt("OUTBOX_BATCH_SIZE", 100),
			MaxRetries:      getEnvInt("OUTBOX_MAX_RETRIES", 5),
			LeaseTimeout:    getEnvDuration("OUTBOX_LEASE_TIMEOUT", 5*time.Minute),
		},
		Inbox: InboxConfig{
			Enabled:           getEnvBool("INBOX_ENABLED", false),
			IdempotencyWindow: getEnvDuration("INBOX_IDEMPOTENCY_WINDOW", 0),
			Retention:         getEnvDuration("INBOX_RETENTION", 7*24*time.Hour),
			CleanupInterval:   getEnvDuration("INBOX_CLEANUP_INTERVAL", time.Hour),
		},
		Queue: QueueConfig{
			Mode:          getEnv("QUEUE_MODE", "channel"),
			BufferSize:    getEnvInt("QUEUE_BUFFER_SIZE", 1024),
			WaitStrategy:  getEnv("QUEUE_WAIT_STRATEGY", "blocking"),
			ProducerMode:  getEnv("QUEUE_PRODUCER_MODE", "multi"),
			DropWhenFull:  getEnvBool("QUEUE_DROP_WHEN_FULL", false),
			LeaseTimeout:  getEnvDuration("QUEUE_LEASE_TIMEOUT", 30*time.Second),
			Workers:       getEnvInt("QUEUE_WORKERS", 1),
			RatePerSecond: getEnvFloat("QUEUE_RATE_PER_SECOND", 0),
		},
		Scheduler: SchedulerConfig{
			Enabled:         getEnvBool("SCHEDULER_ENABLED", false),
			Backend:         getEnv("SCHEDULER_BACKEND", "memory"),
			PollingInterval: getEnvDuration("SCHEDULER_POLLING_INTERVAL", time.Second),
			BatchSize:       getEnvInt("SCHEDULER_BATCH_SIZE", 100),
			LookAhead:       getEnvDuration("SCHEDULER_LOOK_AHEAD", 500*time.Millisecond),
			ClaimTimeout:    getEnvDuration("SCHEDULER_CLAIM_TIMEOUT", time.Minute),
		},
		Saga: SagaConfig{
			MaxConcurrencyRetries: getEnvInt("SAGA_MAX_CONCURRENCY_RETRIES", 3),
			TimeoutPollInterval:   getEnvDuration("SAGA_TIMEOUT_POLL_INTERVAL", 5*time.Second),
		},
		Conversion: ConversionConfig{
			ConversionTimeout:        getEnvDuration("CONVERSION_TIMEOUT", 5*time.Second),
			MaxConversionSteps:       getEnvInt("CONVERSION_MAX_STEPS", 8),
			DefaultCompatibilityMode: getEnv("CONVERSION_COMPATIBILITY_MODE", "backward"),
		},
		Leader: LeaderConfig{
			Enabled:         getEnvBool("LEADER_ENABLED", false),
			Backend:         getEnv("LEADER_BACKEND", "mongo"),
			LockName:        getEnv("LEADER_LOCK_NAME", "relaykit-leader"),
			TTL:             getEnvDuration("LEADER_TTL", 30*time.Second),
			RefreshInterval: getEnvDuration("LEADER_REFRESH_INTERVAL", 10*time.Second),
		},
		DevMode: getEnvBool("RELAYKIT_DEV", false),
	}
	return cfg, nil
}

// Validate checks the whole configuration and returns every problem found,
// so startup can report all of them at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Storage.Backend {
	case "memory", "mongo":
	default:
		add("storage backend %q is not one of memory, mongo", c.Storage.Backend)
	}
	switch c.Storage.IdempotencyBackend {
	case "memory", "redis", "mongo":
	default:
		add("idempotency backend %q is not one of memory, redis, mongo", c.Storage.IdempotencyBackend)
	}
	if c.Storage.Backend == "mongo" && c.MongoDB.URI == "" {
		add("storage backend mongo needs MONGODB_URI")
	}
	if c.Storage.IdempotencyBackend == "redis" && c.Redis.Addr == "" {
		add("idempotency backend redis needs REDIS_ADDR")
	}

	if c.Batching.Enabled {
		if c.Batching.MaxBatchSize <= 0 {
			add("MaxBatchSize must be positive, got %d", c.Batching.MaxBatchSize)
		}
		if c.Batching.BatchTimeout <= 0 {
			add("BatchTimeout must be positive, got %s", c.Batching.BatchTimeout)
		}
		if c.Batching.MinBatchSize < 1 || c.Batching.MinBatchSize > c.Batching.MaxBatchSize {
			add("MinBatchSize %d is outside [1, MaxBatchSize=%d]",
				c.Batching.MinBatchSize, c.Batching.MaxBatchSize)
		}
	}

	if c.Retry.MaxRetries < 0 {
		add("MaxRetries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Circuit.Enabled && c.Circuit.FailureThreshold <= 0 {
		add("FailureThreshold must be positive, got %d", c.Circuit.FailureThreshold)
	}

	switch c.Queue.Mode {
	case "channel", "ringbuffer":
	default:
		add("queue mode %q is not one of channel, ringbuffer", c.Queue.Mode)
	}
	if c.Queue.BufferSize <= 0 {
		add("BufferSize must be positive, got %d", c.Queue.BufferSize)
	}
	if c.Queue.Mode == "ringbuffer" && c.Queue.BufferSize&(c.Queue.BufferSize-1) != 0 {
		add("ring buffer BufferSize must be a power of two, got %d", c.Queue.BufferSize)
	}
	switch c.Queue.WaitStrategy {
	case "busyspin", "yielding", "sleeping", "blocking":
	default:
		add("wait strategy %q is not one of busyspin, yielding, sleeping, blocking", c.Queue.WaitStrategy)
	}
	switch c.Queue.ProducerMode {
	case "single", "multi":
	default:
		add("producer mode %q is not one of single, multi", c.Queue.ProducerMode)
	}

	if c.Outbox.Enabled {
		if c.Outbox.PollingInterval <= 0 {
			add("outbox PollingInterval must be positive, got %s", c.Outbox.PollingInterval)
		}
		if c.Outbox.BatchSize <= 0 {
			add("outbox BatchSize must be positive, got %d", c.Outbox.BatchSize)
		}
	}

	if c.Scheduler.Enabled {
		switch c.Scheduler.Backend {
		case "memory", "storage":
		default:
			add("scheduler backend %q is not one of memory, storage", c.Scheduler.Backend)
		}
		if c.Scheduler.Backend == "storage" && c.Scheduler.PollingInterval <= 0 {
			add("scheduler PollingInterval must be positive, got %s", c.Scheduler.PollingInterval)
		}
	}

	switch strings.ToLower(c.Conversion.DefaultCompatibilityMode) {
	case "strict", "backward", "forward", "flexible":
	default:
		add("compatibility mode %q is not one of strict, backward, forward, flexible",
			c.Conversion.DefaultCompatibilityMode)
	}
	if c.Conversion.MaxConversionSteps <= 0 {
		add("MaxConversionSteps must be positive, got %d", c.Conversion.MaxConversionSteps)
	}

	if c.Leader.Enabled {
		switch c.Leader.Backend {
		case "mongo", "redis":
		default:
			add("leader backend %q is not one of mongo, redis", c.Leader.Backend)
		}
		if c.Leader.LockName == "" {
			add("leader LockName must not be empty")
		}
		if c.Leader.TTL <= 0 {
			add("leader TTL must be positive, got %s", c.Leader.TTL)
		}
		if c.Leader.RefreshInterval <= 0 || c.Leader.RefreshInterval >= c.Leader.TTL {
			add("leader RefreshInterval %s must be positive and shorter than TTL %s",
				c.Leader.RefreshInterval, c.Leader.TTL)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("config: %s", strings.Join(problems, "; "))
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
