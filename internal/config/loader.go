package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig mirrors the TOML configuration file layout. Durations are
// strings in Go duration syntax ("30s", "5m").
type TOMLConfig struct {
	HTTP        TOMLHTTPConfig        `toml:"http"`
	MongoDB     TOMLMongoDBConfig     `toml:"mongodb"`
	Redis       TOMLRedisConfig       `toml:"redis"`
	Storage     TOMLStorageConfig     `toml:"storage"`
	Idempotency TOMLIdempotencyConfig `toml:"idempotency"`
	Batching    TOMLBatchingConfig    `toml:"batching"`
	Retry       TOMLRetryConfig       `toml:"retry"`
	Circuit     TOMLCircuitConfig     `toml:"circuit"`
	Transaction TOMLTransactionConfig `toml:"transaction"`
	Outbox      TOMLOutboxConfig      `toml:"outbox"`
	Inbox       TOMLInboxConfig       `toml:"inbox"`
	Queue       TOMLQueueConfig       `toml:"queue"`
	Scheduler   TOMLSchedulerConfig   `toml:"scheduler"`
	Saga        TOMLSagaConfig        `toml:"saga"`
	Conversion  TOMLConversionConfig  `toml:"conversion"`
	Leader      TOMLLeaderConfig      `toml:"leader"`
	DevMode     bool                  `toml:"dev_mode"`
}

type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

type TOMLMongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

type TOMLRedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type TOMLStorageConfig struct {
	Backend            string `toml:"backend"`
	IdempotencyBackend string `toml:"idempotency_backend"`
}

type TOMLIdempotencyConfig struct {
	Enabled       bool   `toml:"enabled"`
	SuccessTtl    string `toml:"success_ttl"`
	FailureTtl    string `toml:"failure_ttl"`
	CacheFailures bool   `toml:"cache_failures"`
}

type TOMLBatchingConfig struct {
	Enabled                bool   `toml:"enabled"`
	MaxBatchSize           int    `toml:"max_batch_size"`
	BatchTimeout           string `toml:"batch_timeout"`
	MinBatchSize           int    `toml:"min_batch_size"`
	MaxDegreeOfParallelism int    `toml:"max_parallelism"`
}

type TOMLRetryConfig struct {
	MaxRetries int    `toml:"max_retries"`
	BaseDelay  string `toml:"base_delay"`
	MaxDelay   string `toml:"max_delay"`
}

type TOMLCircuitConfig struct {
	Enabled          bool   `toml:"enabled"`
	FailureThreshold int    `toml:"failure_threshold"`
	BreakDuration    string `toml:"break_duration"`
	SamplingDuration string `toml:"sampling_duration"`
}

type TOMLTransactionConfig struct {
	Enabled        bool   `toml:"enabled"`
	IsolationLevel string `toml:"isolation_level"`
}

type TOMLOutboxConfig struct {
	Enabled         bool   `toml:"enabled"`
	PollingInterval string `toml:"polling_interval"`
	BatchSize       int    `toml:"batch_size"`
	MaxRetries      int    `toml:"max_retries"`
	LeaseTimeout    string `toml:"lease_timeout"`
}

type TOMLInboxConfig struct {
	Enabled           bool   `toml:"enabled"`
	IdempotencyWindow string `toml:"idempotency_window"`
	Retention         string `toml:"retention"`
	CleanupInterval   string `toml:"cleanup_interval"`
}

type TOMLQueueConfig struct {
	Mode          string  `toml:"mode"`
	BufferSize    int     `toml:"buffer_size"`
	WaitStrategy  string  `toml:"wait_strategy"`
	ProducerMode  string  `toml:"producer_mode"`
	DropWhenFull  bool    `toml:"drop_when_full"`
	LeaseTimeout  string  `toml:"lease_timeout"`
	Workers       int     `toml:"workers"`
	RatePerSecond float64 `toml:"rate_per_second"`
}

type TOMLSchedulerConfig struct {
	Enabled         bool   `toml:"enabled"`
	Backend         string `toml:"backend"`
	PollingInterval string `toml:"polling_interval"`
	BatchSize       int    `toml:"batch_size"`
	LookAhead       string `toml:"look_ahead"`
	ClaimTimeout    string `toml:"claim_timeout"`
}

type TOMLSagaConfig struct {
	MaxConcurrencyRetries int    `toml:"max_concurrency_retries"`
	TimeoutPollInterval   string `toml:"timeout_poll_interval"`
}

type TOMLConversionConfig struct {
	Timeout           string `toml:"timeout"`
	MaxSteps          int    `toml:"max_steps"`
	CompatibilityMode string `toml:"compatibility_mode"`
}

type TOMLLeaderConfig struct {
	Enabled         bool   `toml:"enabled"`
	Backend         string `toml:"backend"`
	LockName        string `toml:"lock_name"`
	TTL             string `toml:"ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

// ConfigPaths lists the paths searched for a config file.
var ConfigPaths = []string{
	"config.toml",
	"relaykit.toml",
	"./config/config.toml",
	"./config/relaykit.toml",
	"/etc/relaykit/config.toml",
}

// LoadFromFile loads configuration from a TOML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	var tomlCfg TOMLConfig
	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyTOML(cfg, &tomlCfg)
	return cfg, nil
}

// LoadWithFile loads defaults and environment, then applies a config file
// found via RELAYKIT_CONFIG or the standard search paths.
func LoadWithFile() (*Config, error) {
	configPath := os.Getenv("RELAYKIT_CONFIG")
	if configPath == "" {
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}
	if configPath == "" {
		return Load()
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// applyTOML overrides cfg with the non-zero values of tc.
func applyTOML(cfg *Config, tc *TOMLConfig) {
	if tc.HTTP.Port != 0 {
		cfg.HTTP.Port = tc.HTTP.Port
	}
	if len(tc.HTTP.CORSOrigins) > 0 {
		cfg.HTTP.CORSOrigins = tc.HTTP.CORSOrigins
	}
	if tc.MongoDB.URI != "" {
		cfg.MongoDB.URI = tc.MongoDB.URI
	}
	if tc.MongoDB.Database != "" {
		cfg.MongoDB.Database = tc.MongoDB.Database
	}
	if tc.Redis.Addr != "" {
		cfg.Redis.Addr = tc.Redis.Addr
	}
	if tc.Redis.Password != "" {
		cfg.Redis.Password = tc.Redis.Password
	}
	if tc.Redis.DB != 0 {
		cfg.Redis.DB = tc.Redis.DB
	}
	if tc.Storage.Backend != "" {
		cfg.Storage.Backend = tc.Storage.Backend
	}
	if tc.Storage.IdempotencyBackend != "" {
		cfg.Storage.IdempotencyBackend = tc.Storage.IdempotencyBackend
	}

	cfg.Idempotency.Enabled = cfg.Idempotency.Enabled || tc.Idempotency.Enabled
	cfg.Idempotency.CacheFailures = cfg.Idempotency.CacheFailures || tc.Idempotency.CacheFailures
	setDuration(&cfg.Idempotency.SuccessTtl, tc.Idempotency.SuccessTtl)
	setDuration(&cfg.Idempotency.FailureTtl, tc.Idempotency.FailureTtl)

	cfg.Batching.Enabled = cfg.Batching.Enabled || tc.Batching.Enabled
	if tc.Batching.MaxBatchSize != 0 {
		cfg.Batching.MaxBatchSize = tc.Batching.MaxBatchSize
	}
	if tc.Batching.MinBatchSize != 0 {
		cfg.Batching.MinBatchSize = tc.Batching.MinBatchSize
	}
	if tc.Batching.MaxDegreeOfParallelism != 0 {
		cfg.Batching.MaxDegreeOfParallelism = tc.Batching.MaxDegreeOfParallelism
	}
	setDuration(&cfg.Batching.BatchTimeout, tc.Batching.BatchTimeout)

	if tc.Retry.MaxRetries != 0 {
		cfg.Retry.MaxRetries = tc.Retry.MaxRetries
	}
	setDuration(&cfg.Retry.BaseDelay, tc.Retry.BaseDelay)
	setDuration(&cfg.Retry.MaxDelay, tc.Retry.MaxDelay)

	cfg.Circuit.Enabled = cfg.Circuit.Enabled || tc.Circuit.Enabled
	if tc.Circuit.FailureThreshold != 0 {
		cfg.Circuit.FailureThreshold = tc.Circuit.FailureThreshold
	}
	setDuration(&cfg.Circuit.BreakDuration, tc.Circuit.BreakDuration)
	setDuration(&cfg.Circuit.SamplingDuration, tc.Circuit.SamplingDuration)

	cfg.Transaction.Enabled = cfg.Transaction.Enabled || tc.Transaction.Enabled
	if tc.Transaction.IsolationLevel != "" {
		cfg.Transaction.IsolationLevel = tc.Transaction.IsolationLevel
	}

	cfg.Outbox.Enabled = cfg.Outbox.Enabled || tc.Outbox.Enabled
	if tc.Outbox.BatchSize != 0 {
		cfg.Outbox.BatchSize = tc.Outbox.BatchSize
	}
	if tc.Outbox.MaxRetries != 0 {
		cfg.Outbox.MaxRetries = tc.Outbox.MaxRetries
	}
	setDuration(&cfg.Outbox.PollingInterval, tc.Outbox.PollingInterval)
	setDuration(&cfg.Outbox.LeaseTimeout, tc.Outbox.LeaseTimeout)

	cfg.Inbox.Enabled = cfg.Inbox.Enabled || tc.Inbox.Enabled
	setDuration(&cfg.Inbox.IdempotencyWindow, tc.Inbox.IdempotencyWindow)
	setDuration(&cfg.Inbox.Retention, tc.Inbox.Retention)
	setDuration(&cfg.Inbox.CleanupInterval, tc.Inbox.CleanupInterval)

	if tc.Queue.Mode != "" {
		cfg.Queue.Mode = tc.Queue.Mode
	}
	if tc.Queue.BufferSize != 0 {
		cfg.Queue.BufferSize = tc.Queue.BufferSize
	}
	if tc.Queue.WaitStrategy != "" {
		cfg.Queue.WaitStrategy = tc.Queue.WaitStrategy
	}
	if tc.Queue.ProducerMode != "" {
		cfg.Queue.ProducerMode = tc.Queue.ProducerMode
	}
	cfg.Queue.DropWhenFull = cfg.Queue.DropWhenFull || tc.Queue.DropWhenFull
	if tc.Queue.Workers != 0 {
		cfg.Queue.Workers = tc.Queue.Workers
	}
	if tc.Queue.RatePerSecond != 0 {
		cfg.Queue.RatePerSecond = tc.Queue.RatePerSecond
	}
	setDuration(&cfg.Queue.LeaseTimeout, tc.Queue.LeaseTimeout)

	cfg.Scheduler.Enabled = cfg.Scheduler.Enabled || tc.Scheduler.Enabled
	if tc.Scheduler.Backend != "" {
		cfg.Scheduler.Backend = tc.Scheduler.Backend
	}
	if tc.Scheduler.BatchSize != 0 {
		cfg.Scheduler.BatchSize = tc.Scheduler.BatchSize
	}
	setDuration(&cfg.Scheduler.PollingInterval, tc.Scheduler.PollingInterval)
	setDuration(&cfg.Scheduler.LookAhead, tc.Scheduler.LookAhead)
	setDuration(&cfg.Scheduler.ClaimTimeout, tc.Scheduler.ClaimTimeout)

	if tc.Saga.MaxConcurrencyRetries != 0 {
		cfg.Saga.MaxConcurrencyRetries = tc.Saga.MaxConcurrencyRetries
	}
	setDuration(&cfg.Saga.TimeoutPollInterval, tc.Saga.TimeoutPollInterval)

	if tc.Conversion.MaxSteps != 0 {
		cfg.Conversion.MaxConversionSteps = tc.Conversion.MaxSteps
	}
	if tc.Conversion.CompatibilityMode != "" {
		cfg.Conversion.DefaultCompatibilityMode = tc.Conversion.CompatibilityMode
	}
	setDuration(&cfg.Conversion.ConversionTimeout, tc.Conversion.Timeout)

	cfg.Leader.Enabled = cfg.Leader.Enabled || tc.Leader.Enabled
	if tc.Leader.Backend != "" {
		cfg.Leader.Backend = tc.Leader.Backend
	}
	if tc.Leader.LockName != "" {
		cfg.Leader.LockName = tc.Leader.LockName
	}
	setDuration(&cfg.Leader.TTL, tc.Leader.TTL)
	setDuration(&cfg.Leader.RefreshInterval, tc.Leader.RefreshInterval)

	cfg.DevMode = cfg.DevMode || tc.DevMode
}

func setDuration(dst *time.Duration, value string) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err == nil {
		*dst = d
	}
}

// WriteExampleConfig writes an annotated example configuration file.
func WriteExampleConfig(path string) error {
	example := `# RelayKit Configuration
# Environment variables override these settings

dev_mode = false

[http]
port = 8080
cors_origins = []

[mongodb]
uri = "mongodb://localhost:27017"
database = "relaykit"

[redis]
addr = "localhost:6379"
password = ""
db = 0

[storage]
backend = "memory"             # memory or mongo
idempotency_backend = "memory" # memory, redis, or mongo

[idempotency]
enabled = false
success_ttl = "24h"
failure_ttl = "1h"
cache_failures = false

[batching]
enabled = false
max_batch_size = 100
batch_timeout = "100ms"
min_batch_size = 1
max_parallelism = 1

[retry]
max_retries = 3
base_delay = "100ms"
max_delay = "30s"

[circuit]
enabled = false
failure_threshold = 5
break_duration = "30s"
sampling_duration = "60s"

[transaction]
enabled = false
isolation_level = "default"

[outbox]
enabled = false
polling_interval = "1s"
batch_size = 100
max_retries = 5
lease_timeout = "5m"

[inbox]
enabled = false
idempotency_window = "0s"
retention = "168h"
cleanup_interval = "1h"

[queue]
mode = "channel"          # channel or ringbuffer
buffer_size = 1024        # power of two for ringbuffer
wait_strategy = "blocking" # busyspin, yielding, sleeping, blocking
producer_mode = "multi"   # single or multi
drop_when_full = false
lease_timeout = "30s"
workers = 1
rate_per_second = 0.0

[scheduler]
enabled = false
backend = "memory" # memory or storage
polling_interval = "1s"
batch_size = 100
look_ahead = "500ms"
claim_timeout = "1m"

[saga]
max_concurrency_retries = 3
timeout_poll_interval = "5s"

[conversion]
timeout = "5s"
max_steps = 8
compatibility_mode = "backward" # strict, backward, forward, flexible

[leader]
enabled = false
backend = "mongo" # mongo or redis
lock_name = "relaykit-leader"
ttl = "30s"
refresh_interval = "10s"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	return os.WriteFile(path, []byte(example), 0644)
}
