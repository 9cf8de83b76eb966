// RelayKit host binary.
//
// Assembles the bus from configuration, connects the configured backends,
// and serves the monitoring endpoints until shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"go.relaykit.dev/internal/api"
	"go.relaykit.dev/internal/bus"
	"go.relaykit.dev/internal/common/health"
	"go.relaykit.dev/internal/common/leader"
	"go.relaykit.dev/internal/common/lifecycle"
	rkmongo "go.relaykit.dev/internal/common/mongo"
	"go.relaykit.dev/internal/config"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Startup failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWithFile()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting RelayKit",
		"version", version,
		"build_time", buildTime)

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := health.NewChecker()
	deps := bus.Dependencies{}

	needMongo := cfg.Storage.Backend == "mongo" ||
		cfg.Storage.IdempotencyBackend == "mongo" ||
		cfg.Transaction.Enabled ||
		(cfg.Leader.Enabled && cfg.Leader.Backend == "mongo")
	needRedis := (cfg.Idempotency.Enabled && cfg.Storage.IdempotencyBackend == "redis") ||
		(cfg.Leader.Enabled && cfg.Leader.Backend == "redis")

	var mongoClient *rkmongo.Client
	if needMongo {
		slog.Info("Connecting to MongoDB", "uri", maskURI(cfg.MongoDB.URI))
		client, err := rkmongo.Connect(ctx, cfg.MongoDB)
		if err != nil {
			return fmt.Errorf("mongodb: %w", err)
		}
		defer func() {
			if err := client.Disconnect(context.Background()); err != nil {
				slog.Error("Error disconnecting from MongoDB", "error", err)
			}
		}()
		mongoClient = client
		deps.Mongo = client
		checker.AddReadinessCheck(health.PingCheck("MongoDB", func() error {
			return client.Ping(ctx)
		}))
	}

	var redisClient *redis.Client
	if needRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		deps.Redis = redisClient
		checker.AddReadinessCheck(health.PingCheck("Redis", func() error {
			return redisClient.Ping(ctx).Err()
		}))
	}

	b, err := bus.New(cfg, deps)
	if err != nil {
		return err
	}

	if store := b.OutboxStore(); store != nil {
		checker.AddReadinessCheck(health.BacklogCheck("OutboxBacklog", func() (int64, error) {
			return store.GetPendingCount(ctx)
		}, -1))
	}
	checker.AddReadinessCheck(health.BacklogCheck("DeadLetters", func() (int64, error) {
		return b.DeadLetters().Count(ctx)
	}, -1))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.NewServer(cfg.HTTP, b, checker).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var busService *lifecycle.ServiceFunc
	if cfg.Leader.Enabled {
		elector, err := newElector(cfg, mongoClient, redisClient)
		if err != nil {
			return err
		}
		elector.OnBecomeLeader(func() {
			if err := b.Start(); err != nil {
				slog.Error("Failed to start bus after gaining leadership", "error", err)
			}
		})
		elector.OnLoseLeadership(func() { b.Stop() })
		busService = lifecycle.NewServiceFunc("leader-election",
			func(ctx context.Context) error { return elector.Start(ctx) },
			func(ctx context.Context) error {
				elector.Stop()
				b.Stop()
				return nil
			})
	} else {
		busService = lifecycle.NewServiceFunc("bus",
			func(ctx context.Context) error { return b.Start() },
			func(ctx context.Context) error { b.Stop(); return nil })
	}

	return lifecycle.Run(ctx,
		busService,
		lifecycle.NewHTTPService("monitoring", server))
}

// newElector builds the configured leader elector. The bus workers run
// only while this instance holds the lock.
func newElector(cfg *config.Config, mongoClient *rkmongo.Client, redisClient *redis.Client) (leader.Elector, error) {
	ec := leader.DefaultConfig(cfg.Leader.LockName)
	ec.TTL = cfg.Leader.TTL
	ec.RefreshInterval = cfg.Leader.RefreshInterval

	switch cfg.Leader.Backend {
	case "mongo":
		return leader.NewMongoElector(mongoClient.Database(), ec), nil
	case "redis":
		return leader.NewRedisElector(redisClient, ec), nil
	default:
		return nil, fmt.Errorf("leader backend %q is not one of mongo, redis", cfg.Leader.Backend)
	}
}

// maskURI hides credentials in a MongoDB URI for logging.
func maskURI(uri string) string {
	if len(uri) > 20 {
		return uri[:20] + "..."
	}
	return uri
}
