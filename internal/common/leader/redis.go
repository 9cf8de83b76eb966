package leader

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// refreshScript extends the TTL only while we still own the key.
var refreshScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("expire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// releaseScript deletes the key only while we still own it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisElector elects a leader through SET NX EX on a lock key. Refresh
// and release go through Lua scripts so ownership checks stay atomic.
type RedisElector struct {
	*loop
}

// NewRedisElector creates a Redis-backed elector.
func NewRedisElector(client redis.UniversalClient, cfg Config) *RedisElector {
	return &RedisElector{loop: newLoop(cfg, &redisLock{client: client, cfg: cfg})}
}

type redisLock struct {
	client redis.UniversalClient
	cfg    Config
}

func (l *redisLock) ttlSeconds() int {
	s := int(l.cfg.TTL.Seconds())
	if s < 1 {
		s = 1
	}
	return s
}

func (l *redisLock) acquire(ctx context.Context) bool {
	ok, err := l.client.SetNX(ctx, l.cfg.LockName, l.cfg.InstanceID, l.cfg.TTL).Result()
	if err != nil {
		slog.Error("Failed to acquire leader lock",
			"error", err, "lockName", l.cfg.LockName)
		return false
	}
	if ok {
		return true
	}

	// The key exists. It may be our own lock surviving a restart, in
	// which case a refresh reclaims it.
	owner, err := l.client.Get(ctx, l.cfg.LockName).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Error("Failed to check lock owner", "error", err)
		}
		return false
	}
	if owner == l.cfg.InstanceID {
		return l.refresh(ctx)
	}
	return false
}

func (l *redisLock) refresh(ctx context.Context) bool {
	extended, err := refreshScript.Run(ctx, l.client,
		[]string{l.cfg.LockName}, l.cfg.InstanceID, l.ttlSeconds()).Int()
	if err != nil {
		slog.Error("Failed to refresh leader lock",
			"error", err, "lockName", l.cfg.LockName)
		return false
	}
	return extended > 0
}

func (l *redisLock) release(ctx context.Context) bool {
	deleted, err := releaseScript.Run(ctx, l.client,
		[]string{l.cfg.LockName}, l.cfg.InstanceID).Int()
	if err != nil {
		slog.Error("Failed to release leader lock",
			"error", err, "lockName", l.cfg.LockName)
		return false
	}
	return deleted > 0
}

func (l *redisLock) holder(ctx context.Context) (string, error) {
	owner, err := l.client.Get(ctx, l.cfg.LockName).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}
