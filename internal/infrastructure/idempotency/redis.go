// Package idempotency records processed event keys so redeliveries are applied once.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/minishop-saga/internal/application"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability/logctx"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

const processedValue = "processed"

// Client is the slice of go-redis the guard needs.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGuard marks keys with SETNX. When Redis cannot be reached it lets the
// message through: a duplicate is preferred over a lost event.
type RedisGuard struct {
	rdb Client
	log observability.Logger
}

var _ application.IdempotencyGuard = (*RedisGuard)(nil)

func NewRedisGuard(rdb Client, tel observability.Observability) *RedisGuard {
	if tel == nil {
		tel = observability.Nop()
	}
	return &RedisGuard{
		rdb: rdb,
		log: tel.Logger().With(observability.F("component", "idempotency_guard")),
	}
}

func (g *RedisGuard) IsFirstProcessing(ctx context.Context, key string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = application.DefaultIdempotencyTTL
	}
	first, err := g.rdb.SetNX(ctx, key, processedValue, ttl).Result()
	if err != nil {
		logctx.FromOr(ctx, g.log).Warn("idempotency_check_failed_open",
			observability.F("key", key),
			observability.F("error", err.Error()),
		)
		return true
	}
	return first
}

func (g *RedisGuard) RemoveKey(ctx context.Context, key string) error {
	if err := g.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("idempotency: remove %s: %w", key, err)
	}
	return nil
}

// NewRedisClient connects to addr with tracing hooks installed.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("idempotency: instrument redis: %w", err)
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("idempotency: ping redis %s: %w", addr, err)
	}
	return rdb, nil
}
