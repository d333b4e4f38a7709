package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fixturesync/internal/config"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// RedisBacklog keeps job ids in a Redis list: LPUSH on one end, BRPOP on the other.
type RedisBacklog struct {
	client *redis.Client
	key    string
}

func NewRedisBacklog(client *redis.Client, key string) *RedisBacklog {
	return &RedisBacklog{client: client, key: key}
}

func (r *RedisBacklog) Push(ctx context.Context, jobID string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.LPush(ctx, r.key, jobID).Err(); err != nil {
		return fmt.Errorf("failed to push job to redis: %w", err)
	}
	return nil
}

// Pop waits up to timeout for an id. Redis blocks in whole seconds, so
// positive timeouts under a second are rounded up by the client.
func (r *RedisBacklog) Pop(ctx context.Context, timeout time.Duration) (string, bool, error) {
	if r.client == nil {
		return "", false, fmt.Errorf("redis client is nil")
	}

	if timeout <= 0 {
		id, err := r.client.RPop(ctx, r.key).Result()
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to pop job from redis: %w", err)
		}
		return id, true, nil
	}

	res, err := r.client.BRPop(ctx, timeout, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to pop job from redis: %w", err)
	}
	// Reply is [key, value].
	if len(res) != 2 {
		return "", false, fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))
	}
	return res[1], true, nil
}

func (r *RedisBacklog) Len(ctx context.Context) (int64, error) {
	if r.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	n, err := r.client.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get backlog length: %w", err)
	}
	return n, nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
