package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter implements Counter on top of Redis INCR/GET/EXPIRE/DEL.
// Atomicity of Increment comes from Redis itself, so multiple chat service
// instances can share one counter namespace without a global lock.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter creates a RedisCounter using the given client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// DialRedis connects to Redis at addr and verifies the connection with a ping.
func DialRedis(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: redis connection failed: %w", err)
	}
	return client, nil
}

func (r *RedisCounter) Increment(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: redis INCR %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kv: redis GET %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kv: redis EXPIRE %s: %w", key, err)
	}
	return nil
}

func (r *RedisCounter) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: redis DEL %s: %w", key, err)
	}
	return nil
}
