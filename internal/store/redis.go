package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "companion:doc:"

// RedisBackend stores each collection under a single string key.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(ctx context.Context, addr, password string, db int) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return &RedisBackend{client: client}, nil
}

func (b *RedisBackend) Read(ctx context.Context, name string) ([]byte, error) {
	data, err := b.client.Get(ctx, redisKeyPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (b *RedisBackend) Write(ctx context.Context, name string, data []byte) error {
	return b.client.Set(ctx, redisKeyPrefix+name, data, 0).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
