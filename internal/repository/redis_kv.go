package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type RedisKV struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *logrus.Logger
}

// NewRedisKV stores every key under prefix. A zero ttl keeps keys forever.
func NewRedisKV(client redis.UniversalClient, prefix string, ttl time.Duration, logger *logrus.Logger) *RedisKV {
	return &RedisKV{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

func (r *RedisKV) key(k string) string {
	return fmt.Sprintf("%s:%s", r.prefix, k)
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		r.logger.WithError(err).Error("Failed to get key from Redis")
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, true, nil
}

// GetMany issues a single MGET.
func (r *RedisKV) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	vals, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		r.logger.WithError(err).Error("Failed to get keys from Redis")
		return nil, fmt.Errorf("failed to get keys: %w", err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.key(key), value, r.ttl).Err(); err != nil {
		r.logger.WithError(err).Error("Failed to store key in Redis")
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// SetMany runs the writes inside MULTI/EXEC.
func (r *RedisKV) SetMany(ctx context.Context, values map[string]string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			pipe.Set(ctx, r.key(k), v, r.ttl)
		}
		return nil
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to store batch in Redis")
		return fmt.Errorf("failed to store batch: %w", err)
	}
	return nil
}

func (r *RedisKV) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		r.logger.WithError(err).Error("Failed to delete keys from Redis")
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}
