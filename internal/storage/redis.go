package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisKV stores values under a common key prefix in Redis.
type RedisKV struct {
	client *redis.Client
	prefix string
}

var (
	_ KV      = (*RedisKV)(nil)
	_ Batcher = (*RedisKV)(nil)
)

// NewRedisKV connects to the Redis server at url and verifies the connection.
func NewRedisKV(url string, prefix string) (*RedisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("storage: invalid Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		logger.Error("Failed to ping Redis", zap.Error(err), zap.String("addr", opts.Addr))
		return nil, fmt.Errorf("storage: failed to connect to Redis: %w", err)
	}
	logger.Info("Successfully connected to Redis", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return &RedisKV{client: client, prefix: prefix}, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (r *RedisKV) Put(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.prefix+key, value, 0).Err()
}

// PutAll writes all entries in one MULTI/EXEC transaction.
func (r *RedisKV) PutAll(ctx context.Context, entries map[string][]byte) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range entries {
			pipe.Set(ctx, r.prefix+k, v, 0)
		}
		return nil
	})
	return err
}

// Delete removes all keys with a single DEL, which Redis applies atomically.
func (r *RedisKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *RedisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisKV) Close() error {
	logger.Info("Closing Redis client")
	return r.client.Close()
}
