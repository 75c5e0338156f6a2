package searchcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces keys written by RedisCache.
const DefaultPrefix = "kittgraph:search:"

// RedisOptions configures a RedisCache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisCache stores JSON-encoded values in Redis under a key prefix.
type RedisCache[V any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	counter
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache[V any](ctx context.Context, opts RedisOptions) (*RedisCache[V], error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisCacheWithClient[V](client, opts.Prefix, opts.TTL), nil
}

// NewRedisCacheWithClient wraps an existing client. The cache owns it and
// closes it on Close.
func NewRedisCacheWithClient[V any](client *redis.Client, prefix string, ttl time.Duration) *RedisCache[V] {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisCache[V]{client: client, prefix: prefix, ttl: ttl}
}

// Get retrieves and decodes a value.
func (r *RedisCache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	v, ok, err := r.Peek(ctx, key)
	if err != nil && !errors.Is(err, errDecode) {
		return v, false, err
	}
	r.record(ok)
	return v, ok, err
}

var errDecode = errors.New("decode failed")

// Peek retrieves and decodes a value without recording a lookup.
func (r *RedisCache[V]) Peek(ctx context.Context, key string) (V, bool, error) {
	var zero V
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, false, fmt.Errorf("failed to decode %s: %w: %w", key, errDecode, err)
	}
	return v, true, nil
}

// Set encodes and stores a value with the cache TTL.
func (r *RedisCache[V]) Set(ctx context.Context, key string, value V) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return r.client.Set(ctx, r.prefix+key, data, r.ttl).Err()
}

// Delete removes one key.
func (r *RedisCache[V]) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// Purge removes every key under the cache prefix.
func (r *RedisCache[V]) Purge(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Stats returns the hit and miss counts of this client.
func (r *RedisCache[V]) Stats() Stats {
	return r.stats()
}

// Close closes the Redis connection.
func (r *RedisCache[V]) Close() error {
	return r.client.Close()
}
