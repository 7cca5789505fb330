package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed store, suitable for multi-server deployments
// with shared room state. Room blobs are kept without expiration; a room's
// document outlives its participants.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisStoreOption configures RedisStore behavior.
type RedisStoreOption func(*redisStoreConfig)

type redisStoreConfig struct {
	prefix string
}

// WithRedisPrefix sets the key prefix for room keys.
// Default: "flowsync:room:".
func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(c *redisStoreConfig) {
		c.prefix = prefix
	}
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	cfg := &redisStoreConfig{
		prefix: "flowsync:room:",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &RedisStore{
		client: client,
		prefix: cfg.prefix,
	}
}

func (r *RedisStore) key(room string) string {
	return r.prefix + room
}

// Load retrieves the blob for a room, or (nil, nil) if the key is absent.
func (r *RedisStore) Load(ctx context.Context, room string) ([]byte, error) {
	blob, err := r.client.Get(ctx, r.key(room)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis load %q: %w", room, err)
	}
	return blob, nil
}

// Save stores the blob for a room with no expiration.
func (r *RedisStore) Save(ctx context.Context, room string, blob []byte) error {
	if err := r.client.Set(ctx, r.key(room), blob, 0).Err(); err != nil {
		return fmt.Errorf("redis save %q: %w", room, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
