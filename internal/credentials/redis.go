package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/parley/pkg/forum"
)

// RedisStore keeps credentials in a redis hash so several headless processes
// (relays, bots) can share one login.
type RedisStore struct {
	rdb *redis.Client
	key string

	// TTL, if positive, expires the hash after each Save.
	TTL time.Duration
}

// NewRedisStore connects to redis. The caller owns Close.
func NewRedisStore(opts *redis.Options, key string) (*RedisStore, error) {
	if opts == nil {
		return nil, fmt.Errorf("redis options are required")
	}
	if key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	return &RedisStore{rdb: redis.NewClient(opts), key: key}, nil
}

// Key returns the hash key credentials are stored under.
func (s *RedisStore) Key() string {
	return s.key
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Load returns zero Credentials when the key does not exist.
func (s *RedisStore) Load(ctx context.Context) (forum.Credentials, error) {
	hash, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return forum.Credentials{}, fmt.Errorf("failed to load credentials from redis: %w", err)
	}
	// HGetAll returns an empty map for missing keys
	return forum.Credentials{
		AccessToken:  hash["access_token"],
		RefreshToken: hash["refresh_token"],
	}, nil
}

// Save replaces the stored credentials.
func (s *RedisStore) Save(ctx context.Context, creds forum.Credentials) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		pipe.HSet(ctx, s.key, map[string]any{
			"access_token":  creds.AccessToken,
			"refresh_token": creds.RefreshToken,
		})
		if s.TTL > 0 {
			pipe.Expire(ctx, s.key, s.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save credentials to redis: %w", err)
	}
	return nil
}

// Clear deletes the stored credentials.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear credentials in redis: %w", err)
	}
	return nil
}

// Close closes the redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
