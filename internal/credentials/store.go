package credentials

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/parley/internal/config"
	"github.com/dyluth/parley/pkg/forum"
)

// Store is a TokenStore that holds resources.
type Store interface {
	forum.TokenStore
	Close() error
}

type memoryStore struct {
	*forum.MemoryTokenStore
}

func (memoryStore) Close() error { return nil }

// Open builds the store selected by cfg.Credentials.
func Open(cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.Credentials.Store {
	case config.StoreFile:
		return NewFileStore(cfg.Credentials.Path, logger), nil
	case config.StoreRedis:
		return NewRedisStore(RedisOptions(cfg.Redis), cfg.Credentials.Key)
	case config.StoreMemory:
		return memoryStore{forum.NewMemoryTokenStore(forum.Credentials{})}, nil
	default:
		return nil, fmt.Errorf("unknown credentials store: %s", cfg.Credentials.Store)
	}
}

// RedisOptions converts the redis section of the config.
func RedisOptions(rc config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	}
}
