// internal/contextsync/redis.go
package contextsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/internal/config"
)

const redisDialTimeout = 5 * time.Second

// Redis mirrors context records to a plain Redis instance.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

var _ RemoteStore = (*Redis)(nil)

// NewRedis connects and pings the instance so a dead backend is caught at
// startup instead of on the first mirror write.
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis remote store needs an address")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Redis{client: client, logger: logger.Named("redis")}, nil
}

// Available is always true once the startup ping succeeded.
func (r *Redis) Available() bool { return true }

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
