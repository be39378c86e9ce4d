// internal/contextsync/remote.go
package contextsync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/internal/config"
)

// RemoteStore is the mirror surface the context store writes through. A
// Get miss is (nil, false, nil); errors mean the backend answered badly or
// not at all. Available reports whether the backend is worth calling, so
// a degraded binding can turn itself off without nil checks at call sites.
type RemoteStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Del(ctx context.Context, key string) error
	Available() bool
	Close() error
}

// NewRemoteStore builds the configured mirror backend. Provider "none"
// yields a nil store and no error; the context store treats nil as
// local-only operation.
func NewRemoteStore(ctx context.Context, cfg config.ContextSyncConfig, logger *zap.Logger) (RemoteStore, error) {
	switch cfg.Provider {
	case config.RemoteNone, "":
		return nil, nil
	case config.RemoteUpstash:
		return NewUpstash(cfg.Upstash, logger)
	case config.RemoteRedis:
		return NewRedis(ctx, cfg.Redis, logger)
	}
	return nil, fmt.Errorf("unknown remote store provider %q", cfg.Provider)
}
