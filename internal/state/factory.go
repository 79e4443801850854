package state

import (
	"context"

	"github.com/PortProxy/PortProxy-Server/internal/obs"
)

// NewStore returns a Redis-backed directory when cfg.URL is set and an
// in-memory one otherwise.
func NewStore(ctx context.Context, cfg RedisConfig) (Store, error) {
	if cfg.URL == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryStore(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis"})
	return NewRedisStore(ctx, cfg)
}
