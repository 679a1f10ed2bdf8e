package cli

import (
	"context"
	"fmt"

	"github.com/koltyakov/circlejoin/internal/config"
	"github.com/koltyakov/circlejoin/internal/kv"
	"github.com/koltyakov/circlejoin/internal/session"
	"github.com/koltyakov/circlejoin/internal/store/redisstore"
	"github.com/koltyakov/circlejoin/internal/store/sqlite"
)

// backend is the storage selected by config.ServerConfig.Store.
type backend struct {
	kv       kv.Store
	sessions session.Store
	closeFn  func() error
}

func (b *backend) Close() error {
	if b == nil || b.closeFn == nil {
		return nil
	}
	return b.closeFn()
}

func openBackend(ctx context.Context, cfg config.ServerConfig) (*backend, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		st, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return &backend{kv: st, sessions: st.Sessions(), closeFn: st.Close}, nil
	case config.StoreRedis:
		st, err := redisstore.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return &backend{kv: st, sessions: st.Sessions(), closeFn: st.Close}, nil
	case config.StoreMemory:
		return &backend{kv: kv.NewMemory(), sessions: session.NewMemoryStore()}, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
