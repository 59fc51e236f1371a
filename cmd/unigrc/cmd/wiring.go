package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"

	"github.com/clanvaro/unigrc/internal/config"
	"github.com/clanvaro/unigrc/internal/db/bunx"
	"github.com/clanvaro/unigrc/internal/distcache"
	"github.com/clanvaro/unigrc/internal/session"
)

// openDB connects to the configured database.
func openDB(ctx context.Context) (*bun.DB, error) {
	db, err := bunx.NewDB(ctx, cfg.DatabaseURL, bunx.Options{MaxOpenConns: cfg.MaxDBConnections})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// openRedis connects when either the session store or the distributed
// cache needs Redis. It returns nil otherwise.
func openRedis(ctx context.Context) (redis.UniversalClient, error) {
	if cfg.Session.Backend != config.SessionBackendRedis && !cfg.Cache.Distributed {
		return nil, nil
	}
	client, err := distcache.NewClient(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to configure redis: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if cfg.Session.Backend == config.SessionBackendRedis {
			_ = client.Close()
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		// the distributed cache is best-effort; carry on and let calls fail
		logger.Warn("redis unreachable at startup, distributed cache degraded", "error", err)
	}
	return client, nil
}

// newSessionStore returns the configured durable session store.
func newSessionStore(db *bun.DB, rdb redis.UniversalClient) session.Store {
	if cfg.Session.Backend == config.SessionBackendRedis {
		return session.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
	}
	return session.NewBunStore(db)
}
