package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/storage/memory"
	"github.com/xenking/storefront/internal/storage/postgres"
	redisstore "github.com/xenking/storefront/internal/storage/redis"
	"github.com/xenking/storefront/internal/storefront"
)

// purger removes expired sessions. Redis expires keys itself and has none.
type purger interface {
	Purge(ctx context.Context) (int64, error)
}

// cartReporter summarizes open carts. Only the postgres backend keeps totals.
type cartReporter interface {
	OpenCarts(ctx context.Context) (postgres.CartStats, error)
}

var _ cartReporter = (*postgres.SessionStore)(nil)

type sessionBackend struct {
	storefront.Backend
	purger purger
	close  func()
}

// openSessions connects the configured session backend.
func openSessions(ctx context.Context, cfg SessionConfig, clock clockwork.Clock) (*sessionBackend, error) {
	switch cfg.Backend {
	case BackendMemory:
		s := memory.NewSessionStore(cfg.TTL, clock)
		return &sessionBackend{Backend: s, purger: s, close: func() {}}, nil
	case BackendRedis:
		client, err := redisstore.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, errors.Wrap(err, "connect redis")
		}
		return &sessionBackend{
			Backend: redisstore.NewSessionStore(client, cfg.TTL),
			close:   func() { _ = client.Close() },
		}, nil
	case BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		s := postgres.NewSessionStore(pool, cfg.TTL, clock)
		return &sessionBackend{Backend: s, purger: s, close: pool.Close}, nil
	default:
		return nil, errors.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// runPurge purges expired sessions every interval until ctx is done. Backends
// that keep cart totals also report the open carts after each pass.
func runPurge(ctx context.Context, p purger, interval time.Duration, clock clockwork.Clock) error {
	if p == nil || interval <= 0 {
		return nil
	}
	lg := zctx.From(ctx)

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			n, err := p.Purge(ctx)
			if err != nil {
				lg.Warn("Session purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				lg.Debug("Expired sessions purged", zap.Int64("count", n))
			}
			if r, ok := p.(cartReporter); ok {
				reportCarts(ctx, r)
			}
		}
	}
}

func reportCarts(ctx context.Context, r cartReporter) {
	lg := zctx.From(ctx)
	stats, err := r.OpenCarts(ctx)
	if err != nil {
		lg.Warn("Open carts query failed", zap.Error(err))
		return
	}
	lg.Info("Open carts",
		zap.Int64("carts", stats.Carts),
		zap.String("value", stats.Value.StringFixed(2)),
	)
}
