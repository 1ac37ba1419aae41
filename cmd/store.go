package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-engine/internal/queue"
	"github.com/sells-group/quote-engine/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "quote-engine.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// initQueue shares the Postgres pool with the queue backend. Other stores get
// an in-process queue, which does not survive a restart.
func initQueue(ctx context.Context, st store.Store) (*queue.Manager, bool, error) {
	poll := time.Duration(cfg.Queues.PollIntervalMs) * time.Millisecond
	if pg, ok := st.(*store.PostgresStore); ok {
		backend := queue.NewPostgresBackend(pg.Pool())
		if err := backend.Migrate(ctx); err != nil {
			return nil, false, eris.Wrap(err, "migrate queue")
		}
		return queue.NewManager(backend, poll), true, nil
	}
	zap.L().Warn("using in-process queue; queued jobs are lost on exit", zap.String("driver", cfg.Store.Driver))
	return queue.NewManager(queue.NewMemoryBackend(), poll), false, nil
}
