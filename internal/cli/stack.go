package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"

	"blindtest-service/internal/app"
	"blindtest-service/internal/config"
	"blindtest-service/internal/infra/memory"
	"blindtest-service/internal/infra/postgres"
	redisinfra "blindtest-service/internal/infra/redis"
	"blindtest-service/internal/infra/sqlite"
	"blindtest-service/internal/metrics"
	"blindtest-service/internal/telemetry"
	transport "blindtest-service/internal/transport/http"
)

// stack is the wired engine plus the infrastructure behind it.
type stack struct {
	engine   *app.Engine
	logs     transport.LogReader
	presence *redisinfra.Presence
	relay    *redisinfra.EventRelay
	recorder *metrics.Recorder
	closers  []func()
}

func (s *stack) Close() {
	if s.engine != nil {
		s.engine.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStore selects the durable store named by cfg.Store.Driver.
func openStore(ctx context.Context, cfg config.Config, st *stack) (app.Persistence, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return nil, err
		}
		db := postgres.OpenDB(cfg.Postgres.URL)
		st.closers = append(st.closers, func() { _ = db.Close() })
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		st.closers = append(st.closers, pool.Close)
		st.logs = postgres.NewLogReader(pool)
		return postgres.NewStore(db), nil
	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, func() { _ = store.Close() })
		st.logs = store
		return store, nil
	default:
		store := memory.NewSessionStore()
		st.logs = store
		return store, nil
	}
}

func buildStack(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stack, error) {
	st := &stack{}
	tp, shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	// Added first so it runs last, after the engine has ended its spans.
	st.closers = append(st.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("flush traces failed", "error", err)
		}
	})

	store, err := openStore(ctx, cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithTracer(tp.Tracer("blindtest-service/internal/app")),
		app.WithHistory(cfg.Session.HistorySize, cfg.Session.MaxPending),
		app.WithDefaultRoundTitle(cfg.Session.DefaultRoundTitle),
	}
	if cfg.Metrics.Enabled {
		st.recorder = metrics.NewRecorder()
		opts = append(opts, app.WithMetrics(st.recorder))
	}

	persistence := store
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			st.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		st.closers = append(st.closers, func() { _ = client.Close() })
		persistence = redisinfra.NewSnapshotCache(client, store, config.TTLDuration(cfg.Redis.TTL, 10*time.Minute), logger)
		st.presence = redisinfra.NewPresence(client, config.TTLDuration(cfg.Redis.PresenceTTL, 2*time.Minute))
		st.relay = redisinfra.NewEventRelay(client)
		opts = append(opts, app.WithEventSink(st.relay))
	}

	st.engine = app.NewEngine(persistence, opts...)
	return st, nil
}

// loadConfig reads the config file and builds the logger every subcommand shares.
func loadConfig(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	logger := newLogger(cfg.Log, logWriter)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

var (
	errNoLog   = errors.New("command log needs the sqlite or postgres store")
	errNoRelay = errors.New("following events needs redis")
)
