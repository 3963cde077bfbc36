package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dyluth/canopy/internal/cache"
	"github.com/dyluth/canopy/internal/config"
	"github.com/dyluth/canopy/internal/engine"
	"github.com/dyluth/canopy/internal/invalidation"
	"github.com/dyluth/canopy/internal/policy"
	"github.com/dyluth/canopy/internal/printer"
	"github.com/dyluth/canopy/internal/store/memstore"
	"github.com/dyluth/canopy/internal/store/pgstore"
	"github.com/dyluth/canopy/internal/store/redisstore"
	"github.com/dyluth/canopy/internal/store/sqlitestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// runtime holds everything a command needs for one invocation.
type runtime struct {
	cfg     *config.CanopyConfig
	svc     *engine.Service
	bus     *invalidation.Bus
	logger  *slog.Logger
	closers []func() error
}

// openRuntime loads configuration and wires store, bus, policy and engine.
func openRuntime(ctx context.Context, flags *globalFlags, logOut io.Writer) (*runtime, error) {
	cfg, err := config.LoadOrDefault(flags.configPath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": flags.configPath},
			[]string{"Fix canopy.yml, or remove it to use the in-memory defaults"},
		)
	}

	rt := &runtime{cfg: cfg, logger: newLogger(cfg.Logging, flags.verbose, logOut)}

	store, err := rt.openStore(ctx)
	if err != nil {
		rt.Close()
		return nil, printer.ErrorWithContext(
			"store unavailable",
			err.Error(),
			map[string]string{"Backend": cfg.Store.Backend},
			[]string{"Check the store URL or path in canopy.yml and that the server is reachable"},
		)
	}

	if cfg.Invalidation.Enabled {
		opts, err := redis.ParseURL(cfg.Invalidation.URL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to parse invalidation url: %w", err)
		}
		rdb := redis.NewClient(opts)
		rt.closers = append(rt.closers, rdb.Close)
		rt.bus = invalidation.New(rdb)
	}

	pol, err := policy.FromConfig(cfg.Delegation.AutoApprove)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build auto-approval policy: %w", err)
	}

	// Short-lived process: metrics go to a private registry rather than the default one
	reg := prometheus.NewRegistry()
	c, err := cache.New(
		cache.WithMaxContexts(*cfg.Cache.MaxContexts),
		cache.WithMaxNodes(*cfg.Cache.MaxNodes),
		cache.WithMaxAge(cfg.MaxAge()),
		cache.WithRegisterer(reg),
	)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	opts := []engine.Option{
		engine.WithOperationTimeout(cfg.OperationTimeout()),
		engine.WithStrictLineage(cfg.Lineage.Strict),
		engine.WithHistoryLimit(*cfg.Delegation.HistoryLimit),
		engine.WithAutoApprove(pol.ShouldAutoApprove),
		engine.WithLogger(rt.logger),
		engine.WithRegisterer(reg),
	}
	if rt.bus != nil {
		opts = append(opts, engine.WithPublisher(rt.bus))
	}

	rt.svc, err = engine.New(store, c, opts...)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context) (engine.Store, error) {
	sc := rt.cfg.Store
	switch sc.Backend {
	case config.BackendRedis:
		s, err := redisstore.NewFromURL(sc.Redis.URL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, s.Close)
		if err := s.Ping(ctx); err != nil {
			return nil, err
		}
		return s, nil

	case config.BackendPostgres:
		s, err := pgstore.New(ctx, sc.Postgres.URL, sc.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, s.Close)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return s, nil

	case config.BackendSQLite:
		s, err := sqlitestore.New(sc.SQLite.Path)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, s.Close)
		return s, nil

	default:
		rt.logger.Warn("memory backend selected, data is discarded when the command exits",
			"component", "cli", "event_type", "memory_backend")
		return memstore.New(), nil
	}
}

// Close releases connections in reverse order of opening.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("close failed", "component", "cli", "error", err)
		}
	}
	rt.closers = nil
}

// newLogger builds the slog handler from logging config. Without --verbose
// only warnings and errors are shown.
func newLogger(lc *config.LoggingConfig, verbose bool, w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		_ = level.UnmarshalText([]byte(lc.Level))
	}

	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
