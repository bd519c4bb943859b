package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/entityres/internal/clarify"
	"github.com/scrypster/entityres/internal/config"
	"github.com/scrypster/entityres/internal/engine"
	"github.com/scrypster/entityres/internal/events"
	"github.com/scrypster/entityres/internal/feedback"
	"github.com/scrypster/entityres/internal/index"
	"github.com/scrypster/entityres/internal/lock"
	"github.com/scrypster/entityres/internal/registry"
	"github.com/scrypster/entityres/internal/service"
	"github.com/scrypster/entityres/internal/storage"
	"github.com/scrypster/entityres/internal/storage/kv"
	"github.com/scrypster/entityres/internal/storage/memory"
	"github.com/scrypster/entityres/internal/storage/mysql"
	"github.com/scrypster/entityres/internal/storage/postgres"
	"github.com/scrypster/entityres/internal/storage/sqlite"
	"github.com/scrypster/entityres/internal/storage/sqlstore"
)

// app holds the wired components of one process.
type app struct {
	cfg      *config.Config
	log      logrus.FieldLogger
	tuning   *config.TuningSource
	store    storage.Store
	redis    *redis.Client
	registry *registry.Registry
	sessions *clarify.Manager
	fanout   *events.Fanout
	svc      *service.Service

	closers []func() error
}

// newApp opens storage, rebuilds the candidate index and wires the
// resolution components. Publishers are added by the caller through
// a.fanout before any resolution runs.
func newApp(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (a *app, err error) {
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	tuning := config.DefaultTuning()
	if cfg.TuningFile != "" {
		if tuning, err = config.LoadTuning(cfg.TuningFile); err != nil {
			return nil, err
		}
	}
	a.tuning = config.NewTuningSource(tuning)

	if a.store, err = openStore(ctx, cfg.Storage, log); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	var locker lock.Locker
	if cfg.Redis.Enabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, a.redis.Close)
		if err = a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: ping %s: %w", cfg.Redis.Addr, err)
		}
		locker = lock.NewRedis(a.redis, lock.RedisConfig{}, log)
	}

	a.registry, err = registry.New(registry.Options{
		Store:  a.store,
		Index:  index.New(index.DefaultConfig(), nil),
		Locker: locker,
		Tuning: a.tuning,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	if _, err = a.registry.Reindex(ctx); err != nil {
		return nil, fmt.Errorf("initial reindex: %w", err)
	}

	var sessionStore clarify.Store = clarify.NewMemoryStore()
	if cfg.Sessions.Backend == "redis" {
		sessionStore = clarify.NewRedisStore(a.redis, "entityres:clarify:", cfg.Sessions.Retention)
	}
	a.sessions = clarify.NewManager(sessionStore, nil, clarify.Config{
		TTL:       cfg.Sessions.TTL,
		Retention: cfg.Sessions.Retention,
	}, log)

	eng, err := engine.New(engine.Options{
		Registry: a.registry,
		Sessions: a.sessions,
		Tuning:   a.tuning,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	a.fanout = events.NewFanout(log, 0)
	a.closers = append(a.closers, a.fanout.Close)

	a.svc, err = service.New(service.Options{
		Registry:  a.registry,
		Engine:    eng,
		Sessions:  a.sessions,
		Feedback:  feedback.New(a.registry, a.tuning, log),
		Publisher: a.fanout,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.StorageConfig, log logrus.FieldLogger) (storage.Store, error) {
	if cfg.Engine == config.EngineSQLite || cfg.Engine == config.EngineKV {
		if err := os.MkdirAll(cfg.DataPath, 0o700); err != nil {
			return nil, fmt.Errorf("create data directory %q: %w", cfg.DataPath, err)
		}
	}

	var (
		store storage.Store
		err   error
	)
	switch cfg.Engine {
	case config.EngineMemory:
		store = memory.New()
	case config.EngineSQLite:
		store, err = sqlite.Open(ctx, filepath.Join(cfg.DataPath, "entityres.db"), log)
	case config.EnginePostgres:
		store, err = postgres.Open(ctx, cfg.PostgresDSN, sqlstore.DefaultPoolConfig(), log)
	case config.EngineMySQL:
		store, err = mysql.Open(ctx, cfg.MySQLDSN, sqlstore.DefaultPoolConfig(), log)
	case config.EngineKV:
		store, err = kv.Open(filepath.Join(cfg.DataPath, "kv"))
	default:
		err = fmt.Errorf("unknown storage engine %q", cfg.Engine)
	}
	if err != nil {
		return nil, err
	}
	log.WithField("engine", cfg.Engine).Info("registry store opened")

	if cfg.BreakerEnabled {
		store = storage.NewBreakerStore(store, storage.BreakerConfig{}, log)
	}
	return store, nil
}
