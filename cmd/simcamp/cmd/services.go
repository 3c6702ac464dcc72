package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/simcamp/internal/backend"
	"github.com/kiranshivaraju/simcamp/internal/cache"
	"github.com/kiranshivaraju/simcamp/internal/config"
	"github.com/kiranshivaraju/simcamp/internal/controller"
	"github.com/kiranshivaraju/simcamp/internal/metrics"
	"github.com/kiranshivaraju/simcamp/internal/registry"
	"github.com/kiranshivaraju/simcamp/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// services is everything a command needs once configuration is loaded.
type services struct {
	cfg      *config.Config
	db       store.Adaptor
	cache    cache.Cache
	reg      *registry.Registry
	ctl      *controller.Controller
	gatherer *prometheus.Registry
	closers  []func() error
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// open loads configuration, connects the store and builds the controller.
func (a *App) open(ctx context.Context) (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: load config: %w", errUsage, err)
	}
	if err := a.setupLogging(cfg.Log.Level); err != nil {
		return nil, err
	}

	s := &services{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	s.db, err = store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	s.closers = append(s.closers, s.db.Close)
	slog.Debug("database connected", "driver", cfg.Database.Driver)

	if err := store.RunMigrations(cfg.Database.Driver, cfg.Database.URL); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s.cache = cache.Nop{}
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: redis: %w", errUsage, err)
		}
		s.closers = append(s.closers, rc.Close)
		if err := rc.Ping(ctx); err != nil {
			// leases and the summary cache are optional
			slog.Warn("redis not reachable, continuing without lease and cache", "error", err)
		} else {
			s.cache = rc
		}
	}

	s.gatherer = prometheus.NewRegistry()
	s.gatherer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := a.Backends
	if factory == nil {
		factory = backend.NewFactory(cfg.Backend)
	}
	s.reg = registry.New(s.db, nil)
	s.ctl = controller.New(controller.Deps{
		Registry:      s.reg,
		Backends:      factory,
		BackendConfig: cfg.Backend,
		Reconcile:     cfg.Reconcile,
		Cache:         s.cache,
		Metrics:       metrics.New(s.gatherer),
	})

	ok = true
	return s, nil
}
