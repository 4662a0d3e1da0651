package main

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/authbridge/internal/cache"
	"github.com/and161185/authbridge/internal/config"
	abcrypto "github.com/and161185/authbridge/internal/crypto"
	"github.com/and161185/authbridge/internal/keyvault"
	"github.com/and161185/authbridge/internal/limiter"
	"github.com/and161185/authbridge/internal/migrate"
	"github.com/and161185/authbridge/internal/model"
	"github.com/and161185/authbridge/internal/repository"
	"github.com/and161185/authbridge/internal/repository/memory"
	"github.com/and161185/authbridge/internal/repository/postgres"
	grpcserver "github.com/and161185/authbridge/internal/server/grpc"
	"github.com/and161185/authbridge/internal/service"
	"github.com/and161185/authbridge/internal/token"
	"github.com/and161185/authbridge/internal/trust"
)

// app holds the wired components of one server process.
type app struct {
	holder *config.Holder
	access *service.Access
	api    *grpcserver.Server
	vault  *keyvault.Vault
	pruner *limiter.PG

	purgeEvery time.Duration
	log        *zap.Logger
	closers    []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// background starts the key janitor and, with Postgres, the limiter pruner.
func (a *app) background(ctx context.Context) {
	go a.vault.RunJanitor(ctx, a.purgeEvery)
	if a.pruner == nil {
		return
	}
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n, err := a.pruner.Prune(ctx); err != nil {
					a.log.Warn("rate limit prune failed", zap.Error(err))
				} else if n > 0 {
					a.log.Debug("rate limit windows pruned", zap.Int64("rows", n))
				}
			}
		}
	}()
}

func deref[T any](get func(context.Context, string) (*T, error)) cache.Loader[T] {
	return func(ctx context.Context, id string) (T, error) {
		v, err := get(ctx, id)
		if err != nil {
			var zero T
			return zero, err
		}
		return *v, nil
	}
}

// build wires stores, caches, the vault and the services from cfg.
func build(ctx context.Context, cfg config.Config, holder *config.Holder, reg prometheus.Registerer, log *zap.Logger) (*app, error) {
	clk := clock.WallClock
	a := &app{holder: holder, purgeEvery: cfg.Keys.PurgeInterval, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	limits := limiter.Limits{
		limiter.BucketIssue:  cfg.Rate.IssuePerMin,
		limiter.BucketVerify: cfg.Rate.VerifyPerMin,
		limiter.BucketAdmin:  cfg.Rate.AdminPerMin,
	}

	var (
		store repository.Store
		lim   limiter.Limiter
	)
	if cfg.Postgres.DSN != "" {
		v, err := migrate.Up(ctx, cfg.Postgres.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
		log.Info("schema ready", zap.Int64("version", v))
		db, err := postgres.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		store = postgres.NewStore(db)
		a.pruner = limiter.NewPG(db.Pool, limits, clk)
		lim = a.pruner
	} else {
		log.Warn("no postgres dsn, state is kept in memory")
		store = memory.New(clk)
		m, err := limiter.NewMemory(limits, 100000, clk)
		if err != nil {
			return nil, err
		}
		lim = m
	}

	var shared cache.Shared
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		tier := cache.NewRedisTier(rdb)
		if err := tier.Ping(ctx); err != nil {
			// the cache falls through to the store while redis is down
			log.Warn("redis unreachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		shared = tier
	} else {
		shared = cache.NewMemoryTier(clk)
	}

	cacheMetrics := cache.NewMetricsCollector()
	vaultMetrics := keyvault.NewMetricsCollector()
	tokenMetrics := token.NewMetricsCollector()
	for _, c := range []prometheus.Collector{cacheMetrics, vaultMetrics, tokenMetrics} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	copts := cache.Options{
		LocalTTL:   cfg.Cache.LocalTTL,
		SharedTTL:  cfg.Cache.SharedTTL,
		LocalSize:  cfg.Cache.LocalSize,
		Attempts:   cfg.Cache.Attempts,
		RetryDelay: cfg.Cache.RetryDelay,
		Clock:      clk,
		Logger:     log.Named("cache"),
		Metrics:    cacheMetrics,
	}
	services, err := cache.New(model.KindService, deref(store.GetService), func(s model.Service) int64 { return s.Version }, shared, copts)
	if err != nil {
		return nil, err
	}
	workspaces, err := cache.New(model.KindWorkspace, deref(store.GetWorkspace), func(w model.Workspace) int64 { return w.Version }, shared, copts)
	if err != nil {
		return nil, err
	}

	sealer, err := abcrypto.NewSealer([]byte(cfg.MasterSecret), []byte(cfg.Keys.MasterKeySalt))
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	vault := keyvault.New(store, sealer, keyvault.Options{
		Algorithm:        cfg.Keys.Algorithm,
		RetirementWindow: cfg.RetirementWindow(),
		MaxRetired:       cfg.Keys.MaxRetired,
		Clock:            clk,
		Logger:           log.Named("keyvault"),
		Metrics:          vaultMetrics,
	})
	a.vault = vault

	graph := trust.New(store, services, workspaces, log.Named("trust"))
	tokens := token.New(services, workspaces, graph, vault, token.Options{
		TTL:     cfg.Token.TTL,
		MaxTTL:  cfg.Token.MaxTTL,
		Leeway:  cfg.Token.ClockSkew,
		Clock:   clk,
		Logger:  log.Named("token"),
		Metrics: tokenMetrics,
	})

	registry := service.NewRegistry(store, vault, services, workspaces, graph, config.NewTypeSet(cfg.ServiceTypes), log.Named("registry"))
	sys := service.NewSystem(holder, store, shared, map[string]service.Sizer{
		string(model.KindService):   services,
		string(model.KindWorkspace): workspaces,
	}, clk, log.Named("system"))

	a.access = service.NewAccess(holder, store, lim, log.Named("access"))
	a.api = grpcserver.New(registry, tokens, vault, sys, log.Named("grpc"))
	ok = true
	return a, nil
}
