package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/howard-nolan/llmgate/internal/cache"
	"github.com/howard-nolan/llmgate/internal/config"
	"github.com/howard-nolan/llmgate/internal/gateway"
	"github.com/howard-nolan/llmgate/internal/logging"
	"github.com/howard-nolan/llmgate/internal/provider"
	"github.com/howard-nolan/llmgate/internal/vector"
)

// runtime is everything a subcommand might need, built from one config
// file. close releases whatever was opened (Redis, the vector pool).
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	services map[provider.Kind]*gateway.Service
	vector   vector.Store
	closers  []func()
}

// newRuntime loads the config and wires the shared pieces. withVector is
// false for commands that never touch the vector store, so they don't pay
// for a database connection.
func newRuntime(ctx context.Context, withVector bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(os.Stderr, logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.SetDefault(logger)

	rt := &runtime{cfg: cfg, logger: logger, services: make(map[provider.Kind]*gateway.Service)}

	store, err := config.NewStore(cfg.Providers, cfg.StatePath)
	if err != nil {
		return nil, err
	}

	// The model cache lives in Redis when configured, so replicas share
	// one list. An unreachable Redis isn't fatal: reads just miss.
	var modelCache cache.Store = cache.NewMemoryStore()
	if cfg.Cache.RedisURL != "" {
		rs, err := cache.NewRedisStore(cfg.Cache.RedisURL, "llmgate:")
		if err != nil {
			return nil, err
		}
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, model lists will not be shared", "error", err)
		}
		rt.closers = append(rt.closers, func() { rs.Close() })
		modelCache = rs
	}

	// One HTTP client for every adapter, so connections are pooled across
	// providers and endpoints.
	client := provider.NewHTTPClient()
	for _, kind := range provider.Kinds() {
		rt.services[kind] = gateway.New(kind, store, gateway.Options{
			RequestTimeout:   cfg.Timeouts.Request,
			ModelListTimeout: cfg.Timeouts.ModelList,
			Client:           client,
			ModelCache:       modelCache,
			CacheTTL:         cfg.Cache.TTL,
			Logger:           logger,
		})
	}

	if withVector {
		vs, closeVector, err := vector.Open(ctx, cfg.Vector, logger)
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.vector = vs
		rt.closers = append(rt.closers, closeVector)
	}
	return rt, nil
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// serviceList returns the services in provider order.
func (rt *runtime) serviceList() []*gateway.Service {
	out := make([]*gateway.Service, 0, len(rt.services))
	for _, kind := range provider.Kinds() {
		out = append(out, rt.services[kind])
	}
	return out
}
