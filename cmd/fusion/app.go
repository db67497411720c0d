package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"fusion_api/internal/api"
	"fusion_api/internal/auth"
	"fusion_api/internal/cache"
	"fusion_api/internal/config"
	"fusion_api/internal/fusion"
	"fusion_api/internal/health"
	"fusion_api/internal/items"
	"fusion_api/internal/obs"
	"fusion_api/internal/ratelimit"
	"fusion_api/internal/store"
	"fusion_api/internal/store/dynamo"
	"fusion_api/internal/store/memstore"
	"fusion_api/internal/store/sqlite"
	"fusion_api/internal/transport"
	"fusion_api/internal/upstream"
)

type app struct {
	handler   http.Handler
	prober    *health.Prober
	metrics   *obs.Metrics
	backend   store.Backend
	closeIdle func()
}

// buildApp wires every component from cfg. backend stays nil when the
// durable tier is disabled.
func buildApp(ctx context.Context, cfg *config.Config, logger *log.Logger, basePath string) (*app, error) {
	metrics := obs.NewMetrics()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	local := memstore.New()

	var (
		durable  cache.Durable
		history  store.HistoryTable = local
		itemsTab store.ItemTable    = local
		limiter  ratelimit.Limiter
		pinger   health.Pinger
	)
	rlCfg := ratelimit.Config{
		Limit:  cfg.RateLimitFusion,
		Window: cfg.RateLimitWindow(),
		Logger: logger.With("component", "ratelimit"),
	}
	if backend != nil {
		durable = backend
		pinger = backend
		limiter = ratelimit.NewDurable(backend, rlCfg)
		if cfg.StoreDriver == config.DriverSQLite || strings.TrimSpace(cfg.HistoryTable) != "" {
			history = backend
		}
		if cfg.StoreDriver == config.DriverSQLite || strings.TrimSpace(cfg.StorageTable) != "" {
			itemsTab = backend
		}
	} else {
		limiter = ratelimit.NewLocal(rlCfg)
	}
	metrics.SetDurableUp(backend != nil)

	httpClient := transport.NewClient(transport.Options{ResponseHeaderTimeout: cfg.UpstreamTimeout})
	upstreamOpts := func(baseURL string) upstream.Options {
		return upstream.Options{
			BaseURL:     baseURL,
			HTTPClient:  httpClient,
			Timeout:     cfg.UpstreamTimeout,
			MaxAttempts: cfg.UpstreamMaxAttempts,
			Metrics:     metrics,
			Logger:      logger.With("component", "upstream"),
		}
	}

	coordinator := cache.New(cache.NewMemory[fusion.Result](), cache.Config{
		Durable:  durable,
		Coalesce: cfg.CacheCoalesce,
		Logger:   logger.With("component", "cache"),
		Metrics:  metrics,
	})
	fusionSvc := fusion.New(fusion.Config{
		Cache:        coordinator,
		Catalog:      upstream.NewSWAPI(upstreamOpts(cfg.SWAPIBaseURL)),
		Encyclopedia: upstream.NewWikipedia(upstreamOpts(cfg.WikipediaURL())),
		History:      history,
		TTLSeconds:   cfg.CacheTTLSeconds,
		Logger:       logger.With("component", "fusion"),
		Metrics:      metrics,
	})

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Secret:   cfg.JWTSecret,
		TTL:      cfg.JWTTTL,
		Username: cfg.AuthUsername,
		Password: cfg.AuthPassword,
	})
	if err != nil {
		closeBackend(backend, logger)
		return nil, fmt.Errorf("auth: %w", err)
	}

	prober := health.NewProber(pinger, health.Config{Interval: cfg.HealthInterval},
		health.WithMetrics(metrics),
		health.WithLogger(logger.With("component", "health")),
	)

	handler := api.NewHandler(api.HandlerConfig{
		Fusion:   fusionSvc,
		Auth:     authenticator,
		Items:    items.NewService(itemsTab),
		History:  history,
		Limiter:  limiter,
		Health:   prober,
		Metrics:  metrics,
		Logger:   logger.With("component", "api"),
		BasePath: basePath,
	})

	return &app{
		handler:   handler,
		prober:    prober,
		metrics:   metrics,
		backend:   backend,
		closeIdle: httpClient.CloseIdleConnections,
	}, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	if !cfg.UseDurable() {
		return nil, nil
	}
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		backend, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return backend, nil
	case config.DriverDynamoDB:
		backend, err := dynamo.Open(ctx, dynamo.Options{
			Region:   cfg.AWSRegion,
			Endpoint: cfg.DynamoDBEndpoint,
			Tables: dynamo.Tables{
				Cache:   cfg.CacheTable,
				History: cfg.HistoryTable,
				Storage: cfg.StorageTable,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("open dynamodb: %w", err)
		}
		return backend, nil
	default:
		return nil, errors.New("unknown store driver " + cfg.StoreDriver)
	}
}

func closeBackend(backend store.Backend, logger *log.Logger) {
	if backend == nil {
		return
	}
	if err := backend.Close(); err != nil {
		logger.Warn("closing store", "err", err)
	}
}

func (a *app) Close(logger *log.Logger) {
	a.prober.Shutdown()
	a.closeIdle()
	closeBackend(a.backend, logger)
}
