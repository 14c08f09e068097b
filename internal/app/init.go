package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/relayforge/gateway/internal/cache"
	"github.com/relayforge/gateway/internal/costs"
	"github.com/relayforge/gateway/internal/metrics"
	"github.com/relayforge/gateway/internal/proxy"
	"github.com/relayforge/gateway/internal/providers"
	"github.com/relayforge/gateway/internal/ratelimit"
	"github.com/relayforge/gateway/internal/registry"
	"github.com/relayforge/gateway/internal/semcache"
	"github.com/relayforge/gateway/internal/timeoutgov"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured — this is enforced by Config.validate (run by config.Load)
// before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		MaxRetries:         a.cfg.Failover.MaxRetries,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		RegistryConfig: registry.Config{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
			MaxCooldown:     a.cfg.CircuitBreaker.MaxCooldown,
		},
		TimeoutConfig: timeoutgov.Config{
			DefaultMs:           a.cfg.Routing.DefaultTimeoutMs,
			MaxAllowedTimeoutMs: a.cfg.Routing.MaxAllowedTimeoutMs,
		},
		RetryBackoffBaseMs:    a.cfg.Failover.RetryBackoffBaseMs,
		RoutingStrategy:       a.cfg.Routing.Strategy,
		LatencyWindowSize:     a.cfg.Latency.WindowSize,
		LatencyEMAAlpha:       a.cfg.Latency.EMAAlpha,
		CostAlertThresholdUsd: a.cfg.Costs.AlertThresholdUsd,
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Per-provider token bucket — local admission check independent of Redis.
	gw.SetBucketLimiter(ratelimit.New(
		ratelimit.WithCapacity(a.cfg.RateLimit.BucketCapacity),
		ratelimit.WithRefillPerSec(a.cfg.RateLimit.BucketRefillPerSec),
	))

	// Semantic cache — requires Redis (for the vector index) and an
	// embedding-capable provider.
	if a.cfg.SemanticCache.Enabled {
		if a.rdb == nil {
			a.log.Warn("semantic cache disabled: requires CACHE_MODE=redis")
		} else if embedder, ok := a.provs[resolveEmbedderProvider(a.cfg.SemanticCache.EmbeddingModel, a.provs)]; ok {
			if ep, ok := embedder.(providers.EmbeddingProvider); ok {
				sc := semcache.New(a.rdb, ep, semcache.Config{
					Dimension:      a.cfg.SemanticCache.Dimension,
					Threshold:      a.cfg.SemanticCache.SimilarityThreshold,
					TTL:            a.cfg.Cache.TTL,
					EmbeddingModel: a.cfg.SemanticCache.EmbeddingModel,
				}, a.log)
				if err := sc.EnsureIndex(a.baseCtx); err != nil {
					a.log.Warn("semantic cache index setup failed", slog.String("error", err.Error()))
				} else {
					gw.SetSemanticCache(sc)
					a.log.Info("semantic cache enabled", slog.String("embedding_model", a.cfg.SemanticCache.EmbeddingModel))
				}
			} else {
				a.log.Warn("semantic cache disabled: resolved provider does not support embeddings")
			}
		} else {
			a.log.Warn("semantic cache disabled: no provider configured for embedding model",
				slog.String("model", a.cfg.SemanticCache.EmbeddingModel))
		}
	}

	// Cost accounting sink — ClickHouse when configured, in-memory summary always.
	if len(a.cfg.Costs.ClickHouse.Addrs) > 0 {
		sink, err := costs.NewClickHouseSink(a.baseCtx, costs.ClickHouseConfig{
			Addr:     a.cfg.Costs.ClickHouse.Addrs,
			Database: a.cfg.Costs.ClickHouse.Database,
			Username: a.cfg.Costs.ClickHouse.Username,
			Password: a.cfg.Costs.ClickHouse.Password,
			Table:    a.cfg.Costs.ClickHouse.Table,
		})
		if err != nil {
			a.log.Warn("clickhouse cost sink disabled", slog.String("error", err.Error()))
		} else {
			gw.SetCostsSink(a.baseCtx, sink)
			a.log.Info("cost records sinking to clickhouse")
		}
	}

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// resolveEmbedderProvider maps an embedding model name to the provider that
// serves it, falling back to "openai" (the common case for
// text-embedding-3-* models) when the model isn't in the alias table.
func resolveEmbedderProvider(model string, provs map[string]providers.Provider) string {
	if name, ok := providers.EmbeddingModelAliases[model]; ok {
		return name
	}
	if _, ok := provs["openai"]; ok {
		return "openai"
	}
	for name := range provs {
		return name
	}
	return ""
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
