package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/cowprotocol/cow-native-liquidity/internal/aggregator"
	"github.com/cowprotocol/cow-native-liquidity/internal/analytics"
	"github.com/cowprotocol/cow-native-liquidity/internal/chain"
	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/notification"
	"github.com/cowprotocol/cow-native-liquidity/internal/orchestrator"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/aws"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/cache"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/config"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/resilience"
	"github.com/cowprotocol/cow-native-liquidity/internal/pricing"
	"github.com/cowprotocol/cow-native-liquidity/internal/quote"
	"github.com/cowprotocol/cow-native-liquidity/internal/registry"
	"github.com/cowprotocol/cow-native-liquidity/internal/statecache"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("QUOTER_CONFIG"), "path to the YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("quoter: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	obs := cfg.Observability

	// Observability first, everything else logs and records through it.
	logger, logFile, err := observability.NewLoggerFromConfig(observability.LogConfig{
		Level:  obs.Logging.Level,
		Format: obs.Logging.Format,
		File: observability.LogFileConfig{
			Path:       obs.Logging.File.Path,
			MaxSizeMB:  obs.Logging.File.MaxSizeMB,
			MaxBackups: obs.Logging.File.MaxBackups,
			MaxAgeDays: obs.Logging.File.MaxAgeDays,
			Compress:   obs.Logging.File.Compress,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logFile.Close()

	metrics, err := observability.NewMetrics(observability.MetricsConfig{
		ServiceName:  obs.ServiceName,
		Version:      version,
		Enabled:      obs.Metrics.Enabled,
		Exporter:     obs.Metrics.Exporter,
		OTLPEndpoint: obs.Metrics.OTLPEndpoint,
		Insecure:     obs.Metrics.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	defer shutdown(logger, "metrics", metrics.Shutdown)

	tp, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		ServiceName: obs.ServiceName,
		Version:     version,
		Endpoint:    obs.Tracing.Endpoint,
		SampleRatio: obs.Tracing.SampleRatio,
		Enabled:     obs.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	defer shutdown(logger, "tracer", tp.Shutdown)
	tracer := tp.Tracer(obs.ServiceName)

	logger.LogInfo(ctx, "starting quoter", "version", version, "sources", len(cfg.Sources))

	tokens, err := config.NewTokenRegistry(cfg.Tokens)
	if err != nil {
		return err
	}

	// Pool metadata is immutable, so it is cached in memory and, with Redis, shared.
	memCache := cache.NewMemoryCache(cfg.Cache.MetadataSize)
	defer memCache.Close()
	var metadata cache.Cache = memCache
	var (
		snapshots  *statecache.SnapshotStore
		redisCache *cache.RedisCache
	)
	if cfg.Redis.Enabled {
		redisCache, err = cache.NewRedisCache(ctx, cache.RedisConfig{
			Addrs:     cfg.Redis.Addresses,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			PoolSize:  cfg.Redis.PoolSize,
		})
		if err != nil {
			return fmt.Errorf("failed to create Redis cache: %w", err)
		}
		defer redisCache.Close()
		metadata = cache.NewLayeredCache(memCache, redisCache)
		snapshots = statecache.NewSnapshotStore(redisCache, cfg.Cache.SnapshotTTL, logger, metrics)
	}

	clientPool, err := newClientPool(ctx, cfg.Ethereum, logger, metrics)
	if err != nil {
		return err
	}
	defer clientPool.Close()
	clientPool.Start(ctx)

	heads, err := chain.NewHeadTracker(chain.HeadTrackerConfig{
		WebSocketURLs: cfg.Ethereum.WebSocketURLs,
		Poller:        clientPool,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tracer,
		Reconnect: resilience.RetryConfig{
			BaseDelay: cfg.Ethereum.Reconnect.BaseDelay,
			MaxDelay:  cfg.Ethereum.Reconnect.MaxBackoff,
			Jitter:    cfg.Ethereum.Reconnect.Jitter,
		},
		PollInterval:  cfg.Ethereum.PollInterval,
		MaxWSFailures: cfg.Ethereum.MaxWSFailures,
	})
	if err != nil {
		return fmt.Errorf("failed to create head tracker: %w", err)
	}

	adapters, err := newAdapters(cfg.Sources, metadata, logger)
	if err != nil {
		return err
	}

	reg := registry.New(registry.Config{
		FailureThreshold: cfg.Registry.FailureThreshold,
		RecoveryCooldown: cfg.Registry.RecoveryCooldown,
		Logger:           logger,
		Metrics:          metrics,
	})
	discovery, err := registry.NewDiscovery(reg, registry.DiscoveryConfig{
		Adapters:      adapters.All(),
		Provider:      clientPool,
		TTL:           cfg.Registry.DiscoveryTTL,
		Timeout:       cfg.Registry.DiscoveryTimeout,
		MaxReorgDepth: cfg.Registry.MaxReorgDepth,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to create discovery: %w", err)
	}

	states, err := statecache.New(statecache.Config{
		Fetcher:      adapters,
		Provider:     clientPool,
		Capacity:     cfg.Cache.Capacity,
		FetchTimeout: cfg.Cache.FetchTimeout,
		Store:        snapshots,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to create state cache: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Source:         states,
		Health:         reg,
		MaxInFlight:    cfg.Orchestrator.MaxInFlight,
		DefaultTimeout: cfg.Orchestrator.PoolTimeout,
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var sinks []aggregator.Sink
	var history quoteHistory
	if cfg.Analytics.Enabled {
		store, err := analytics.Open(cfg.Analytics.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder := analytics.NewRecorder(gctx, analytics.RecorderConfig{
			Store:     store,
			Tokens:    tokens,
			Workers:   cfg.Analytics.Workers,
			QueueSize: cfg.Analytics.QueueSize,
			Retention: cfg.Analytics.Retention,
			Logger:    logger,
			Metrics:   metrics,
		})
		defer recorder.Close()
		g.Go(func() error { return recorder.Run(gctx) })
		sinks = append(sinks, recorder)
		history = store
	}

	publisher, snsClient, err := newPublisher(ctx, cfg.AWS, logger, metrics, tracer)
	if err != nil {
		return err
	}
	notifier := notification.NewNotifier(gctx, notification.NotifierConfig{
		Publisher: publisher,
		Tokens:    tokens,
		Statuses:  cfg.AWS.NotifyStatuses,
		Logger:    logger,
		Metrics:   metrics,
	})
	defer notifier.Close()
	sinks = append(sinks, notifier)

	agg, err := aggregator.New(aggregator.Config{
		Registry:     reg,
		Discovery:    discovery,
		Orchestrator: orch,
		Engine:       quote.NewEngine(adapters),
		Blocks:       heads,
		FetchTimeout: cfg.Orchestrator.PoolTimeout,
		Pins:         states,
		Sinks:        sinks,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to create aggregator: %w", err)
	}

	g.Go(func() error { return heads.Run(gctx) })

	if cfg.Maintenance.Enabled {
		maintainer, err := orchestrator.NewMaintainer(orchestrator.MaintainerConfig{
			Orchestrator: orch,
			Heads:        heads,
			Index:        states,
			Unreachable:  reg,
			RecentWindow: cfg.Maintenance.RecentWindow,
			UpdateSize:   cfg.Maintenance.UpdateSize,
			ProbeEvery:   cfg.Maintenance.ProbeEvery,
			Timeout:      cfg.Orchestrator.PoolTimeout,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create maintainer: %w", err)
		}
		g.Go(func() error { return maintainer.Run(gctx) })
	}

	a := &api{
		quoter:         agg,
		pools:          reg,
		discovery:      discovery,
		snapshots:      states,
		tokens:         tokens,
		history:        history,
		requestTimeout: cfg.HTTP.RequestTimeout,
		logger:         logger.Component("http"),
		metrics:        metrics,
		stats: func() any {
			return map[string]any{
				"registry":  reg.Stats(),
				"cache":     states.Stats(),
				"endpoints": clientPool.EndpointStatus(),
				"notifier":  notifier.Stats(),
			}
		},
		ready: func(ctx context.Context) (map[string]any, bool) {
			healthy := clientPool.HealthyEndpointCount()
			body := map[string]any{"healthy_endpoints": healthy}
			head, ok := heads.Latest()
			if ok {
				body["head"] = head.Number
			}
			if snsClient != nil {
				body["sns_circuit"] = snsClient.CircuitBreakerState().String()
			}
			if redisCache != nil {
				body["redis"] = "ok"
				if err := redisCache.Ping(ctx); err != nil {
					body["redis"] = err.Error()
				}
			}
			return body, healthy > 0 && ok
		},
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      a.routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	g.Go(func() error {
		logger.LogInfo(gctx, "http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.LogInfo(context.Background(), "quoter stopped")
	return err
}

func newClientPool(ctx context.Context, cfg config.EthereumConfig, logger *observability.Logger, metrics *observability.Metrics) (*chain.ClientPool, error) {
	endpoints := make([]chain.EndpointConfig, len(cfg.RPCEndpoints))
	for i, ep := range cfg.RPCEndpoints {
		endpoints[i] = chain.EndpointConfig{
			URL:               ep.URL,
			RequestsPerSecond: ep.RequestsPerSecond,
			Burst:             ep.Burst,
		}
	}

	pool, err := chain.NewClientPool(ctx, chain.ClientPoolConfig{
		Endpoints:           endpoints,
		Logger:              logger,
		Metrics:             metrics,
		HealthCheckInterval: cfg.HealthCheckInterval,
		CallTimeout:         cfg.CallTimeout,
		BatchSize:           cfg.BatchSize,
		Retry:               resilience.DefaultRetryConfig(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client pool: %w", err)
	}
	return pool, nil
}

func newAdapters(sources []config.SourceConfig, metadata cache.Cache, logger *observability.Logger) (*pricing.Set, error) {
	factories := pricing.NewFactoryRegistry()
	adapters := make([]pricing.Adapter, 0, len(sources))
	for _, src := range sources {
		pools := make([]common.Address, len(src.Pools))
		for i, p := range src.Pools {
			pools[i] = common.HexToAddress(p)
		}
		sc := pricing.SourceConfig{
			Name:           src.Name,
			Kind:           liquidity.Kind(src.Kind),
			Pools:          pools,
			FeeBps:         src.FeeBps,
			FeeTiers:       src.FeeTiers,
			TickWordRadius: src.TickWordRadius,
			Metadata:       metadata,
			Logger:         logger,
		}
		if src.Factory != "" {
			sc.Factory = common.HexToAddress(src.Factory)
		}
		if src.Vault != "" {
			sc.Vault = common.HexToAddress(src.Vault)
		}
		adapter, err := factories.Create(sc)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		adapters = append(adapters, adapter)
	}
	return pricing.NewSet(adapters...)
}

// newPublisher returns the SNS publisher when a topic is configured. The client is
// returned too so readiness can report its breaker.
func newPublisher(ctx context.Context, cfg config.AWSConfig, logger *observability.Logger, metrics *observability.Metrics, tracer observability.Tracer) (notification.EventPublisher, *aws.SNSClient, error) {
	if cfg.SNSTopicARN == "" {
		logger.LogInfo(ctx, "no SNS topic configured, quote events are not published")
		return notification.NewNoOpPublisher(logger), nil, nil
	}

	awsCfg, err := aws.LoadAWSConfig(ctx, aws.Config{Region: cfg.Region, Endpoint: cfg.Endpoint})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := aws.NewSNSClient(aws.SNSClientConfig{
		AWSConfig: awsCfg,
		Logger:    logger,
		Metrics:   metrics,
	})
	publisher, err := notification.NewPublisher(notification.PublisherConfig{
		SNS:      client,
		TopicARN: cfg.SNSTopicARN,
		Logger:   logger,
		Tracer:   tracer,
	})
	if err != nil {
		return nil, nil, err
	}
	return publisher, client, nil
}

func shutdown(logger *observability.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.LogError(ctx, "shutdown failed", err, "component", name)
	}
}
