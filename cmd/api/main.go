package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iago/longform/internal/adapters"
	"github.com/iago/longform/internal/ai"
	"github.com/iago/longform/internal/cache"
	"github.com/iago/longform/internal/capability"
	"github.com/iago/longform/internal/checkpoint"
	"github.com/iago/longform/internal/config"
	httpserver "github.com/iago/longform/internal/http"
	"github.com/iago/longform/internal/http/handlers"
	"github.com/iago/longform/internal/http/middleware"
	"github.com/iago/longform/internal/pipeline"
	"github.com/iago/longform/internal/queue"
	"github.com/iago/longform/internal/resilience"
	"github.com/iago/longform/internal/service"
	"github.com/iago/longform/internal/task"
	"github.com/iago/longform/internal/worker"
)

func main() {
	logger := log.New(os.Stdout, "[longform] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()
	policy, err := config.LoadPipeline(cfg.PipelineConfigPath)
	if err != nil {
		logger.Fatalf("pipeline config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	breakers := resilience.NewBreakerSet(policy.BreakerDefault(), policy.BreakerOverrides())

	store, storeCloser := setupCheckpointStore(ctx, cfg, policy, logger)
	defer storeCloser()
	checkpoints, err := checkpoint.NewManager(store, checkpoint.Config{
		Projection: checkpoint.ProjectionConfig{
			MaxFieldBytes: policy.Checkpoint.MaxFieldBytes,
			BinaryKeys:    checkpoint.DefaultProjectionConfig().BinaryKeys,
		},
		Retry: policy.RetryDefault(),
	}, checkpoint.WithBreakers(breakers), checkpoint.WithLogger(logger))
	if err != nil {
		logger.Fatalf("checkpoint manager: %v", err)
	}

	registry := setupCapabilities(cfg, policy, breakers, logger)

	runner := task.NewRunner(checkpoints, task.Config{
		Retry:    policy.RetryDefault(),
		Policies: policy.RetryOverrides(),
	}, task.WithLogger(logger))
	engine, err := pipeline.NewEngine(pipeline.Dependencies{
		Capabilities: registry,
		Checkpoints:  checkpoints,
		Runner:       runner,
	}, pipeline.Config{
		Concurrency:     policy.Concurrency,
		UnitRetryLimit:  policy.UnitRetryLimit,
		MaxStageRetries: policy.MaxStageRetries,
		ReviewGate:      policy.ReviewGate,
		RenderFormat:    policy.RenderFormat,
	}, pipeline.WithLogger(logger))
	if err != nil {
		logger.Fatalf("pipeline engine: %v", err)
	}

	producer, consumer, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	jobsService := service.NewJobsService(engine, producer, logger)
	api := handlers.NewAPI(jobsService, breakers)

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:         api,
		Logger:      logger,
		AuthToken:   cfg.AuthToken,
		RateLimiter: middleware.NewRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst),
	})

	workerDone := make(chan struct{})
	if cfg.WorkerEnabled {
		processor := worker.NewProcessor(consumer, engine, logger)
		go func() {
			defer close(workerDone)
			processor.Start(ctx)
		}()
		logger.Printf("worker enabled and started")
	} else {
		close(workerDone)
		logger.Printf("worker disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	// Running jobs observe the canceled context, write a final checkpoint
	// and stay resumable.
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Printf("worker did not stop before shutdown deadline")
	}
}

func setupCheckpointStore(
	ctx context.Context,
	cfg config.Config,
	policy config.Pipeline,
	logger *log.Logger,
) (checkpoint.Store, func()) {
	fallback := func(reason string, err error) (checkpoint.Store, func()) {
		logger.Printf("%s, using in-memory checkpoints: %v", reason, err)
		return checkpoint.NewMemoryStore(), func() {}
	}

	switch cfg.CheckpointBackend {
	case "file":
		store, err := checkpoint.NewFileStore(cfg.CheckpointDir)
		if err != nil {
			return fallback("failed to initialize file checkpoints", err)
		}
		logger.Printf("file checkpoints initialized dir=%s", cfg.CheckpointDir)
		return store, func() {}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return fallback("DATABASE_URL not configured", errors.New("missing database url"))
		}
		store, err := checkpoint.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fallback("failed to initialize postgres checkpoints", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return fallback("failed to prepare postgres schema", err)
		}
		logger.Printf("postgres checkpoints initialized")
		return store, store.Close
	case "redis":
		store, err := checkpoint.NewRedisStore(ctx, checkpoint.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			MaxLen:   policy.Checkpoint.RedisMaxLen,
		})
		if err != nil {
			return fallback("failed to initialize redis checkpoints", err)
		}
		logger.Printf("redis checkpoints initialized")
		return store, func() { _ = store.Close() }
	case "", "memory":
		logger.Printf("using in-memory checkpoints")
		return checkpoint.NewMemoryStore(), func() {}
	default:
		return fallback("unknown CHECKPOINT_BACKEND "+cfg.CheckpointBackend, errors.New("unsupported backend"))
	}
}

func setupCapabilities(
	cfg config.Config,
	policy config.Pipeline,
	breakers *resilience.BreakerSet,
	logger *log.Logger,
) *capability.Registry {
	registry := capability.NewRegistry(breakers, logger)
	options := func(name string, extra ...capability.Option) []capability.Option {
		p := policy.Capabilities[name]
		opts := []capability.Option{capability.WithTimeout(p.Timeout), capability.WithRateLimit(p.RatePerSecond, p.Burst)}
		return append(opts, extra...)
	}

	synthesis := ai.NewLocalSynthesizer().Capability()
	if cfg.OpenRouterAPIKey != "" {
		client := ai.NewOpenRouterClient(ai.OpenRouterClientConfig{
			APIKey:  cfg.OpenRouterAPIKey,
			BaseURL: cfg.OpenRouterBaseURL,
			Timeout: time.Duration(cfg.OpenRouterTimeoutMS) * time.Millisecond,
		})
		router := ai.NewModelRouter(ai.ModelRouterConfig{
			PlanningPrimary:  cfg.OpenRouterModelPrimary,
			PlanningFallback: cfg.OpenRouterModelFallback,
			ChapterPrimary:   cfg.OpenRouterModelPrimary,
			ChapterFallback:  cfg.OpenRouterModelFallback,
			ReviewPrimary:    cfg.OpenRouterModelFallback,
			ReviewFallback:   cfg.OpenRouterModelPrimary,
		})
		synthesis = ai.NewSynthesizer(client, router, logger).Capability()
		logger.Printf("content synthesis via openrouter primary=%s fallback=%s", cfg.OpenRouterModelPrimary, cfg.OpenRouterModelFallback)
	} else {
		logger.Printf("OPENROUTER_API_KEY not configured, using local deterministic synthesis")
	}
	registry.MustRegister(capability.ContentSynthesis, synthesis, options(capability.ContentSynthesis)...)
	registry.MustRegister(capability.DocumentRendering, adapters.NewMarkdownRenderer().Capability(), options(capability.DocumentRendering)...)

	if cfg.LookupNotesDir != "" {
		lookupCache := cache.NewResultCache(cache.Config{
			TTL:        time.Duration(cfg.LookupCacheTTLSeconds) * time.Second,
			MaxEntries: cfg.LookupCacheMaxEntries,
		})
		lookup := adapters.NewNotesLookup(cfg.LookupNotesDir, lookupCache)
		registry.MustRegister(capability.AuxiliaryLookup, lookup.Capability(), options(capability.AuxiliaryLookup, capability.BestEffort())...)
		logger.Printf("auxiliary lookup enabled dir=%s", cfg.LookupNotesDir)
	}
	return registry
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (queue.Producer, queue.Consumer, func()) {
	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using local queue fallback")
		local := queue.NewLocalQueue(256, 3, logger)
		return local, local, func() {}
	}

	streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		Stream:      cfg.RedisStream,
		DLQStream:   cfg.RedisDLQ,
		Group:       cfg.RedisGroup,
		Consumer:    cfg.RedisConsumer,
		MaxAttempts: 3,
	})
	if err != nil {
		logger.Printf("failed to initialize redis streams queue, fallback to local: %v", err)
		local := queue.NewLocalQueue(256, 3, logger)
		return local, local, func() {}
	}
	logger.Printf("redis streams queue initialized")
	return streams, streams, func() { _ = streams.Close() }
}
