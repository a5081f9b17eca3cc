package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/af-corp/meshforge/internal/auth"
	"github.com/af-corp/meshforge/internal/config"
	"github.com/af-corp/meshforge/internal/convert"
	"github.com/af-corp/meshforge/internal/events"
	"github.com/af-corp/meshforge/internal/logging"
	"github.com/af-corp/meshforge/internal/mesh"
	"github.com/af-corp/meshforge/internal/pipeline"
	"github.com/af-corp/meshforge/internal/policy"
	"github.com/af-corp/meshforge/internal/probe"
	"github.com/af-corp/meshforge/internal/queue"
	"github.com/af-corp/meshforge/internal/ratelimit"
	"github.com/af-corp/meshforge/internal/router"
	"github.com/af-corp/meshforge/internal/server"
	"github.com/af-corp/meshforge/internal/storage"
	"github.com/af-corp/meshforge/internal/store"
	"github.com/af-corp/meshforge/internal/telemetry"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "meshforge:", err)
		os.Exit(1)
	}
}

func run() error {
	configDir := flag.String("config", "configs", "path to configuration directory")
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}

	bootLogger, _ := zap.NewProduction()
	loader := config.NewLoader(*configDir, bootLogger)
	if err := loader.Load(); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg := loader.Config()

	logger, err := logging.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer logger.Sync()
	workerID := uuid.NewString()[:6]
	logger = logger.With(zap.String("worker_id", workerID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Missing storage credentials are fatal before anything else starts
	creds, err := config.LoadCredentials(ctx, cfg.Storage.Backend)
	if err != nil {
		logger.Error("storage credentials missing", zap.String("backend", cfg.Storage.Backend), zap.Error(err))
		return err
	}

	removed, err := pipeline.PrepareScratch(cfg.Pipeline.ScratchDir)
	if err != nil {
		return fmt.Errorf("prepare scratch dir: %w", err)
	}
	logger.Info("scratch dir ready", zap.String("dir", cfg.Pipeline.ScratchDir), zap.Int("purged", removed))

	tracing, err := telemetry.InitTracing(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(reg)

	rdb := connectRedis(ctx, cfg.Redis, logger)
	if rdb != nil {
		defer rdb.Close()
	}
	pool, db := connectDatabase(ctx, cfg.Database, logger)
	if pool != nil {
		defer pool.Close()
	}
	if db != nil {
		defer db.Close()
	}

	// gRPC health, NOT_SERVING until the worker context is built
	prober := probe.New(logger)

	// Model backends
	health := router.NewHealthTracker(cfg.Routing.CircuitBreaker.FailureThreshold, cfg.Routing.CircuitBreaker.RecoveryProbeInterval)
	health.OnStateChange(func(backend string, from, to router.CircuitState) {
		logger.Warn("backend circuit changed",
			zap.String("backend", backend),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		metrics.SetBackendState(backend, int(to))
		prober.SetBackendServing(backend, to != router.StateOpen)
	})
	registry, err := router.BuildFromConfig(loader.Backends())
	if err != nil {
		return fmt.Errorf("build backends: %w", err)
	}
	for _, name := range registry.Names() {
		prober.SetBackendServing(name, true)
	}
	rt := router.New(loader.Backends(), registry, health, logger)
	loader.OnReload(func() {
		newRegistry, err := router.BuildFromConfig(loader.Backends())
		if err != nil {
			logger.Error("backends reload rejected", zap.Error(err))
			return
		}
		rt.Reload(loader.Backends(), newRegistry)
		logger.Info("backend registry reloaded", zap.Strings("backends", newRegistry.Names()))
	})
	backendProber := router.NewProber(health, cfg.Routing.HealthCheckInterval, func() map[string]config.BackendConfig {
		return loader.Backends().Backends
	}, logger)

	publisher, err := storage.New(cfg.Storage, creds)
	if err != nil {
		return fmt.Errorf("build publisher: %w", err)
	}

	var eventPub *events.Publisher
	wc := pipeline.WorkerContext{
		Shape:           rt.ShapeGenerator(),
		Processor:       mesh.NewProcessor(cfg.Pipeline.FloaterFaceRatio),
		Converter:       convert.NewConverter(logger),
		Publisher:       publisher,
		Releaser:        rt,
		LowVRAM:         cfg.Pipeline.LowVRAM,
		ScratchDir:      cfg.Pipeline.ScratchDir,
		ObjectPrefix:    cfg.Storage.ObjectPrefix,
		ReportMeshStats: cfg.Pipeline.ReportMeshStats,
		MaxConcurrency:  cfg.Pipeline.MaxConcurrency,
		Logger:          logger,
		Metrics:         metrics,
	}
	if rt.Has(config.RoleBackgroundRemoval) {
		wc.Remover = rt.BackgroundRemover()
	}
	if rt.Has(config.RoleTexture) {
		wc.Texture = rt.TextureGenerator()
	}
	if rdb != nil {
		eventPub = events.NewPublisher(rdb, logger)
		wc.Events = eventPub
	}
	orch, err := pipeline.NewOrchestrator(wc)
	if err != nil {
		return err
	}

	deps := server.Deps{
		Generator: orch,
		Config:    loader.Config,
		Metrics:   metrics,
		Gatherer:  reg,
		Logger:    logger,
		Version:   version,
		Limiter:   ratelimit.NewLimiter(rdb),
		Quota:     ratelimit.NewGenerationQuota(rdb),
	}

	var ledger *store.Ledger
	if db != nil {
		ledger = store.NewLedger(db)
		deps.Ledger = ledger
	}
	if pool != nil {
		deps.KeyStore = auth.NewCachedKeyStore(pool, rdb, cfg.Auth.CacheTTL, logger)
	} else if cfg.Auth.Enabled {
		return errors.New("auth is enabled but the database is unavailable")
	}
	if eventPub != nil {
		deps.Events = events.NewStreamer(eventPub, logger)
	}
	if cfg.Policy.Enabled {
		evaluator := policy.NewEvaluator(func() config.PolicyConfig { return loader.Config().Policy }, logger)
		if err := evaluator.Load(ctx); err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
		loader.OnReload(func() {
			if err := evaluator.Load(ctx); err != nil {
				logger.Error("policy reload rejected", zap.Error(err))
			}
		})
		deps.Policy = evaluator
	}

	var consumer *queue.Consumer
	if cfg.Queue.Enabled && rdb != nil {
		jobs := queue.NewStore(rdb, cfg.Queue.ResultTTL)
		deps.Jobs = jobs
		var jobLedger queue.Ledger
		if ledger != nil {
			jobLedger = ledger
		}
		consumer = queue.NewConsumer(jobs, orch, jobLedger, cfg.Queue.Consumers, cfg.Queue.PollTimeout, logger)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.New(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker starting", zap.String("addr", addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		prober.SetServing(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return prober.ListenAndServe(gctx, cfg.Server.GRPCHealthPort) })
	g.Go(func() error { return backendProber.Run(gctx) })
	if consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
	}
	if err := loader.Watch(gctx); err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	}

	prober.SetServing(true)
	logger.Info("worker ready",
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("queue", consumer != nil),
		zap.Bool("ledger", ledger != nil),
		zap.Bool("events", eventPub != nil),
	)

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		return err
	}
	logger.Info("worker stopped")
	return nil
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) redis.UniversalClient {
	if !cfg.Enabled || len(cfg.Addresses) == 0 || cfg.Addresses[0] == "" {
		return nil
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addresses,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis not reachable (queue, events and shared limits disabled)", zap.Error(err))
		_ = rdb.Close()
		return nil
	}
	logger.Info("redis connected")
	return rdb
}

// connectDatabase opens the pgx pool used by the key store and the
// database/sql handle used by the ledger.
func connectDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, *sql.DB) {
	if !cfg.Enabled {
		return nil, nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(pingCtx, cfg.DSN())
	if err == nil {
		err = pool.Ping(pingCtx)
	}
	if err != nil {
		logger.Warn("database not reachable (auth and ledger disabled)", zap.Error(err))
		if pool != nil {
			pool.Close()
		}
		return nil, nil
	}
	db, err := store.Open(pingCtx, cfg)
	if err != nil {
		logger.Warn("ledger unavailable", zap.Error(err))
		return pool, nil
	}
	logger.Info("database connected")
	return pool, db
}
