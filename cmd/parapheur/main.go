// Package main is the entry point for the parapheur approval workflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/parapheur/internal/config"
	"github.com/pitabwire/parapheur/internal/definition"
	"github.com/pitabwire/parapheur/internal/idempotency"
	"github.com/pitabwire/parapheur/internal/notify"
	"github.com/pitabwire/parapheur/internal/observability"
	"github.com/pitabwire/parapheur/internal/transport"
	"github.com/pitabwire/parapheur/internal/workflow"
	"github.com/pitabwire/parapheur/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "parapheur", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	registry := prometheus.NewRegistry()
	metrics := observability.InitMetrics(registry)

	// Persistence. The pool is shared by the definition and instance stores.
	pool, err := buildPool(ctx, cfg.Workflow.Store)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return 1
	}
	if pool != nil {
		defer pool.Close()
	}

	catalog, err := buildCatalog(ctx, cfg.Workflow, pool, logger)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	metrics.SetDefinitionsLoaded(catalog.Len())

	var store workflow.InstanceStore
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return catalog.Len() > 0 },
	}
	if pool != nil {
		pgStore := workflow.NewPgStore(pool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			logger.Error("workflow schema migration failed", zap.Error(err))
			return 1
		}
		store = pgStore
		readiness.WorkflowStore = pgStore
		logger.Info("using postgres workflow store")
	} else {
		store = workflow.NewMemoryStore()
		logger.Info("using in-memory workflow store")
	}

	sink, notifierHealth, closeSink, err := buildSink(cfg.Notifications, logger)
	if err != nil {
		logger.Error("notification sink initialization failed", zap.Error(err))
		return 1
	}
	readiness.Notifier = notifierHealth

	idem, idemHealth, closeIdem, err := buildIdempotency(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	if closeIdem != nil {
		defer closeIdem()
	}
	readiness.Idempotency = idemHealth

	dispatcher := notify.NewDispatcher(sink,
		notify.WithBufferSize(cfg.Notifications.BufferSize),
		notify.WithPublishTimeout(cfg.Notifications.PublishTimeout),
		notify.WithLogger(logger),
		notify.WithObserver(metrics),
	)

	engine := workflow.NewEngine(catalog, store,
		workflow.WithEventSink(dispatcher),
		workflow.WithEngineLogger(logger),
		workflow.WithMetrics(metrics),
	)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Catalog:      catalog,
		Engine:       engine,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Readiness:    readiness,
		Idempotency:  idem,
		Metrics:      metrics,
		Gatherer:     gathererFor(cfg.Observability.Metrics, registry),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	sweeper := workflow.NewSweeper(engine,
		workflow.WithSweepInterval(cfg.Workflow.SweepInterval),
		workflow.WithSweeperLogger(logger),
	)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		_ = sweeper.Run(bgCtx)
	}()

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", catalog.Len()),
		zap.String("definitions_checksum", catalog.Checksum()),
		zap.Duration("sweep_interval", sweeper.Interval()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()
	<-sweepDone

	// Drain queued notifications before the transport goes away.
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("notification queue not drained", zap.Error(err), zap.Int("pending", dispatcher.Pending()))
	}
	if closeSink != nil {
		closeSink()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// buildPool opens the PostgreSQL pool for the postgres driver and returns
// nil for the memory driver.
func buildPool(ctx context.Context, cfg config.WorkflowStoreConfig) (*pgxpool.Pool, error) {
	if cfg.Driver != "postgres" {
		return nil, nil
	}

	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("workflow store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("workflow store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("workflow store: ping: %w", err)
	}
	return pool, nil
}

// buildCatalog loads the built-in templates, the configured template
// directories, and any definitions registered in earlier runs.
func buildCatalog(ctx context.Context, cfg config.WorkflowConfig, pool *pgxpool.Pool, logger *zap.Logger) (*definition.Catalog, error) {
	opts := []definition.CatalogOption{definition.WithLogger(logger)}
	if pool != nil {
		pgDefs := definition.NewPgStore(pool)
		if err := pgDefs.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("definition schema: %w", err)
		}
		opts = append(opts, definition.WithPersister(pgDefs))
	}
	catalog := definition.NewCatalog(opts...)

	loader := definition.NewLoader()
	var defs []model.WorkflowDefinition
	if cfg.BuiltinTemplates {
		builtins, err := loader.LoadBuiltins()
		if err != nil {
			return nil, fmt.Errorf("built-in templates: %w", err)
		}
		defs = append(defs, builtins...)
	}
	fromDirs, err := loader.LoadAll(cfg.TemplateDirectories)
	if err != nil {
		return nil, err
	}
	defs = append(defs, fromDirs...)

	if err := catalog.Load(defs); err != nil {
		return nil, err
	}
	restored, err := catalog.Restore(ctx)
	if err != nil {
		return nil, err
	}

	logger.Info("workflow definitions loaded",
		zap.Int("templates", len(defs)),
		zap.Int("restored", restored),
		zap.Int("total", catalog.Len()),
	)
	return catalog, nil
}

// buildSink returns the notification transport for the configured driver,
// its readiness check when it has one, and a closer.
func buildSink(cfg config.NotificationsConfig, logger *zap.Logger) (notify.EventSink, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "nats":
		conn, err := notify.ConnectNATS(os.Getenv(cfg.NATSURLEnv), logger)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("publishing workflow events to nats", zap.String("subject_prefix", cfg.SubjectPrefix))
		return notify.NewNATSSink(conn, cfg.SubjectPrefix), notify.NewConnHealth(conn), func() { _ = conn.Drain() }, nil
	case "none":
		return notify.NopSink{}, nil, nil, nil
	default:
		return notify.NewLogSink(logger), nil, nil, nil
	}
}

// buildIdempotency returns the replay store for action submissions, its
// readiness check when it has one, and a closer.
func buildIdempotency(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "redis":
		opts, err := redis.ParseURL(os.Getenv(cfg.RedisURLEnv))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("idempotency: parse %s: %w", cfg.RedisURLEnv, err)
		}
		client := redis.NewClient(opts)
		store := idempotency.NewRedisStore(client)
		if err := store.HealthCheck(ctx); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("idempotency: ping redis: %w", err)
		}
		logger.Info("using redis idempotency store", zap.Duration("ttl", cfg.TTL))
		return store, store, func() { _ = client.Close() }, nil
	case "none":
		return nil, nil, nil, nil
	default:
		return idempotency.NewMemoryStore(), nil, nil, nil
	}
}

func gathererFor(cfg config.MetricsConfig, registry *prometheus.Registry) prometheus.Gatherer {
	if !cfg.Enabled {
		return nil
	}
	return registry
}
