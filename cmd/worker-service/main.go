package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/internal/bootstrap"
	"github.com/cuongbtq/settlement-orchestrator/internal/chain"
	"github.com/cuongbtq/settlement-orchestrator/internal/config"
	"github.com/cuongbtq/settlement-orchestrator/internal/indexer"
	"github.com/cuongbtq/settlement-orchestrator/internal/liquidity"
	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/cuongbtq/settlement-orchestrator/internal/queue/storage"
	"github.com/cuongbtq/settlement-orchestrator/internal/settlement"
	"github.com/cuongbtq/settlement-orchestrator/internal/worker"
	"github.com/cuongbtq/settlement-orchestrator/shared/postgresql"
	"github.com/cuongbtq/settlement-orchestrator/shared/redisclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

const tracerName = "github.com/cuongbtq/settlement-orchestrator/cmd/worker-service"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Parse command-line flags
	defaultConfigPath := bootstrap.LoadEnv("WORKER_SERVICE_CONFIG_PATH", "configs/worker-service/config.yaml")
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL client
	dbClient, err := bootstrap.InitPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	leases, closeLeases, err := initGroupLeases(ctx, cfg, dbClient, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize group tracker: %w", err)
	}
	defer closeLeases()

	jobQueue := bootstrap.NewQueue(cfg, dbClient, rabbitClient, appLogger.Logger)

	// Chain access and the indexer
	executor, err := chain.Dial(ctx, cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize chain executor: %w", err)
	}

	appLogger.Info("Chain executor ready",
		slog.String("solver", executor.Address().Hex()),
		slog.Int("chains", len(cfg.Chains)),
	)

	indexerClient, err := indexer.NewHTTPClient(cfg.Indexer, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize indexer client: %w", err)
	}

	// Job managers
	settlementLogger := appLogger.Component("settlement")
	liquidityLogger := appLogger.Component("liquidity")
	settlementService := settlement.NewService(cfg, indexerClient, jobQueue, executor, settlementLogger)

	providers, err := liquidity.NewRegistry(liquidity.Providers(cfg, executor, jobQueue, liquidityLogger)...)
	if err != nil {
		return fmt.Errorf("failed to build rebalance providers: %w", err)
	}
	rebalanceRepo := liquidity.NewPostgresRepository(dbClient, liquidityLogger)

	registry := worker.NewRegistry()
	if err := registry.Register(settlement.Managers(settlementService, settlementLogger)...); err != nil {
		return fmt.Errorf("failed to register settlement managers: %w", err)
	}
	if err := registry.Register(liquidity.Managers(cfg, providers, rebalanceRepo, executor, jobQueue, liquidityLogger)...); err != nil {
		return fmt.Errorf("failed to register liquidity managers: %w", err)
	}

	// Metrics
	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := worker.NewMetrics(metricsRegistry)
	metricsServer := startMetricsServer(cfg.Worker.MetricsAddr, metricsRegistry, appLogger.Logger)

	readiness := &worker.Readiness{}

	// Create worker instance
	workerLogger := appLogger.Component("worker")
	workerInstance, err := worker.NewWorker(&worker.Config{
		Logger:    workerLogger,
		Queue:     jobQueue,
		Leases:    leases,
		Registry:  registry,
		Readiness: readiness,
		Metrics:   metrics,
		Middlewares: []worker.Middleware{
			worker.WithTracing(otel.Tracer(tracerName)),
			worker.WithMetrics(metrics),
			worker.WithLogging(workerLogger),
		},
		Concurrency:       cfg.Worker.Concurrency,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		GroupDeferDelay:   cfg.Worker.GroupDeferDelay,
		GroupLockTTL:      cfg.Worker.GroupLockTTL,
		ReadyDeferDelay:   cfg.Worker.ReadyDeferDelay,
		PromoteInterval:   cfg.Worker.PromoteInterval,
		PromoteBatchSize:  cfg.Worker.PromoteBatchSize,
		ScheduleInterval:  cfg.Worker.ScheduleInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	// Schedules must exist before the gate opens.
	if err := settlementService.StartCronJobs(ctx); err != nil {
		return fmt.Errorf("failed to start cron jobs: %w", err)
	}
	readiness.MarkReady()

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.ID()),
		slog.Any("strategies", providers.Strategies()),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Metrics server shutdown failed", slog.Any("error", err))
		}
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initGroupLeases picks where busy-group markers live. The returned func
// releases whatever connection the tracker opened.
func initGroupLeases(ctx context.Context, cfg *config.Config, db *postgresql.Client, logger *slog.Logger) (queue.GroupLeases, func(), error) {
	switch cfg.Worker.GroupTracker {
	case config.GroupTrackerRedis:
		client, err := redisclient.NewClient(ctx, &redisclient.Config{
			URL:         cfg.Redis.URL,
			DialTimeout: cfg.Redis.DialTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return queue.NewRedisGroupLeases(client, cfg.Redis.KeyPrefix), func() { client.Close() }, nil
	case config.GroupTrackerMemory:
		logger.Warn("Using in-process group tracker; run a single worker process only")
		return queue.NewMemoryGroupLeases(), func() {}, nil
	default:
		return storage.NewGroupLeases(db.GetDB()), func() {}, nil
	}
}

// startMetricsServer serves the worker registry on addr. Empty addr
// disables it.
func startMetricsServer(addr string, gatherer prometheus.Gatherer, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	logger.Info("Metrics server listening", slog.String("address", addr))
	return srv
}
