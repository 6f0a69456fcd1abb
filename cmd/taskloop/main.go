package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/taskloop/internal/application/orchestrator"
	"github.com/aescanero/taskloop/internal/application/planner"
	"github.com/aescanero/taskloop/internal/application/rules"
	"github.com/aescanero/taskloop/internal/application/workers"
	"github.com/aescanero/taskloop/internal/application/workflow"
	"github.com/aescanero/taskloop/internal/config"
	"github.com/aescanero/taskloop/internal/telemetry"
	eventsmemory "github.com/aescanero/taskloop/pkg/adapters/events/memory"
	eventsredis "github.com/aescanero/taskloop/pkg/adapters/events/redis"
	"github.com/aescanero/taskloop/pkg/adapters/llm"
	"github.com/aescanero/taskloop/pkg/adapters/metrics/prometheus"
	storagememory "github.com/aescanero/taskloop/pkg/adapters/storage/memory"
	"github.com/aescanero/taskloop/pkg/adapters/storage/postgres"
	redisstorage "github.com/aescanero/taskloop/pkg/adapters/storage/redis"
	"github.com/aescanero/taskloop/pkg/adapters/storage/sqlite"
	"github.com/aescanero/taskloop/pkg/api/grpc"
	"github.com/aescanero/taskloop/pkg/api/http"
	"github.com/aescanero/taskloop/pkg/api/websocket"
	"github.com/aescanero/taskloop/pkg/ports"

	prom "github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting taskloop",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("store", cfg.Store.Backend))

	ctx := context.Background()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, Version, cfg.Telemetry.Insecure)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}

	metricsCollector := prometheus.NewCollector(prom.DefaultRegisterer)

	// Redis backs both the state store and the event bus when selected
	var redisClient *goredis.Client
	if cfg.Store.Backend == config.StoreRedis {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	store, closeStore, err := openStore(ctx, cfg, redisClient, logger)
	if err != nil {
		logger.Fatal("failed to open state store", zap.Error(err))
	}

	var eventBus ports.EventBus
	if redisClient != nil {
		eventBus = eventsredis.NewStreamsEventBus(redisClient, cfg.Redis.EventsPrefix, logger)
	} else {
		eventBus = eventsmemory.NewEventBus()
	}

	taskPlanner, worker, err := buildStrategies(cfg, metricsCollector, logger)
	if err != nil {
		logger.Fatal("failed to build planner and worker", zap.Error(err))
	}

	workerPool := workers.NewPool(worker, workers.PoolConfig{
		Size:                cfg.Workers.PoolSize,
		MaxRetries:          cfg.Workers.MaxRetries,
		RetryDelay:          cfg.Workers.RetryDelay,
		CallTimeout:         cfg.Timeouts.WorkerCall,
		HealthCheckInterval: cfg.Workers.HealthCheckInterval,
	}, metricsCollector, logger)

	if err := workerPool.Start(); err != nil {
		logger.Fatal("failed to start worker pool", zap.Error(err))
	}

	proposerKeyword := rules.DefaultKeyword
	if len(cfg.Workflow.RuleKeywords) > 0 {
		proposerKeyword = cfg.Workflow.RuleKeywords[0]
	}

	driver, err := workflow.NewDriver(&workflow.Config{
		Orchestrator: &orchestrator.Config{
			Store:         store,
			EventBus:      eventBus,
			Metrics:       metricsCollector,
			Planner:       taskPlanner,
			Worker:        workerPool,
			RuleProposer:  rules.NewOutcomeReviewProposer(proposerKeyword),
			RuleValidator: rules.NewKeywordValidator(cfg.Workflow.RuleKeywords...),
			Logger:        logger,
			BatchMode:     orchestrator.BatchMode(cfg.Workflow.BatchMode),
			MaxParallel:   cfg.Workflow.MaxParallel,
			StoreRetries:  cfg.Store.Retries,
			RetryDelay:    cfg.Store.RetryDelay,
			StoreTimeout:  cfg.Timeouts.StoreCall,
		},
		MaxIterations:    cfg.Workflow.MaxIterations,
		PollInterval:     cfg.Workflow.PollInterval,
		Deadline:         cfg.Workflow.Deadline,
		DefaultManagerID: cfg.Workflow.DefaultManagerID,
	})
	if err != nil {
		logger.Fatal("failed to create workflow driver", zap.Error(err))
	}

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:       cfg.HTTPPort,
		Driver:     driver,
		Logger:     logger,
		Gatherer:   prom.DefaultGatherer,
		PoolHealth: workerPool.Health(),
		APIKey:     cfg.APIKey,
	})

	// Add WebSocket handler to HTTP server
	wsHandler := websocket.NewHandler(eventBus, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:       cfg.GRPCPort,
		Logger:     logger,
		PoolHealth: workerPool.Health(),
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("taskloop started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize),
		zap.Int("max_iterations", driver.MaxIterations()))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	closeStore()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("taskloop shut down complete")
}

// openStore opens the configured state store backend
func openStore(ctx context.Context, cfg *config.Config, redisClient *goredis.Client, logger *zap.Logger) (ports.StateStore, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return storagememory.NewStateStore(), func() {}, nil
	case config.StoreRedis:
		return redisstorage.NewStateStore(redisClient, cfg.Store.StateTTL, logger), func() {}, nil
	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.Store.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Error("sqlite close error", zap.Error(err))
			}
		}, nil
	case config.StorePostgres:
		store, err := postgres.Open(ctx, cfg.Store.PostgresDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend: %s", cfg.Store.Backend)
	}
}

// buildStrategies selects the planner and the worker. Template planning and
// acknowledging workers are used unless an LLM provider is configured.
func buildStrategies(cfg *config.Config, metrics ports.MetricsCollector, logger *zap.Logger) (ports.Planner, ports.Worker, error) {
	var templates *planner.TemplatePlanner
	if cfg.Workflow.TemplatesFile != "" {
		loaded, err := planner.LoadTemplates(cfg.Workflow.TemplatesFile)
		if err != nil {
			return nil, nil, err
		}
		templates = loaded
	} else {
		templates = planner.NewDefaultPlanner()
	}

	if cfg.LLM.Provider == config.LLMProviderNone {
		return templates, workers.NewAckWorker(), nil
	}

	client, err := llm.NewClient(&llm.Config{
		Provider:  cfg.LLM.Provider,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.DefaultModel,
		MaxTokens: cfg.LLM.DefaultMaxTokens,
		Timeout:   cfg.LLM.RequestTimeout,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	var taskPlanner ports.Planner = templates
	if cfg.LLM.UsePlanner {
		taskPlanner = llm.NewPlanner(client, templates, logger)
	}
	return taskPlanner, llm.NewWorker(client, logger), nil
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
