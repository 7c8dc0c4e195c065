package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/triage-ai/gatekeeper/internal/admission"
	"github.com/triage-ai/gatekeeper/internal/api"
	"github.com/triage-ai/gatekeeper/internal/audit"
	"github.com/triage-ai/gatekeeper/internal/auth"
	"github.com/triage-ai/gatekeeper/internal/chread"
	"github.com/triage-ai/gatekeeper/internal/config"
	"github.com/triage-ai/gatekeeper/internal/contentgate"
	"github.com/triage-ai/gatekeeper/internal/executor"
	"github.com/triage-ai/gatekeeper/internal/metrics"
	"github.com/triage-ai/gatekeeper/internal/permission"
	"github.com/triage-ai/gatekeeper/internal/pipeline"
	"github.com/triage-ai/gatekeeper/internal/server"
	"github.com/triage-ai/gatekeeper/internal/storage"
	"github.com/triage-ai/gatekeeper/internal/store"
	"github.com/triage-ai/gatekeeper/internal/tools"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting gatekeeper server",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("grpc_port", cfg.GRPCPort),
		zap.Float64("user_bucket_capacity", cfg.Admission.User.Capacity),
		zap.Float64("global_bucket_capacity", cfg.Admission.Global.Capacity),
		zap.Int("tool_timeout_ms", cfg.ToolTimeoutMs),
	)

	// Audit sink: ClickHouse, or LogWriter as fallback
	var writer audit.Writer
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	recorder := audit.NewRecorder(writer, logger)
	defer recorder.Close()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mirror := metrics.NewPrometheus(registry)
	agg := metrics.NewAggregator(cfg.MetricRetention(), mirror, logger)
	monitor := metrics.NewMonitor(agg, cfg.Alerts, cfg.AlertCooldown(), recorder, mirror, logger)

	// Admission
	controller := admission.NewController(cfg.Admission, recorder, agg, logger)

	// Content rules
	textValidator := contentgate.NewValidator(nil, cfg.ContentMaxLength)
	argsValidator := contentgate.NewToolArgsValidator(nil)
	var loader *contentgate.RuleLoader
	if cfg.RulesFile != "" {
		loader = contentgate.NewRuleLoader(cfg.RulesFile, textValidator, argsValidator, logger)
		if err := loader.Load(); err != nil {
			logger.Fatal("failed to load content rules", zap.String("path", cfg.RulesFile), zap.Error(err))
		}
	}

	// Postgres allowlist (required)
	if cfg.PostgresDSN == "" {
		logger.Fatal("POSTGRES_DSN is required")
	}
	db, err := store.Open(context.Background(), cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer func() { _ = db.Close() }()
	pgStore := store.NewStore(db)
	if err := pgStore.Migrate(context.Background()); err != nil {
		logger.Fatal("failed to migrate allowlist schema", zap.Error(err))
	}
	logger.Info("postgres connected")
	gate := permission.NewGate(pgStore, cfg.PermissionCacheTTL(), recorder, agg, logger)

	guard := pipeline.New(pipeline.Deps{
		Admission: controller,
		Content:   textValidator,
		ToolArgs:  argsValidator,
		Perms:     gate,
		Executor:  executor.New(cfg.ToolTimeout(), recorder, agg, logger),
		Audit:     recorder,
		Metrics:   agg,
		Logger:    logger,
	})

	// ClickHouse reader (for audit HTTP endpoints)
	var reader api.AuditReader
	if cfg.ClickHouseDSN != "" {
		chReader, err := chread.NewReader(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = chReader.Close() }()
			reader = chReader
			logger.Info("clickhouse reader connected")
		}
	}

	// Tool endpoints (optional)
	var toolRunner api.ToolRunner
	if len(cfg.Tools) > 0 {
		reg, err := tools.NewRegistry(cfg.Tools, nil)
		if err != nil {
			logger.Fatal("invalid tool registry", zap.Error(err))
		}
		toolRunner = reg
		logger.Info("tool registry loaded", zap.Strings("tools", reg.Names()))
	}

	// HTTP API server
	httpServer := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(&api.Dependencies{
			Guard:         guard,
			Permissions:   gate,
			Reader:        reader,
			Gatherer:      registry,
			Tools:         toolRunner,
			Ping:          pgStore.Ping,
			TokenHash:     cfg.AdminTokenHash,
			RetentionDays: cfg.AuditRetentionDays,
			Logger:        logger,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.ToolTimeout() + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// gRPC server: authenticate, then admit
	verifier := auth.NewVerifier(cfg.AdminTokenHash)
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			auth.UnaryServerInterceptor(verifier, guard, logger),
			admission.UnaryServerInterceptor(controller, logger),
		),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(1024*1024),
		grpc.MaxSendMsgSize(1024*1024),
	)
	server.Register(grpcServer, server.NewGuardServer(guard, logger))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.GRPCPort), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return monitor.Run(ctx, cfg.MetricTick())
	})
	if loader != nil {
		g.Go(func() error {
			return loader.Watch(ctx)
		})
	}

	// Graceful shutdown once a signal arrives or any component fails
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down", zap.NamedError("cause", context.Cause(ctx)))

		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("gatekeeper server failed", zap.Error(err))
	}
	logger.Info("gatekeeper server stopped")
}

// mustBuildLogger builds the JSON production logger. Unknown levels fall
// back to info.
func mustBuildLogger(level string) *zap.Logger {
	atomic, err := zap.ParseAtomicLevel(level)
	if err != nil {
		atomic = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = atomic
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.Fields(zap.String("service", "gatekeeper")))
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
