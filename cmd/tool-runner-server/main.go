//go:build unix

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/triage-ai/palisade/services/tool_runner/internal/auth"
	"github.com/triage-ai/palisade/services/tool_runner/internal/catalog"
	"github.com/triage-ai/palisade/services/tool_runner/internal/dispatch"
	"github.com/triage-ai/palisade/services/tool_runner/internal/engine"
	"github.com/triage-ai/palisade/services/tool_runner/internal/engine/evaluators"
	"github.com/triage-ai/palisade/services/tool_runner/internal/metrics"
	"github.com/triage-ai/palisade/services/tool_runner/internal/permission"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_runner/internal/server"
	"github.com/triage-ai/palisade/services/tool_runner/internal/simulate"
	"github.com/triage-ai/palisade/services/tool_runner/internal/storage"
	"github.com/triage-ai/palisade/services/tool_runner/internal/toolcall"
)

func main() {
	// Re-executed as the sandbox helper: confine and exec the tool.
	sandbox.ServeHelper()

	// Logger
	logger := mustBuildLogger(envOrDefault("TOOL_RUNNER_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	listenHost := envOrDefault("TOOL_RUNNER_LISTEN_HOST", "127.0.0.1")
	port := envOrDefault("TOOL_RUNNER_PORT", "50061")
	metricsAddr := envOrDefault("TOOL_RUNNER_METRICS_ADDR", "127.0.0.1:9464")
	ceilingSpec := envOrDefault("TOOL_RUNNER_CAPABILITY_CEILING", string(permission.CapFilesystemRead))
	execTimeoutMs := envOrDefaultInt("TOOL_RUNNER_EXEC_TIMEOUT_MS", 10000)
	execMaxTimeoutMs := envOrDefaultInt("TOOL_RUNNER_EXEC_MAX_TIMEOUT_MS", 30000)
	outputLimit := envOrDefaultInt("TOOL_RUNNER_OUTPUT_LIMIT_BYTES", 1<<20)
	guardTimeoutMs := envOrDefaultInt("TOOL_RUNNER_GUARD_TIMEOUT_MS", 250)
	approvalTimeoutS := envOrDefaultInt("TOOL_RUNNER_APPROVAL_TIMEOUT_S", 120)
	resultTTLS := envOrDefaultInt("TOOL_RUNNER_RESULT_TTL_S", 600)
	defaultMode := envOrDefault("TOOL_RUNNER_DEFAULT_MODE", string(toolcall.ModeSimulated))
	execAllowSpec := os.Getenv("TOOL_RUNNER_EXEC_ALLOWLIST")
	devStaticAuth := envOrDefaultBool("TOOL_RUNNER_DEV_STATIC_AUTH", false)
	workDir := envOrDefault("TOOL_RUNNER_WORK_DIR", os.TempDir())
	dbPath := os.Getenv("TOOL_RUNNER_DB_PATH")
	catalogPath := os.Getenv("TOOL_RUNNER_CATALOG")
	apiKeyHash := os.Getenv("TOOL_RUNNER_API_KEY_HASH")
	authCacheTTL := envOrDefaultInt("TOOL_RUNNER_AUTH_CACHE_TTL_S", 30)
	postgresDSN := os.Getenv("POSTGRES_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")

	caps, err := permission.ParseCapabilities(ceilingSpec)
	if err != nil {
		logger.Fatal("invalid capability ceiling", zap.String("ceiling", ceilingSpec), zap.Error(err))
	}
	mode, err := toolcall.ParseMode(defaultMode)
	if err != nil {
		logger.Fatal("invalid default mode", zap.String("mode", defaultMode), zap.Error(err))
	}
	execAllow, err := parseExecAllowList(execAllowSpec)
	if err != nil {
		logger.Fatal("invalid TOOL_RUNNER_EXEC_ALLOWLIST", zap.Error(err))
	}

	logger.Info("starting tool runner server",
		zap.String("host", listenHost),
		zap.String("port", port),
		zap.Strings("ceiling", capStrings(caps)),
		zap.String("default_mode", string(mode)),
		zap.Int("exec_timeout_ms", execTimeoutMs),
		zap.Strings("exec_allowlist", execAllow),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres is shared by the registry store and the key store.
	var pg *sql.DB
	if postgresDSN != "" {
		pg, err = sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = pg.Close() }()
		pg.SetMaxOpenConns(10)
		pg.SetMaxIdleConns(5)
		pg.SetConnMaxLifetime(5 * time.Minute)
		if err := pg.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("postgres connected")
	}

	// Tool registry: Postgres, SQLite or memory
	var store registry.Store
	switch {
	case pg != nil:
		sqlStore := registry.NewSQLStore(pg, registry.DialectPostgres)
		if err := sqlStore.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate postgres registry", zap.Error(err))
		}
		store = sqlStore
	case dbPath != "":
		sqlStore, err := registry.OpenSQLStore(ctx, registry.DialectSQLite, dbPath)
		if err != nil {
			logger.Fatal("failed to open sqlite registry", zap.String("path", dbPath), zap.Error(err))
		}
		defer func() { _ = sqlStore.Close() }()
		store = sqlStore
		logger.Info("sqlite registry opened", zap.String("path", dbPath))
	default:
		store = registry.NewMemoryStore()
		logger.Warn("no TOOL_RUNNER_DB_PATH or POSTGRES_DSN set, tool registry is in-memory")
	}

	reg := registry.New(registry.Config{Store: store, Logger: logger})
	if err := reg.Load(ctx); err != nil {
		logger.Fatal("failed to load tool registry", zap.Error(err))
	}

	handlers := simulate.NewHandlers()
	if catalogPath != "" {
		file, err := catalog.Load(catalogPath)
		if err != nil {
			logger.Fatal("failed to load catalog", zap.String("path", catalogPath), zap.Error(err))
		}
		sum, err := file.Apply(ctx, reg, handlers, logger)
		if err != nil {
			logger.Fatal("failed to apply catalog", zap.String("path", catalogPath), zap.Error(err))
		}
		logger.Info("catalog applied",
			zap.String("path", catalogPath),
			zap.Strings("created", sum.Created),
			zap.Strings("updated", sum.Updated),
			zap.Int("unchanged", len(sum.Unchanged)),
		)
	}

	// Storage: ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
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
	defer writer.Close()

	// Auth: Postgres key store, a single key hash, or static (explicit dev flag only)
	var authenticator auth.Authenticator
	switch {
	case pg != nil:
		authenticator, err = auth.NewPostgresAuthenticator(ctx, auth.PostgresAuthConfig{
			DB:       pg,
			CacheTTL: time.Duration(authCacheTTL) * time.Second,
			Logger:   logger,
		})
		if err != nil {
			logger.Fatal("failed to set up postgres authenticator", zap.Error(err))
		}
		logger.Info("postgres authenticator connected")
	case apiKeyHash != "":
		authenticator, err = auth.NewHashAuthenticator(apiKeyHash, "default")
		if err != nil {
			logger.Fatal("invalid TOOL_RUNNER_API_KEY_HASH", zap.Error(err))
		}
		logger.Info("using api key hash authenticator")
	case devStaticAuth:
		authenticator = auth.NewStaticAuthenticator()
		logger.Warn("using static authenticator, accepts any well-formed key (TOOL_RUNNER_DEV_STATIC_AUTH)")
	default:
		logger.Fatal("no authenticator configured: set POSTGRES_DSN or TOOL_RUNNER_API_KEY_HASH, or TOOL_RUNNER_DEV_STATIC_AUTH=true for local development")
	}

	// Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(promReg)

	// Executor: argument guard in front of the process backend
	guard := engine.NewGuardEngine(evaluators.Defaults(), time.Duration(guardTimeoutMs)*time.Millisecond, logger)
	executor := sandbox.NewExecutor(
		sandbox.NewProcessBackend(sandbox.ProcessBackendConfig{Logger: logger}),
		guard,
		sandbox.Config{
			DefaultTimeout: time.Duration(execTimeoutMs) * time.Millisecond,
			MaxTimeout:     time.Duration(execMaxTimeoutMs) * time.Millisecond,
			OutputLimit:    outputLimit,
			WorkDir:        workDir,
		},
		logger,
	)

	broker := dispatch.NewApprovalBroker(logger)
	manager := dispatch.NewManager(dispatch.Deps{
		Registry:    reg,
		Permissions: permission.NewEngine(permission.NewCeiling(caps...), logger),
		Simulator:   simulate.NewRunner(handlers, logger),
		Executor:    executor,
		Approver:    broker,
		Events:      writer,
		Recorder:    collector,
		Logger:      logger,
	}, dispatch.Config{
		ApprovalTimeout: time.Duration(approvalTimeoutS) * time.Second,
		ResultTTL:       time.Duration(resultTTLS) * time.Second,
		DefaultMode:     mode,
	})

	// gRPC server
	grpcServer := grpc.NewServer(
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
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
		grpc.UnaryInterceptor(server.AuthInterceptor(authenticator, logger)),
	)

	server.RegisterToolRunnerServiceServer(grpcServer, server.NewToolRunnerServer(manager, broker, reg, server.Config{
		ExecAllowList: execAllow,
	}, logger))

	// Register health service for ECS health checks
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	listenAddr := net.JoinHostPort(listenHost, port)
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", listenAddr), zap.Error(err))
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler(promReg))
	metricsServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("tool runner server listening", zap.String("addr", lis.Addr().String()))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("metrics server listening", zap.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := manager.CloseAll(shutdownCtx); err != nil {
			logger.Warn("sessions did not close cleanly", zap.Error(err))
		}
		grpcServer.GracefulStop()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
	}
}

// parseExecAllowList splits a comma-separated list of absolute paths.
func parseExecAllowList(spec string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !filepath.IsAbs(part) {
			return nil, fmt.Errorf("%q is not an absolute path", part)
		}
		out = append(out, filepath.Clean(part))
	}
	return out, nil
}

func capStrings(caps []permission.Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
