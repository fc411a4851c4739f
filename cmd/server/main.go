package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/kevin07696/refund-reconciler/internal/adapters/gateway/provider"
	"github.com/kevin07696/refund-reconciler/internal/adapters/gateway/sandbox"
	"github.com/kevin07696/refund-reconciler/internal/adapters/gateway/stripe"
	"github.com/kevin07696/refund-reconciler/internal/adapters/memory"
	"github.com/kevin07696/refund-reconciler/internal/adapters/postgres"
	"github.com/kevin07696/refund-reconciler/internal/config"
	"github.com/kevin07696/refund-reconciler/internal/domain/ports"
	cronHandler "github.com/kevin07696/refund-reconciler/internal/handlers/cron"
	refundHandler "github.com/kevin07696/refund-reconciler/internal/handlers/refund"
	"github.com/kevin07696/refund-reconciler/internal/services/payment"
	"github.com/kevin07696/refund-reconciler/internal/services/refund"
	pkghttp "github.com/kevin07696/refund-reconciler/pkg/http"
	"github.com/kevin07696/refund-reconciler/pkg/middleware"
	"github.com/kevin07696/refund-reconciler/pkg/observability"
	"github.com/kevin07696/refund-reconciler/pkg/security"
	"github.com/kevin07696/refund-reconciler/pkg/shutdown"
)

const (
	dbConnectTimeout = 2 * time.Minute
	recoveryTimeout  = 10 * time.Minute
)

// storage groups the transaction manager and repositories of one backend.
type storage struct {
	tx       ports.TransactionManager
	payments ports.PaymentRepository
	attempts ports.RefundAttemptRepository
	audit    ports.AuditLogRepository
	pool     *pgxpool.Pool
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := security.NewLogger(cfg.Logger.Level, cfg.Logger.IsProduction() && !cfg.Logger.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Refund reconciler stopped with error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	logger.Info("Starting refund reconciler",
		zap.String("environment", cfg.Logger.Environment),
		zap.String("storage", cfg.Database.Driver),
		zap.String("gateway", cfg.Gateway.Provider),
	)

	cfg, err := resolveGatewayCredential(ctx, cfg, logger)
	if err != nil {
		return err
	}

	shutdownMgr := shutdown.NewManager(logger, cfg.Server.ShutdownTimeout)
	healthChecker := observability.NewHealthChecker()

	store, err := initStorage(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	if store.pool != nil {
		shutdownMgr.RegisterNoErr("database", store.pool.Close)
		healthChecker.AddCheck("database", store.pool.Ping)
	}

	gateway, err := initGateway(cfg.Gateway, logger)
	if err != nil {
		return err
	}

	serviceLogger := security.NewZapLogger(logger)
	refundSvc := refund.NewService(store.tx, store.payments, store.attempts, store.audit, gateway, serviceLogger, cfg.Refund)
	paymentSvc := payment.NewService(store.payments, store.attempts, store.audit, serviceLogger)

	// Sweeps run detached from request contexts; shutdown waits for them
	// before the store closes.
	sweeps := shutdown.NewInFlightTracker("recovery", logger)
	shutdownMgr.Register("recovery", sweeps.Shutdown)

	metricsServer := observability.StartMetricsServer(fmt.Sprintf(":%d", cfg.Server.MetricsPort), healthChecker, logger)
	shutdownMgr.RegisterHTTPServer("metrics", metricsServer)

	grpcServer, healthServer := newGRPCServer(logger)
	grpcListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen gRPC: %w", err)
	}
	go func() {
		logger.Info("gRPC health server listening", zap.String("address", grpcListener.Addr().String()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	shutdownMgr.RegisterNoErr("grpc", func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	})

	rateLimiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	shutdownMgr.RegisterNoErr("rate-limiter", rateLimiter.Shutdown)

	mux := http.NewServeMux()
	refundHandler.NewHandler(refundSvc, paymentSvc, logger).Register(mux)

	recoveryHdlr := cronHandler.NewRecoveryHandler(refundSvc, logger, cfg.Server.CronSecret, recoveryTimeout)
	mux.Handle("POST /cron/resolve-pending", sweeps.Middleware(
		observability.HTTPMiddleware("POST /cron/resolve-pending", http.HandlerFunc(recoveryHdlr.ResolvePending)),
	))
	mux.HandleFunc("GET /cron/health", recoveryHdlr.HealthCheck)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:           middleware.Chain(mux, middleware.Logging(logger), middleware.Recovery(logger), rateLimiter.Middleware),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * cfg.Gateway.CallTimeout * time.Duration(cfg.Refund.MaxRetries+1),
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	shutdownMgr.RegisterHTTPServer("http", httpServer)
	shutdownMgr.RegisterNoErr("readiness", func() { healthChecker.SetReady(false) })

	// Attempts left pending by a previous process are resolved before the
	// service reports ready.
	go sweeps.Run(func() {
		sweepCtx, cancel := context.WithTimeout(ctx, recoveryTimeout)
		defer cancel()

		report, err := refundSvc.ResolvePending(sweepCtx)
		if err != nil {
			logger.Error("Startup recovery failed", zap.Error(err))
		} else if report.Unresolved > 0 {
			logger.Warn("Pending refunds remain after startup recovery", zap.Int("unresolved", report.Unresolved))
		}

		healthChecker.SetReady(true)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		logger.Info("Refund reconciler ready")
	})

	return shutdownMgr.WaitForShutdown(ctx)
}

func initStorage(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*storage, error) {
	if cfg.Driver == config.StorageMemory {
		logger.Warn("Using in-memory storage - state is lost on restart")
		store := memory.NewStore()
		return &storage{
			tx:       store,
			payments: store.Payments(),
			attempts: store.Attempts(),
			audit:    store.AuditLog(),
		}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(dbConnectTimeout)), ctx)
	err = backoff.RetryNotify(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	}, b, func(err error, next time.Duration) {
		logger.Warn("Database not reachable yet", zap.Error(err), zap.Duration("retry_in", next))
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("Database connection established",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return &storage{
		tx:       postgres.NewDBExecutor(pool),
		payments: postgres.NewPaymentRepository(pool),
		attempts: postgres.NewRefundAttemptRepository(pool),
		audit:    postgres.NewAuditLogRepository(pool),
		pool:     pool,
	}, nil
}

func initGateway(cfg config.GatewayConfig, logger *zap.Logger) (ports.RefundGateway, error) {
	switch cfg.Provider {
	case config.ProviderHTTP:
		httpClient := pkghttp.NewHTTPClient(pkghttp.GatewayClientConfig(), 0)
		return provider.NewClient(provider.NewConfig(cfg), httpClient, logger), nil
	case config.ProviderStripe:
		return stripe.NewGateway(cfg, logger), nil
	case config.ProviderSandbox:
		logger.Warn("Using sandbox refund gateway - no money moves")
		return sandbox.NewGateway(), nil
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", cfg.Provider)
	}
}

func newGRPCServer(logger *zap.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			middleware.RecoveryInterceptor(logger),
			observability.UnaryServerInterceptor(),
			middleware.LoggingInterceptor(logger),
		),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)

	return server, healthServer
}
