package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/tenantflow/api/handlers"
	"github.com/BaSui01/tenantflow/cache"
	"github.com/BaSui01/tenantflow/config"
	"github.com/BaSui01/tenantflow/internal/alerting"
	"github.com/BaSui01/tenantflow/internal/database"
	"github.com/BaSui01/tenantflow/internal/metrics"
	"github.com/BaSui01/tenantflow/internal/server"
	"github.com/BaSui01/tenantflow/internal/telemetry"
	"github.com/BaSui01/tenantflow/usage"
)

// Server owns every long-lived component of the tenantflow service and
// controls their startup and shutdown order.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	httpManager    *server.Manager
	metricsManager *server.Manager

	collector *metrics.Collector

	remote *cache.RemoteTier
	cache  *cache.HierarchicalCache

	pool       *database.Pool
	store      *usage.GormStore
	queue      *usage.Queue
	tracker    *usage.Tracker
	worker     *usage.Worker
	quota      *usage.QuotaChecker
	reconciler *usage.Reconciler
	alerter    *alerting.Alerter

	healthHandler *handlers.HealthHandler
	usageHandler  *handlers.UsageHandler
	cacheHandler  *handlers.CacheAdminHandler

	// bgCtx governs the worker, reconciler, and rate limiter goroutines.
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewServer creates an unstarted server instance.
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
	}
}

// Start brings up the full pipeline: cache tiers, durable store, usage
// accounting, reconciliation, and finally the HTTP and metrics servers.
func (s *Server) Start() error {
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.collector = metrics.NewCollector("tenantflow", nil, s.logger)

	if err := s.initCache(); err != nil {
		return fmt.Errorf("failed to init cache: %w", err)
	}

	if err := s.initUsagePipeline(); err != nil {
		return fmt.Errorf("failed to init usage pipeline: %w", err)
	}

	s.initHandlers()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	return nil
}

func (s *Server) initCache() error {
	remote, err := cache.NewRemoteTier(s.cfg.Redis.RemoteConfig(), s.logger)
	if err != nil {
		return fmt.Errorf("remote tier: %w", err)
	}
	s.remote = remote
	s.cache = cache.New(remote, s.cfg.Cache, s.collector, s.logger)

	s.logger.Info("Cache initialized", zap.String("redis_addr", s.cfg.Redis.Addr))
	return nil
}

func (s *Server) initUsagePipeline() error {
	db, err := database.Open(s.cfg.Database.Driver, s.cfg.Database.DSN(), s.logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	poolCfg := database.DefaultPoolConfig()
	if s.cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = s.cfg.Database.MaxOpenConns
	}
	if s.cfg.Database.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = s.cfg.Database.MaxIdleConns
	}
	if s.cfg.Database.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = s.cfg.Database.ConnMaxLifetime
	}

	pool, err := database.NewPool(db, poolCfg, s.logger)
	if err != nil {
		return fmt.Errorf("database pool: %w", err)
	}
	s.pool = pool

	s.store = usage.NewGormStore(pool.DB(), s.logger)
	s.queue = usage.NewQueue(s.cfg.Usage.QueueCapacity)
	s.alerter = alerting.NewAlerter(s.logger)

	resolver := usage.NewAttributionResolver(s.cache, s.store, s.collector, s.logger)
	s.tracker = usage.NewTracker(s.cfg.Usage, s.cache, s.queue, resolver, s.collector, s.logger)
	s.quota = usage.NewQuotaChecker(s.cache, s.store, s.logger)

	s.worker = usage.NewWorker(s.cfg.Usage, s.queue, s.store, s.collector, s.logger)
	s.worker.Start(s.bgCtx)

	s.reconciler = usage.NewReconciler(s.cfg.Reconciler, s.cache, s.store, s.queue, s.alerter, s.collector, s.logger)
	s.reconciler.Start(s.bgCtx)

	s.logger.Info("Usage pipeline initialized",
		zap.String("db_driver", s.cfg.Database.Driver),
		zap.Int("queue_capacity", s.cfg.Usage.QueueCapacity),
	)
	return nil
}

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.remote.Ping))

	s.usageHandler = handlers.NewUsageHandler(s.tracker, s.quota, s.logger)
	s.cacheHandler = handlers.NewCacheAdminHandler(s.cache, s.logger)
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /api/v1/usage/records", s.usageHandler.HandleRecord)
	mux.HandleFunc("GET /api/v1/usage/current", s.usageHandler.HandleCurrentUsage)
	mux.HandleFunc("POST /api/v1/usage/quota/check", s.usageHandler.HandleQuotaCheck)
	mux.HandleFunc("DELETE /api/v1/cache/tenants/{tenant}", s.cacheHandler.HandleInvalidateTenant)

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
		ScopeExtractor(),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			TenantRateLimiter(s.bgCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	handler := Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until a termination signal arrives, then tears
// everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops components in dependency order: ingress first, then the
// accounting pipeline (so the worker can drain parked records), then
// connections and telemetry.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if s.reconciler != nil {
		s.reconciler.Stop()
	}

	if s.worker != nil {
		s.worker.Stop()
	}

	if s.bgCancel != nil {
		s.bgCancel()
	}

	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database pool close error", zap.Error(err))
		}
	}

	if s.remote != nil {
		if err := s.remote.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}

	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
