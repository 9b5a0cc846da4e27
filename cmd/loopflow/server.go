package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BaSui01/loopflow/agent/invoker"
	"github.com/BaSui01/loopflow/api/handlers"
	"github.com/BaSui01/loopflow/config"
	"github.com/BaSui01/loopflow/internal/cache"
	"github.com/BaSui01/loopflow/internal/database"
	"github.com/BaSui01/loopflow/internal/metrics"
	"github.com/BaSui01/loopflow/internal/retry"
	"github.com/BaSui01/loopflow/internal/server"
	"github.com/BaSui01/loopflow/internal/telemetry"
	"github.com/BaSui01/loopflow/workflow"
	"github.com/BaSui01/loopflow/workflow/persistence"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 LoopFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	// 指标收集器与 /metrics 处理器
	collector      *metrics.Collector
	metricsHandler http.Handler

	// 基础设施
	db    *database.PoolManager
	cache *cache.Manager

	// 存储
	definitions persistence.DefinitionStore
	history     persistence.RunRecordStore
	archive     persistence.LoopArchive

	// 引擎
	runs *workflow.RunManager

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	healthHandler *handlers.HealthHandler

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例，指标注册到 Prometheus 默认注册表
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return newServer(cfg, logger, otel, metrics.NewCollector("loopflow", logger), promhttp.Handler())
}

func newServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers, collector *metrics.Collector, metricsHandler http.Handler) *Server {
	return &Server{
		cfg:            cfg,
		logger:         logger,
		otel:           otel,
		collector:      collector,
		metricsHandler: metricsHandler,
		healthHandler:  handlers.NewHealthHandler(logger),
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务。失败时已打开的资源会被释放。
func (s *Server) Start(ctx context.Context) error {
	// 1. 存储
	if err := s.initStores(ctx); err != nil {
		s.closeResources()
		return fmt.Errorf("failed to init stores: %w", err)
	}

	// 2. 引擎
	s.initEngine()

	// 3. 导入工作流定义
	if err := s.importWorkflows(ctx); err != nil {
		s.closeResources()
		return fmt.Errorf("failed to import workflows: %w", err)
	}

	// 4. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		s.closeResources()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 5. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		_ = s.metricsManager.Shutdown(ctx)
		s.closeResources()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.registerShutdownHooks()

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.metricsManager.Addr()),
		zap.Bool("database", s.db != nil),
		zap.Bool("redis", s.cache != nil),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initStores 打开数据库与 Redis，未启用时使用内存实现
func (s *Server) initStores(ctx context.Context) error {
	s.definitions = persistence.NewMemoryDefinitionStore()
	s.archive = persistence.NewMemoryLoopArchive()

	if s.cfg.Database.Enabled {
		pm, err := database.Open(s.cfg.Database, s.logger, database.WithStatsRecorder(s.collector))
		if err != nil {
			return err
		}
		s.db = pm

		store := persistence.NewGormStore(pm.DB())
		if s.cfg.Database.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("auto-migrate: %w", err)
			}
		}
		s.definitions = store
		s.history = store
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", pm.Ping))
		s.logger.Info("Database connected", zap.String("driver", s.cfg.Database.Driver))
	}

	if s.cfg.Redis.Enabled {
		cacheCfg := cache.ConfigFrom(s.cfg.Redis)
		cm, err := cache.NewManager(cacheCfg, s.logger)
		if err != nil {
			return err
		}
		s.cache = cm

		s.archive = persistence.NewRedisLoopArchive(cm.Client(), cacheCfg.KeyPrefix, s.cfg.Redis.ArchiveTTL)
		s.definitions = persistence.NewCachedDefinitionStore(s.definitions, cm, 0, s.logger)
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", cm.Ping))
		s.logger.Info("Redis connected", zap.String("addr", cacheCfg.Addr))
	}
	return nil
}

// initEngine 组装执行器与运行管理器
func (s *Server) initEngine() {
	execs := workflow.DefaultExecutors(
		buildInvoker(s.cfg.Agent, s.collector, s.logger),
		workflow.NewFunctionRegistry(),
		workflow.NewToolRegistry(),
	)

	var sink workflow.Metrics = s.collector
	if s.otel.Enabled() {
		em, err := telemetry.NewEngineMetrics(s.otel.MeterProvider())
		if err != nil {
			s.logger.Warn("otel engine metrics unavailable", zap.Error(err))
		} else {
			sink = workflow.MultiMetrics(s.collector, em)
		}
	}

	opts := []workflow.RunManagerOption{
		workflow.WithManagerLogger(s.logger),
		workflow.WithManagerMetrics(sink),
		workflow.WithLoopArchive(s.archive),
	}
	if s.history != nil {
		opts = append(opts, workflow.WithRunStore(s.history))
	}
	s.runs = workflow.NewRunManager(execs, engineConfig(s.cfg.Engine), opts...)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("engine", s.runs.Ping))
}

// importWorkflows 将 engine.workflow_dir 中的定义写入定义存储
func (s *Server) importWorkflows(ctx context.Context) error {
	dir := s.cfg.Engine.WorkflowDir
	if dir == "" {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	imported := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}

		path := filepath.Join(dir, entry.Name())
		def, err := workflow.LoadDefinitionFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := s.definitions.SaveDefinition(ctx, def); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		imported++
	}

	s.logger.Info("Workflow definitions imported", zap.String("dir", dir), zap.Int("count", imported))
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册所有 API 路由
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 运行 API
	runOpts := []handlers.RunHandlerOption{
		handlers.WithDefinitions(s.definitions),
		handlers.WithLoopHistory(s.archive),
		handlers.WithAllowedOrigins(s.cfg.Server.AllowedOrigins),
	}
	if s.history != nil {
		runOpts = append(runOpts, handlers.WithRunHistory(s.history))
	}
	handlers.NewRunHandler(s.runs, s.logger, runOpts...).Register(mux)

	// 工作流定义 API
	handlers.NewWorkflowHandler(s.definitions, s.logger).Register(mux)

	return mux
}

// startHTTPServer 启动 API 服务器
func (s *Server) startHTTPServer() error {
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.AllowedOrigins),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = rateLimiterCancel
		middlewares = append(middlewares, RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	// MetricsMiddleware 必须在最内层，才能读取路由模式
	middlewares = append(middlewares, MetricsMiddleware(s.collector))

	handler := Chain(s.routes(), middlewares...)

	s.httpManager = server.NewManager(handler, server.ConfigFrom("api", s.cfg.Server.HTTPPort, s.cfg.Server), s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metricsHandler)

	s.metricsManager = server.NewManager(mux, server.ConfigFrom("metrics", s.cfg.Server.MetricsPort, s.cfg.Server), s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// registerShutdownHooks 按依赖顺序注册清理动作，关闭时逆序执行：
// 限流清理 → Metrics 服务器 → 运行管理器 → 数据库 → Redis → 遥测
func (s *Server) registerShutdownHooks() {
	s.httpManager.OnShutdown("telemetry", s.otel.Shutdown)
	if s.cache != nil {
		s.httpManager.OnShutdown("redis", func(context.Context) error { return s.cache.Close() })
	}
	if s.db != nil {
		s.httpManager.OnShutdown("database", func(context.Context) error { return s.db.Close() })
	}
	s.httpManager.OnShutdown("run_manager", s.runs.Shutdown)
	s.httpManager.OnShutdown("metrics_server", s.metricsManager.Shutdown)
	if s.rateLimiterCancel != nil {
		s.httpManager.OnShutdown("rate_limiter", func(context.Context) error {
			s.rateLimiterCancel()
			return nil
		})
	}
}

// closeResources 释放启动失败前已打开的连接
func (s *Server) closeResources() {
	var errs []error
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("failed to release resources", zap.Error(err))
	}
}

// WaitForShutdown 阻塞直到收到信号或 ctx 结束，然后优雅关闭
func (s *Server) WaitForShutdown(ctx context.Context) error {
	s.logger.Info("Waiting for shutdown signal")
	err := s.httpManager.WaitForShutdown(ctx)
	s.logger.Info("Graceful shutdown completed")
	return err
}

// Shutdown 立即优雅关闭所有服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpManager.Shutdown(ctx)
}

// =============================================================================
// 🔌 组件装配
// =============================================================================

// buildInvoker 组装 Agent 调用链：HTTP → 指标 → 熔断 → 重试。
// 未配置 endpoint 时返回 nil，agent 节点会以配置错误失败。
func buildInvoker(cfg config.AgentConfig, collector *metrics.Collector, logger *zap.Logger) invoker.Invoker {
	if cfg.Endpoint == "" {
		return nil
	}

	var inv invoker.Invoker = invoker.NewHTTPInvoker(invoker.HTTPConfig{
		Endpoint:  cfg.Endpoint,
		APIKey:    cfg.APIKey,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	}, logger)

	if collector != nil {
		inv = collector.InstrumentInvoker(inv)
	}

	if cb := cfg.CircuitBreaker; cb.Enabled {
		bc := invoker.DefaultBreakerConfig()
		if cb.FailureThreshold > 0 {
			bc.FailureThreshold = cb.FailureThreshold
		}
		if cb.RecoveryTimeout > 0 {
			bc.RecoveryTimeout = cb.RecoveryTimeout
		}
		if cb.SuccessThreshold > 0 {
			bc.SuccessThreshold = cb.SuccessThreshold
		}
		inv = invoker.NewBreakerInvoker(inv, bc, logger)
	}

	if rc := cfg.Retry; rc.MaxRetries > 0 {
		policy := retry.Policy{
			MaxRetries:   rc.MaxRetries,
			InitialDelay: rc.InitialDelay,
			MaxDelay:     rc.MaxDelay,
			Multiplier:   rc.Multiplier,
			Jitter:       rc.Jitter,
		}
		if collector != nil {
			policy.OnRetry = func(int, error, time.Duration) { collector.RecordAgentRetry() }
		}
		inv = invoker.NewRetryingInvoker(inv, policy, logger)
	}

	return inv
}

// engineConfig 将配置映射为引擎参数，零值由引擎补默认值
func engineConfig(c config.EngineConfig) workflow.EngineConfig {
	ec := workflow.EngineConfig{
		MaxIterations:        c.MaxIterations,
		ConvergenceThreshold: c.ConvergenceThreshold,
		OscillationLow:       c.OscillationLow,
		StopOnOscillation:    c.StopOnOscillation,
		FailurePolicy:        workflow.FailurePolicy(c.FailurePolicy),
		MaxConcurrency:       c.MaxConcurrency,
		EventBuffer:          c.EventBuffer,
		MaxLogEntries:        c.MaxLogEntries,
		RunRetention:         c.RunRetention,
		MaxRetainedRuns:      c.MaxRetainedRuns,
	}
	if c.LoopTimeout > 0 {
		timeout := c.LoopTimeout
		ec.LoopTimeout = &timeout
	}
	return ec
}
