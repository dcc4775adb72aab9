package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/serviceflow/config"
	"github.com/BaSui01/serviceflow/discovery"
	"github.com/BaSui01/serviceflow/internal/metrics"
	"github.com/BaSui01/serviceflow/internal/server"
	"github.com/BaSui01/serviceflow/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 ServiceFlow 发现节点的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 发现组件
	registry        *discovery.ServiceRegistry
	discoveryServer *discovery.Server
	watcher         *discovery.ServiceDiscovery
	snapshotStore   discovery.SnapshotStore

	// 指标收集器
	metricsCollector *metrics.Collector

	// 事件订阅的取消函数
	unsubscribeRegistry func()
	unsubscribeWatcher  func()
	unsubscribePoll     func()

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("serviceflow", nil, s.logger)

	// 2. 初始化发现组件
	if err := s.initDiscovery(); err != nil {
		return fmt.Errorf("failed to init discovery: %w", err)
	}

	// 3. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 4. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("auto_refresh", s.cfg.Discovery.AutoRefresh),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initDiscovery 初始化注册表、发现服务端和远程轮询器
func (s *Server) initDiscovery() error {
	endpoints := s.cfg.DiscoveryEndpoints()

	// 本地注册表
	registryConfig := discovery.DefaultRegistryConfig()
	registryConfig.Endpoints = endpoints
	registryConfig.DiscoverTimeout = s.cfg.Registry.DiscoverTimeout
	registryConfig.HealthTimeout = s.cfg.Registry.HealthTimeout
	s.registry = discovery.NewServiceRegistry(registryConfig, s.logger)

	// 注册表变更事件 → 指标
	s.unsubscribeRegistry = s.registry.OnServiceChange(func(event discovery.ChangeEvent) {
		s.metricsCollector.RecordChangeEvent(string(event.Type))
		s.metricsCollector.SetRegisteredServices(len(s.registry.ListServices()))
	})

	// 发现协议服务端
	serverConfig := discovery.DefaultServerConfig()
	if s.cfg.Server.AnnouncementTTL > 0 {
		serverConfig.AnnouncementTTL = s.cfg.Server.AnnouncementTTL
	}
	serverConfig.HealthTimeout = s.cfg.Registry.HealthTimeout
	s.discoveryServer = discovery.NewServer(s.registry, serverConfig, s.logger)
	s.discoveryServer.Start()

	// 快照存储：Redis 优先，失败回退进程内存
	s.snapshotStore = s.openSnapshotStore()

	// 远程轮询器
	discoveryConfig := discovery.DefaultDiscoveryConfig()
	discoveryConfig.Endpoints = endpoints
	discoveryConfig.RefreshInterval = s.cfg.Discovery.RefreshInterval
	discoveryConfig.RequestTimeout = s.cfg.Discovery.RequestTimeout
	discoveryConfig.RetryAttempts = s.cfg.Discovery.RetryAttempts
	discoveryConfig.RetryDelay = s.cfg.Discovery.RetryDelay
	if s.cfg.Discovery.SnapshotKey != "" {
		discoveryConfig.SnapshotKey = s.cfg.Discovery.SnapshotKey
	}
	s.watcher = discovery.NewServiceDiscovery(discoveryConfig, s.snapshotStore, s.logger)

	// 轮询变更事件 → 指标
	s.unsubscribeWatcher = s.watcher.WatchChanges(func(events []discovery.ChangeEvent) {
		for _, event := range events {
			s.metricsCollector.RecordChangeEvent(string(event.Type))
		}
		s.metricsCollector.SetDiscoveredServices(len(s.watcher.GetDiscoveredServices()))
	})

	// 每个端点的轮询结果 → 指标（含被端点隔离吞掉的失败）
	s.unsubscribePoll = s.watcher.OnPoll(func(result discovery.PollResult) {
		s.metricsCollector.RecordPoll(result.Endpoint, pollStatus(result.Err), result.Duration)
	})

	// 有对端节点时才启动自动刷新
	if s.cfg.Discovery.AutoRefresh && len(endpoints) > 0 {
		s.watcher.StartAutoRefresh()
		s.logger.Info("Auto refresh started",
			zap.Strings("endpoints", endpoints),
			zap.Duration("interval", discoveryConfig.RefreshInterval),
		)
	}

	s.logger.Info("Discovery components initialized",
		zap.Int("remote_endpoints", len(endpoints)))
	return nil
}

// openSnapshotStore 根据配置打开快照存储
func (s *Server) openSnapshotStore() discovery.SnapshotStore {
	if s.cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		store, err := discovery.NewRedisSnapshotStore(ctx, discovery.RedisSnapshotConfig{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
			TTL:      s.cfg.Redis.SnapshotTTL,
		}, s.logger)
		if err != nil {
			s.logger.Warn("Redis snapshot store unavailable, falling back to in-memory",
				zap.String("addr", s.cfg.Redis.Addr),
				zap.Error(err))
		} else {
			s.logger.Info("Redis snapshot store connected", zap.String("addr", s.cfg.Redis.Addr))
			return store
		}
	}
	return discovery.NewMemorySnapshotStore(s.cfg.Redis.SnapshotTTL)
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动发现协议 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.handleVersion)

	// ========================================
	// 发现协议路由（/discover、/register、/watch）
	// ========================================
	mux.Handle("/", s.discoveryServer.Handler())

	// ========================================
	// 构建中间件链
	// ========================================
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		OTelTracing(),
		MetricsMiddleware(s.metricsCollector),
	)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.FromServerConfig(s.cfg.Server.HTTPPort, s.cfg.Server)

	s.httpManager = server.NewManager("discovery", handler, serverConfig, s.logger)

	// 启动服务器（非阻塞），按配置选择 HTTP/HTTPS
	if s.cfg.Server.TLSEnabled {
		if err := s.httpManager.StartTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile); err != nil {
			return err
		}
	} else {
		if err := s.httpManager.Start(); err != nil {
			return err
		}
	}

	s.logger.Info("HTTP server started",
		zap.Int("port", s.cfg.Server.HTTPPort),
		zap.Bool("tls", s.cfg.Server.TLSEnabled),
	)
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.FromServerConfig(s.cfg.Server.MetricsPort, s.cfg.Server)

	s.metricsManager = server.NewManager("metrics", mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🏥 健康检查 Handlers
// =============================================================================

// pollStatus 将轮询错误映射为指标状态标签
func pollStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// handleHealth 返回节点健康状态和注册/发现统计。对本地服务执行一轮
// 实时健康检查，结果同时写入指标。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	registered := 0
	discovered := 0
	healthy := 0
	if s.registry != nil {
		registered = len(s.registry.ListServices())
		for _, h := range s.registry.GetHealthStatus(r.Context()) {
			if s.metricsCollector != nil {
				s.metricsCollector.RecordHealthCheck(string(h.Status))
			}
			if h.Status == discovery.HealthHealthy {
				healthy++
			}
		}
	}
	if s.watcher != nil {
		discovered = len(s.watcher.GetDiscoveredServices())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":              "ok",
		"registered_services": registered,
		"healthy_services":    healthy,
		"discovered_services": discovered,
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealthz 存活探针，始终 200
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// handleReady 就绪探针：HTTP 服务器运行即就绪
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.httpManager == nil || !s.httpManager.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ready")
}

// handleVersion 返回构建版本信息
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 停止远程轮询
	if s.watcher != nil {
		s.watcher.StopAutoRefresh()
	}
	if s.unsubscribeWatcher != nil {
		s.unsubscribeWatcher()
	}
	if s.unsubscribePoll != nil {
		s.unsubscribePoll()
	}

	// 2. 停止发现服务端的公告清理循环
	if s.discoveryServer != nil {
		s.discoveryServer.Stop()
	}

	// 3. 关闭本地注册表（关闭所有托管服务）
	if s.unsubscribeRegistry != nil {
		s.unsubscribeRegistry()
	}
	if s.registry != nil {
		if err := s.registry.Shutdown(ctx); err != nil {
			s.logger.Error("Registry shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭快照存储
	if s.snapshotStore != nil {
		if err := s.snapshotStore.Close(); err != nil {
			s.logger.Error("Snapshot store close error", zap.Error(err))
		}
	}

	// 5. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 6. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 7. 刷新遥测数据
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	// 8. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
