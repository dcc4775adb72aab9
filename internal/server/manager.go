package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/BaSui01/serviceflow/config"

	"go.uber.org/zap"
)

// =============================================================================
// 🌐 发现节点监听器管理
// =============================================================================
// 一个发现节点运行多个命名监听器（发现协议、metrics），每个监听器
// 由一个 Manager 管理：绑定、服务、优雅关闭与异步错误传播。
// =============================================================================

// 监听器生命周期状态
const (
	stateNew = iota // 已创建，未绑定
	stateRunning
	stateClosed
)

// Manager 管理一个命名 HTTP 监听器的完整生命周期
type Manager struct {
	name     string
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger

	mu    sync.RWMutex
	state int
}

// Config 单个监听器的配置
type Config struct {
	// 监听地址
	Addr string `yaml:"addr" json:"addr"`

	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// 最大请求头大小
	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认监听器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: 30 * time.Second,
	}
}

// FromServerConfig 由应用级 server 配置段派生指定端口的监听器配置。
// 未设置的超时保留默认值；空闲超时取读取超时的两倍。
func FromServerConfig(port int, sc config.ServerConfig) Config {
	cfg := DefaultConfig()
	cfg.Addr = fmt.Sprintf(":%d", port)
	if sc.ReadTimeout > 0 {
		cfg.ReadTimeout = sc.ReadTimeout
		cfg.IdleTimeout = 2 * sc.ReadTimeout
	}
	if sc.WriteTimeout > 0 {
		cfg.WriteTimeout = sc.WriteTimeout
	}
	if sc.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = sc.ShutdownTimeout
	}
	return cfg
}

// NewManager 创建命名监听器管理器。name 出现在所有日志字段与错误信息中，
// 用于区分同一节点上的多个监听器。
func NewManager(name string, handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		name: name,
		server: &http.Server{
			Addr:           cfg.Addr,
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		},
		errCh:  make(chan error, 1),
		config: cfg,
		logger: logger.With(zap.String("listener", name)),
	}
}

// =============================================================================
// 🎯 生命周期
// =============================================================================

// Start 绑定端口并开始服务（非阻塞）
func (m *Manager) Start() error {
	listener, err := m.bind()
	if err != nil {
		return err
	}

	m.logger.Info("listener started", zap.String("addr", listener.Addr().String()))

	go m.run(func() error { return m.server.Serve(listener) })
	return nil
}

// StartTLS 绑定端口并以 TLS 方式开始服务（非阻塞）
func (m *Manager) StartTLS(certFile, keyFile string) error {
	listener, err := m.bind()
	if err != nil {
		return err
	}

	m.logger.Info("TLS listener started",
		zap.String("addr", listener.Addr().String()),
		zap.String("cert", certFile),
	)

	go m.run(func() error { return m.server.ServeTLS(listener, certFile, keyFile) })
	return nil
}

// bind 绑定监听端口并推进状态机，只允许从 stateNew 进入 stateRunning
func (m *Manager) bind() (net.Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateRunning:
		return nil, fmt.Errorf("listener %q already started", m.name)
	case stateClosed:
		return nil, fmt.Errorf("listener %q is closed", m.name)
	}

	listener, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("listener %q: listen on %s: %w", m.name, m.config.Addr, err)
	}

	m.listener = listener
	m.state = stateRunning
	return listener, nil
}

// run 运行服务循环，异常退出时将错误送入 errCh（不阻塞）
func (m *Manager) run(serve func() error) {
	if err := serve(); err != nil && err != http.ErrServerClosed {
		m.logger.Error("listener failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Shutdown 在配置的超时内排空连接并关闭监听器，重复调用为空操作
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == stateClosed {
		return nil
	}
	m.state = stateClosed

	if m.listener == nil {
		// 未曾启动，没有连接可排空
		return nil
	}

	m.logger.Info("draining listener")

	shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("listener drain failed", zap.Error(err))
		return fmt.Errorf("listener %q: shutdown: %w", m.name, err)
	}

	m.listener = nil
	m.logger.Info("listener stopped")
	return nil
}

// WaitForShutdown 阻塞直到收到 SIGINT/SIGTERM 或服务循环异常退出，
// 然后触发优雅关闭
func (m *Manager) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		m.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-m.errCh:
		if err != nil {
			m.logger.Error("listener exited unexpectedly", zap.Error(err))
		}
	}

	if err := m.Shutdown(context.Background()); err != nil {
		m.logger.Error("shutdown error", zap.Error(err))
	}
}

// Errors 返回异步服务错误通道
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// =============================================================================
// 🔧 状态查询
// =============================================================================

// Name 返回监听器名称
func (m *Manager) Name() string {
	return m.name
}

// BoundAddr 返回实际绑定的监听地址。使用 ":0" 配置时返回内核分配的
// 端口；尚未启动时返回配置地址。
func (m *Manager) BoundAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 返回监听器是否正在服务
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == stateRunning
}
