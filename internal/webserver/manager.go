package webserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-relay/internal/config"
)

// Manager webserver组件管理器
// 管理HTTP服务器的监听与优雅关闭
type Manager struct {
	config    *config.WebServerConfig
	server    *http.Server
	webServer *WebServer
	listener  net.Listener
	logger    *logrus.Entry
	running   bool
	startTime time.Time
	mutex     sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	serveErr  chan error
}

// NewManager 创建新的webserver管理器
func NewManager(ctx context.Context, cfg *config.WebServerConfig) (*Manager, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}

	if cfg == nil {
		return nil, fmt.Errorf("webserver config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid webserver config: %w", err)
	}

	webServer, err := NewWebServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create webserver: %w", err)
	}

	childCtx, cancel := context.WithCancel(ctx)

	return &Manager{
		config:    cfg,
		webServer: webServer,
		logger:    config.GetLoggerWithPrefix("webserver"),
		ctx:       childCtx,
		cancel:    cancel,
	}, nil
}

// Start 启动HTTP服务器，监听失败时同步返回错误
func (m *Manager) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.running {
		return fmt.Errorf("webserver manager already running")
	}

	handler, err := m.webServer.GetHandler()
	if err != nil {
		return fmt.Errorf("failed to setup routes: %w", err)
	}

	listener, err := net.Listen("tcp", m.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr(), err)
	}

	if m.config.EnableTLS {
		cert, err := tls.LoadX509KeyPair(m.config.TLS.CertFile, m.config.TLS.KeyFile)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	m.server = &http.Server{
		Handler:     handler,
		ReadTimeout: m.config.ReadTimeout,
		IdleTimeout: m.config.IdleTimeout,
		ErrorLog:    config.GetStandardLoggerWithPrefix("webserver-http"),
		BaseContext: func(net.Listener) context.Context { return m.ctx },
	}
	m.listener = listener
	m.serveErr = make(chan error, 1)

	go func(server *http.Server, l net.Listener, errCh chan<- error) {
		err := server.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Errorf("Webserver error: %v", err)
			errCh <- err
		}
		close(errCh)
	}(m.server, listener, m.serveErr)

	m.running = true
	m.startTime = time.Now()
	m.webServer.setRunning(true)

	m.logger.Infof("Webserver listening on %s", m.GetAddress())
	return nil
}

// Stop 优雅关闭HTTP服务器，超时后强制关闭
func (m *Manager) Stop(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.running {
		return nil
	}

	m.logger.Debug("Stopping webserver...")

	if m.cancel != nil {
		m.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Warnf("Graceful shutdown failed, forcing close: %v", err)
		if closeErr := m.server.Close(); closeErr != nil {
			m.logger.Errorf("Error during server force close: %v", closeErr)
		}
	}

	m.running = false
	m.webServer.setRunning(false)
	m.logger.Info("Webserver stopped")
	return nil
}

// IsEnabled webserver是核心组件，始终启用
func (m *Manager) IsEnabled() bool {
	return true
}

// IsRunning 检查webserver管理器是否正在运行
func (m *Manager) IsRunning() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.running
}

// GetStats 获取webserver管理器的统计信息
func (m *Manager) GetStats() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := map[string]interface{}{
		"running":      m.running,
		"address":      m.config.Addr(),
		"tls_enabled":  m.config.EnableTLS,
		"cors_enabled": m.config.EnableCORS,
		"components":   m.webServer.ListComponents(),
	}
	if m.running {
		stats["start_time"] = m.startTime.Unix()
		stats["uptime"] = time.Since(m.startTime).Seconds()
	}

	return stats
}

// GetContext 获取组件的上下文
func (m *Manager) GetContext() context.Context {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.ctx
}

// GetWebServer 获取webserver实例
func (m *Manager) GetWebServer() *WebServer {
	return m.webServer
}

// RegisterComponent 向webserver注册组件
func (m *Manager) RegisterComponent(name string, component ComponentManager) error {
	return m.webServer.RegisterComponent(name, component)
}

// Errors 服务器异常退出时收到错误，正常关闭时通道被关闭
func (m *Manager) Errors() <-chan error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.serveErr
}

// ListenAddr 实际监听地址，端口为 0 时可获得系统分配的端口
func (m *Manager) ListenAddr() string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// GetAddress 获取服务器地址
func (m *Manager) GetAddress() string {
	protocol := "http"
	if m.config.EnableTLS {
		protocol = "https"
	}
	addr := m.config.Addr()
	if m.listener != nil {
		addr = m.listener.Addr().String()
	}
	return fmt.Sprintf("%s://%s", protocol, addr)
}
