package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-relay/internal/config"
)

// Manager 监控组件管理器
// 实现 ComponentManager 接口，内部指标始终可用，外部 Prometheus 端点可选
type Manager struct {
	config         *config.MetricsConfig
	metrics        Metrics
	relayMetrics   *RelayMetrics
	externalServer *http.Server
	externalAddr   string
	logger         *logrus.Entry
	running        bool
	externalUp     bool
	startTime      time.Time
	mutex          sync.RWMutex
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewManager 创建新的监控管理器
func NewManager(ctx context.Context, cfg *config.MetricsConfig) (*Manager, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}

	if cfg == nil {
		return nil, fmt.Errorf("metrics config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metrics config: %w", err)
	}

	metrics := NewMetrics(Options{RuntimeCollectors: cfg.EnableRuntimeCollectors})

	relayMetrics, err := NewRelayMetrics(metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay metrics: %w", err)
	}

	childCtx, cancel := context.WithCancel(ctx)

	return &Manager{
		config:       cfg,
		metrics:      metrics,
		relayMetrics: relayMetrics,
		logger:       config.GetLoggerWithPrefix("metrics"),
		ctx:          childCtx,
		cancel:       cancel,
	}, nil
}

// Start 启动监控管理器
func (m *Manager) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.running {
		return ErrServerAlreadyRunning
	}

	m.logger.Debug("Starting metrics manager...")

	if m.config.External.Enabled {
		if err := m.startExternalServer(); err != nil {
			// 外部端点失败不影响内部监控
			m.logger.Warnf("Failed to start external metrics server: %v", err)
		}
	} else {
		m.logger.Debug("External metrics disabled, only internal metrics will be available")
	}

	m.running = true
	m.startTime = time.Now()
	m.logger.Info("Metrics manager started")
	return nil
}

// startExternalServer 启动外部 Prometheus 端点
func (m *Manager) startExternalServer() error {
	addr := fmt.Sprintf("%s:%d", m.config.External.Host, m.config.External.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	router := http.NewServeMux()
	router.Handle(m.config.External.Path, m.metrics.Handler())

	m.externalServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          config.GetStandardLoggerWithPrefix("metrics-http"),
	}
	m.externalAddr = listener.Addr().String()
	m.externalUp = true

	go func(server *http.Server) {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Errorf("External metrics server error: %v", err)
		}
	}(m.externalServer)

	m.logger.Infof("External metrics server listening on %s%s", m.externalAddr, m.config.External.Path)
	return nil
}

// Stop 停止监控管理器
func (m *Manager) Stop(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.running {
		return nil
	}

	m.logger.Debug("Stopping metrics manager...")

	if m.cancel != nil {
		m.cancel()
	}

	var err error
	if m.externalUp && m.externalServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if shutdownErr := m.externalServer.Shutdown(shutdownCtx); shutdownErr != nil {
			err = fmt.Errorf("failed to stop external metrics server: %w", shutdownErr)
		}
		m.externalUp = false
	}

	m.running = false
	m.logger.Info("Metrics manager stopped")
	return err
}

// IsEnabled 监控组件始终启用
func (m *Manager) IsEnabled() bool {
	return true
}

// IsRunning 检查监控管理器是否正在运行
func (m *Manager) IsRunning() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.running
}

// IsExternalRunning 检查外部metrics服务器是否正在运行
func (m *Manager) IsExternalRunning() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.externalUp
}

// ExternalAddr 外部端点实际监听地址
func (m *Manager) ExternalAddr() string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.externalAddr
}

// GetStats 获取监控管理器的统计信息
func (m *Manager) GetStats() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := map[string]interface{}{
		"running":          m.running,
		"external_enabled": m.config.External.Enabled,
		"external_running": m.externalUp,
		"relay":            m.relayMetrics.Snapshot(),
	}

	if m.running {
		stats["start_time"] = m.startTime.Unix()
		stats["uptime"] = time.Since(m.startTime).Seconds()
	}

	if m.externalUp {
		stats["external_endpoint"] = m.config.GetExternalEndpoint()
	}

	return stats
}

// GetContext 获取组件的上下文
func (m *Manager) GetContext() context.Context {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.ctx
}

// SetupRoutes 设置监控相关的HTTP路由
func (m *Manager) SetupRoutes(router *mux.Router) error {
	handler := NewStatusHandler(m)

	metricsRouter := router.PathPrefix("/api/metrics").Subrouter()
	metricsRouter.HandleFunc("/status", handler.handleStatus).Methods("GET")
	metricsRouter.HandleFunc("/relay", handler.handleRelay).Methods("GET")
	metricsRouter.HandleFunc("/runtime", handler.handleRuntime).Methods("GET")

	m.logger.Debug("Metrics routes registered")
	return nil
}

// GetMetrics 获取监控实例
func (m *Manager) GetMetrics() Metrics {
	return m.metrics
}

// GetRelayMetrics 获取中继指标
func (m *Manager) GetRelayMetrics() *RelayMetrics {
	return m.relayMetrics
}
