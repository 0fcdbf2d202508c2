package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-relay/internal/codec"
	"github.com/open-beagle/bdwind-relay/internal/config"
	"github.com/open-beagle/bdwind-relay/internal/metrics"
	"github.com/open-beagle/bdwind-relay/internal/transform"
)

// Hub 帧中继服务
// 实现 ComponentManager 接口，持有会话注册表与当前处理流水线
type Hub struct {
	config     *config.RelayConfig
	transforms *transform.Registry
	metrics    *metrics.RelayMetrics
	upgrader   websocket.Upgrader
	logger     *logrus.Entry

	pipeline   atomic.Pointer[Pipeline]
	dropPolicy atomic.Value

	sessions map[string]*Session
	mutex    sync.RWMutex
	wg       sync.WaitGroup

	running   bool
	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewHub 创建帧中继服务
// transforms 为空时使用默认注册表，relayMetrics 可为空
func NewHub(ctx context.Context, cfg *config.RelayConfig, transforms *transform.Registry, relayMetrics *metrics.RelayMetrics) (*Hub, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("relay config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}
	if transforms == nil {
		transforms = transform.DefaultRegistry()
	}

	// 会话只读取副本，热更新不修改它
	cfgCopy := *cfg
	cfgCopy.LegacyPaths = append([]string(nil), cfg.LegacyPaths...)

	childCtx, cancel := context.WithCancel(ctx)

	h := &Hub{
		config:     &cfgCopy,
		transforms: transforms,
		metrics:    relayMetrics,
		logger:     config.GetLoggerWithPrefix("relay"),
		sessions:   make(map[string]*Session),
		ctx:        childCtx,
		cancel:     cancel,
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	pipeline, err := h.buildPipeline(cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	h.pipeline.Store(pipeline)
	h.dropPolicy.Store(cfg.GetDropPolicy())

	return h, nil
}

func (h *Hub) buildPipeline(cfg *config.RelayConfig) (*Pipeline, error) {
	t, err := h.transforms.New(cfg.Transform)
	if err != nil {
		return nil, fmt.Errorf("failed to create transform: %w", err)
	}

	c := codec.New(codec.Options{
		JPEGQuality:     cfg.JPEGQuality,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	})

	return NewPipeline(c, t)
}

// Pipeline 当前流水线
func (h *Hub) Pipeline() *Pipeline {
	return h.pipeline.Load()
}

// DropPolicy 当前失败策略
func (h *Hub) DropPolicy() config.DropPolicy {
	return h.dropPolicy.Load().(config.DropPolicy)
}

// SetDropPolicy 运行时切换失败策略
func (h *Hub) SetDropPolicy(policy config.DropPolicy) error {
	if _, err := config.ParseDropPolicy(string(policy)); err != nil {
		return err
	}
	if old := h.DropPolicy(); old != policy {
		h.dropPolicy.Store(policy)
		h.logger.Infof("Drop policy changed: %s -> %s", old, policy)
	}
	return nil
}

// Reconfigure 应用热更新的配置
// 只有变换、JPEG 质量、负载上限与失败策略可在运行时生效，其余字段需重启
func (h *Hub) Reconfigure(cfg *config.RelayConfig) error {
	if cfg == nil {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid relay config: %w", err)
	}

	current := h.Pipeline()
	opts := current.Codec().Options()
	if cfg.Transform != current.TransformName() || cfg.JPEGQuality != opts.JPEGQuality || cfg.MaxPayloadBytes != opts.MaxPayloadBytes {
		pipeline, err := h.buildPipeline(cfg)
		if err != nil {
			return err
		}
		h.pipeline.Store(pipeline)
		h.logger.Infof("Pipeline updated (transform: %s, jpeg quality: %d)", cfg.Transform, cfg.JPEGQuality)
	}

	return h.SetDropPolicy(cfg.GetDropPolicy())
}

// Start 启动中继服务
func (h *Hub) Start(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.running {
		return fmt.Errorf("relay hub already running")
	}
	if h.ctx.Err() != nil {
		return fmt.Errorf("relay hub cannot be restarted after stop")
	}

	h.running = true
	h.startTime = time.Now()
	h.logger.Infof("Relay hub started (path: %s, transform: %s, drop policy: %s)",
		h.config.Path, h.Pipeline().TransformName(), h.DropPolicy())
	return nil
}

// Stop 停止中继服务并关闭所有会话
func (h *Hub) Stop(ctx context.Context) error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mutex.Unlock()

	h.logger.Infof("Stopping relay hub, closing %d sessions", len(sessions))
	for _, s := range sessions {
		s.Close()
	}
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Relay hub stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for sessions to close: %w", ctx.Err())
	}
}

// IsEnabled 中继服务始终启用
func (h *Hub) IsEnabled() bool {
	return true
}

// IsRunning 检查是否运行中
func (h *Hub) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// GetContext 获取组件的上下文
func (h *Hub) GetContext() context.Context {
	return h.ctx
}

// SessionCount 当前会话数
func (h *Hub) SessionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions)
}

// Sessions 会话信息列表，按连接时间排序
func (h *Hub) Sessions() []SessionInfo {
	h.mutex.RLock()
	infos := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		infos = append(infos, s.Info())
	}
	h.mutex.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// CloseSession 关闭指定会话
func (h *Hub) CloseSession(id string) error {
	h.mutex.RLock()
	s, ok := h.sessions[id]
	h.mutex.RUnlock()

	if !ok {
		return ErrSessionNotFound
	}
	s.Close()
	return nil
}

// GetStats 获取统计信息
func (h *Hub) GetStats() map[string]interface{} {
	h.mutex.RLock()
	running := h.running
	sessions := len(h.sessions)
	startTime := h.startTime
	h.mutex.RUnlock()

	stats := map[string]interface{}{
		"running":         running,
		"sessions":        sessions,
		"max_connections": h.config.MaxConnections,
		"path":            h.config.Path,
		"transform":       h.Pipeline().TransformName(),
		"drop_policy":     string(h.DropPolicy()),
		"jpeg_quality":    h.Pipeline().Codec().Options().JPEGQuality,
	}
	if running {
		stats["uptime"] = time.Since(startTime).Seconds()
	}
	if h.metrics != nil {
		stats["relay"] = h.metrics.Snapshot()
	}
	return stats
}

// HealthCheck 参与 /health 检查，未运行视为不健康
func (h *Hub) HealthCheck() (map[string]interface{}, error) {
	if !h.IsRunning() {
		return nil, ErrHubNotRunning
	}
	return map[string]interface{}{
		"sessions":  h.SessionCount(),
		"transform": h.Pipeline().TransformName(),
	}, nil
}

// SetupRoutes 注册升级路径与 REST 接口
func (h *Hub) SetupRoutes(router *mux.Router) error {
	router.HandleFunc(h.config.Path, h.HandleWebSocket).Methods("GET")
	for _, path := range h.config.LegacyPaths {
		if path == h.config.Path {
			continue
		}
		router.HandleFunc(path, h.HandleWebSocket).Methods("GET")
	}

	api := router.PathPrefix("/api/relay").Subrouter()
	api.HandleFunc("/status", h.handleStatus).Methods("GET")
	api.HandleFunc("/stats", h.handleStats).Methods("GET")
	api.HandleFunc("/sessions", h.handleSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.handleCloseSession).Methods("DELETE")
	api.HandleFunc("/policy", h.handlePolicy).Methods("PUT", "POST")

	h.logger.Debugf("Relay routes registered (paths: %s %v)", h.config.Path, h.config.LegacyPaths)
	return nil
}

// HandleWebSocket 处理升级请求并启动会话
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := h.admit(); err != nil {
		reason := "not_running"
		status := http.StatusServiceUnavailable
		if errors.Is(err, ErrTooManyConnections) {
			reason = "limit"
		}
		h.metrics.SessionRejected(reason)
		h.logger.Warnf("Rejecting connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已写入错误响应
		h.metrics.SessionRejected("upgrade")
		h.logger.Warnf("WebSocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	s := newSession(h.ctx, h, conn, r.RemoteAddr, r.UserAgent())
	if err := h.register(s); err != nil {
		h.metrics.SessionRejected("limit")
		h.logger.Warnf("Rejecting session from %s: %v", r.RemoteAddr, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(h.config.WriteTimeout))
		s.Close()
		conn.Close()
		return
	}

	go s.writePump()
	go s.readPump()
}

// admit 升级前的快速检查
func (h *Hub) admit() error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if !h.running {
		return ErrHubNotRunning
	}
	if h.config.MaxConnections > 0 && len(h.sessions) >= h.config.MaxConnections {
		return ErrTooManyConnections
	}
	return nil
}

// register 注册会话，升级期间状态可能已变化，需重新检查
func (h *Hub) register(s *Session) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	if h.config.MaxConnections > 0 && len(h.sessions) >= h.config.MaxConnections {
		return ErrTooManyConnections
	}

	h.sessions[s.ID] = s
	h.wg.Add(1)
	h.metrics.SessionOpened()

	h.logger.Infof("Session %s connected from %s (total sessions: %d)", s.ID, s.RemoteAddr, len(h.sessions))
	return nil
}

// unregister 注销会话
func (h *Hub) unregister(s *Session) {
	h.mutex.Lock()
	_, ok := h.sessions[s.ID]
	if ok {
		delete(h.sessions, s.ID)
	}
	remaining := len(h.sessions)
	h.mutex.Unlock()

	if !ok {
		return
	}

	h.metrics.SessionClosed()
	h.wg.Done()
	h.logger.Debugf("Session %s unregistered (remaining sessions: %d)", s.ID, remaining)
}

// handleStatus GET /api/relay/status
func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":     h.IsRunning(),
		"sessions":    h.SessionCount(),
		"path":        h.config.Path,
		"transform":   h.Pipeline().TransformName(),
		"transforms":  h.transforms.Names(),
		"drop_policy": string(h.DropPolicy()),
		"timestamp":   time.Now().Unix(),
	})
}

// handleStats GET /api/relay/stats
func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.GetStats())
}

// handleSessions GET /api/relay/sessions
func (h *Hub) handleSessions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": h.Sessions(),
		"count":    h.SessionCount(),
	})
}

// handleCloseSession DELETE /api/relay/sessions/{id}
func (h *Hub) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.CloseSession(id); err != nil {
		h.writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": err.Error(),
			"id":    id,
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"closed": id,
	})
}

// handlePolicy PUT /api/relay/policy {"drop_policy": "notify"}
func (h *Hub) handlePolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DropPolicy string `json:"drop_policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}

	policy, err := config.ParseDropPolicy(req.DropPolicy)
	if err == nil {
		err = h.SetDropPolicy(policy)
	}
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"drop_policy": string(h.DropPolicy()),
	})
}

// writeJSON 写入JSON响应
func (h *Hub) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Errorf("Failed to encode JSON response: %v", err)
	}
}
