package webserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-relay/internal/config"
)

// VersionInfo 构建版本信息
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
}

// WebServer Web服务器
type WebServer struct {
	config     *config.WebServerConfig
	router     *mux.Router
	logger     *logrus.Entry
	mutex      sync.RWMutex
	running    bool
	startTime  time.Time
	version    VersionInfo
	components map[string]ComponentManager
	order      []string
	tracker    *ComponentStatusTracker
}

// NewWebServer 创建Web服务器
func NewWebServer(cfg *config.WebServerConfig) (*WebServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("webserver config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &WebServer{
		config:     cfg,
		router:     mux.NewRouter(),
		logger:     config.GetLoggerWithPrefix("webserver"),
		startTime:  time.Now(),
		components: make(map[string]ComponentManager),
		version: VersionInfo{
			Version:   "dev",
			BuildTime: "unknown",
			GitCommit: "unknown",
			GoVersion: runtime.Version(),
		},
	}, nil
}

// SetVersionInfo 设置版本信息
func (ws *WebServer) SetVersionInfo(version, buildTime, gitCommit string) {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	if version != "" {
		ws.version.Version = version
	}
	if buildTime != "" {
		ws.version.BuildTime = buildTime
	}
	if gitCommit != "" {
		ws.version.GitCommit = gitCommit
	}
}

// SetStatusTracker 设置组件状态跟踪器
func (ws *WebServer) SetStatusTracker(tracker *ComponentStatusTracker) {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()
	ws.tracker = tracker
}

// GetRouter 获取路由器实例
func (ws *WebServer) GetRouter() *mux.Router {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()
	return ws.router
}

// GetHandler 构建路由并返回HTTP处理器
func (ws *WebServer) GetHandler() (http.Handler, error) {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	if err := ws.setupRoutes(); err != nil {
		return nil, err
	}
	return ws.router, nil
}

// RegisterComponent 注册组件，路由在 GetHandler 时按注册顺序设置
func (ws *WebServer) RegisterComponent(name string, component ComponentManager) error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	if component == nil {
		return fmt.Errorf("component %s is nil", name)
	}
	if _, exists := ws.components[name]; exists {
		return fmt.Errorf("component %s already registered", name)
	}

	// 运行中注册的组件立即挂载路由
	if ws.running {
		if err := component.SetupRoutes(ws.router); err != nil {
			return fmt.Errorf("failed to setup routes for component %s: %w", name, err)
		}
	}

	ws.components[name] = component
	ws.order = append(ws.order, name)
	ws.logger.Debugf("Component %s registered", name)
	return nil
}

// UnregisterComponent 注销组件
// 已挂载的路由无法移除，需要重启服务器
func (ws *WebServer) UnregisterComponent(name string) error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	if _, exists := ws.components[name]; !exists {
		return fmt.Errorf("component %s not found", name)
	}
	delete(ws.components, name)
	for i, n := range ws.order {
		if n == name {
			ws.order = append(ws.order[:i], ws.order[i+1:]...)
			break
		}
	}
	return nil
}

// GetComponent 获取已注册的组件
func (ws *WebServer) GetComponent(name string) (ComponentManager, bool) {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()
	component, exists := ws.components[name]
	return component, exists
}

// ListComponents 列出所有已注册的组件名称
func (ws *WebServer) ListComponents() []string {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()

	names := append([]string(nil), ws.order...)
	sort.Strings(names)
	return names
}

// setRunning 由 Manager 在监听成功后设置
func (ws *WebServer) setRunning(running bool) {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()
	ws.running = running
	if running {
		ws.startTime = time.Now()
	}
}

// IsRunning 检查服务器是否运行中
func (ws *WebServer) IsRunning() bool {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()
	return ws.running
}

// setupComponentRoutes 设置组件路由，调用方持有锁
func (ws *WebServer) setupComponentRoutes() error {
	for _, name := range ws.order {
		if err := ws.components[name].SetupRoutes(ws.router); err != nil {
			return fmt.Errorf("failed to setup routes for component %s: %w", name, err)
		}
		ws.logger.Debugf("Routes for component %s set up", name)
	}
	return nil
}

// handleStatus GET /api/status
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ws.mutex.RLock()
	status := map[string]interface{}{
		"status":    "running",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(ws.startTime).Seconds(),
		"version":   ws.version.Version,
	}
	components := make(map[string]interface{}, len(ws.components))
	for name, component := range ws.components {
		components[name] = map[string]interface{}{
			"enabled": component.IsEnabled(),
			"running": component.IsRunning(),
		}
	}
	ws.mutex.RUnlock()

	status["components"] = components
	ws.writeJSON(w, http.StatusOK, status)
}

// handleVersion GET /api/version
func (ws *WebServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	ws.mutex.RLock()
	version := ws.version
	ws.mutex.RUnlock()

	ws.writeJSON(w, http.StatusOK, version)
}

// handleHealth GET /health
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ws.mutex.RLock()
	running := ws.running
	tracker := ws.tracker
	checkers := make(map[string]HealthChecker)
	for name, component := range ws.components {
		if checker, ok := component.(HealthChecker); ok {
			checkers[name] = checker
		}
	}
	ws.mutex.RUnlock()

	healthy := true
	checks := map[string]interface{}{
		"webserver": running,
	}
	for name, checker := range checkers {
		details, err := checker.HealthCheck()
		if err != nil {
			healthy = false
			checks[name] = map[string]interface{}{"error": err.Error()}
			continue
		}
		checks[name] = details
	}

	health := map[string]interface{}{
		"checks": checks,
	}
	if tracker != nil {
		summary := tracker.Summary()
		healthy = healthy && summary.Healthy
		health["components"] = summary
	}

	status := http.StatusOK
	health["status"] = "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		health["status"] = "unhealthy"
	}
	ws.writeJSON(w, status, health)
}

// handleStats GET /api/stats
func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	ws.mutex.RLock()
	stats := map[string]interface{}{
		"server": map[string]interface{}{
			"uptime":                time.Since(ws.startTime).Seconds(),
			"start_time":            ws.startTime.Unix(),
			"registered_components": len(ws.components),
			"running":               ws.running,
		},
		"timestamp": time.Now().Unix(),
	}
	components := make(map[string]ComponentManager, len(ws.components))
	for name, component := range ws.components {
		components[name] = component
	}
	ws.mutex.RUnlock()

	componentStats := make(map[string]interface{}, len(components))
	for name, component := range components {
		componentStats[name] = component.GetStats()
	}
	stats["components"] = componentStats

	ws.writeJSON(w, http.StatusOK, stats)
}

// handleComponentList GET /api/components
func (ws *WebServer) handleComponentList(w http.ResponseWriter, r *http.Request) {
	ws.mutex.RLock()
	tracker := ws.tracker
	ws.mutex.RUnlock()

	response := map[string]interface{}{
		"components": ws.ListComponents(),
	}
	if tracker != nil {
		response["states"] = tracker.States()
	}
	ws.writeJSON(w, http.StatusOK, response)
}

// handleComponentStats GET /api/components/{name}/stats
func (ws *WebServer) handleComponentStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	component, ok := ws.GetComponent(name)
	if !ok {
		ws.writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": fmt.Sprintf("component %s not found", name),
		})
		return
	}

	ws.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    name,
		"enabled": component.IsEnabled(),
		"running": component.IsRunning(),
		"stats":   component.GetStats(),
	})
}

// handleIndex 优先使用静态目录中的页面，否则使用内嵌页面
func (ws *WebServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if ws.config.StaticDir != "" {
		indexPath := filepath.Join(ws.config.StaticDir, ws.config.DefaultFile)
		if _, err := os.Stat(indexPath); err == nil {
			http.ServeFile(w, r, indexPath)
			return
		}
	}

	content, err := GetStaticFileContent("index.html")
	if err != nil {
		http.Error(w, "Failed to load embedded index page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(content)
}

// writeJSON 写入JSON响应
func (ws *WebServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		ws.logger.Errorf("Failed to encode JSON: %v", err)
	}
}
