package metrics

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// StatusHandler 监控状态处理器
type StatusHandler struct {
	manager *Manager
}

// NewStatusHandler 创建监控状态处理器
func NewStatusHandler(manager *Manager) *StatusHandler {
	return &StatusHandler{manager: manager}
}

// handleStatus 处理监控状态请求
// GET /api/metrics/status
func (h *StatusHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.manager.GetStats())
}

// handleRelay 处理中继统计请求
// GET /api/metrics/relay
func (h *StatusHandler) handleRelay(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]interface{}{
		"relay":     h.manager.GetRelayMetrics().Snapshot(),
		"timestamp": time.Now().Unix(),
	})
}

// handleRuntime 处理运行时信息请求
// GET /api/metrics/runtime
func (h *StatusHandler) handleRuntime(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	h.writeJSON(w, map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"cpus":       runtime.NumCPU(),
		"go_version": runtime.Version(),
		"heap_alloc": mem.HeapAlloc,
		"heap_inuse": mem.HeapInuse,
		"num_gc":     mem.NumGC,
		"timestamp":  time.Now().Unix(),
	})
}

// writeJSON 写入JSON响应
func (h *StatusHandler) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode JSON response", http.StatusInternalServerError)
		return
	}
}
