package webserver

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ComponentStatus 组件状态
type ComponentStatus int

const (
	ComponentStatusStopped ComponentStatus = iota
	ComponentStatusStarting
	ComponentStatusRunning
	ComponentStatusStopping
	ComponentStatusError
	ComponentStatusDisabled
)

var componentStatusNames = map[ComponentStatus]string{
	ComponentStatusStopped:  "stopped",
	ComponentStatusStarting: "starting",
	ComponentStatusRunning:  "running",
	ComponentStatusStopping: "stopping",
	ComponentStatusError:    "error",
	ComponentStatusDisabled: "disabled",
}

func (s ComponentStatus) String() string {
	if name, ok := componentStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON 以名称输出
func (s ComponentStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ComponentState 组件状态信息
type ComponentState struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Enabled   bool            `json:"enabled"`
	Since     time.Time       `json:"since"`
	LastError string          `json:"last_error,omitempty"`
}

// HealthSummary 健康状态摘要
type HealthSummary struct {
	Healthy    bool              `json:"healthy"`
	Total      int               `json:"total"`
	Running    int               `json:"running"`
	Failed     []string          `json:"failed,omitempty"`
	Components map[string]string `json:"components"`
}

// ComponentStatusTracker 组件状态跟踪器
// 由应用层在启动与停止组件时更新，Web服务器只读取
type ComponentStatusTracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentState
}

// NewComponentStatusTracker 创建组件状态跟踪器
func NewComponentStatusTracker() *ComponentStatusTracker {
	return &ComponentStatusTracker{
		components: make(map[string]*ComponentState),
	}
}

// Track 登记组件
func (t *ComponentStatusTracker) Track(name string, enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := ComponentStatusStopped
	if !enabled {
		status = ComponentStatusDisabled
	}
	t.components[name] = &ComponentState{
		Name:    name,
		Status:  status,
		Enabled: enabled,
		Since:   time.Now(),
	}
}

// SetStatus 更新组件状态，进入运行状态时清除错误
func (t *ComponentStatusTracker) SetStatus(name string, status ComponentStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.components[name]
	if !ok {
		return
	}
	state.Status = status
	state.Since = time.Now()
	if status == ComponentStatusRunning {
		state.LastError = ""
	}
}

// SetError 记录组件错误
func (t *ComponentStatusTracker) SetError(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.components[name]
	if !ok || err == nil {
		return
	}
	state.Status = ComponentStatusError
	state.Since = time.Now()
	state.LastError = err.Error()
}

// State 获取组件状态副本
func (t *ComponentStatusTracker) State(name string) (ComponentState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.components[name]
	if !ok {
		return ComponentState{}, false
	}
	return *state, true
}

// States 获取全部组件状态，按名称排序
func (t *ComponentStatusTracker) States() []ComponentState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make([]ComponentState, 0, len(t.components))
	for _, state := range t.components {
		states = append(states, *state)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].Name < states[j].Name
	})
	return states
}

// Summary 健康状态摘要，启用的组件都在运行才算健康
func (t *ComponentStatusTracker) Summary() HealthSummary {
	summary := HealthSummary{
		Healthy:    true,
		Components: make(map[string]string),
	}

	for _, state := range t.States() {
		summary.Total++
		summary.Components[state.Name] = state.Status.String()

		switch state.Status {
		case ComponentStatusRunning:
			summary.Running++
		case ComponentStatusDisabled:
		case ComponentStatusError:
			summary.Failed = append(summary.Failed, state.Name)
			summary.Healthy = false
		default:
			if state.Enabled {
				summary.Healthy = false
			}
		}
	}

	return summary
}

// ComponentStartupError 组件启动错误
type ComponentStartupError struct {
	ComponentName     string
	Err               error
	StartedComponents []string
}

func (e *ComponentStartupError) Error() string {
	return fmt.Sprintf("failed to start component '%s': %v", e.ComponentName, e.Err)
}

func (e *ComponentStartupError) Unwrap() error {
	return e.Err
}
