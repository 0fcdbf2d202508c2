package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-relay/internal/config"
	"github.com/open-beagle/bdwind-relay/internal/metrics"
	"github.com/open-beagle/bdwind-relay/internal/relay"
	"github.com/open-beagle/bdwind-relay/internal/transform"
	"github.com/open-beagle/bdwind-relay/internal/webserver"
)

// lifecycle 由应用统一启停的组件
type lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsEnabled() bool
	IsRunning() bool
}

type namedComponent struct {
	name      string
	component lifecycle
}

// RelayApp BDWind中继应用
type RelayApp struct {
	config       *config.Config
	configPath   string
	overrides    func(cfg *config.Config)
	webserverMgr *webserver.Manager
	relayHub     *relay.Hub
	metricsMgr   *metrics.Manager
	watcher      *config.Watcher
	tracker      *webserver.ComponentStatusTracker
	logger       *logrus.Entry
	startTime    time.Time

	rootCtx    context.Context
	cancelFunc context.CancelFunc
	mutex      sync.Mutex
	started    []string
}

// NewRelayApp 创建中继应用
// configPath 非空时启用配置热更新，overrides 为命令行覆盖，热更新时重新应用
func NewRelayApp(cfg *config.Config, configPath string, overrides func(cfg *config.Config)) (*RelayApp, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	rootCtx, cancelFunc := context.WithCancel(context.Background())

	metricsMgr, err := metrics.NewManager(rootCtx, cfg.Metrics)
	if err != nil {
		cancelFunc()
		return nil, fmt.Errorf("failed to create metrics manager: %w", err)
	}

	relayHub, err := relay.NewHub(rootCtx, cfg.Relay, transform.DefaultRegistry(), metricsMgr.GetRelayMetrics())
	if err != nil {
		cancelFunc()
		return nil, fmt.Errorf("failed to create relay hub: %w", err)
	}

	webserverMgr, err := webserver.NewManager(rootCtx, cfg.WebServer)
	if err != nil {
		cancelFunc()
		return nil, fmt.Errorf("failed to create webserver manager: %w", err)
	}

	app := &RelayApp{
		config:       cfg,
		configPath:   configPath,
		overrides:    overrides,
		webserverMgr: webserverMgr,
		relayHub:     relayHub,
		metricsMgr:   metricsMgr,
		tracker:      webserver.NewComponentStatusTracker(),
		logger:       config.GetLoggerWithPrefix("app"),
		startTime:    time.Now(),
		rootCtx:      rootCtx,
		cancelFunc:   cancelFunc,
	}

	webServer := webserverMgr.GetWebServer()
	webServer.SetVersionInfo(Version, BuildTime, GitCommit)
	webServer.SetStatusTracker(app.tracker)

	if err := app.registerComponentsWithWebServer(); err != nil {
		cancelFunc()
		return nil, err
	}

	for _, c := range app.components() {
		app.tracker.Track(c.name, c.component.IsEnabled())
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, app.onConfigReload)
		if err != nil {
			cancelFunc()
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
		app.watcher = watcher
	}

	return app, nil
}

// components 启动顺序：metrics → relay → webserver
func (app *RelayApp) components() []namedComponent {
	return []namedComponent{
		{"metrics", app.metricsMgr},
		{"relay", app.relayHub},
		{"webserver", app.webserverMgr},
	}
}

// registerComponentsWithWebServer 注册需要暴露路由的组件
func (app *RelayApp) registerComponentsWithWebServer() error {
	if err := app.webserverMgr.RegisterComponent("metrics", app.metricsMgr); err != nil {
		return fmt.Errorf("failed to register metrics component: %w", err)
	}
	if err := app.webserverMgr.RegisterComponent("relay", app.relayHub); err != nil {
		return fmt.Errorf("failed to register relay component: %w", err)
	}
	return nil
}

// Start 按顺序启动组件，失败时逆序回滚已启动的组件
func (app *RelayApp) Start() error {
	app.mutex.Lock()
	defer app.mutex.Unlock()

	app.logger.Infof("Starting %s %s", AppName, Version)

	ctx, cancel := context.WithTimeout(app.rootCtx, app.config.Lifecycle.StartupTimeout)
	defer cancel()

	app.started = app.started[:0]
	for _, c := range app.components() {
		if !c.component.IsEnabled() {
			app.logger.Infof("%s component disabled, skipping", c.name)
			continue
		}

		app.tracker.SetStatus(c.name, webserver.ComponentStatusStarting)
		if err := c.component.Start(ctx); err != nil {
			app.logger.Errorf("Failed to start %s: %v", c.name, err)
			app.tracker.SetError(c.name, err)

			started := append([]string(nil), app.started...)
			app.rollback(ctx)
			return &webserver.ComponentStartupError{
				ComponentName:     c.name,
				Err:               err,
				StartedComponents: started,
			}
		}

		app.tracker.SetStatus(c.name, webserver.ComponentStatusRunning)
		app.started = append(app.started, c.name)
		app.logger.Debugf("%s component started", c.name)
	}

	if app.watcher != nil {
		if err := app.watcher.Start(app.rootCtx); err != nil {
			app.logger.Warnf("Config hot reload unavailable: %v", err)
		}
	}

	app.startTime = time.Now()
	app.logger.Infof("%s started, listening on %s", AppName, app.webserverMgr.GetAddress())
	return nil
}

// rollback 逆序停止已启动的组件，调用方持有锁
func (app *RelayApp) rollback(ctx context.Context) {
	byName := make(map[string]lifecycle)
	for _, c := range app.components() {
		byName[c.name] = c.component
	}

	for i := len(app.started) - 1; i >= 0; i-- {
		name := app.started[i]
		app.logger.Infof("Rolling back: stopping %s...", name)
		if err := byName[name].Stop(ctx); err != nil {
			app.logger.Errorf("Failed to stop %s during rollback: %v", name, err)
			app.tracker.SetError(name, err)
			continue
		}
		app.tracker.SetStatus(name, webserver.ComponentStatusStopped)
	}
	app.started = app.started[:0]
}

// Stop 逆序停止所有组件，错误不中断其余组件的停止
func (app *RelayApp) Stop(ctx context.Context) error {
	app.mutex.Lock()
	defer app.mutex.Unlock()

	app.logger.Info("Stopping application...")

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), app.config.Lifecycle.ShutdownTimeout)
		defer cancel()
	}

	if app.watcher != nil && app.watcher.IsRunning() {
		if err := app.watcher.Stop(); err != nil {
			app.logger.Warnf("Failed to stop config watcher: %v", err)
		}
	}

	components := app.components()
	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if !c.component.IsRunning() {
			continue
		}

		app.tracker.SetStatus(c.name, webserver.ComponentStatusStopping)
		if err := c.component.Stop(ctx); err != nil {
			app.logger.Errorf("Failed to stop %s: %v", c.name, err)
			app.tracker.SetError(c.name, err)
			errs = append(errs, fmt.Errorf("failed to stop %s: %w", c.name, err))
			continue
		}
		app.tracker.SetStatus(c.name, webserver.ComponentStatusStopped)
		app.logger.Debugf("%s component stopped", c.name)
	}

	app.cancelFunc()
	app.started = app.started[:0]

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %w", errors.Join(errs...))
	}

	app.logger.Info("Application stopped")
	return nil
}

// ForceShutdown 在 ForceShutdownTimeout 内强制停止所有组件
func (app *RelayApp) ForceShutdown() {
	app.logger.Warn("Force shutdown initiated...")
	app.cancelFunc()

	ctx, cancel := context.WithTimeout(context.Background(), app.config.Lifecycle.ForceShutdownTimeout)
	defer cancel()

	components := app.components()
	for i := len(components) - 1; i >= 0; i-- {
		if err := components[i].component.Stop(ctx); err != nil {
			app.logger.Errorf("Force shutdown: %s stop error: %v", components[i].name, err)
		}
	}
}

// onConfigReload 配置文件变化时应用可热更新的字段
// 环境变量与命令行覆盖按启动时的优先级重新应用
func (app *RelayApp) onConfigReload(cfg *config.Config) {
	if err := cfg.ApplyEnv(); err != nil {
		app.logger.Warnf("Ignoring reloaded config: %v", err)
		return
	}
	if app.overrides != nil {
		app.overrides(cfg)
	}
	if err := cfg.Validate(); err != nil {
		app.logger.Warnf("Ignoring reloaded config: %v", err)
		return
	}

	if cfg.Logging != nil && !strings.EqualFold(cfg.Logging.Level, config.GetGlobalLogLevel()) {
		if err := config.SetGlobalLogLevel(cfg.Logging.Level); err != nil {
			app.logger.Warnf("Ignoring log level from reloaded config: %v", err)
		} else {
			app.logger.Infof("Log level changed to %s", cfg.Logging.Level)
		}
	}

	if cfg.Relay != nil {
		if err := app.relayHub.Reconfigure(cfg.Relay); err != nil {
			app.logger.Warnf("Ignoring relay settings from reloaded config: %v", err)
		}
	}
}

// Errors 服务器异常退出时收到错误
func (app *RelayApp) Errors() <-chan error {
	return app.webserverMgr.Errors()
}

// IsHealthy 所有启用的组件都在运行才算健康
func (app *RelayApp) IsHealthy() bool {
	return app.tracker.Summary().Healthy
}

// GetHealthSummary 获取健康状态摘要
func (app *RelayApp) GetHealthSummary() webserver.HealthSummary {
	return app.tracker.Summary()
}

// GetRelayHub 获取中继服务
func (app *RelayApp) GetRelayHub() *relay.Hub {
	return app.relayHub
}

// GetWebServerManager 获取webserver管理器
func (app *RelayApp) GetWebServerManager() *webserver.Manager {
	return app.webserverMgr
}

// GetMetricsManager 获取监控管理器
func (app *RelayApp) GetMetricsManager() *metrics.Manager {
	return app.metricsMgr
}
