package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadFunc 配置重新加载回调
type ReloadFunc func(cfg *Config)

// Watcher 配置文件监视器
// 监视配置文件所在目录，编辑器的 rename/create 写入方式也能被捕获
type Watcher struct {
	path     string
	debounce time.Duration
	onReload ReloadFunc
	logger   *logrus.Entry

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	mutex   sync.Mutex
	running bool
}

// NewWatcher 创建配置文件监视器
func NewWatcher(path string, onReload ReloadFunc) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if onReload == nil {
		return nil, fmt.Errorf("reload callback cannot be nil")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	return &Watcher{
		path:     filepath.Clean(abs),
		debounce: 100 * time.Millisecond,
		onReload: onReload,
		logger:   GetLoggerWithPrefix("config-watcher"),
	}, nil
}

// SetDebounce 设置合并连续事件的时间窗口
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.debounce = d
}

// Start 开始监视
func (w *Watcher) Start(ctx context.Context) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.running {
		return fmt.Errorf("config watcher already running")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = fw
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.loop(watchCtx, fw, w.done, w.debounce)

	w.logger.Infof("Watching config file %s", w.path)
	return nil
}

// Stop 停止监视
func (w *Watcher) Stop() error {
	w.mutex.Lock()
	if !w.running {
		w.mutex.Unlock()
		return nil
	}
	w.running = false
	cancel, done, fw := w.cancel, w.done, w.watcher
	w.mutex.Unlock()

	cancel()
	err := fw.Close()
	<-done

	w.logger.Debug("Config watcher stopped")
	return err
}

// IsRunning 检查是否运行中
func (w *Watcher) IsRunning() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.running
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}, debounce time.Duration) {
	defer close(done)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Tracef("Config file event: %s", event)
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("Config watcher error: %v", err)

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfigFromFile(w.path)
	if err != nil {
		// 保留当前配置
		w.logger.Warnf("Ignoring invalid config change: %v", err)
		return
	}

	w.logger.Infof("Config file %s reloaded", w.path)
	w.onReload(cfg)
}
