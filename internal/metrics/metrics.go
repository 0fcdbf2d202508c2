package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/model"
)

// Namespace 所有指标的前缀
const Namespace = "bdwind_relay"

// Metrics 监控接口
type Metrics interface {
	// RegisterGauge 注册仪表盘指标
	RegisterGauge(name, help string, labels []string) (Gauge, error)

	// RegisterCounter 注册计数器指标
	RegisterCounter(name, help string, labels []string) (Counter, error)

	// RegisterHistogram 注册直方图指标
	RegisterHistogram(name, help string, labels []string, buckets []float64) (Histogram, error)

	// GetRegistry 获取 Prometheus 注册表
	GetRegistry() *prometheus.Registry

	// Handler 返回 Prometheus 文本格式的 HTTP 处理器
	Handler() http.Handler
}

// Gauge 仪表盘接口
type Gauge interface {
	Set(value float64, labels ...string)
	Inc(labels ...string)
	Dec(labels ...string)
	Add(value float64, labels ...string)
}

// Counter 计数器接口
type Counter interface {
	Inc(labels ...string)
	Add(value float64, labels ...string)
}

// Histogram 直方图接口
type Histogram interface {
	Observe(value float64, labels ...string)
}

// Options 注册表选项
type Options struct {
	// 注册 Go 运行时与进程收集器
	RuntimeCollectors bool
}

// metricsImpl Metrics接口的实现
type metricsImpl struct {
	registry *prometheus.Registry
	mu       sync.Mutex

	// 已注册的指标名，防止重复注册
	names map[string]struct{}
}

// NewMetrics 创建新的监控实例
func NewMetrics(opts Options) Metrics {
	registry := prometheus.NewRegistry()
	if opts.RuntimeCollectors {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return &metricsImpl{
		registry: registry,
		names:    make(map[string]struct{}),
	}
}

func (m *metricsImpl) reserve(name string) error {
	if name == "" || !model.IsValidLegacyMetricName(Namespace+"_"+name) {
		return ErrInvalidMetricName
	}
	if _, exists := m.names[name]; exists {
		return ErrMetricAlreadyRegistered
	}
	m.names[name] = struct{}{}
	return nil
}

// register 注册失败时释放名称
func (m *metricsImpl) register(name string, c prometheus.Collector) error {
	if err := m.registry.Register(c); err != nil {
		delete(m.names, name)
		return err
	}
	return nil
}

// RegisterGauge 注册仪表盘指标
func (m *metricsImpl) RegisterGauge(name, help string, labels []string) (Gauge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.reserve(name); err != nil {
		return nil, err
	}

	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, labels)

	if err := m.register(name, gauge); err != nil {
		return nil, err
	}
	return &gaugeImpl{gauge: gauge}, nil
}

// RegisterCounter 注册计数器指标
func (m *metricsImpl) RegisterCounter(name, help string, labels []string) (Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.reserve(name); err != nil {
		return nil, err
	}

	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, labels)

	if err := m.register(name, counter); err != nil {
		return nil, err
	}
	return &counterImpl{counter: counter}, nil
}

// RegisterHistogram 注册直方图指标
func (m *metricsImpl) RegisterHistogram(name, help string, labels []string, buckets []float64) (Histogram, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.reserve(name); err != nil {
		return nil, err
	}

	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)

	if err := m.register(name, histogram); err != nil {
		return nil, err
	}
	return &histogramImpl{histogram: histogram}, nil
}

// GetRegistry 获取 Prometheus 注册表
func (m *metricsImpl) GetRegistry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 Prometheus 文本格式的 HTTP 处理器
func (m *metricsImpl) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type gaugeImpl struct {
	gauge *prometheus.GaugeVec
}

func (g *gaugeImpl) Set(value float64, labels ...string) {
	g.gauge.WithLabelValues(labels...).Set(value)
}

func (g *gaugeImpl) Inc(labels ...string) {
	g.gauge.WithLabelValues(labels...).Inc()
}

func (g *gaugeImpl) Dec(labels ...string) {
	g.gauge.WithLabelValues(labels...).Dec()
}

func (g *gaugeImpl) Add(value float64, labels ...string) {
	g.gauge.WithLabelValues(labels...).Add(value)
}

type counterImpl struct {
	counter *prometheus.CounterVec
}

func (c *counterImpl) Inc(labels ...string) {
	c.counter.WithLabelValues(labels...).Inc()
}

func (c *counterImpl) Add(value float64, labels ...string) {
	c.counter.WithLabelValues(labels...).Add(value)
}

type histogramImpl struct {
	histogram *prometheus.HistogramVec
}

func (h *histogramImpl) Observe(value float64, labels ...string) {
	h.histogram.WithLabelValues(labels...).Observe(value)
}
