package config

import (
	"fmt"
)

// MetricsConfig Metrics配置模块
type MetricsConfig struct {
	// 是否注册 Go 运行时与进程指标
	EnableRuntimeCollectors bool `yaml:"enable_runtime_collectors" json:"enable_runtime_collectors" toml:"enable_runtime_collectors"`

	// 外部暴露配置（默认禁用，为Prometheus/Grafana等外部工具提供数据）
	External ExternalMetricsConfig `yaml:"external" json:"external" toml:"external"`
}

// ExternalMetricsConfig 外部监控配置
type ExternalMetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	Port    int    `yaml:"port" json:"port" toml:"port"`
	Path    string `yaml:"path" json:"path" toml:"path"`
	Host    string `yaml:"host" json:"host" toml:"host"`
}

// DefaultMetricsConfig 返回默认的Metrics配置
func DefaultMetricsConfig() *MetricsConfig {
	config := &MetricsConfig{}
	config.SetDefaults()
	return config
}

// SetDefaults 设置默认值
func (c *MetricsConfig) SetDefaults() {
	c.EnableRuntimeCollectors = true

	// 外部暴露默认禁用
	c.External = ExternalMetricsConfig{
		Enabled: false,
		Port:    9090,
		Path:    "/metrics",
		Host:    "0.0.0.0",
	}
}

// Validate 验证配置
func (c *MetricsConfig) Validate() error {
	// 仅在启用时验证外部暴露配置
	if c.External.Enabled {
		if err := c.validateExternalConfig(); err != nil {
			return fmt.Errorf("invalid external metrics config: %w", err)
		}
	}

	return nil
}

// validateExternalConfig 验证外部暴露配置
func (c *MetricsConfig) validateExternalConfig() error {
	if c.External.Port < 1 || c.External.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be between 1 and 65535)", c.External.Port)
	}

	if c.External.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if c.External.Path[0] != '/' {
		return fmt.Errorf("path must start with '/': %s", c.External.Path)
	}

	if c.External.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	return nil
}

// Merge 合并其他配置模块
func (c *MetricsConfig) Merge(other *MetricsConfig) error {
	if other == nil {
		return nil
	}

	c.EnableRuntimeCollectors = other.EnableRuntimeCollectors

	if other.External.Enabled != c.External.Enabled {
		c.External.Enabled = other.External.Enabled
	}
	if other.External.Port != 0 && other.External.Port != 9090 {
		c.External.Port = other.External.Port
	}
	if other.External.Path != "" && other.External.Path != "/metrics" {
		c.External.Path = other.External.Path
	}
	if other.External.Host != "" && other.External.Host != "0.0.0.0" {
		c.External.Host = other.External.Host
	}

	return nil
}

// GetExternalEndpoint 获取外部metrics端点
func (c *MetricsConfig) GetExternalEndpoint() string {
	if !c.External.Enabled {
		return ""
	}
	return fmt.Sprintf("http://%s:%d%s", c.External.Host, c.External.Port, c.External.Path)
}
