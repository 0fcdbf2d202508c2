package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config BDWind中继服务配置聚合器
type Config struct {
	// Web服务器配置模块
	WebServer *WebServerConfig `yaml:"webserver" json:"webserver" toml:"webserver"`

	// 帧中继配置模块
	Relay *RelayConfig `yaml:"relay" json:"relay" toml:"relay"`

	// Metrics配置模块
	Metrics *MetricsConfig `yaml:"metrics" json:"metrics" toml:"metrics"`

	// 日志配置模块
	Logging *LoggingConfig `yaml:"logging" json:"logging" toml:"logging"`

	// 生命周期管理配置
	Lifecycle LifecycleConfig `yaml:"lifecycle" json:"lifecycle" toml:"lifecycle"`
}

// LifecycleConfig 生命周期管理配置
type LifecycleConfig struct {
	// 优雅关闭超时时间
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" toml:"shutdown_timeout"`

	// 强制关闭超时时间
	ForceShutdownTimeout time.Duration `yaml:"force_shutdown_timeout" json:"force_shutdown_timeout" toml:"force_shutdown_timeout"`

	// 组件启动超时时间
	StartupTimeout time.Duration `yaml:"startup_timeout" json:"startup_timeout" toml:"startup_timeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	cfg := &Config{
		WebServer: DefaultWebServerConfig(),
		Relay:     DefaultRelayConfig(),
		Metrics:   DefaultMetricsConfig(),
		Logging:   DefaultLoggingConfig(),
	}

	cfg.Lifecycle.ShutdownTimeout = 30 * time.Second
	cfg.Lifecycle.ForceShutdownTimeout = 10 * time.Second
	cfg.Lifecycle.StartupTimeout = 60 * time.Second

	return cfg
}

// LoadConfigFromFile 从文件加载配置
// .toml 文件按 TOML 解析，其余按 YAML 解析；未出现的字段保留默认值
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := ParseConfig(data, formatFromFilename(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// FileFormat 配置文件格式
type FileFormat string

const (
	FileFormatYAML FileFormat = "yaml"
	FileFormatTOML FileFormat = "toml"
)

func formatFromFilename(filename string) FileFormat {
	if strings.EqualFold(filepath.Ext(filename), ".toml") {
		return FileFormatTOML
	}
	return FileFormatYAML
}

// ParseConfig 解析配置内容，未出现的字段保留默认值
func ParseConfig(data []byte, format FileFormat) (*Config, error) {
	config := DefaultConfig()

	switch format {
	case FileFormatTOML:
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, fmt.Errorf("toml: %w", err)
		}
	case FileFormatYAML, "":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", format)
	}

	config.fillMissingModules()
	return config, nil
}

// fillMissingModules 显式写成 null 的模块恢复为默认值
func (c *Config) fillMissingModules() {
	if c.WebServer == nil {
		c.WebServer = DefaultWebServerConfig()
	}
	if c.Relay == nil {
		c.Relay = DefaultRelayConfig()
	}
	if c.Metrics == nil {
		c.Metrics = DefaultMetricsConfig()
	}
	if c.Logging == nil {
		c.Logging = DefaultLoggingConfig()
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.WebServer != nil {
		if err := c.WebServer.Validate(); err != nil {
			return fmt.Errorf("invalid webserver config: %w", err)
		}
	}

	if c.Relay != nil {
		if err := c.Relay.Validate(); err != nil {
			return fmt.Errorf("invalid relay config: %w", err)
		}
	}

	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			return fmt.Errorf("invalid metrics config: %w", err)
		}
	}

	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return fmt.Errorf("invalid logging config: %w", err)
		}
	}

	if err := c.validateLifecycleConfig(); err != nil {
		return fmt.Errorf("invalid lifecycle config: %w", err)
	}

	if err := c.validateCrossModuleCompatibility(); err != nil {
		return fmt.Errorf("module compatibility error: %w", err)
	}

	return nil
}

// validateLifecycleConfig 验证生命周期配置
func (c *Config) validateLifecycleConfig() error {
	if c.Lifecycle.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got: %v", c.Lifecycle.ShutdownTimeout)
	}

	if c.Lifecycle.ForceShutdownTimeout <= 0 {
		return fmt.Errorf("force shutdown timeout must be positive, got: %v", c.Lifecycle.ForceShutdownTimeout)
	}

	if c.Lifecycle.StartupTimeout <= 0 {
		return fmt.Errorf("startup timeout must be positive, got: %v", c.Lifecycle.StartupTimeout)
	}

	if c.Lifecycle.ShutdownTimeout < c.Lifecycle.ForceShutdownTimeout {
		return fmt.Errorf("shutdown timeout (%v) must be greater than or equal to force shutdown timeout (%v)",
			c.Lifecycle.ShutdownTimeout, c.Lifecycle.ForceShutdownTimeout)
	}

	return nil
}

// validateCrossModuleCompatibility 验证模块间的兼容性
func (c *Config) validateCrossModuleCompatibility() error {
	if c.WebServer != nil && c.Metrics != nil && c.Metrics.External.Enabled {
		if c.Metrics.External.Port == c.WebServer.Port {
			return fmt.Errorf("port conflict: metrics port %d already used by webserver", c.Metrics.External.Port)
		}
	}

	return nil
}

// Merge 合并其他配置
func (c *Config) Merge(other *Config) error {
	if other == nil {
		return nil
	}

	if other.WebServer != nil {
		if c.WebServer == nil {
			c.WebServer = DefaultWebServerConfig()
		}
		if err := c.WebServer.Merge(other.WebServer); err != nil {
			return fmt.Errorf("failed to merge webserver config: %w", err)
		}
	}

	if other.Relay != nil {
		if c.Relay == nil {
			c.Relay = DefaultRelayConfig()
		}
		if err := c.Relay.Merge(other.Relay); err != nil {
			return fmt.Errorf("failed to merge relay config: %w", err)
		}
	}

	if other.Metrics != nil {
		if c.Metrics == nil {
			c.Metrics = DefaultMetricsConfig()
		}
		if err := c.Metrics.Merge(other.Metrics); err != nil {
			return fmt.Errorf("failed to merge metrics config: %w", err)
		}
	}

	if other.Logging != nil {
		if c.Logging == nil {
			c.Logging = DefaultLoggingConfig()
		}
		if err := c.Logging.Merge(other.Logging); err != nil {
			return fmt.Errorf("failed to merge logging config: %w", err)
		}
	}

	if other.Lifecycle.ShutdownTimeout != 0 {
		c.Lifecycle.ShutdownTimeout = other.Lifecycle.ShutdownTimeout
	}
	if other.Lifecycle.ForceShutdownTimeout != 0 {
		c.Lifecycle.ForceShutdownTimeout = other.Lifecycle.ForceShutdownTimeout
	}
	if other.Lifecycle.StartupTimeout != 0 {
		c.Lifecycle.StartupTimeout = other.Lifecycle.StartupTimeout
	}

	return nil
}

// String 返回配置的字符串表示
func (c *Config) String() string {
	webInfo := "disabled"
	if c.WebServer != nil {
		webInfo = fmt.Sprintf("%s:%d", c.WebServer.Host, c.WebServer.Port)
	}

	relayInfo := "disabled"
	if c.Relay != nil {
		relayInfo = fmt.Sprintf("%s transform=%s policy=%s", c.Relay.Path, c.Relay.Transform, c.Relay.DropPolicy)
	}

	return fmt.Sprintf("Config{WebServer: %s, Relay: %s}", webInfo, relayInfo)
}

// SaveToFile 保存配置到文件
func (c *Config) SaveToFile(filename string) error {
	var data []byte
	var err error

	if formatFromFilename(filename) == FileFormatTOML {
		var sb strings.Builder
		err = toml.NewEncoder(&sb).Encode(c)
		data = []byte(sb.String())
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv 用环境变量覆盖配置
func (c *Config) ApplyEnv() error {
	c.fillMissingModules()

	if host := os.Getenv("BDWIND_HOST"); host != "" {
		c.WebServer.Host = host
	}
	if port := os.Getenv("BDWIND_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid BDWIND_PORT %q: %w", port, err)
		}
		c.WebServer.Port = p
	}
	if transform := os.Getenv("BDWIND_RELAY_TRANSFORM"); transform != "" {
		c.Relay.Transform = transform
	}
	if policy := os.Getenv("BDWIND_RELAY_DROP_POLICY"); policy != "" {
		c.Relay.DropPolicy = strings.ToLower(policy)
	}

	ApplyLoggingEnv(c.Logging)
	return nil
}
