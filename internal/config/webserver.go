package config

import (
	"fmt"
	"time"
)

// WebServerConfig Web服务器配置模块
type WebServerConfig struct {
	Host         string        `yaml:"host" json:"host" toml:"host"`
	Port         int           `yaml:"port" json:"port" toml:"port"`
	EnableTLS    bool          `yaml:"enable_tls" json:"enable_tls" toml:"enable_tls"`
	TLS          TLSConfig     `yaml:"tls" json:"tls" toml:"tls"`
	StaticDir    string        `yaml:"static_dir" json:"static_dir" toml:"static_dir"`
	DefaultFile  string        `yaml:"default_file" json:"default_file" toml:"default_file"`
	EnableCORS   bool          `yaml:"enable_cors" json:"enable_cors" toml:"enable_cors"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" toml:"read_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout" toml:"idle_timeout"`
}

// TLSConfig TLS配置
type TLSConfig struct {
	CertFile string `yaml:"cert_file" json:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file" toml:"key_file"`
}

// DefaultWebServerConfig 返回默认的WebServer配置
func DefaultWebServerConfig() *WebServerConfig {
	config := &WebServerConfig{}
	config.SetDefaults()
	return config
}

// SetDefaults 设置默认值
// StaticDir 为空时使用内嵌页面
func (c *WebServerConfig) SetDefaults() {
	c.Host = "0.0.0.0"
	c.Port = 8080
	c.EnableTLS = false
	c.StaticDir = ""
	c.DefaultFile = "index.html"
	c.EnableCORS = true
	c.ReadTimeout = 15 * time.Second
	c.IdleTimeout = 60 * time.Second
	c.TLS = TLSConfig{}
}

// Addr 返回监听地址
func (c *WebServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate 验证配置
func (c *WebServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Port)
	}

	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	if c.EnableTLS {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key file is required when TLS is enabled")
		}
	}

	if c.DefaultFile == "" {
		return fmt.Errorf("default file cannot be empty")
	}

	if c.ReadTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	return nil
}

// Merge 合并其他配置模块
func (c *WebServerConfig) Merge(other *WebServerConfig) error {
	if other == nil {
		return nil
	}

	// 合并非默认值
	if other.Host != "" && other.Host != "0.0.0.0" {
		c.Host = other.Host
	}
	if other.Port != 0 && other.Port != 8080 {
		c.Port = other.Port
	}
	if other.EnableTLS {
		c.EnableTLS = other.EnableTLS
	}
	if other.TLS.CertFile != "" {
		c.TLS.CertFile = other.TLS.CertFile
	}
	if other.TLS.KeyFile != "" {
		c.TLS.KeyFile = other.TLS.KeyFile
	}
	if other.StaticDir != "" {
		c.StaticDir = other.StaticDir
	}
	if other.DefaultFile != "" && other.DefaultFile != "index.html" {
		c.DefaultFile = other.DefaultFile
	}
	if other.EnableCORS {
		c.EnableCORS = other.EnableCORS
	}
	if other.ReadTimeout != 0 {
		c.ReadTimeout = other.ReadTimeout
	}
	if other.IdleTimeout != 0 {
		c.IdleTimeout = other.IdleTimeout
	}

	return nil
}
