package config

import (
	"fmt"
	"strings"
	"time"
)

// DropPolicy 帧处理失败时的处理策略
type DropPolicy string

const (
	// DropPolicySilent 只记录日志，不通知客户端
	DropPolicySilent DropPolicy = "silent"

	// DropPolicyNotify 向客户端发送 error 事件
	DropPolicyNotify DropPolicy = "notify"
)

// ParseDropPolicy 解析策略名称
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch p := DropPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case DropPolicySilent, DropPolicyNotify:
		return p, nil
	default:
		return "", fmt.Errorf("invalid drop policy %q (must be 'silent' or 'notify')", s)
	}
}

// RelayConfig 帧中继配置模块
type RelayConfig struct {
	// WebSocket 升级路径
	Path string `yaml:"path" json:"path" toml:"path"`

	// 兼容旧客户端的额外升级路径
	LegacyPaths []string `yaml:"legacy_paths" json:"legacy_paths" toml:"legacy_paths"`

	// 图像变换名称 (edges, sobel, identity)
	Transform string `yaml:"transform" json:"transform" toml:"transform"`

	// 输出 JPEG 质量 (1-100)
	JPEGQuality int `yaml:"jpeg_quality" json:"jpeg_quality" toml:"jpeg_quality"`

	// 单帧 data URI 最大字节数
	MaxPayloadBytes int `yaml:"max_payload_bytes" json:"max_payload_bytes" toml:"max_payload_bytes"`

	// 帧处理失败策略
	DropPolicy string `yaml:"drop_policy" json:"drop_policy" toml:"drop_policy"`

	// 最大并发连接数，0 表示不限制
	MaxConnections int `yaml:"max_connections" json:"max_connections" toml:"max_connections"`

	// 每个连接的发送队列长度
	SendQueueSize int `yaml:"send_queue_size" json:"send_queue_size" toml:"send_queue_size"`

	// WebSocket 读写缓冲区
	ReadBufferSize  int `yaml:"read_buffer_size" json:"read_buffer_size" toml:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size" json:"write_buffer_size" toml:"write_buffer_size"`

	// 心跳与超时
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval" toml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout" json:"pong_timeout" toml:"pong_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" toml:"write_timeout"`
}

// DefaultRelayConfig 返回默认的中继配置
func DefaultRelayConfig() *RelayConfig {
	config := &RelayConfig{}
	config.SetDefaults()
	return config
}

// SetDefaults 设置默认值
func (c *RelayConfig) SetDefaults() {
	c.Path = "/ws"
	c.LegacyPaths = []string{"/socket.io/"}
	c.Transform = "edges"
	c.JPEGQuality = 75
	c.MaxPayloadBytes = 8 << 20
	c.DropPolicy = string(DropPolicySilent)
	c.MaxConnections = 0
	c.SendQueueSize = 16
	c.ReadBufferSize = 4096
	c.WriteBufferSize = 4096
	c.PingInterval = 54 * time.Second
	c.PongTimeout = 60 * time.Second
	c.WriteTimeout = 10 * time.Second
}

// Validate 验证配置
func (c *RelayConfig) Validate() error {
	if err := validatePath(c.Path); err != nil {
		return fmt.Errorf("invalid relay path: %w", err)
	}
	for _, p := range c.LegacyPaths {
		if err := validatePath(p); err != nil {
			return fmt.Errorf("invalid legacy path: %w", err)
		}
	}

	if strings.TrimSpace(c.Transform) == "" {
		return fmt.Errorf("transform cannot be empty")
	}

	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality must be between 1 and 100, got: %d", c.JPEGQuality)
	}

	if c.MaxPayloadBytes < 0 {
		return fmt.Errorf("max payload bytes cannot be negative, got: %d", c.MaxPayloadBytes)
	}

	if _, err := ParseDropPolicy(c.DropPolicy); err != nil {
		return err
	}

	if c.MaxConnections < 0 {
		return fmt.Errorf("max connections cannot be negative, got: %d", c.MaxConnections)
	}

	if c.SendQueueSize < 1 {
		return fmt.Errorf("send queue size must be positive, got: %d", c.SendQueueSize)
	}

	if c.ReadBufferSize < 0 || c.WriteBufferSize < 0 {
		return fmt.Errorf("buffer sizes cannot be negative")
	}

	if c.PingInterval <= 0 || c.PongTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("ping interval, pong timeout and write timeout must be positive")
	}

	if c.PingInterval >= c.PongTimeout {
		return fmt.Errorf("ping interval (%v) must be shorter than pong timeout (%v)", c.PingInterval, c.PongTimeout)
	}

	return nil
}

func validatePath(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("path must start with '/': %q", p)
	}
	return nil
}

// GetDropPolicy 返回解析后的策略，非法值回退为 silent
func (c *RelayConfig) GetDropPolicy() DropPolicy {
	p, err := ParseDropPolicy(c.DropPolicy)
	if err != nil {
		return DropPolicySilent
	}
	return p
}

// Merge 合并其他配置模块
func (c *RelayConfig) Merge(other *RelayConfig) error {
	if other == nil {
		return nil
	}

	if other.Path != "" {
		c.Path = other.Path
	}
	if other.LegacyPaths != nil {
		c.LegacyPaths = append([]string(nil), other.LegacyPaths...)
	}
	if other.Transform != "" {
		c.Transform = other.Transform
	}
	if other.JPEGQuality != 0 {
		c.JPEGQuality = other.JPEGQuality
	}
	if other.MaxPayloadBytes != 0 {
		c.MaxPayloadBytes = other.MaxPayloadBytes
	}
	if other.DropPolicy != "" {
		c.DropPolicy = other.DropPolicy
	}
	if other.MaxConnections != 0 {
		c.MaxConnections = other.MaxConnections
	}
	if other.SendQueueSize != 0 {
		c.SendQueueSize = other.SendQueueSize
	}
	if other.ReadBufferSize != 0 {
		c.ReadBufferSize = other.ReadBufferSize
	}
	if other.WriteBufferSize != 0 {
		c.WriteBufferSize = other.WriteBufferSize
	}
	if other.PingInterval != 0 {
		c.PingInterval = other.PingInterval
	}
	if other.PongTimeout != 0 {
		c.PongTimeout = other.PongTimeout
	}
	if other.WriteTimeout != 0 {
		c.WriteTimeout = other.WriteTimeout
	}

	return nil
}
