package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0", cfg.WebServer.Host)
	assert.Equal(t, 8080, cfg.WebServer.Port)
	assert.Equal(t, "/ws", cfg.Relay.Path)
	assert.Equal(t, []string{"/socket.io/"}, cfg.Relay.LegacyPaths)
	assert.Equal(t, "edges", cfg.Relay.Transform)
	assert.Equal(t, 75, cfg.Relay.JPEGQuality)
	assert.Equal(t, DropPolicySilent, cfg.Relay.GetDropPolicy())
	assert.False(t, cfg.Metrics.External.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.Lifecycle.ShutdownTimeout)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad port", func(c *Config) { c.WebServer.Port = 70000 }},
		{"empty host", func(c *Config) { c.WebServer.Host = "" }},
		{"tls without cert", func(c *Config) { c.WebServer.EnableTLS = true }},
		{"relative relay path", func(c *Config) { c.Relay.Path = "ws" }},
		{"bad legacy path", func(c *Config) { c.Relay.LegacyPaths = []string{""} }},
		{"empty transform", func(c *Config) { c.Relay.Transform = " " }},
		{"jpeg quality", func(c *Config) { c.Relay.JPEGQuality = 101 }},
		{"drop policy", func(c *Config) { c.Relay.DropPolicy = "loud" }},
		{"send queue", func(c *Config) { c.Relay.SendQueueSize = 0 }},
		{"ping after pong", func(c *Config) { c.Relay.PingInterval = 2 * c.Relay.PongTimeout }},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"shutdown timeouts", func(c *Config) { c.Lifecycle.ForceShutdownTimeout = time.Hour }},
		{"metrics port conflict", func(c *Config) {
			c.Metrics.External.Enabled = true
			c.Metrics.External.Port = c.WebServer.Port
		}},
		{"metrics path", func(c *Config) {
			c.Metrics.External.Enabled = true
			c.Metrics.External.Path = "metrics"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseConfig_YAML(t *testing.T) {
	data := []byte(`
webserver:
  port: 8081
relay:
  transform: sobel
  drop_policy: notify
  max_connections: 4
  ping_interval: 20s
logging:
  level: debug
lifecycle:
  shutdown_timeout: 15s
`)

	cfg, err := ParseConfig(data, FileFormatYAML)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8081, cfg.WebServer.Port)
	assert.Equal(t, "0.0.0.0", cfg.WebServer.Host)
	assert.Equal(t, "sobel", cfg.Relay.Transform)
	assert.Equal(t, DropPolicyNotify, cfg.Relay.GetDropPolicy())
	assert.Equal(t, 4, cfg.Relay.MaxConnections)
	assert.Equal(t, 20*time.Second, cfg.Relay.PingInterval)
	assert.Equal(t, "/ws", cfg.Relay.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 15*time.Second, cfg.Lifecycle.ShutdownTimeout)
	assert.Equal(t, 10*time.Second, cfg.Lifecycle.ForceShutdownTimeout)
}

func TestParseConfig_TOML(t *testing.T) {
	data := []byte(`
[webserver]
host = "127.0.0.1"
port = 9000

[relay]
path = "/frames"
legacy_paths = []
jpeg_quality = 90

[metrics.external]
enabled = true
port = 9100
path = "/metrics"
host = "127.0.0.1"
`)

	cfg, err := ParseConfig(data, FileFormatTOML)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1", cfg.WebServer.Host)
	assert.Equal(t, 9000, cfg.WebServer.Port)
	assert.Equal(t, "/frames", cfg.Relay.Path)
	assert.Empty(t, cfg.Relay.LegacyPaths)
	assert.Equal(t, 90, cfg.Relay.JPEGQuality)
	assert.Equal(t, "edges", cfg.Relay.Transform)
	assert.Equal(t, "http://127.0.0.1:9100/metrics", cfg.Metrics.GetExternalEndpoint())
}

func TestParseConfig_Invalid(t *testing.T) {
	_, err := ParseConfig([]byte("relay: [unterminated"), FileFormatYAML)
	assert.Error(t, err)

	_, err = ParseConfig([]byte("[relay\n"), FileFormatTOML)
	assert.Error(t, err)

	_, err = ParseConfig([]byte("{}"), FileFormat("ini"))
	assert.Error(t, err)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("relay:\n  transform: identity\n"), 0644))
	cfg, err := LoadConfigFromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "identity", cfg.Relay.Transform)

	tomlPath := filepath.Join(dir, "relay.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("[relay]\ntransform = \"sobel\"\n"), 0644))
	cfg, err = LoadConfigFromFile(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, "sobel", cfg.Relay.Transform)

	badPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("relay:\n  drop_policy: loud\n"), 0644))
	_, err = LoadConfigFromFile(badPath)
	assert.Error(t, err)

	_, err = LoadConfigFromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_SaveToFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Relay.DropPolicy = string(DropPolicyNotify)
	cfg.WebServer.Port = 8081

	for _, name := range []string{"out.yaml", "out.toml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, cfg.SaveToFile(path))

		loaded, err := LoadConfigFromFile(path)
		require.NoError(t, err, name)
		assert.Equal(t, 8081, loaded.WebServer.Port, name)
		assert.Equal(t, DropPolicyNotify, loaded.Relay.GetDropPolicy(), name)
		assert.Equal(t, cfg.Relay.PingInterval, loaded.Relay.PingInterval, name)
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("BDWIND_HOST", "127.0.0.1")
	t.Setenv("BDWIND_PORT", "8081")
	t.Setenv("BDWIND_RELAY_TRANSFORM", "sobel")
	t.Setenv("BDWIND_RELAY_DROP_POLICY", "NOTIFY")
	t.Setenv("BDWIND_LOG_LEVEL", "DEBUG")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "127.0.0.1", cfg.WebServer.Host)
	assert.Equal(t, 8081, cfg.WebServer.Port)
	assert.Equal(t, "sobel", cfg.Relay.Transform)
	assert.Equal(t, DropPolicyNotify, cfg.Relay.GetDropPolicy())
	assert.Equal(t, "debug", cfg.Logging.Level)

	t.Setenv("BDWIND_PORT", "eighty")
	assert.Error(t, DefaultConfig().ApplyEnv())
}

func TestConfig_Merge(t *testing.T) {
	base := DefaultConfig()
	other := &Config{
		WebServer: &WebServerConfig{Port: 8081},
		Relay:     &RelayConfig{Transform: "sobel", DropPolicy: "notify"},
		Lifecycle: LifecycleConfig{StartupTimeout: 5 * time.Second},
	}

	require.NoError(t, base.Merge(other))
	assert.Equal(t, 8081, base.WebServer.Port)
	assert.Equal(t, "0.0.0.0", base.WebServer.Host)
	assert.Equal(t, "sobel", base.Relay.Transform)
	assert.Equal(t, "/ws", base.Relay.Path)
	assert.Equal(t, DropPolicyNotify, base.Relay.GetDropPolicy())
	assert.Equal(t, 5*time.Second, base.Lifecycle.StartupTimeout)
	assert.Equal(t, 30*time.Second, base.Lifecycle.ShutdownTimeout)

	require.NoError(t, base.Merge(nil))
}

func TestParseDropPolicy(t *testing.T) {
	p, err := ParseDropPolicy(" Silent ")
	require.NoError(t, err)
	assert.Equal(t, DropPolicySilent, p)

	p, err = ParseDropPolicy("notify")
	require.NoError(t, err)
	assert.Equal(t, DropPolicyNotify, p)

	_, err = ParseDropPolicy("")
	assert.Error(t, err)

	r := DefaultRelayConfig()
	r.DropPolicy = "bogus"
	assert.Equal(t, DropPolicySilent, r.GetDropPolicy())
}

func TestSetupLogger(t *testing.T) {
	defer SetGlobalLogLevel("info")

	cfg := DefaultLoggingConfig()
	cfg.Level = "debug"
	require.NoError(t, SetupLogger(cfg))
	assert.Equal(t, "debug", GetGlobalLogLevel())

	require.NoError(t, SetGlobalLogLevel("warn"))
	assert.Equal(t, "warning", GetGlobalLogLevel())
	assert.Error(t, SetGlobalLogLevel("loud"))

	cfg.Format = "xml"
	assert.Error(t, SetupLogger(cfg))
}

func TestSetupLogger_FileOutput(t *testing.T) {
	defer SetupLogger(DefaultLoggingConfig())

	path := filepath.Join(t.TempDir(), "relay.log")
	cfg := DefaultLoggingConfig()
	cfg.Output = LogOutputFile
	cfg.File = path
	cfg.Format = LogFormatJSON
	require.NoError(t, SetupLogger(cfg))

	GetLoggerWithPrefix("relay").Info("frame relayed")
	GetStandardLoggerWithPrefix("webserver-http").Print("http: TLS handshake error\n")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"frame relayed"`)
	assert.Contains(t, string(data), `"component":"relay"`)
	assert.Contains(t, string(data), `"msg":"http: TLS handshake error"`)

	// 切回标准输出后不再写入文件
	require.NoError(t, SetupLogger(DefaultLoggingConfig()))
	GetLoggerWithPrefix("relay").Info("after switch")
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "after switch")

	cfg.File = filepath.Join(t.TempDir(), "missing", "relay.log")
	assert.Error(t, SetupLogger(cfg))
}

func TestApplyLoggingEnv(t *testing.T) {
	t.Setenv("BDWIND_LOG_FORMAT", "JSON")
	t.Setenv("BDWIND_LOG_OUTPUT", "file")
	t.Setenv("BDWIND_LOG_FILE", "relay.log")
	t.Setenv("BDWIND_LOG_COLORS", "false")
	t.Setenv("BDWIND_LOG_CALLER", "TRUE")

	cfg := DefaultLoggingConfig()
	ApplyLoggingEnv(cfg)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, LogFormatJSON, cfg.Format)
	assert.Equal(t, LogOutputFile, cfg.Output)
	assert.True(t, filepath.IsAbs(cfg.File))
	assert.Equal(t, "relay.log", filepath.Base(cfg.File))
	assert.False(t, cfg.EnableColors)
	assert.True(t, cfg.EnableCaller)
	assert.True(t, cfg.EnableTimestamp)

	cfg.File = ""
	assert.Error(t, cfg.Validate())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  drop_policy: silent\n"), 0644))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg })
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(context.Background()))

	// 非法内容不触发回调
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  drop_policy: loud\n"), 0644))
	select {
	case <-reloaded:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("relay:\n  drop_policy: notify\n"), 0644))
	select {
	case cfg := <-reloaded:
		assert.Equal(t, DropPolicyNotify, cfg.Relay.GetDropPolicy())
	case <-time.After(5 * time.Second):
		t.Fatal("config reload not observed")
	}

	// 同目录其他文件不触发回调
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0644))
	select {
	case <-reloaded:
		t.Fatal("unrelated file must not trigger reload")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
}

func TestNewWatcher_Errors(t *testing.T) {
	_, err := NewWatcher("", func(*Config) {})
	assert.Error(t, err)

	_, err = NewWatcher("relay.yaml", nil)
	assert.Error(t, err)
}
