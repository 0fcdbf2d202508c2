package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	LogFormatText = "text"
	LogFormatJSON = "json"

	LogOutputStdout = "stdout"
	LogOutputStderr = "stderr"
	LogOutputFile   = "file"

	logTimestampFormat = "2006-01-02 15:04:05.000"
)

var (
	logFormats = map[string]bool{LogFormatText: true, LogFormatJSON: true}
	logOutputs = map[string]bool{LogOutputStdout: true, LogOutputStderr: true, LogOutputFile: true}
)

// LoggingConfig 日志配置，热更新时只有 Level 会被重新应用
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" toml:"level"`
	Format string `yaml:"format" json:"format" toml:"format"`
	Output string `yaml:"output" json:"output" toml:"output"`
	// File Output 为 file 时的日志路径
	File string `yaml:"file" json:"file" toml:"file"`

	EnableTimestamp bool `yaml:"enable_timestamp" json:"enable_timestamp" toml:"enable_timestamp"`
	EnableCaller    bool `yaml:"enable_caller" json:"enable_caller" toml:"enable_caller"`
	EnableColors    bool `yaml:"enable_colors" json:"enable_colors" toml:"enable_colors"`
}

// DefaultLoggingConfig 返回默认日志配置
func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{
		Level:           "info",
		Format:          LogFormatText,
		Output:          LogOutputStdout,
		EnableTimestamp: true,
		EnableColors:    true,
	}
}

// Validate 验证日志配置
func (c *LoggingConfig) Validate() error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Level)
	}
	if !logFormats[c.Format] {
		return fmt.Errorf("invalid log format %q (text, json)", c.Format)
	}
	if !logOutputs[c.Output] {
		return fmt.Errorf("invalid log output %q (stdout, stderr, file)", c.Output)
	}
	if c.Output == LogOutputFile && c.File == "" {
		return fmt.Errorf("log output is file but no log file is set")
	}
	return nil
}

// Merge 用 other 中的非空字段覆盖当前配置
func (c *LoggingConfig) Merge(other *LoggingConfig) error {
	if other == nil {
		return nil
	}

	for dst, src := range map[*string]string{
		&c.Level:  other.Level,
		&c.Format: other.Format,
		&c.Output: other.Output,
	} {
		if src != "" {
			*dst = src
		}
	}
	if other.File != "" {
		c.File = absLogPath(other.File)
	}
	c.EnableTimestamp = other.EnableTimestamp
	c.EnableCaller = other.EnableCaller
	c.EnableColors = other.EnableColors

	return c.Validate()
}

// ApplyLoggingEnv 用 BDWIND_LOG_* 环境变量覆盖日志配置
func ApplyLoggingEnv(c *LoggingConfig) {
	if level := os.Getenv("BDWIND_LOG_LEVEL"); level != "" {
		c.Level = strings.ToLower(level)
	}
	if format := os.Getenv("BDWIND_LOG_FORMAT"); format != "" {
		c.Format = strings.ToLower(format)
	}
	if output := os.Getenv("BDWIND_LOG_OUTPUT"); output != "" {
		c.Output = strings.ToLower(output)
	}
	if file := os.Getenv("BDWIND_LOG_FILE"); file != "" {
		c.File = absLogPath(file)
	}

	for name, flag := range map[string]*bool{
		"BDWIND_LOG_TIMESTAMP": &c.EnableTimestamp,
		"BDWIND_LOG_CALLER":    &c.EnableCaller,
		"BDWIND_LOG_COLORS":    &c.EnableColors,
	} {
		if v := os.Getenv(name); v != "" {
			*flag = strings.EqualFold(v, "true")
		}
	}
}

// logFile 当前打开的日志文件，切换输出时关闭
var (
	logFileMu sync.Mutex
	logFile   *os.File
)

// SetupLogger 按配置设置全局 logrus
func SetupLogger(c *LoggingConfig) error {
	if c == nil {
		c = DefaultLoggingConfig()
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	output, err := openLogOutput(c)
	if err != nil {
		return err
	}

	level, _ := logrus.ParseLevel(c.Level)
	logrus.SetLevel(level)
	logrus.SetOutput(output)
	logrus.SetFormatter(newLogFormatter(c))
	logrus.SetReportCaller(c.EnableCaller)
	return nil
}

func openLogOutput(c *LoggingConfig) (io.Writer, error) {
	var output io.Writer
	var file *os.File

	switch c.Output {
	case LogOutputStderr:
		output = os.Stderr
	case LogOutputFile:
		f, err := os.OpenFile(c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", c.File, err)
		}
		file, output = f, f
	default:
		output = os.Stdout
	}

	logFileMu.Lock()
	previous := logFile
	logFile = file
	logFileMu.Unlock()

	if previous != nil && previous != file {
		previous.Close()
	}
	return output, nil
}

func newLogFormatter(c *LoggingConfig) logrus.Formatter {
	if c.Format == LogFormatJSON {
		return &logrus.JSONFormatter{TimestampFormat: logTimestampFormat}
	}
	// 写文件时不输出颜色控制符
	colors := c.EnableColors && c.Output != LogOutputFile
	return &logrus.TextFormatter{
		TimestampFormat: logTimestampFormat,
		FullTimestamp:   c.EnableTimestamp,
		ForceColors:     colors,
		DisableColors:   !colors,
	}
}

// ParseLogLevel 规范化日志等级，非法时返回 info 与错误
func ParseLogLevel(level string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if _, err := logrus.ParseLevel(normalized); err != nil {
		return "info", fmt.Errorf("invalid log level: %s", level)
	}
	return normalized, nil
}

// GetLoggerWithPrefix 返回带 component 字段的 logger
func GetLoggerWithPrefix(prefix string) *logrus.Entry {
	return logrus.WithField("component", prefix)
}

// SetGlobalLogLevel 热更新全局日志等级
func SetGlobalLogLevel(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(parsed)
	return nil
}

func GetGlobalLogLevel() string {
	return logrus.GetLevel().String()
}

// GetStandardLoggerWithPrefix 返回写入 logrus 的 *log.Logger，用于 http.Server.ErrorLog
func GetStandardLoggerWithPrefix(prefix string) *log.Logger {
	return log.New(errorLogWriter{GetLoggerWithPrefix(prefix)}, "", 0)
}

type errorLogWriter struct {
	entry *logrus.Entry
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.entry.Warn(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func absLogPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
