package metrics

import "errors"

var (
	// ErrInvalidMetricName 无效指标名称错误
	ErrInvalidMetricName = errors.New("metrics: invalid metric name")

	// ErrServerAlreadyRunning 服务器已运行错误
	ErrServerAlreadyRunning = errors.New("metrics: server already running")

	// ErrServerNotRunning 服务器未运行错误
	ErrServerNotRunning = errors.New("metrics: server not running")

	// ErrMetricAlreadyRegistered 指标已注册错误
	ErrMetricAlreadyRegistered = errors.New("metrics: metric already registered")

	// ErrMetricNotFound 指标未找到错误
	ErrMetricNotFound = errors.New("metrics: metric not found")
)
