package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEnvelope 无法解析的消息
	ErrInvalidEnvelope = errors.New("relay: invalid message envelope")

	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("relay: session closed")

	// ErrSendQueueFull 发送队列已满
	ErrSendQueueFull = errors.New("relay: send queue full")

	// ErrHubNotRunning 中继未运行
	ErrHubNotRunning = errors.New("relay: hub not running")

	// ErrTooManyConnections 连接数达到上限
	ErrTooManyConnections = errors.New("relay: too many connections")

	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("relay: session not found")
)

// Stage 帧处理阶段
type Stage string

const (
	StageDecode    Stage = "decode"
	StageTransform Stage = "transform"
	StageEncode    Stage = "encode"
)

// FrameError 单帧处理失败，帧被整体丢弃，连接保持
type FrameError struct {
	Stage Stage
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}
