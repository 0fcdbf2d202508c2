package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-relay/internal/codec"
	"github.com/open-beagle/bdwind-relay/internal/config"
	"github.com/open-beagle/bdwind-relay/internal/metrics"
)

// envelopeOverhead JSON 信封相对帧数据的余量
const envelopeOverhead = 1024

// SessionState 会话状态
type SessionState int32

const (
	StateOpen SessionState = iota
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionInfo 会话信息快照
type SessionInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	UserAgent   string    `json:"user_agent"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	FramesIn    uint64    `json:"frames_in"`
	UpdatesOut  uint64    `json:"updates_out"`
	Failures    uint64    `json:"failures"`
	Dropped     uint64    `json:"dropped"`
}

// Session 单个客户端连接
// 读循环同步处理帧，写协程独占连接的所有写操作
type Session struct {
	ID          string
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time

	conn    *websocket.Conn
	hub     *Hub
	cfg     *config.RelayConfig
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	metrics *metrics.RelayMetrics
	logger  *logrus.Entry

	state      atomic.Int32
	lastSeen   atomic.Int64
	framesIn   atomic.Uint64
	updatesOut atomic.Uint64
	failures   atomic.Uint64
	dropped    atomic.Uint64

	closeOnce sync.Once
}

func newSession(ctx context.Context, hub *Hub, conn *websocket.Conn, remoteAddr, userAgent string) *Session {
	now := time.Now()
	sessionCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()

	s := &Session{
		ID:          id,
		RemoteAddr:  remoteAddr,
		UserAgent:   userAgent,
		ConnectedAt: now,
		conn:        conn,
		hub:         hub,
		cfg:         hub.config,
		send:        make(chan []byte, hub.config.SendQueueSize),
		ctx:         sessionCtx,
		cancel:      cancel,
		metrics:     hub.metrics,
		logger:      config.GetLoggerWithPrefix("relay-session").WithField("session", id),
	}
	s.state.Store(int32(StateOpen))
	s.lastSeen.Store(now.UnixNano())
	return s
}

// State 当前状态
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Context 会话上下文，关闭时取消
func (s *Session) Context() context.Context {
	return s.ctx
}

// Close 关闭会话，可重复调用
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cancel()
		s.logger.Debug("Session closing")
	})
}

// Info 会话信息快照
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:          s.ID,
		RemoteAddr:  s.RemoteAddr,
		UserAgent:   s.UserAgent,
		State:       s.State().String(),
		ConnectedAt: s.ConnectedAt,
		LastSeen:    time.Unix(0, s.lastSeen.Load()),
		FramesIn:    s.framesIn.Load(),
		UpdatesOut:  s.updatesOut.Load(),
		Failures:    s.failures.Load(),
		Dropped:     s.dropped.Load(),
	}
}

// enqueue 放入发送队列，队列满时丢弃最旧的一条
func (s *Session) enqueue(message []byte) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}

	select {
	case <-s.ctx.Done():
		return ErrSessionClosed
	case s.send <- message:
		return nil
	default:
	}

	select {
	case <-s.send:
		s.dropped.Add(1)
		s.metrics.OutboundDropped()
	default:
	}

	select {
	case s.send <- message:
		return nil
	default:
		s.dropped.Add(1)
		s.metrics.OutboundDropped()
		return ErrSendQueueFull
	}
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// readPump 读取客户端消息，退出时关闭会话并注销
func (s *Session) readPump() {
	defer func() {
		s.Close()
		s.hub.unregister(s)
		s.logger.Infof("Session ended (connected for %v, frames: %d, updates: %d, failures: %d, dropped: %d)",
			time.Since(s.ConnectedAt).Round(time.Millisecond), s.framesIn.Load(), s.updatesOut.Load(),
			s.failures.Load(), s.dropped.Load())
	}()

	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		if err := s.readOne(); err != nil {
			switch {
			case s.ctx.Err() != nil:
				s.logger.Debugf("Read loop stopped: %v", err)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived):
				s.logger.Warnf("Connection lost unexpectedly: %v", err)
			default:
				s.logger.Debugf("Connection closed: %v", err)
			}
			return
		}

		if s.ctx.Err() != nil {
			return
		}
	}
}

// readOne 读取并处理一条消息，只有连接错误才返回 error
func (s *Session) readOne() error {
	messageType, reader, err := s.conn.NextReader()
	if err != nil {
		return err
	}

	message, oversized, err := readLimited(reader, s.hub.Pipeline().Codec().Options().MaxPayloadBytes)
	if err != nil {
		return err
	}

	s.touch()
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout)); err != nil {
		return err
	}

	switch {
	case oversized > 0:
		s.dropOversized(oversized)
	case messageType != websocket.TextMessage:
		s.logger.Debugf("Ignoring non-text message (type: %d, length: %d)", messageType, len(message))
		s.metrics.InvalidMessage()
	default:
		s.handleMessage(message)
	}
	return nil
}

// readLimited 读取一条消息，超过上限时丢弃剩余内容并返回消息总长度
// limit 为 0 表示不限制
func readLimited(r io.Reader, limit int) ([]byte, int64, error) {
	if limit <= 0 {
		data, err := io.ReadAll(r)
		return data, 0, err
	}

	// 为信封留出余量，余量内的超限帧由解码器拒绝
	ceiling := int64(limit) + envelopeOverhead
	data, err := io.ReadAll(io.LimitReader(r, ceiling+1))
	if err != nil {
		return nil, 0, err
	}
	if int64(len(data)) <= ceiling {
		return data, 0, nil
	}

	rest, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, 0, err
	}
	return nil, int64(len(data)) + rest, nil
}

// dropOversized 按失败策略丢弃超限消息，连接保持
func (s *Session) dropOversized(size int64) {
	s.framesIn.Add(1)
	s.metrics.FrameReceived(int(size))

	err := &FrameError{
		Stage: StageDecode,
		Err: &codec.DecodeError{
			Reason: codec.ErrPayloadTooLarge,
			Cause:  fmt.Errorf("message of %d bytes exceeds limit", size),
		},
	}
	s.dropFrame(err, 0)
}

// handleMessage 分发一条文本消息
func (s *Session) handleMessage(message []byte) {
	env, err := ParseEnvelope(message)
	if err != nil {
		s.logger.Debugf("Ignoring message: %v", err)
		s.metrics.InvalidMessage()
		return
	}

	switch env.Event {
	case EventImage:
		s.handleFrame(codec.EncodedFrame(env.Data))
	default:
		s.logger.Debugf("Ignoring unknown event %q", env.Event)
		s.metrics.InvalidMessage()
	}
}

// handleFrame 处理一帧并回送结果
func (s *Session) handleFrame(frame codec.EncodedFrame) {
	s.framesIn.Add(1)
	s.metrics.FrameReceived(len(frame))

	start := time.Now()
	out, err := s.hub.Pipeline().Process(frame)
	elapsed := time.Since(start)

	// 会话已关闭，结果丢弃
	if s.ctx.Err() != nil {
		return
	}

	if err != nil {
		s.dropFrame(err, elapsed)
		return
	}

	s.metrics.FrameProcessed(metrics.ResultOK, elapsed)
	if err := s.enqueue(newEnvelope(EventUpdate, string(out))); err != nil {
		s.logger.Debugf("Update not queued: %v", err)
		return
	}
	s.updatesOut.Add(1)
	s.metrics.UpdateSent(len(out))

	s.logger.Tracef("Frame processed in %v (in: %d bytes, out: %d bytes)", elapsed, len(frame), len(out))
}

// dropFrame 记录失败帧，notify 策略下通知客户端
func (s *Session) dropFrame(err error, elapsed time.Duration) {
	s.failures.Add(1)

	var frameErr *FrameError
	result := metrics.ResultDecode
	if errors.As(err, &frameErr) {
		result = string(frameErr.Stage)
	}
	s.metrics.FrameProcessed(result, elapsed)

	s.logger.Debugf("Dropping frame: %v", err)
	if s.hub.DropPolicy() == config.DropPolicyNotify {
		if qerr := s.enqueue(newEnvelope(EventError, err.Error())); qerr != nil {
			s.logger.Debugf("Error notification not queued: %v", qerr)
		}
	}
}

// writePump 向客户端写消息与心跳
func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
			return

		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debugf("Write failed: %v", err)
				s.Close()
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debugf("Ping failed: %v", err)
				s.Close()
				return
			}
		}
	}
}
