package metrics

import (
	"sync/atomic"
	"time"
)

// 帧处理结果标签
const (
	ResultOK        = "ok"
	ResultDecode    = "decode"
	ResultTransform = "transform"
	ResultEncode    = "encode"
)

// RelayMetrics 帧中继指标收集器
// 同时维护 Prometheus 指标与进程内快照，快照供 REST 接口使用
type RelayMetrics struct {
	activeSessions    Gauge
	sessionsTotal     Counter
	rejectedTotal     Counter
	framesTotal       Counter
	processingSeconds Histogram
	bytesReceived     Counter
	bytesSent         Counter
	outboundDropped   Counter
	invalidMessages   Counter

	active          atomic.Int64
	sessions        atomic.Uint64
	rejected        atomic.Uint64
	framesOK        atomic.Uint64
	framesFailed    atomic.Uint64
	inBytes         atomic.Uint64
	outBytes        atomic.Uint64
	dropped         atomic.Uint64
	invalid         atomic.Uint64
	processingNanos atomic.Int64
}

// RelayStats 中继统计快照
type RelayStats struct {
	ActiveSessions     int64   `json:"active_sessions"`
	SessionsTotal      uint64  `json:"sessions_total"`
	RejectedTotal      uint64  `json:"rejected_total"`
	FramesProcessed    uint64  `json:"frames_processed"`
	FramesFailed       uint64  `json:"frames_failed"`
	BytesReceived      uint64  `json:"bytes_received"`
	BytesSent          uint64  `json:"bytes_sent"`
	OutboundDropped    uint64  `json:"outbound_dropped"`
	InvalidMessages    uint64  `json:"invalid_messages"`
	AvgProcessingMilli float64 `json:"avg_processing_ms"`
}

// NewRelayMetrics 创建帧中继指标收集器
func NewRelayMetrics(metrics Metrics) (*RelayMetrics, error) {
	rm := &RelayMetrics{}

	var err error

	rm.activeSessions, err = metrics.RegisterGauge(
		"active_sessions",
		"Number of open relay sessions",
		nil,
	)
	if err != nil {
		return nil, err
	}

	rm.sessionsTotal, err = metrics.RegisterCounter(
		"sessions_total",
		"Total relay sessions accepted",
		nil,
	)
	if err != nil {
		return nil, err
	}

	rm.rejectedTotal, err = metrics.RegisterCounter(
		"sessions_rejected_total",
		"Total upgrade requests rejected",
		[]string{"reason"},
	)
	if err != nil {
		return nil, err
	}

	rm.framesTotal, err = metrics.RegisterCounter(
		"frames_total",
		"Total inbound frames by processing result",
		[]string{"result"},
	)
	if err != nil {
		return nil, err
	}

	processingBuckets := []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	rm.processingSeconds, err = metrics.RegisterHistogram(
		"frame_processing_seconds",
		"Time spent decoding, transforming and encoding one frame",
		[]string{"result"},
		processingBuckets,
	)
	if err != nil {
		return nil, err
	}

	rm.bytesReceived, err = metrics.RegisterCounter(
		"received_bytes_total",
		"Total inbound frame payload bytes",
		nil,
	)
	if err != nil {
		return nil, err
	}

	rm.bytesSent, err = metrics.RegisterCounter(
		"sent_bytes_total",
		"Total outbound update payload bytes",
		nil,
	)
	if err != nil {
		return nil, err
	}

	rm.outboundDropped, err = metrics.RegisterCounter(
		"outbound_dropped_total",
		"Outbound messages dropped because the send queue was full",
		nil,
	)
	if err != nil {
		return nil, err
	}

	rm.invalidMessages, err = metrics.RegisterCounter(
		"invalid_messages_total",
		"Inbound messages that were not a recognized event envelope",
		nil,
	)
	if err != nil {
		return nil, err
	}

	return rm, nil
}

// SessionOpened 记录会话建立
func (rm *RelayMetrics) SessionOpened() {
	if rm == nil {
		return
	}
	rm.active.Add(1)
	rm.sessions.Add(1)
	rm.activeSessions.Inc()
	rm.sessionsTotal.Inc()
}

// SessionClosed 记录会话关闭
func (rm *RelayMetrics) SessionClosed() {
	if rm == nil {
		return
	}
	rm.active.Add(-1)
	rm.activeSessions.Dec()
}

// SessionRejected 记录被拒绝的升级请求
func (rm *RelayMetrics) SessionRejected(reason string) {
	if rm == nil {
		return
	}
	rm.rejected.Add(1)
	rm.rejectedTotal.Inc(reason)
}

// FrameReceived 记录收到的帧
func (rm *RelayMetrics) FrameReceived(size int) {
	if rm == nil {
		return
	}
	rm.inBytes.Add(uint64(size))
	rm.bytesReceived.Add(float64(size))
}

// FrameProcessed 记录帧处理结果，result 为 ResultOK 或失败阶段
func (rm *RelayMetrics) FrameProcessed(result string, elapsed time.Duration) {
	if rm == nil {
		return
	}
	if result == ResultOK {
		rm.framesOK.Add(1)
	} else {
		rm.framesFailed.Add(1)
	}
	rm.processingNanos.Add(int64(elapsed))
	rm.framesTotal.Inc(result)
	rm.processingSeconds.Observe(elapsed.Seconds(), result)
}

// UpdateSent 记录发出的 update 负载
func (rm *RelayMetrics) UpdateSent(size int) {
	if rm == nil {
		return
	}
	rm.outBytes.Add(uint64(size))
	rm.bytesSent.Add(float64(size))
}

// OutboundDropped 记录因队列满而丢弃的出站消息
func (rm *RelayMetrics) OutboundDropped() {
	if rm == nil {
		return
	}
	rm.dropped.Add(1)
	rm.outboundDropped.Inc()
}

// InvalidMessage 记录无法识别的入站消息
func (rm *RelayMetrics) InvalidMessage() {
	if rm == nil {
		return
	}
	rm.invalid.Add(1)
	rm.invalidMessages.Inc()
}

// Snapshot 获取统计快照
func (rm *RelayMetrics) Snapshot() RelayStats {
	if rm == nil {
		return RelayStats{}
	}

	stats := RelayStats{
		ActiveSessions:  rm.active.Load(),
		SessionsTotal:   rm.sessions.Load(),
		RejectedTotal:   rm.rejected.Load(),
		FramesProcessed: rm.framesOK.Load(),
		FramesFailed:    rm.framesFailed.Load(),
		BytesReceived:   rm.inBytes.Load(),
		BytesSent:       rm.outBytes.Load(),
		OutboundDropped: rm.dropped.Load(),
		InvalidMessages: rm.invalid.Load(),
	}

	if frames := stats.FramesProcessed + stats.FramesFailed; frames > 0 {
		avg := time.Duration(rm.processingNanos.Load() / int64(frames))
		stats.AvgProcessingMilli = float64(avg.Microseconds()) / 1000
	}

	return stats
}
