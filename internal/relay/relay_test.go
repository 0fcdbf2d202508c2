package relay

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-beagle/bdwind-relay/internal/codec"
	"github.com/open-beagle/bdwind-relay/internal/config"
	"github.com/open-beagle/bdwind-relay/internal/metrics"
	"github.com/open-beagle/bdwind-relay/internal/transform"
)

// testFrame 生成带竖直边缘的 PNG data URI
func testFrame(t *testing.T, w, h int) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(0)
			if x >= w/2 {
				v = 255
			}
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}

	frame, err := codec.Encode(img, codec.FormatPNG)
	require.NoError(t, err)
	return string(frame)
}

type testRelay struct {
	hub     *Hub
	server  *httptest.Server
	metrics *metrics.RelayMetrics
}

func newTestRelay(t *testing.T, mutate func(cfg *config.RelayConfig)) *testRelay {
	t.Helper()

	cfg := config.DefaultRelayConfig()
	if mutate != nil {
		mutate(cfg)
	}

	relayMetrics, err := metrics.NewRelayMetrics(metrics.NewMetrics(metrics.Options{}))
	require.NoError(t, err)

	hub, err := NewHub(context.Background(), cfg, nil, relayMetrics)
	require.NoError(t, err)
	require.NoError(t, hub.Start(context.Background()))

	router := mux.NewRouter()
	require.NoError(t, hub.SetupRoutes(router))
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hub.Stop(ctx)
		server.Close()
	})

	return &testRelay{hub: hub, server: server, metrics: relayMetrics}
}

func (r *testRelay) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + path
}

func (r *testRelay) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(r.wsURL(path), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event, data string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Envelope{Event: event, Data: data}))
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func requireUpdate(t *testing.T, env Envelope, w, h int) {
	t.Helper()

	require.Equal(t, EventUpdate, env.Event)
	require.True(t, strings.HasPrefix(env.Data, "data:image/jpeg;base64,"))

	img, err := codec.Decode(codec.EncodedFrame(env.Data))
	require.NoError(t, err)
	gotW, gotH := codec.Dimensions(img)
	assert.Equal(t, w, gotW)
	assert.Equal(t, h, gotH)
}

func TestRelay_SingleFrame(t *testing.T) {
	r := newTestRelay(t, nil)
	conn := r.dial(t, "/ws")

	sendEvent(t, conn, EventImage, testFrame(t, 64, 64))
	requireUpdate(t, readEvent(t, conn), 64, 64)

	stats := r.metrics.Snapshot()
	assert.Equal(t, uint64(1), stats.FramesProcessed)
	assert.Equal(t, uint64(0), stats.FramesFailed)
}

func TestRelay_LegacyPath(t *testing.T) {
	r := newTestRelay(t, nil)
	conn := r.dial(t, "/socket.io/")

	sendEvent(t, conn, EventImage, testFrame(t, 32, 16))
	requireUpdate(t, readEvent(t, conn), 32, 16)
}

func TestRelay_MalformedFrameIsDroppedSilently(t *testing.T) {
	r := newTestRelay(t, nil)
	conn := r.dial(t, "/ws")

	sendEvent(t, conn, EventImage, "garbage")
	sendEvent(t, conn, EventImage, "data:image/png;base64,####")
	sendEvent(t, conn, EventImage, testFrame(t, 64, 64))

	// 前两帧没有任何回应，第一条消息就是有效帧的结果
	requireUpdate(t, readEvent(t, conn), 64, 64)

	stats := r.metrics.Snapshot()
	assert.Equal(t, uint64(2), stats.FramesFailed)
	assert.Equal(t, uint64(1), stats.FramesProcessed)

	require.Eventually(t, func() bool {
		sessions := r.hub.Sessions()
		return len(sessions) == 1 && sessions[0].UpdatesOut == 1
	}, 2*time.Second, 10*time.Millisecond)

	sessions := r.hub.Sessions()
	assert.Equal(t, uint64(3), sessions[0].FramesIn)
	assert.Equal(t, uint64(2), sessions[0].Failures)
	assert.Equal(t, "open", sessions[0].State)
}

func TestRelay_EachFrameGetsOneUpdate(t *testing.T) {
	r := newTestRelay(t, nil)
	conn := r.dial(t, "/ws")

	sendEvent(t, conn, EventImage, testFrame(t, 64, 64))
	sendEvent(t, conn, EventImage, testFrame(t, 48, 24))

	requireUpdate(t, readEvent(t, conn), 64, 64)
	requireUpdate(t, readEvent(t, conn), 48, 24)
}

func TestRelay_NotifyPolicy(t *testing.T) {
	r := newTestRelay(t, func(cfg *config.RelayConfig) {
		cfg.DropPolicy = string(config.DropPolicyNotify)
	})
	conn := r.dial(t, "/ws")

	sendEvent(t, conn, EventImage, "garbage")
	env := readEvent(t, conn)
	assert.Equal(t, EventError, env.Event)
	assert.True(t, strings.HasPrefix(env.Data, "decode: "), env.Data)

	// 连接仍然可用
	sendEvent(t, conn, EventImage, testFrame(t, 64, 64))
	requireUpdate(t, readEvent(t, conn), 64, 64)
}

// noisyFrame 生成压缩率很低的 PNG 帧
func noisyFrame(t *testing.T, w, h int) string {
	t.Helper()

	rng := rand.New(rand.NewSource(1))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng.Read(img.Pix)

	frame, err := codec.Encode(img, codec.FormatPNG)
	require.NoError(t, err)
	return string(frame)
}

func TestRelay_OversizedFrameKeepsConnection(t *testing.T) {
	r := newTestRelay(t, func(cfg *config.RelayConfig) {
		cfg.MaxPayloadBytes = 4096
		cfg.DropPolicy = string(config.DropPolicyNotify)
	})
	conn := r.dial(t, "/ws")

	// 远超上限的消息在读取时丢弃
	sendEvent(t, conn, EventImage, "data:image/png;base64,"+strings.Repeat("A", 64*1024))
	env := readEvent(t, conn)
	assert.Equal(t, EventError, env.Event)
	assert.True(t, strings.HasPrefix(env.Data, "decode: "), env.Data)
	assert.Contains(t, env.Data, codec.ErrPayloadTooLarge.Error())

	// 略超上限的帧由解码器拒绝
	sendEvent(t, conn, EventImage, "data:image/png;base64,"+strings.Repeat("A", 4200))
	env = readEvent(t, conn)
	assert.Equal(t, EventError, env.Event)
	assert.Contains(t, env.Data, codec.ErrPayloadTooLarge.Error())

	sendEvent(t, conn, EventImage, testFrame(t, 16, 16))
	requireUpdate(t, readEvent(t, conn), 16, 16)

	stats := r.metrics.Snapshot()
	assert.Equal(t, uint64(2), stats.FramesFailed)
	assert.Equal(t, uint64(1), stats.FramesProcessed)
}

func TestRelay_ReconfigurePayloadLimit(t *testing.T) {
	r := newTestRelay(t, func(cfg *config.RelayConfig) {
		cfg.MaxPayloadBytes = 4096
	})
	conn := r.dial(t, "/ws")

	frame := noisyFrame(t, 128, 128)
	require.Greater(t, len(frame), 4096+1024)

	cfg := config.DefaultRelayConfig()
	cfg.MaxPayloadBytes = 1 << 20
	require.NoError(t, r.hub.Reconfigure(cfg))

	sendEvent(t, conn, EventImage, frame)
	requireUpdate(t, readEvent(t, conn), 128, 128)
}

func TestSession_EnqueueKeepsNewest(t *testing.T) {
	relayMetrics, err := metrics.NewRelayMetrics(metrics.NewMetrics(metrics.Options{}))
	require.NoError(t, err)

	cfg := config.DefaultRelayConfig()
	cfg.SendQueueSize = 1
	hub, err := NewHub(context.Background(), cfg, nil, relayMetrics)
	require.NoError(t, err)

	s := newSession(context.Background(), hub, nil, "127.0.0.1:1", "test")
	require.NoError(t, s.enqueue([]byte("frame-1")))
	require.NoError(t, s.enqueue([]byte("frame-2")))
	require.NoError(t, s.enqueue([]byte("frame-3")))

	require.Len(t, s.send, 1)
	assert.Equal(t, "frame-3", string(<-s.send))
	assert.Equal(t, uint64(2), s.Info().Dropped)
	assert.Equal(t, uint64(2), relayMetrics.Snapshot().OutboundDropped)

	s.Close()
	assert.ErrorIs(t, s.enqueue([]byte("frame-4")), ErrSessionClosed)
}

func TestRelay_IgnoresUnknownMessages(t *testing.T) {
	r := newTestRelay(t, func(cfg *config.RelayConfig) {
		cfg.DropPolicy = string(config.DropPolicyNotify)
	})
	conn := r.dial(t, "/ws")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	sendEvent(t, conn, "hello", "world")
	sendEvent(t, conn, EventImage, testFrame(t, 16, 16))

	requireUpdate(t, readEvent(t, conn), 16, 16)
	assert.Equal(t, uint64(3), r.metrics.Snapshot().InvalidMessages)
}

func TestRelay_ConnectionsAreIndependent(t *testing.T) {
	r := newTestRelay(t, nil)
	a := r.dial(t, "/ws")
	b := r.dial(t, "/ws")

	sendEvent(t, a, EventImage, "garbage")
	sendEvent(t, b, EventImage, testFrame(t, 20, 10))
	sendEvent(t, a, EventImage, testFrame(t, 10, 20))

	requireUpdate(t, readEvent(t, b), 20, 10)
	requireUpdate(t, readEvent(t, a), 10, 20)
	assert.Equal(t, 2, r.hub.SessionCount())
}

func TestRelay_MaxConnections(t *testing.T) {
	r := newTestRelay(t, func(cfg *config.RelayConfig) {
		cfg.MaxConnections = 1
	})
	r.dial(t, "/ws")
	require.Eventually(t, func() bool { return r.hub.SessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(r.wsURL("/ws"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, uint64(1), r.metrics.Snapshot().RejectedTotal)
}

func TestRelay_StopClosesSessions(t *testing.T) {
	r := newTestRelay(t, nil)
	conn := r.dial(t, "/ws")

	require.Eventually(t, func() bool { return r.hub.SessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	health, err := r.hub.HealthCheck()
	require.NoError(t, err)
	assert.Equal(t, 1, health["sessions"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.hub.Stop(ctx))
	assert.False(t, r.hub.IsRunning())
	_, err = r.hub.HealthCheck()
	assert.ErrorIs(t, err, ErrHubNotRunning)
	assert.Equal(t, 0, r.hub.SessionCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())

	// 停止后拒绝新连接
	_, resp, err := websocket.DefaultDialer.Dial(r.wsURL("/ws"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Error(t, r.hub.Start(context.Background()))
}

func TestRelay_ClientDisconnectUnregisters(t *testing.T) {
	r := newTestRelay(t, nil)
	conn := r.dial(t, "/ws")

	require.Eventually(t, func() bool { return r.hub.SessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	conn.Close()

	require.Eventually(t, func() bool { return r.hub.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), r.metrics.Snapshot().ActiveSessions)
	assert.Equal(t, uint64(1), r.metrics.Snapshot().SessionsTotal)
}

func TestRelay_RESTEndpoints(t *testing.T) {
	r := newTestRelay(t, nil)
	r.dial(t, "/ws")
	require.Eventually(t, func() bool { return r.hub.SessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	getJSON := func(path string) map[string]interface{} {
		resp, err := http.Get(r.server.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return body
	}

	status := getJSON("/api/relay/status")
	assert.Equal(t, true, status["running"])
	assert.Equal(t, float64(1), status["sessions"])
	assert.Equal(t, "edges", status["transform"])
	assert.Equal(t, "silent", status["drop_policy"])
	assert.Equal(t, "/ws", status["path"])

	stats := getJSON("/api/relay/stats")
	assert.Equal(t, "/ws", stats["path"])
	assert.Contains(t, stats, "relay")

	sessions := getJSON("/api/relay/sessions")
	assert.Equal(t, float64(1), sessions["count"])
	list := sessions["sessions"].([]interface{})
	require.Len(t, list, 1)
	id := list[0].(map[string]interface{})["id"].(string)

	// 切换失败策略
	req, err := http.NewRequest(http.MethodPut, r.server.URL+"/api/relay/policy", strings.NewReader(`{"drop_policy":"notify"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, config.DropPolicyNotify, r.hub.DropPolicy())

	req, err = http.NewRequest(http.MethodPut, r.server.URL+"/api/relay/policy", strings.NewReader(`{"drop_policy":"loud"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// 关闭会话
	req, err = http.NewRequest(http.MethodDelete, r.server.URL+"/api/relay/sessions/"+id, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool { return r.hub.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	req, err = http.NewRequest(http.MethodDelete, r.server.URL+"/api/relay/sessions/"+id, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHub_Reconfigure(t *testing.T) {
	r := newTestRelay(t, nil)
	conn := r.dial(t, "/ws")

	cfg := config.DefaultRelayConfig()
	cfg.Transform = transform.IdentityName
	cfg.DropPolicy = string(config.DropPolicyNotify)
	require.NoError(t, r.hub.Reconfigure(cfg))

	assert.Equal(t, transform.IdentityName, r.hub.Pipeline().TransformName())
	assert.Equal(t, config.DropPolicyNotify, r.hub.DropPolicy())

	sendEvent(t, conn, EventImage, testFrame(t, 8, 8))
	requireUpdate(t, readEvent(t, conn), 8, 8)

	cfg.Transform = "blur"
	assert.Error(t, r.hub.Reconfigure(cfg))
	assert.Equal(t, transform.IdentityName, r.hub.Pipeline().TransformName())
	assert.NoError(t, r.hub.Reconfigure(nil))
}

func TestNewHub_Errors(t *testing.T) {
	_, err := NewHub(context.Background(), nil, nil, nil)
	assert.Error(t, err)

	cfg := config.DefaultRelayConfig()
	cfg.Transform = "blur"
	_, err = NewHub(context.Background(), cfg, nil, nil)
	assert.ErrorIs(t, err, transform.ErrUnknownTransform)

	cfg = config.DefaultRelayConfig()
	cfg.DropPolicy = "loud"
	_, err = NewHub(context.Background(), cfg, nil, nil)
	assert.Error(t, err)
}

// failingTransform 总是失败的变换
type failingTransform struct{}

func (failingTransform) Name() string { return "failing" }

func (failingTransform) Apply(image.Image) (image.Image, error) {
	return nil, errors.New("boom")
}

// emptyTransform 返回空图像，使编码失败
type emptyTransform struct{}

func (emptyTransform) Name() string { return "empty" }

func (emptyTransform) Apply(image.Image) (image.Image, error) {
	return image.NewGray(image.Rect(0, 0, 0, 0)), nil
}

func TestPipeline_Process(t *testing.T) {
	c := codec.New(codec.DefaultOptions())
	frame := codec.EncodedFrame(testFrame(t, 24, 12))

	p, err := NewPipeline(c, transform.NewEdges())
	require.NoError(t, err)
	out, err := p.Process(frame)
	require.NoError(t, err)
	img, err := codec.Decode(out)
	require.NoError(t, err)
	w, h := codec.Dimensions(img)
	assert.Equal(t, 24, w)
	assert.Equal(t, 12, h)

	tests := []struct {
		name      string
		transform transform.ImageTransform
		frame     codec.EncodedFrame
		stage     Stage
		sentinel  error
	}{
		{"missing token", transform.Identity{}, "not-a-data-uri", StageDecode, codec.ErrMissingToken},
		{"bad base64", transform.Identity{}, "data:image/png;base64,####", StageDecode, codec.ErrInvalidBase64},
		{"transform failure", failingTransform{}, frame, StageTransform, nil},
		{"encode failure", emptyTransform{}, frame, StageEncode, codec.ErrEmptyImage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPipeline(c, tt.transform)
			require.NoError(t, err)

			out, err := p.Process(tt.frame)
			require.Error(t, err)
			assert.Empty(t, out)

			var frameErr *FrameError
			require.ErrorAs(t, err, &frameErr)
			assert.Equal(t, tt.stage, frameErr.Stage)
			assert.True(t, strings.HasPrefix(err.Error(), string(tt.stage)+": "))
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
		})
	}

	_, err = NewPipeline(nil, transform.Identity{})
	assert.Error(t, err)
	_, err = NewPipeline(c, nil)
	assert.Error(t, err)
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"event":" image ","data":"data:image/png;base64,AA=="}`))
	require.NoError(t, err)
	assert.Equal(t, EventImage, env.Event)
	assert.Equal(t, "data:image/png;base64,AA==", env.Data)

	_, err = ParseEnvelope([]byte(`{"data":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = ParseEnvelope([]byte(`garbage`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	message, err := Envelope{Event: EventUpdate, Data: "d"}.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"update","data":"d"}`, string(message))
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", SessionState(7).String())
}
