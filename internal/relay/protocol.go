package relay

import (
	"encoding/json"
	"fmt"
	"strings"
)

// 事件名称
const (
	// EventImage 客户端上送的帧
	EventImage = "image"

	// EventUpdate 处理后的帧
	EventUpdate = "update"

	// EventError 帧处理失败通知，仅在 notify 策略下发送
	EventError = "error"
)

// Envelope 通道上的单条消息
type Envelope struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// ParseEnvelope 解析一条文本消息
func ParseEnvelope(message []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	env.Event = strings.TrimSpace(env.Event)
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrInvalidEnvelope)
	}

	return &env, nil
}

// Marshal 序列化消息
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func newEnvelope(event, data string) []byte {
	// 两个字符串字段的序列化不会失败
	message, _ := Envelope{Event: event, Data: data}.Marshal()
	return message
}
