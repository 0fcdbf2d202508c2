package relay

import (
	"fmt"

	"github.com/open-beagle/bdwind-relay/internal/codec"
	"github.com/open-beagle/bdwind-relay/internal/transform"
)

// Pipeline 单帧处理流水线：解码、变换、编码
// 无状态，可被多个会话并发使用
type Pipeline struct {
	codec     *codec.Codec
	transform transform.ImageTransform
	format    codec.Format
}

// NewPipeline 创建流水线，输出固定为 JPEG
func NewPipeline(c *codec.Codec, t transform.ImageTransform) (*Pipeline, error) {
	if c == nil {
		return nil, fmt.Errorf("codec cannot be nil")
	}
	if t == nil {
		return nil, fmt.Errorf("transform cannot be nil")
	}

	return &Pipeline{
		codec:     c,
		transform: t,
		format:    codec.FormatJPEG,
	}, nil
}

// TransformName 当前变换名称
func (p *Pipeline) TransformName() string {
	return p.transform.Name()
}

// Codec 当前编解码器
func (p *Pipeline) Codec() *codec.Codec {
	return p.codec
}

// Process 处理一帧，失败时返回 *FrameError
func (p *Pipeline) Process(frame codec.EncodedFrame) (codec.EncodedFrame, error) {
	img, err := p.codec.Decode(frame)
	if err != nil {
		return "", &FrameError{Stage: StageDecode, Err: err}
	}

	out, err := p.transform.Apply(img)
	if err != nil {
		return "", &FrameError{Stage: StageTransform, Err: err}
	}

	encoded, err := p.codec.Encode(out, p.format)
	if err != nil {
		return "", &FrameError{Stage: StageEncode, Err: err}
	}

	return encoded, nil
}
