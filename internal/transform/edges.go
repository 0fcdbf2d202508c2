package transform

import (
	"fmt"
	"image"
)

// EdgesName is the registry key of the Canny edge detector, the relay default.
const EdgesName = "edges"

const (
	// DefaultLowThreshold and DefaultHighThreshold are the hysteresis thresholds the
	// webcam demo has always used.
	DefaultLowThreshold  = 50
	DefaultHighThreshold = 100

	// tan(22.5deg) in Q15 fixed point.
	tan22Q15 = 13573
)

const (
	edgeNone uint8 = iota
	edgeWeak
	edgeStrong
)

// Edges is a Canny edge detector on 8-bit luma: 3x3 Sobel gradients, L1 magnitude,
// non-maximum suppression along the quantized gradient direction and hysteresis
// thresholding. The output is an *image.Gray with 255 on edges and 0 elsewhere.
type Edges struct {
	Low  int32
	High int32
}

// NewEdges returns a detector with the default thresholds.
func NewEdges() *Edges {
	return &Edges{Low: DefaultLowThreshold, High: DefaultHighThreshold}
}

func (e *Edges) Name() string { return EdgesName }

func (e *Edges) Apply(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, &TransformError{Transform: EdgesName, Err: ErrNilImage}
	}
	if e.Low < 0 || e.High < e.Low {
		return nil, &TransformError{
			Transform: EdgesName,
			Err:       fmt.Errorf("invalid thresholds low=%d high=%d", e.Low, e.High),
		}
	}

	gray := toGray(img)
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return out, nil
	}

	dx, dy := sobel3x3(gray)
	mag := make([]int32, w*h)
	for i := range mag {
		mag[i] = abs32(dx[i]) + abs32(dy[i])
	}

	magAt := func(x, y int) int32 {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return mag[y*w+x]
	}

	class := make([]uint8, w*h)
	stack := make([]int, 0, 64)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			m := mag[i]
			if m <= e.Low {
				continue
			}

			xs, ys := int64(dx[i]), int64(dy[i])
			ax := xs
			if ax < 0 {
				ax = -ax
			}
			ay := ys
			if ay < 0 {
				ay = -ay
			}
			ay <<= 15
			tg22x := ax * tan22Q15

			var local bool
			switch {
			case ay < tg22x:
				local = m > magAt(x-1, y) && m >= magAt(x+1, y)
			case ay > tg22x+(ax<<16):
				local = m > magAt(x, y-1) && m >= magAt(x, y+1)
			default:
				s := 1
				if (xs < 0) != (ys < 0) {
					s = -1
				}
				local = m > magAt(x-s, y-1) && m > magAt(x+s, y+1)
			}
			if !local {
				continue
			}

			if m > e.High {
				class[i] = edgeStrong
				stack = append(stack, i)
			} else {
				class[i] = edgeWeak
			}
		}
	}

	// Grow strong edges through 8-connected weak pixels.
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out.Pix[(i/w)*out.Stride+i%w] = 0xff

		x, y := i%w, i/w
		for ny := y - 1; ny <= y+1; ny++ {
			for nx := x - 1; nx <= x+1; nx++ {
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if class[j] == edgeWeak {
					class[j] = edgeStrong
					stack = append(stack, j)
				}
			}
		}
	}

	return out, nil
}
