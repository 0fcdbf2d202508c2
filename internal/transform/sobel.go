package transform

import "image"

// SobelName is the registry key of Sobel.
const SobelName = "sobel"

// Sobel renders the L1 Sobel gradient magnitude, clamped to 255.
type Sobel struct{}

// NewSobel returns a Sobel transform.
func NewSobel() *Sobel {
	return &Sobel{}
}

func (s *Sobel) Name() string { return SobelName }

func (s *Sobel) Apply(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, &TransformError{Transform: SobelName, Err: ErrNilImage}
	}

	gray := toGray(img)
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return out, nil
	}

	dx, dy := sobel3x3(gray)
	for y := 0; y < h; y++ {
		row := out.Pix[y*out.Stride:]
		for x := 0; x < w; x++ {
			m := abs32(dx[y*w+x]) + abs32(dy[y*w+x])
			if m > 0xff {
				m = 0xff
			}
			row[x] = uint8(m)
		}
	}
	return out, nil
}
