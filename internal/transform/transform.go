// Package transform holds the image operations applied to every relayed frame.
//
// Every operation implements ImageTransform so that the frame pipeline can be given a
// different operation without being changed itself. Operations must be deterministic:
// equal input pixels always produce equal output pixels.
package transform

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sort"
	"sync"
)

// ImageTransform maps one image to another.
type ImageTransform interface {
	// Name identifies the transform in configuration and logs.
	Name() string

	// Apply returns a new image; the input is never modified.
	Apply(img image.Image) (image.Image, error)
}

// Factory builds a fresh ImageTransform.
type Factory func() ImageTransform

var (
	// ErrNilImage Apply was called without an image
	ErrNilImage = errors.New("transform: nil image")

	// ErrUnknownTransform no factory registered under the requested name
	ErrUnknownTransform = errors.New("transform: unknown transform")

	// ErrDuplicateTransform a factory is already registered under the name
	ErrDuplicateTransform = errors.New("transform: transform already registered")
)

// TransformError wraps a failure inside an image operation.
type TransformError struct {
	Transform string
	Err       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s: %v", e.Transform, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// Registry maps transform names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with every built-in transform.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.mustRegister(EdgesName, func() ImageTransform { return NewEdges() })
	r.mustRegister(SobelName, func() ImageTransform { return NewSobel() })
	r.mustRegister(IdentityName, func() ImageTransform { return Identity{} })
	return r
}

// Register adds a factory under name.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("transform: invalid registration for %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTransform, name)
	}
	r.factories[name] = factory
	return nil
}

func (r *Registry) mustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// New builds the transform registered under name.
func (r *Registry) New(name string) (ImageTransform, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownTransform, name, r.Names())
	}
	return factory(), nil
}

// Names lists registered transforms in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// IdentityName is the registry key of Identity.
const IdentityName = "identity"

// Identity returns its input unchanged.
type Identity struct{}

func (Identity) Name() string { return IdentityName }

func (Identity) Apply(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, &TransformError{Transform: IdentityName, Err: ErrNilImage}
	}
	return img, nil
}

// toGray converts img to an 8-bit luma plane with origin at (0,0). The conversion uses
// color.GrayModel, which is integer only.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	if src, ok := img.(*image.Gray); ok {
		for y := 0; y < b.Dy(); y++ {
			copy(gray.Pix[y*gray.Stride:y*gray.Stride+b.Dx()],
				src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		return gray
	}

	for y := 0; y < b.Dy(); y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < b.Dx(); x++ {
			row[x] = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
		}
	}
	return gray
}

// sobel3x3 computes the horizontal and vertical Sobel derivatives of gray with
// replicated borders.
func sobel3x3(gray *image.Gray) (dx, dy []int32) {
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	dx = make([]int32, w*h)
	dy = make([]int32, w*h)

	at := func(x, y int) int32 {
		x = clamp(x, 0, w-1)
		y = clamp(y, 0, h-1)
		return int32(gray.Pix[y*gray.Stride+x])
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			tl, tc, tr := at(x-1, y-1), at(x, y-1), at(x+1, y-1)
			ml, mr := at(x-1, y), at(x+1, y)
			bl, bc, br := at(x-1, y+1), at(x, y+1), at(x+1, y+1)

			dx[y*w+x] = (tr + 2*mr + br) - (tl + 2*ml + bl)
			dy[y*w+x] = (bl + 2*bc + br) - (tl + 2*tc + tr)
		}
	}
	return dx, dy
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
