package hzb

import "fmt"

// FarDepth is the clear value of a depth buffer: the far plane.
const FarDepth float32 = 1

// DepthBuffer is a row-major float32 depth image with values in [0,1],
// 0 at the near plane and 1 at the far plane. Row 0 is the top of the
// screen.
type DepthBuffer struct {
	Width  int
	Height int
	Data   []float32
}

// NewDepthBuffer allocates a depth buffer cleared to FarDepth.
func NewDepthBuffer(width, height int) (*DepthBuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: depth buffer %dx%d", ErrInvalidSize, width, height)
	}
	d := &DepthBuffer{
		Width:  width,
		Height: height,
		Data:   make([]float32, width*height),
	}
	d.Clear()
	return d, nil
}

// Clear resets every texel to FarDepth.
func (d *DepthBuffer) Clear() {
	for i := range d.Data {
		d.Data[i] = FarDepth
	}
}

// At returns the depth at (x, y). Coordinates must be in range.
func (d *DepthBuffer) At(x, y int) float32 {
	return d.Data[y*d.Width+x]
}

// TestAndSet writes z at (x, y) if it is nearer than the stored depth and
// reports whether it did.
func (d *DepthBuffer) TestAndSet(x, y int, z float32) bool {
	i := y*d.Width + x
	if z < d.Data[i] {
		d.Data[i] = z
		return true
	}
	return false
}
