// Package hzb builds and samples hierarchical Z-buffers.
//
// # Depth Convention
//
// Depth is stored with 0 at the near plane and 1 at the far plane. Every
// pyramid texel holds the MAXIMUM (farthest) depth of the texels it covers
// one level below, and Reduce combines a sampled rectangle with max as well.
// An object is occluded only when its nearest depth is strictly greater than
// that maximum (see Occludes). The builder, the reducer and the comparator
// live in this package so they cannot drift apart.
package hzb

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/chewxy/math32"
)

// Errors returned by the hzb package.
var (
	ErrInvalidSize = errors.New("hzb: invalid size")
	ErrNilDepth    = errors.New("hzb: nil depth buffer")
)

const (
	// scaleThreshold halves a power-of-two extent that would cover more than
	// this fraction of the surface, keeping the HZB conservative and small.
	scaleThreshold = 0.7

	// minExtent is the smallest HZB side.
	minExtent = 4

	// maxScan bounds the texel rectangle scanned per sample on each axis.
	maxScan = 4

	// rowChunk is the number of rows reduced per parallel task.
	rowChunk = 16
)

// Executor runs fn over [0, n) in chunks, returning when all chunks are
// done. *parallel.WorkerPool satisfies it.
type Executor interface {
	For(n, chunk int, fn func(lo, hi int))
}

// Level is one mip of the pyramid.
type Level struct {
	Width  int
	Height int
	Data   []float32
}

// At returns the texel at (x, y).
func (l *Level) At(x, y int) float32 {
	return l.Data[y*l.Width+x]
}

// Pyramid is a max-depth mip chain.
type Pyramid struct {
	levels     []Level
	generation atomic.Uint64
}

// Extents returns the level-0 size of the HZB for a surface: the largest
// power of two not above each surface extent, halved once more when it
// covers more than 70% of the surface, and at least 4 texels.
func Extents(width, height int) (w, h int) {
	return extent(width), extent(height)
}

func extent(n int) int {
	if n < 1 {
		return minExtent
	}
	e := 1 << (bits.Len(uint(n)) - 1)
	if float32(e)/float32(n) > scaleThreshold {
		e /= 2
	}
	return max(e, minExtent)
}

// MipCount returns the number of levels for a level-0 size: one level per
// halving of the smaller side down to 1.
func MipCount(width, height int) int {
	m := min(width, height)
	count := 1
	for m > 1 {
		m /= 2
		count++
	}
	return count
}

// New allocates a pyramid for a surface of the given size. All texels start
// at FarDepth, which occludes nothing.
func New(surfaceWidth, surfaceHeight int) (*Pyramid, error) {
	if surfaceWidth <= 0 || surfaceHeight <= 0 {
		return nil, fmt.Errorf("%w: surface %dx%d", ErrInvalidSize, surfaceWidth, surfaceHeight)
	}
	w, h := Extents(surfaceWidth, surfaceHeight)
	count := MipCount(w, h)

	p := &Pyramid{levels: make([]Level, count)}
	for i := range p.levels {
		lw := max(w>>i, 1)
		lh := max(h>>i, 1)
		data := make([]float32, lw*lh)
		for j := range data {
			data[j] = FarDepth
		}
		p.levels[i] = Level{Width: lw, Height: lh, Data: data}
	}
	return p, nil
}

// Build allocates a pyramid sized for depth and fills it.
func Build(depth *DepthBuffer, exec Executor) (*Pyramid, error) {
	if depth == nil {
		return nil, ErrNilDepth
	}
	p, err := New(depth.Width, depth.Height)
	if err != nil {
		return nil, err
	}
	if err := p.Rebuild(depth, exec); err != nil {
		return nil, err
	}
	return p, nil
}

// Rebuild refills the pyramid from depth. Level 0 is a conservative max
// resample of the depth buffer; each further level is the max of the 2x2
// texels below it, with odd edges folded into the last texel. Levels are
// built in order and Rebuild returns only when the last level is complete.
// exec may be nil for a serial build.
func (p *Pyramid) Rebuild(depth *DepthBuffer, exec Executor) error {
	if depth == nil {
		return ErrNilDepth
	}
	if depth.Width <= 0 || depth.Height <= 0 || len(depth.Data) < depth.Width*depth.Height {
		return fmt.Errorf("%w: depth buffer %dx%d with %d texels",
			ErrInvalidSize, depth.Width, depth.Height, len(depth.Data))
	}

	src := Level{Width: depth.Width, Height: depth.Height, Data: depth.Data}
	for i := range p.levels {
		dst := &p.levels[i]
		reduceLevel(dst, &src, exec)
		src = *dst
	}
	p.generation.Add(1)
	return nil
}

// reduceLevel fills dst with the max of the src texels each dst texel covers.
func reduceLevel(dst, src *Level, exec Executor) {
	rows := func(lo, hi int) {
		for y := lo; y < hi; y++ {
			sy0, sy1 := span(y, dst.Height, src.Height)
			for x := 0; x < dst.Width; x++ {
				sx0, sx1 := span(x, dst.Width, src.Width)
				m := float32(0)
				for sy := sy0; sy < sy1; sy++ {
					row := src.Data[sy*src.Width:]
					for sx := sx0; sx < sx1; sx++ {
						v := row[sx]
						if math32.IsNaN(v) {
							v = FarDepth
						}
						if v > m {
							m = v
						}
					}
				}
				dst.Data[y*dst.Width+x] = m
			}
		}
	}

	if exec == nil {
		rows(0, dst.Height)
		return
	}
	exec.For(dst.Height, rowChunk, rows)
}

// span returns the half-open source range covered by destination index i
// when dstN texels cover srcN texels.
func span(i, dstN, srcN int) (lo, hi int) {
	lo = i * srcN / dstN
	hi = ((i+1)*srcN + dstN - 1) / dstN
	if hi <= lo {
		hi = lo + 1
	}
	return lo, min(hi, srcN)
}

// Levels returns the number of mip levels.
func (p *Pyramid) Levels() int { return len(p.levels) }

// MaxLOD returns the index of the coarsest level.
func (p *Pyramid) MaxLOD() int { return len(p.levels) - 1 }

// Level returns mip i.
func (p *Pyramid) Level(i int) *Level { return &p.levels[i] }

// Width returns the level-0 width in texels.
func (p *Pyramid) Width() int { return p.levels[0].Width }

// Height returns the level-0 height in texels.
func (p *Pyramid) Height() int { return p.levels[0].Height }

// Commit marks a rebuild done outside Rebuild, after every Level's Data
// has been written.
func (p *Pyramid) Commit() { p.generation.Add(1) }

// Texels returns the total number of texels across all levels.
func (p *Pyramid) Texels() int {
	n := 0
	for i := range p.levels {
		n += len(p.levels[i].Data)
	}
	return n
}

// Generation returns the number of completed rebuilds.
func (p *Pyramid) Generation() uint64 { return p.generation.Load() }

// SelectLOD picks the mip to sample for a screen footprint given in level-0
// texels: clamp(ceil(log2(max(w, h))) - 1, 0, maxLOD). A zero, negative or
// NaN footprint selects level 0.
//
// At the chosen level the footprint spans at most two texels per axis, so
// the per-instance fetch cost is constant regardless of object size.
func SelectLOD(w, h float32, maxLOD int) int {
	m := math32.Max(w, h)
	if !(m > 0) {
		return 0
	}
	lod := int(math32.Ceil(math32.Log2(m))) - 1
	return min(max(lod, 0), maxLOD)
}

// Reduce returns the maximum depth over the UV rectangle at level lod.
// The rectangle is clamped to the level; if it would scan more than a few
// texels per axis a coarser level is used instead, which stays conservative.
func (p *Pyramid) Reduce(lod int, minU, minV, maxU, maxV float32) float32 {
	lod = min(max(lod, 0), p.MaxLOD())
	for {
		l := &p.levels[lod]
		x0, x1 := texelRange(minU, maxU, l.Width)
		y0, y1 := texelRange(minV, maxV, l.Height)
		if (x1-x0 >= maxScan || y1-y0 >= maxScan) && lod < p.MaxLOD() {
			lod++
			continue
		}

		m := float32(0)
		for y := y0; y <= y1; y++ {
			row := l.Data[y*l.Width:]
			for x := x0; x <= x1; x++ {
				if row[x] > m {
					m = row[x]
				}
			}
		}
		return m
	}
}

// texelRange maps a UV interval to an inclusive texel range.
func texelRange(lo, hi float32, n int) (int, int) {
	a := int(math32.Floor(lo * float32(n)))
	b := int(math32.Floor(hi * float32(n)))
	a = min(max(a, 0), n-1)
	b = min(max(b, a), n-1)
	return a, b
}

// Occludes reports whether an object whose nearest depth is nearest lies
// entirely behind geometry whose reduced HZB depth is hzbDepth.
func Occludes(hzbDepth, nearest float32) bool {
	return nearest > hzbDepth
}
