package hzb

import (
	"errors"
	"math"
	"sync"
	"testing"
)

// =============================================================================
// Sizing Tests
// =============================================================================

func TestExtents(t *testing.T) {
	tests := []struct {
		w, h         int
		wantW, wantH int
	}{
		{1920, 1080, 1024, 512},
		{1024, 1024, 512, 512},
		{800, 600, 512, 256},
		{3, 3, 4, 4},
		{1, 1, 4, 4},
	}
	for _, tt := range tests {
		w, h := Extents(tt.w, tt.h)
		if w != tt.wantW || h != tt.wantH {
			t.Errorf("Extents(%d, %d) = (%d, %d), want (%d, %d)", tt.w, tt.h, w, h, tt.wantW, tt.wantH)
		}
	}
}

func TestMipCount(t *testing.T) {
	tests := []struct {
		w, h int
		want int
	}{
		{1024, 512, 10},
		{4, 4, 3},
		{1, 1, 1},
		{256, 1024, 9},
	}
	for _, tt := range tests {
		if got := MipCount(tt.w, tt.h); got != tt.want {
			t.Errorf("MipCount(%d, %d) = %d, want %d", tt.w, tt.h, got, tt.want)
		}
	}
}

func TestNew_InvalidSize(t *testing.T) {
	if _, err := New(0, 10); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("New(0, 10) err = %v, want ErrInvalidSize", err)
	}
	if _, err := NewDepthBuffer(-1, 1); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("NewDepthBuffer(-1, 1) err = %v, want ErrInvalidSize", err)
	}
	if _, err := Build(nil, nil); !errors.Is(err, ErrNilDepth) {
		t.Errorf("Build(nil) err = %v, want ErrNilDepth", err)
	}
}

// =============================================================================
// Build Tests
// =============================================================================

func TestBuild_ClearedDepthIsFar(t *testing.T) {
	depth, err := NewDepthBuffer(64, 64)
	if err != nil {
		t.Fatal(err)
	}
	p, err := Build(depth, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < p.Levels(); i++ {
		l := p.Level(i)
		for _, v := range l.Data {
			if v != FarDepth {
				t.Fatalf("level %d holds %v, want %v", i, v, FarDepth)
			}
		}
	}
}

// TestBuild_Conservative checks that every texel of every level is at least
// the maximum of the depth texels it covers.
func TestBuild_Conservative(t *testing.T) {
	depth, _ := NewDepthBuffer(100, 70)
	for y := 0; y < depth.Height; y++ {
		for x := 0; x < depth.Width; x++ {
			depth.Data[y*depth.Width+x] = float32((x*7+y*13)%97) / 97
		}
	}

	p, err := Build(depth, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < p.Levels(); i++ {
		l := p.Level(i)
		for y := 0; y < depth.Height; y++ {
			for x := 0; x < depth.Width; x++ {
				tx := x * l.Width / depth.Width
				ty := y * l.Height / depth.Height
				if l.At(tx, ty) < depth.At(x, y) {
					t.Fatalf("level %d texel (%d,%d) = %v below covered depth %v at (%d,%d)",
						i, tx, ty, l.At(tx, ty), depth.At(x, y), x, y)
				}
			}
		}
	}
}

func TestBuild_LevelIsMaxOfChildren(t *testing.T) {
	depth, _ := NewDepthBuffer(16, 16)
	p, _ := New(16, 16)
	// 16x16 surface -> 8x8 HZB: each level-0 texel covers exactly 2x2 depth texels.
	for i := range depth.Data {
		depth.Data[i] = float32(i%5) / 5
	}
	if err := p.Rebuild(depth, nil); err != nil {
		t.Fatal(err)
	}

	for k := 0; k+1 < p.Levels(); k++ {
		parent, child := p.Level(k+1), p.Level(k)
		for y := 0; y < parent.Height; y++ {
			for x := 0; x < parent.Width; x++ {
				want := max(child.At(2*x, 2*y), child.At(2*x+1, 2*y), child.At(2*x, 2*y+1), child.At(2*x+1, 2*y+1))
				if got := parent.At(x, y); got != want {
					t.Fatalf("level %d (%d,%d) = %v, want %v", k+1, x, y, got, want)
				}
			}
		}
	}
}

func TestBuild_NaNDepthIsFar(t *testing.T) {
	depth, _ := NewDepthBuffer(8, 8)
	for i := range depth.Data {
		depth.Data[i] = 0.25
	}
	depth.Data[9] = float32(math.NaN())

	p, _ := Build(depth, nil)
	if got := p.Level(0).At(0, 0); got != FarDepth {
		t.Errorf("texel over NaN depth = %v, want %v", got, FarDepth)
	}
}

type serialExec struct {
	mu    sync.Mutex
	calls int
}

func (e *serialExec) For(n, chunk int, fn func(lo, hi int)) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	for lo := 0; lo < n; lo += chunk {
		fn(lo, min(lo+chunk, n))
	}
}

func TestRebuild_UsesExecutorAndBumpsGeneration(t *testing.T) {
	depth, _ := NewDepthBuffer(256, 256)
	p, _ := New(256, 256)
	exec := &serialExec{}

	if p.Generation() != 0 {
		t.Fatalf("fresh pyramid generation = %d, want 0", p.Generation())
	}
	if err := p.Rebuild(depth, exec); err != nil {
		t.Fatal(err)
	}
	if p.Generation() != 1 {
		t.Errorf("generation = %d after one rebuild, want 1", p.Generation())
	}
	if exec.calls != p.Levels() {
		t.Errorf("executor called %d times, want once per level (%d)", exec.calls, p.Levels())
	}
}

// =============================================================================
// Sampling Tests
// =============================================================================

func TestSelectLOD(t *testing.T) {
	tests := []struct {
		name string
		w, h float32
		want int
	}{
		{"zero footprint", 0, 0, 0},
		{"nan footprint", float32(math.NaN()), 0, 0},
		{"one texel", 1, 1, 0},
		{"two texels", 2, 1, 0},
		{"three texels", 3, 2, 1},
		{"sixteen texels", 16, 4, 3},
		{"seventeen texels", 17, 4, 4},
		{"clamped", 4096, 4096, 5},
	}
	for _, tt := range tests {
		if got := SelectLOD(tt.w, tt.h, 5); got != tt.want {
			t.Errorf("%s: SelectLOD(%v, %v) = %d, want %d", tt.name, tt.w, tt.h, got, tt.want)
		}
	}
}

// TestSelectLOD_Monotonic checks that a strictly larger footprint never
// selects a finer mip.
func TestSelectLOD_Monotonic(t *testing.T) {
	prev := 0
	for s := float32(0); s < 2048; s += 0.37 {
		lod := SelectLOD(s, s*0.5, 12)
		if lod < prev {
			t.Fatalf("SelectLOD(%v) = %d < %d for a smaller footprint", s, lod, prev)
		}
		prev = lod
	}
	for a := float32(1); a < 512; a *= 1.3 {
		if SelectLOD(a, a, 12) > SelectLOD(a*1.5, a, 12) {
			t.Fatalf("enlarging width from %v lowered the lod", a)
		}
	}
}

func TestReduce(t *testing.T) {
	depth, _ := NewDepthBuffer(16, 16)
	// Left half near, right half far.
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			if x < 8 {
				depth.Data[y*16+x] = 0.2
			} else {
				depth.Data[y*16+x] = 0.9
			}
		}
	}
	p, _ := Build(depth, nil)

	if got := p.Reduce(0, 0, 0, 0.45, 1); got != 0.2 {
		t.Errorf("Reduce(left half) = %v, want 0.2", got)
	}
	if got := p.Reduce(0, 0.3, 0, 0.7, 1); got != 0.9 {
		t.Errorf("Reduce(straddling) = %v, want 0.9", got)
	}
	if got := p.Reduce(p.MaxLOD(), 0, 0, 0.1, 0.1); got != 0.9 {
		t.Errorf("Reduce(coarsest) = %v, want 0.9", got)
	}
	// Large rectangles fall back to a coarser level and stay conservative.
	if got := p.Reduce(0, 0, 0, 1, 1); got != 0.9 {
		t.Errorf("Reduce(full screen at lod 0) = %v, want 0.9", got)
	}
}

func TestOccludes(t *testing.T) {
	if !Occludes(0.5, 0.6) {
		t.Error("object behind the HZB depth should be occluded")
	}
	if Occludes(0.5, 0.5) {
		t.Error("object at the HZB depth must not be occluded")
	}
	if Occludes(0.5, 0.4) {
		t.Error("object in front of the HZB depth must not be occluded")
	}
}

func TestLevelImage(t *testing.T) {
	depth, _ := NewDepthBuffer(32, 32)
	p, _ := Build(depth, nil)
	img := p.LevelImage(0)
	if img.Bounds().Dx() != p.Width() || img.Bounds().Dy() != p.Height() {
		t.Errorf("image bounds %v, want %dx%d", img.Bounds(), p.Width(), p.Height())
	}
	if img.Gray16At(0, 0).Y != 0xffff {
		t.Errorf("far depth pixel = %d, want white", img.Gray16At(0, 0).Y)
	}
}
