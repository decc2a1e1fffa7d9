package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/tanema/gween"
	"github.com/tanema/gween/ease"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/cull"
	"github.com/gogpu/cull/indirect"
	"github.com/gogpu/cull/raster"
)

var errScene = errors.New("culldemo: invalid scene")

// Scene is the YAML description of a demo scene.
type Scene struct {
	Viewport struct {
		Width  int `yaml:"width"`
		Height int `yaml:"height"`
	} `yaml:"viewport"`
	Camera    CameraConfig     `yaml:"camera"`
	Passes    []uint32         `yaml:"passes"`
	Meshes    []MeshConfig     `yaml:"meshes"`
	Grids     []GridConfig     `yaml:"grids"`
	Occluders []OccluderConfig `yaml:"occluders"`
}

// CameraConfig is a look-at camera. FovY is in degrees.
type CameraConfig struct {
	Eye    [3]float32 `yaml:"eye"`
	Target [3]float32 `yaml:"target"`
	FovY   float32    `yaml:"fov"`
	Near   float32    `yaml:"near"`
	Far    float32    `yaml:"far"`
}

// MeshConfig is a mesh given by its bounding radius and index range.
type MeshConfig struct {
	Name       string  `yaml:"name"`
	Radius     float32 `yaml:"radius"`
	IndexCount uint32  `yaml:"index_count"`
	FirstIndex uint32  `yaml:"first_index"`
}

// GridConfig places Rows x Cols instances of a mesh on a plane at depth Z.
type GridConfig struct {
	Mesh    string  `yaml:"mesh"`
	State   uint32  `yaml:"state"`
	Rows    int     `yaml:"rows"`
	Cols    int     `yaml:"cols"`
	Spacing float32 `yaml:"spacing"`
	Z       float32 `yaml:"z"`
	Scale   float32 `yaml:"scale"`
}

// OccluderConfig is an axis-aligned wall facing the camera, optionally
// sliding along X over time.
type OccluderConfig struct {
	Center [3]float32  `yaml:"center"`
	Size   [2]float32  `yaml:"size"`
	Move   *MoveConfig `yaml:"move"`
}

// MoveConfig tweens an occluder's X position.
type MoveConfig struct {
	ToX      float32 `yaml:"to_x"`
	Duration float32 `yaml:"duration"`
	Ease     string  `yaml:"ease"`
}

// LoadScene reads and validates a scene file.
func LoadScene(path string) (*Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScene(data)
}

// ParseScene decodes a YAML scene. Unknown fields are rejected.
func ParseScene(data []byte) (*Scene, error) {
	var s Scene
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %w", errScene, err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scene) validate() error {
	if s.Viewport.Width <= 0 || s.Viewport.Height <= 0 {
		return fmt.Errorf("%w: viewport %dx%d", errScene, s.Viewport.Width, s.Viewport.Height)
	}
	if len(s.Meshes) == 0 {
		return fmt.Errorf("%w: no meshes", errScene)
	}
	for _, g := range s.Grids {
		if _, ok := s.mesh(g.Mesh); !ok {
			return fmt.Errorf("%w: grid uses unknown mesh %q", errScene, g.Mesh)
		}
	}
	for _, o := range s.Occluders {
		if o.Move != nil {
			if _, err := easing(o.Move.Ease); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scene) mesh(name string) (int, bool) {
	for i, m := range s.Meshes {
		if m.Name == name {
			return i, true
		}
	}
	return 0, false
}

func vec3(v [3]float32) mgl32.Vec3 { return mgl32.Vec3{v[0], v[1], v[2]} }

// Camera returns the scene camera.
func (s *Scene) Camera() cull.Camera {
	return cull.Camera{
		Eye:    vec3(s.Camera.Eye),
		Target: vec3(s.Camera.Target),
		FovY:   mgl32.DegToRad(s.Camera.FovY),
		Near:   s.Camera.Near,
		Far:    s.Camera.Far,
	}
}

// PassIDs returns the configured passes. A scene without passes draws
// everything in pass 0.
func (s *Scene) PassIDs() []indirect.PassID {
	if len(s.Passes) == 0 {
		return []indirect.PassID{0}
	}
	out := make([]indirect.PassID, len(s.Passes))
	for i, p := range s.Passes {
		out[i] = indirect.PassID(p)
	}
	return out
}

// Populate registers the scene's meshes and grid instances in pool.
func (s *Scene) Populate(pool *cull.InstancePool) error {
	ids := make([]cull.MeshID, len(s.Meshes))
	for i, m := range s.Meshes {
		ids[i] = pool.RegisterMesh(cull.Mesh{
			BoundingSphere: cull.Sphere{Radius: m.Radius},
			IndexCount:     m.IndexCount,
			FirstIndex:     m.FirstIndex,
		})
	}
	for _, g := range s.Grids {
		mi, _ := s.mesh(g.Mesh)
		scale := g.Scale
		if scale == 0 {
			scale = 1
		}
		x0 := -float32(g.Cols-1) * g.Spacing / 2
		y0 := -float32(g.Rows-1) * g.Spacing / 2
		for r := 0; r < g.Rows; r++ {
			for c := 0; c < g.Cols; c++ {
				m := mgl32.Translate3D(x0+float32(c)*g.Spacing, y0+float32(r)*g.Spacing, g.Z).
					Mul4(mgl32.Scale3D(scale, scale, scale))
				if _, err := pool.Register(g.State, ids[mi], pool.AddTransform(m)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Occluder is a wall whose X position may be animated.
type Occluder struct {
	cfg   OccluderConfig
	x     float32
	tween *gween.Tween
}

// Occluders returns the scene's walls at their start positions.
func (s *Scene) Occluders() []*Occluder {
	out := make([]*Occluder, 0, len(s.Occluders))
	for _, cfg := range s.Occluders {
		o := &Occluder{cfg: cfg, x: cfg.Center[0]}
		if cfg.Move != nil {
			fn, _ := easing(cfg.Move.Ease)
			o.tween = gween.New(cfg.Center[0], cfg.Move.ToX, cfg.Move.Duration, fn)
		}
		out = append(out, o)
	}
	return out
}

// Update advances the occluder's animation by dt seconds.
func (o *Occluder) Update(dt float32) {
	if o.tween == nil {
		return
	}
	o.x, _ = o.tween.Update(dt)
}

// X returns the current X position of the wall's center.
func (o *Occluder) X() float32 { return o.x }

// Triangles returns the wall at its current position.
func (o *Occluder) Triangles() []raster.Triangle {
	c := mgl32.Vec3{o.x, o.cfg.Center[1], o.cfg.Center[2]}
	hw, hh := o.cfg.Size[0]/2, o.cfg.Size[1]/2
	return raster.Quad(
		c.Add(mgl32.Vec3{-hw, -hh, 0}),
		c.Add(mgl32.Vec3{hw, -hh, 0}),
		c.Add(mgl32.Vec3{hw, hh, 0}),
		c.Add(mgl32.Vec3{-hw, hh, 0}),
	)
}

func easing(name string) (ease.TweenFunc, error) {
	switch strings.ToLower(name) {
	case "", "linear":
		return ease.Linear, nil
	case "in_out_quad":
		return ease.InOutQuad, nil
	case "in_out_cubic":
		return ease.InOutCubic, nil
	case "out_bounce":
		return ease.OutBounce, nil
	default:
		return nil, fmt.Errorf("%w: unknown easing %q", errScene, name)
	}
}
