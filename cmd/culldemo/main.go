// Command culldemo runs two-pass occlusion culling over a YAML scene and
// prints per-frame statistics.
//
// A wall in front of a grid of instances slides away over the frames. While
// it moves, instances it uncovers are first culled against last frame's HZB
// and then reinstated by the second pass in the same frame.
//
// Usage:
//
//	culldemo -scene scene.yaml -frames 30 -dump out/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/gogpu/cull"
	"github.com/gogpu/cull/raster"
)

func main() {
	var (
		scenePath = flag.String("scene", "scene.yaml", "scene file")
		frames    = flag.Int("frames", 30, "number of frames to run")
		dt        = flag.Float64("dt", 1.0/30, "seconds per frame")
		workers   = flag.Int("workers", 0, "CPU workers (0 = GOMAXPROCS)")
		useGPU    = flag.Bool("gpu", false, "cull on the GPU")
		dumpDir   = flag.String("dump", "", "directory for HZB mip PNGs of the last frame")
		dumpScale = flag.Int("dump-scale", 2, "upscale factor of dumped mips")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	cull.SetLogger(logger)

	scene, err := LoadScene(*scenePath)
	if err != nil {
		log.Fatalf("Failed to load scene: %v", err)
	}

	pool := cull.NewInstancePool()
	if err := scene.Populate(pool); err != nil {
		log.Fatalf("Failed to populate scene: %v", err)
	}
	table, err := pool.OffsetTable(scene.PassIDs()...)
	if err != nil {
		log.Fatalf("Failed to build offset table: %v", err)
	}

	ids := scene.PassIDs()
	opts := []cull.Option{
		cull.WithWorkers(*workers),
		cull.WithPasses(ids...),
		cull.WithDepthPass(ids[0]),
	}
	if *useGPU {
		x, err := newGPUExecutor()
		if err != nil {
			logger.Warn("culldemo: GPU unavailable, culling on the CPU", "err", err)
		} else {
			opts = append(opts, cull.WithExecutor(x))
		}
	}
	engine := cull.New(pool, table, opts...)
	defer engine.Close()

	view, err := cull.NewViewContext(scene.Camera(), scene.Viewport.Width, scene.Viewport.Height)
	if err != nil {
		log.Fatalf("Invalid camera: %v", err)
	}

	if err := run(os.Stdout, engine, scene, view, *frames, float32(*dt)); err != nil {
		log.Fatalf("Culling failed: %v", err)
	}

	if *dumpDir != "" && engine.HZB() != nil {
		if err := os.MkdirAll(*dumpDir, 0o755); err != nil {
			log.Fatalf("Failed to create %s: %v", *dumpDir, err)
		}
		paths, err := dumpHZB(engine.HZB(), *dumpDir, *dumpScale)
		if err != nil {
			log.Fatalf("Failed to dump HZB: %v", err)
		}
		log.Printf("HZB written to %s (%d mips)\n", *dumpDir, len(paths))
	}
}

func run(out io.Writer, engine *cull.Engine, scene *Scene, view *cull.ViewContext, frames int, dt float32) error {
	occluders := scene.Occluders()
	renderer := raster.NewDepthRenderer(engine.Pool())

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "frame\twall x\ttotal\tfrustum\tvisible\tretested\treinstated\tspilled\ttime\t")

	ctx := context.Background()
	for i := 0; i < frames; i++ {
		renderer.Occluders = renderer.Occluders[:0]
		for _, o := range occluders {
			o.Update(dt)
			renderer.Occluders = append(renderer.Occluders, o.Triangles()...)
		}

		start := time.Now()
		res, err := engine.RunFrame(ctx, view, renderer)
		if err != nil && !errors.Is(err, cull.ErrCapacityOverflow) {
			return err
		}
		elapsed := time.Since(start)

		wallX := float32(0)
		if len(occluders) > 0 {
			wallX = occluders[0].X()
		}
		s := res.Stats
		fmt.Fprintf(w, "%d\t%.2f\t%d\t%d\t%d\t%d\t%d\t%d\t%v\t\n",
			i, wallX, s.Total, s.FrustumVisible, s.OcclusionVisible,
			s.Retested, s.Reinstated, s.Overflowed, elapsed.Round(time.Microsecond))
	}
	return w.Flush()
}
