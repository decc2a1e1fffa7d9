package cull

import (
	"github.com/gogpu/cull/internal/classify"
	"github.com/gogpu/cull/internal/stats"
)

// Stats are the culling counters of one frame.
type Stats struct {
	// Total is the number of instances tested in the first pass.
	Total uint64
	// FrustumVisible is the number that passed the frustum test.
	FrustumVisible uint64
	// OcclusionVisible is the number drawn after both passes.
	OcclusionVisible uint64

	Degenerate  uint64
	NearClipped uint64
	Retested    uint64
	Reinstated  uint64
	Overflowed  uint64
}

func statsFrom(s stats.Snapshot) Stats {
	return Stats{
		Total:            s.Get(stats.Total),
		FrustumVisible:   s.Get(stats.FrustumVisible),
		OcclusionVisible: s.Get(stats.OcclusionVisible),
		Degenerate:       s.Get(stats.Degenerate),
		NearClipped:      s.Get(stats.NearClipped),
		Retested:         s.Get(stats.Retested),
		Reinstated:       s.Get(stats.Reinstated),
		Overflowed:       s.Get(stats.Overflowed),
	}
}

// Result is the classification of one instance.
type Result = classify.Result

// Classification results.
const (
	Visible       = classify.Visible
	Occluded      = classify.Occluded
	FrustumCulled = classify.FrustumCulled
)

// DebugRecord is the diagnostic output of one classification.
type DebugRecord struct {
	Instance     InstanceID
	Pass         int
	Result       Result
	LOD          int
	MinU, MinV   float32
	MaxU, MaxV   float32
	NearestDepth float32
	HZBDepth     float32
}

func recordsFrom(rs []stats.Record) []DebugRecord {
	if len(rs) == 0 {
		return nil
	}
	out := make([]DebugRecord, len(rs))
	for i, r := range rs {
		out[i] = DebugRecord{
			Instance:     InstanceID(r.Instance),
			Pass:         r.Pass,
			Result:       Result(r.Result),
			LOD:          r.LOD,
			MinU:         r.MinU,
			MinV:         r.MinV,
			MaxU:         r.MaxU,
			MaxV:         r.MaxV,
			NearestDepth: r.NearestDepth,
			HZBDepth:     r.HZBDepth,
		}
	}
	return out
}
