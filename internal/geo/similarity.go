package geo

import (
	"math"

	"github.com/example/ridepool/internal/models"
)

// ScorerConfig tunes the composite route-similarity score. Zero values are
// replaced with defaults so a zero ScorerConfig is usable in tests.
type ScorerConfig struct {
	// AlignmentDeltaDeg is the per-axis coordinate delta under which two
	// index-paired points count as aligned.
	AlignmentDeltaDeg float64
	// MaxDeviationMeters is the Hausdorff distance at which deviation
	// similarity decays to zero.
	MaxDeviationMeters float64
	// EndpointMeters is the endpoint distance at which start/end
	// similarity decays to zero.
	EndpointMeters float64
	// LiveDecayMeters is the exponential-decay scale for the provider
	// live-location term.
	LiveDecayMeters float64
}

func (c ScorerConfig) withDefaults() ScorerConfig {
	if c.AlignmentDeltaDeg <= 0 {
		c.AlignmentDeltaDeg = 0.01
	}
	if c.MaxDeviationMeters <= 0 {
		c.MaxDeviationMeters = 2000
	}
	if c.EndpointMeters <= 0 {
		c.EndpointMeters = 1500
	}
	if c.LiveDecayMeters <= 0 {
		c.LiveDecayMeters = 1000
	}
	return c
}

// Component weights. When no live location is supplied the live weight is
// dropped and the remainder renormalizes proportionally.
const (
	wAlignment = 0.25
	wDeviation = 0.35
	wBBox      = 0.10
	wEndpoints = 0.20
	wLive      = 0.10
)

// Similarity scores route compatibility between a seeker and a provider in
// [0,1]. live is the provider's last known position, nil when unknown.
// Malformed input scores 0 rather than erroring so one bad session cannot
// abort a sweep. Swapping the two routes yields the same score.
func Similarity(cfg ScorerConfig, seeker, provider models.Route, live *models.Coord) float64 {
	if len(seeker) == 0 || len(provider) == 0 {
		return 0
	}
	cfg = cfg.withDefaults()

	align := directAlignment(cfg, seeker, provider)
	dev := deviationSimilarity(cfg, seeker, provider)
	box := bboxOverlap(seeker, provider)
	ends := endpointSimilarity(cfg, seeker, provider)

	score := wAlignment*align + wDeviation*dev + wBBox*box + wEndpoints*ends
	if live != nil {
		score += wLive * liveProximity(cfg, *live, seeker[0])
	} else {
		score /= 1 - wLive
	}
	return clamp01(score)
}

// directAlignment: fraction of index-paired points within the coordinate
// delta, normalized by the longer route so length mismatch is penalized.
func directAlignment(cfg ScorerConfig, a, b models.Route) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	hits := 0
	for i := 0; i < n; i++ {
		if math.Abs(a[i].Lat-b[i].Lat) <= cfg.AlignmentDeltaDeg && math.Abs(a[i].Lng-b[i].Lng) <= cfg.AlignmentDeltaDeg {
			hits++
		}
	}
	return float64(hits) / float64(longer)
}

// deviationSimilarity converts the symmetric Hausdorff distance between the
// routes into a linear-decay similarity.
func deviationSimilarity(cfg ScorerConfig, a, b models.Route) float64 {
	h := math.Max(directedHausdorff(a, b), directedHausdorff(b, a))
	return clamp01(1 - h/cfg.MaxDeviationMeters)
}

// directedHausdorff: max over a of the distance to the nearest point of b.
func directedHausdorff(a, b models.Route) float64 {
	var worst float64
	for _, p := range a {
		nearest := math.Inf(1)
		for _, q := range b {
			if d := Haversine(p, q); d < nearest {
				nearest = d
			}
		}
		if nearest > worst {
			worst = nearest
		}
	}
	return worst
}

// bboxOverlap: intersection over union of the routes' bounding rectangles.
// Degenerate (zero-area) boxes fall back to a containment check so identical
// single-point or axis-aligned routes still score 1.
func bboxOverlap(a, b models.Route) float64 {
	ba, bb := boundsOf(a), boundsOf(b)
	inter, ok := ba.intersect(bb)
	if !ok {
		return 0
	}
	union := ba.area() + bb.area() - inter.area()
	if union <= 1e-12 {
		return 1
	}
	return clamp01(inter.area() / union)
}

func endpointSimilarity(cfg ScorerConfig, a, b models.Route) float64 {
	start := clamp01(1 - Haversine(a[0], b[0])/cfg.EndpointMeters)
	end := clamp01(1 - Haversine(a[len(a)-1], b[len(b)-1])/cfg.EndpointMeters)
	return (start + end) / 2
}

func liveProximity(cfg ScorerConfig, live, pickup models.Coord) float64 {
	return math.Exp(-Haversine(live, pickup) / cfg.LiveDecayMeters)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
