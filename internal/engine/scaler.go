package engine

import "math"

// Loss scaling defaults.
const (
	DefaultInitScale      = 65536.0
	DefaultGrowthFactor   = 2.0
	DefaultBackoffFactor  = 0.5
	DefaultGrowthInterval = 2000
)

// GradScaler multiplies the loss before backward so small float16
// gradients do not flush to zero, then unscales before the update. Steps
// whose gradients overflow are skipped and the scale backs off; after
// GrowthInterval clean steps it grows again.
//
// A disabled scaler has a fixed scale of 1 and never skips.
type GradScaler struct {
	enabled        bool
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	growthTracker  int
}

// NewGradScaler returns a scaler with the default schedule.
func NewGradScaler(enabled bool) *GradScaler {
	return &GradScaler{
		enabled:        enabled,
		scale:          DefaultInitScale,
		growthFactor:   DefaultGrowthFactor,
		backoffFactor:  DefaultBackoffFactor,
		growthInterval: DefaultGrowthInterval,
	}
}

func (g *GradScaler) Enabled() bool { return g.enabled }

// Scale is the factor the loss gradient is seeded with.
func (g *GradScaler) Scale() float64 {
	if !g.enabled {
		return 1
	}
	return g.scale
}

// Unscale divides grads in place by the current scale and reports whether
// every value is finite.
func (g *GradScaler) Unscale(grads [][]float32) bool {
	if !g.enabled {
		return true
	}
	inv := float32(1 / g.scale)
	finite := true
	for _, grad := range grads {
		for i, v := range grad {
			v *= inv
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				finite = false
			}
			grad[i] = v
		}
	}
	return finite
}

// Update adjusts the scale after a step. skipped reports an overflow.
func (g *GradScaler) Update(skipped bool) {
	if !g.enabled {
		return
	}
	if skipped {
		g.scale *= g.backoffFactor
		g.growthTracker = 0
		return
	}
	g.growthTracker++
	if g.growthTracker == g.growthInterval {
		g.scale *= g.growthFactor
		g.growthTracker = 0
	}
}
