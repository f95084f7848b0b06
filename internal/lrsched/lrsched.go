// Package lrsched holds the learning-rate policies of a run: a per-epoch
// cosine decay and a per-step linear warmup used during the first epoch.
package lrsched

import "math"

// DefaultWarmupFactor is the starting multiplier of the warmup ramp.
const DefaultWarmupFactor = 1.0 / 1000

// maxWarmupIters caps the warmup length regardless of epoch size.
const maxWarmupIters = 1000

// Cosine decays the learning rate multiplier from 1 to LRF over Epochs.
type Cosine struct {
	Epochs int
	LRF    float64
}

// Factor returns the multiplier for the given epoch.
func (c Cosine) Factor(epoch int) float64 {
	if c.Epochs <= 0 {
		return 1
	}
	return c.LRF + (1-c.LRF)*(1+math.Cos(float64(epoch)*math.Pi/float64(c.Epochs)))/2
}

// Warmup linearly ramps a multiplier from Start to 1 over Iters steps.
type Warmup struct {
	Start float64
	Iters int
}

// NewWarmup builds the warmup for an epoch of numBatches batches.
func NewWarmup(numBatches int, factor float64) Warmup {
	return Warmup{Start: factor, Iters: min(maxWarmupIters, numBatches-1)}
}

// Active reports whether the warmup has any steps to ramp over.
func (w Warmup) Active() bool {
	return w.Iters > 0
}

// Factor returns the multiplier after step optimizer steps.
func (w Warmup) Factor(step int) float64 {
	if step >= w.Iters {
		return 1
	}
	alpha := float64(step) / float64(w.Iters)
	return w.Start*(1-alpha) + alpha
}

// Done reports whether step is past the end of the ramp.
func (w Warmup) Done(step int) bool {
	return step >= w.Iters
}
