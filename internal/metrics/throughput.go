// Package metrics holds the counters reported by the training drivers.
package metrics

import "time"

// Window accumulates step timings between two log lines.
type Window struct {
	samples int
	data    time.Duration
	compute time.Duration
	steps   int
	loss    float64
	lr      float64
}

// Record adds one training step.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss, lr float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.loss = loss
	w.lr = lr
}

// Steps returns how many steps were recorded since the last snapshot.
func (w *Window) Steps() int { return w.steps }

// Snapshot returns the aggregated window and resets it.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{LastLoss: w.loss, LR: w.lr}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	*w = Window{}
	return snap
}

// Snapshot is one throughput log line.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	LastLoss     float64
	LR           float64
}
