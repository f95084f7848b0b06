// Package engine binds a classifier from the model zoo to born's autodiff
// tape, an Adam optimizer and a gradient scaler, and exposes the result as
// a Learner that the epoch drivers can step batch by batch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"convzoo/internal/dataset"
	"convzoo/internal/distributed"
	"convzoo/internal/models"
)

// StepResult is the outcome of one training step.
type StepResult struct {
	Loss    float64
	Correct int
	Samples int
	// Skipped reports that no optimizer update was applied, either because
	// the loss was not finite or the scaled gradients overflowed.
	Skipped bool
}

// Learner trains and evaluates one classifier.
type Learner interface {
	TrainStep(ctx context.Context, batch dataset.Batch) (StepResult, error)
	Predict(ctx context.Context, batch dataset.Batch) ([]int, error)
	ZeroGrad()
	LR() float64
	SetLR(lr float64)
	// Synchronize waits for queued device work.
	Synchronize()
	SaveCheckpoint(path string, meta map[string]string) error
	LoadCheckpoint(path string) (map[string]string, error)
	Describe() string
	Close() error
}

// Options describe the learner to build.
type Options struct {
	Registry   *models.Registry
	Model      string
	NumClasses int
	ImageSize  int
	LR         float64
	Device     string
	UseAMP     bool
	// Rand seeds weight init and dropout. Nil draws a time seed.
	Rand *rand.Rand
	// Group averages gradients across replicas. Nil means a single process.
	Group distributed.Group
}

func (o Options) validate() error {
	if o.Registry == nil {
		return errors.New("engine: nil registry")
	}
	if o.NumClasses <= 0 {
		return fmt.Errorf("engine: num classes must be > 0 (got %d)", o.NumClasses)
	}
	if o.LR <= 0 {
		return fmt.Errorf("engine: lr must be > 0 (got %g)", o.LR)
	}
	return nil
}

// New selects a backend for opts.Device and builds a session on it. GPU
// requests fall back to the CPU when no GPU backend can be opened.
func New(opts Options) (Learner, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	kind, err := ParseDevice(opts.Device)
	if err != nil {
		return nil, err
	}
	if kind == GPU {
		l, ok, err := newGPUSession(opts)
		if err != nil {
			return nil, err
		}
		if ok {
			return l, nil
		}
	}
	return newCPUSession(opts)
}
