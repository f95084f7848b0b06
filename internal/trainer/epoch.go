// Package trainer drives training: one pass over the training shard, one
// pass over the validation set, and the epoch loop that ties them to the
// learning-rate schedule and the run artifacts.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"convzoo/internal/dataset"
	"convzoo/internal/distributed"
	"convzoo/internal/engine"
	"convzoo/internal/lrsched"
	"convzoo/internal/metrics"
)

// Learner is the model side of a training run.
type Learner interface {
	TrainStep(ctx context.Context, batch dataset.Batch) (engine.StepResult, error)
	Predict(ctx context.Context, batch dataset.Batch) ([]int, error)
	ZeroGrad()
	LR() float64
	SetLR(lr float64)
	Synchronize()
	SaveCheckpoint(path string, meta map[string]string) error
	Describe() string
	Close() error
}

// Loader streams the batches of one epoch.
type Loader interface {
	Epoch(ctx context.Context, epoch int) (<-chan dataset.Batch, <-chan error)
	// Len is the number of batches per epoch on this process.
	Len() int
	// DatasetSize is the number of samples across all processes.
	DatasetSize() int
}

// EpochOptions tune TrainOneEpoch.
type EpochOptions struct {
	// Warmup ramps the learning rate during epoch 0.
	Warmup       bool
	WarmupFactor float64
	// LogEvery is the throughput logging cadence in steps.
	LogEvery int
	// Progress receives a progress bar. Nil disables it.
	Progress io.Writer
}

// TrainOneEpoch makes one pass over loader, stepping l on every batch, and
// returns the mean per-batch loss and the training accuracy of this
// process's shard.
func TrainOneEpoch(ctx context.Context, l Learner, loader Loader, g distributed.Group, epoch int, opts EpochOptions) (float64, float64, error) {
	if opts.LogEvery <= 0 {
		opts.LogEvery = 50
	}
	if opts.WarmupFactor <= 0 {
		opts.WarmupFactor = lrsched.DefaultWarmupFactor
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.ZeroGrad()
	baseLR := l.LR()
	var warmup lrsched.Warmup
	if epoch == 0 && opts.Warmup {
		warmup = lrsched.NewWarmup(loader.Len(), opts.WarmupFactor)
		if warmup.Active() {
			l.SetLR(baseLR * warmup.Factor(0))
		}
	}

	var bar *progressbar.ProgressBar
	if opts.Progress != nil {
		bar = progressbar.NewOptions(loader.Len(),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
		defer bar.Close()
	}

	var (
		run    metrics.Running
		window metrics.Window
		step   int
	)
	batches, errs := loader.Epoch(ctx, epoch)
	fetched := time.Now()
	for batch := range batches {
		dataTime := time.Since(fetched)
		start := time.Now()
		res, err := l.TrainStep(ctx, batch)
		if err != nil {
			return 0, 0, fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
		}
		loss, err := distributed.ReduceValue(ctx, g, res.Loss, true)
		if err != nil {
			return 0, 0, err
		}
		if !finite(res.Loss) || !finite(loss) {
			return 0, 0, &DivergenceError{Epoch: epoch, Step: step, Loss: loss}
		}
		run = run.Add(loss, res.Correct, res.Samples)
		window.Record(res.Samples, dataTime, time.Since(start), loss, l.LR())

		if bar != nil {
			bar.Describe(fmt.Sprintf("[epoch%d]: learning_rate:%.5f", epoch+1, l.LR()))
			_ = bar.Add(1)
		}
		if window.Steps() == opts.LogEvery {
			snap := window.Snapshot()
			klog.V(1).InfoS("throughput",
				"epoch", epoch+1,
				"step", step+1,
				"images_per_sec", fmt.Sprintf("%.1f", snap.ImagesPerSec),
				"data_ms", fmt.Sprintf("%.2f", snap.AvgDataMS),
				"compute_ms", fmt.Sprintf("%.2f", snap.AvgComputeMS),
				"loss", fmt.Sprintf("%.4f", snap.LastLoss),
				"lr", snap.LR,
			)
		}

		if warmup.Active() && !warmup.Done(step) {
			l.SetLR(baseLR * warmup.Factor(step+1))
		}
		step++
		fetched = time.Now()
	}
	if err := <-errs; err != nil {
		return 0, 0, fmt.Errorf("epoch %d: load batch: %w", epoch, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if run.Batches == 0 {
		return 0, 0, errors.New("trainer: training loader produced no batches")
	}
	l.Synchronize()
	return run.MeanLoss(), run.Accuracy(), nil
}

// Evaluate classifies every validation batch and returns the fraction of
// the whole validation set predicted correctly. Padding samples are
// predicted but not counted, so each sample counts once across ranks.
func Evaluate(ctx context.Context, l Learner, loader Loader, g distributed.Group) (float64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	correct := 0
	batches, errs := loader.Epoch(ctx, 0)
	for batch := range batches {
		pred, err := l.Predict(ctx, batch)
		if err != nil {
			return 0, fmt.Errorf("evaluate: %w", err)
		}
		correct += metrics.CountCorrect(pred, batch.Real())
	}
	if err := <-errs; err != nil {
		return 0, fmt.Errorf("evaluate: load batch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.Synchronize()

	total, err := distributed.ReduceValue(ctx, g, float64(correct), false)
	if err != nil {
		return 0, err
	}
	size := loader.DatasetSize()
	if size == 0 {
		return 0, nil
	}
	return total / float64(size), nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
