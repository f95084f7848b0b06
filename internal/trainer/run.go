package trainer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"k8s.io/klog/v2"

	"convzoo/internal/config"
	"convzoo/internal/distributed"
	"convzoo/internal/lrsched"
	"convzoo/internal/metrics"
	"convzoo/internal/tboard"
)

// Factory builds the pieces of a run. Run calls each hook at most once, in
// field order, and stops at the first error.
type Factory struct {
	// ClassCount reports how many classes the training split holds.
	ClassCount func() (int, error)
	Loaders    func() (train, val Loader, err error)
	Learner    func() (Learner, error)
}

// RunOptions carry the process-level collaborators of a run.
type RunOptions struct {
	Group distributed.Group
	// Main reports whether this process owns the run artifacts. Nil means
	// rank 0 of Group.
	Main func() bool
	// Stdout receives one summary line per epoch.
	Stdout io.Writer
	// Progress receives the per-epoch progress bar on the main process.
	Progress     io.Writer
	WarmupFactor float64
}

// EpochSummary is what one epoch reported.
type EpochSummary struct {
	Epoch     int
	TrainLoss float64
	TrainAcc  float64
	ValAcc    float64
	// LR is the rate after the epoch's schedule step.
	LR    float64
	Saved bool
}

// Result summarizes a finished run.
type Result struct {
	Epochs     []EpochSummary
	BestAcc    float64
	BestEpoch  int
	Checkpoint string
}

// Run trains cfg.Epochs epochs, evaluating after each and keeping the
// weights of the most accurate epoch.
func Run(ctx context.Context, cfg *config.Config, f Factory, opts RunOptions) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, &ConfigError{Field: "config", Msg: err.Error()}
	}
	if opts.Group == nil {
		opts.Group = distributed.Local{}
	}
	isMain := distributed.IsMain(opts.Group)
	if opts.Main != nil {
		isMain = opts.Main()
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}

	found, err := f.ClassCount()
	if err != nil {
		return Result{}, err
	}
	if found != cfg.NumClasses {
		return Result{}, &ConfigError{
			Field: "num_classes",
			Msg:   fmt.Sprintf("dataset has %d classes, but %d were requested", found, cfg.NumClasses),
		}
	}

	train, val, err := f.Loaders()
	if err != nil {
		return Result{}, err
	}
	learner, err := f.Learner()
	if err != nil {
		return Result{}, err
	}
	defer learner.Close()
	klog.InfoS("Model ready", "model", cfg.Model, "learner", learner.Describe(),
		"train_batches", train.Len(), "val_samples", val.DatasetSize())

	var sinks *artifacts
	if isMain {
		sinks, err = openArtifacts(cfg)
		if err != nil {
			return Result{}, err
		}
		defer sinks.Close()
	}

	sched := lrsched.Cosine{Epochs: cfg.Epochs, LRF: cfg.LRF}
	learner.SetLR(cfg.LR * sched.Factor(0))
	epochOpts := EpochOptions{
		Warmup:       cfg.Warmup,
		WarmupFactor: opts.WarmupFactor,
		LogEvery:     cfg.LogEvery,
	}
	if isMain {
		epochOpts.Progress = opts.Progress
	}

	res := Result{BestEpoch: -1}
	for epoch := range cfg.Epochs {
		trainLoss, trainAcc, err := TrainOneEpoch(ctx, learner, train, opts.Group, epoch, epochOpts)
		if err != nil {
			return res, err
		}
		learner.SetLR(cfg.LR * sched.Factor(epoch+1))

		valAcc, err := Evaluate(ctx, learner, val, opts.Group)
		if err != nil {
			return res, err
		}

		sum := EpochSummary{Epoch: epoch, TrainLoss: trainLoss, TrainAcc: trainAcc, ValAcc: valAcc, LR: learner.LR()}
		improved := valAcc > res.BestAcc
		if improved {
			res.BestAcc = valAcc
			res.BestEpoch = epoch
		}
		if isMain {
			fmt.Fprintln(opts.Stdout, metrics.FormatEpoch(epoch+1, trainLoss, trainAcc, valAcc))
			if err := sinks.report(sum); err != nil {
				return res, err
			}
			if improved {
				if err := learner.SaveCheckpoint(sinks.checkpoint, map[string]string{
					"epoch":        strconv.Itoa(epoch + 1),
					"val_accuracy": strconv.FormatFloat(valAcc, 'f', 4, 64),
				}); err != nil {
					return res, err
				}
				sum.Saved = true
				res.Checkpoint = sinks.checkpoint
			}
		}
		res.Epochs = append(res.Epochs, sum)
	}
	klog.InfoS("Training finished", "best_val_accuracy", res.BestAcc, "best_epoch", res.BestEpoch+1)
	return res, nil
}

// TensorboardDir holds the run's event file. It is recreated every run.
func TensorboardDir(cfg *config.Config) string {
	return filepath.Join(cfg.ResultsDir, "tensorboard", cfg.Model)
}

// WeightsDir holds the epoch log and the best checkpoint.
func WeightsDir(cfg *config.Config) string {
	return filepath.Join(cfg.ResultsDir, "weights", cfg.Model)
}

// LogPath is the per-epoch text log of a run.
func LogPath(cfg *config.Config) string {
	return filepath.Join(WeightsDir(cfg), cfg.Model+"_log.txt")
}

// CheckpointPath is where the best weights of a run are kept.
func CheckpointPath(cfg *config.Config) string {
	return filepath.Join(WeightsDir(cfg), cfg.Model+".born")
}

// artifacts are the sinks owned by the main process.
type artifacts struct {
	log        *metrics.EpochLog
	events     *tboard.Writer
	checkpoint string
}

func openArtifacts(cfg *config.Config) (*artifacts, error) {
	if err := os.MkdirAll(WeightsDir(cfg), 0o755); err != nil {
		return nil, fmt.Errorf("create weights dir: %w", err)
	}
	log, err := metrics.NewEpochLog(LogPath(cfg))
	if err != nil {
		return nil, err
	}
	a := &artifacts{log: log, checkpoint: CheckpointPath(cfg)}
	if cfg.Tensorboard {
		dir := TensorboardDir(cfg)
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("reset tensorboard dir: %w", err)
		}
		a.events, err = tboard.Create(dir)
		if err != nil {
			return nil, err
		}
		klog.Infof("Start Tensorboard with \"tensorboard --logdir=%s\"", dir)
	}
	return a, nil
}

func (a *artifacts) report(s EpochSummary) error {
	if err := a.log.Append(s.Epoch+1, s.TrainLoss, s.TrainAcc, s.ValAcc); err != nil {
		return err
	}
	if a.events == nil {
		return nil
	}
	for _, sc := range []struct {
		tag string
		v   float64
	}{
		{"train_loss", s.TrainLoss},
		{"train_acc", s.TrainAcc},
		{"val_accuracy", s.ValAcc},
		{"learning_rate", s.LR},
	} {
		if err := a.events.AddScalar(sc.tag, sc.v, s.Epoch); err != nil {
			return err
		}
	}
	return a.events.Flush()
}

func (a *artifacts) Close() error {
	if a.events == nil {
		return nil
	}
	return a.events.Close()
}
