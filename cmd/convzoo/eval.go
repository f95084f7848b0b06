package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/google/subcommands"
	"k8s.io/klog/v2"

	"convzoo/internal/config"
	"convzoo/internal/dataset"
	"convzoo/internal/distributed"
	"convzoo/internal/models"
	"convzoo/internal/trainer"
)

// EvalCommand scores a saved checkpoint on the validation split.
type EvalCommand struct {
	configPath string
	weights    string
	o          config.Overrides
}

var _ subcommands.Command = (*EvalCommand)(nil)

func (*EvalCommand) Name() string     { return "eval" }
func (*EvalCommand) Synopsis() string { return "Report validation accuracy of a checkpoint" }

func (*EvalCommand) Usage() string {
	return `eval [flags]:
  Load --weights (default <results_dir>/weights/<model>/<model>.born) and
  evaluate it on <data_path>/val.
`
}

func (c *EvalCommand) SetFlags(f *flag.FlagSet) {
	d := config.Default()
	f.StringVar(&c.configPath, "config", "", "Path to a YAML config applied before flags")
	f.StringVar(&c.weights, "weights", "", "checkpoint to evaluate")
	f.IntVar(&c.o.NumClasses, "num_classes", d.NumClasses, "the number of classes")
	f.IntVar(&c.o.BatchSize, "batch_size", d.BatchSize, "batch size for evaluation")
	f.StringVar(&c.o.DataPath, "data_path", d.DataPath, "dataset root holding val/")
	f.StringVar(&c.o.Model, "model", d.Model, "model the checkpoint was trained as")
	f.StringVar(&c.o.Device, "device", d.Device, "device: cuda, gpu or cpu")
	f.StringVar(&c.o.ResultsDir, "results_dir", d.ResultsDir, "where training wrote its weights")
	f.IntVar(&c.o.NumWorkers, "num_workers", 0, "dataloader workers; 0 picks a default")
	f.IntVar(&c.o.ImageSize, "image_size", d.ImageSize, "square input resolution")
}

func (c *EvalCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.executeErr(ctx, f); err != nil {
		klog.ErrorS(err, "Evaluation failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *EvalCommand) executeErr(ctx context.Context, f *flag.FlagSet) error {
	cfg, err := loadConfig(c.configPath, f, c.o)
	if err != nil {
		return err
	}
	weights := c.weights
	if weights == "" {
		weights = trainer.CheckpointPath(cfg)
	}

	val, err := dataset.OpenFolder(filepath.Join(cfg.DataPath, "val"))
	if err != nil {
		return err
	}
	if val.NumClasses() != cfg.NumClasses {
		return &trainer.ConfigError{
			Field: "num_classes",
			Msg:   fmt.Sprintf("dataset has %d classes, but %d were requested", val.NumClasses(), cfg.NumClasses),
		}
	}
	loader, err := dataset.NewLoader(val, dataset.NewEvalTransform(cfg.ImageSize), dataset.LoaderOptions{
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.Workers(runtime.NumCPU()),
	})
	if err != nil {
		return err
	}

	group := distributed.Local{}
	learner, err := newLearner(cfg, group, models.DefaultRegistry(), 0)
	if err != nil {
		return err
	}
	defer learner.Close()
	meta, err := learner.LoadCheckpoint(weights)
	if err != nil {
		return err
	}
	klog.InfoS("Checkpoint loaded", "path", weights, "epoch", meta["epoch"], "val_accuracy", meta["val_accuracy"])

	acc, err := trainer.Evaluate(ctx, learner, loader, group)
	if err != nil {
		return err
	}
	fmt.Printf("%s val_accuracy: %.3f (%d images)\n", cfg.Model, acc, val.Len())
	return nil
}
