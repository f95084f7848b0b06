package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"k8s.io/klog/v2"

	"convzoo/internal/config"
	"convzoo/internal/distributed"
	"convzoo/internal/models"
	"convzoo/internal/trainer"
)

// TrainCommand runs a full training job.
type TrainCommand struct {
	configPath string
	o          config.Overrides
}

var _ subcommands.Command = (*TrainCommand)(nil)

func (*TrainCommand) Name() string     { return "train" }
func (*TrainCommand) Synopsis() string { return "Train a classifier on an image folder dataset" }

func (*TrainCommand) Usage() string {
	return `train [flags]:
  Train --model on <data_path>/train, validate on <data_path>/val after every
  epoch and keep the most accurate weights under <results_dir>/weights.
  Distributed runs read RANK, WORLD_SIZE, MASTER_ADDR and MASTER_PORT.
`
}

func (c *TrainCommand) SetFlags(f *flag.FlagSet) {
	d := config.Default()
	f.StringVar(&c.configPath, "config", "", "Path to a YAML config applied before flags")
	f.IntVar(&c.o.NumClasses, "num_classes", d.NumClasses, "the number of classes")
	f.IntVar(&c.o.Epochs, "epochs", d.Epochs, "the number of training epochs")
	f.IntVar(&c.o.BatchSize, "batch_size", d.BatchSize, "batch size for training")
	f.Float64Var(&c.o.LR, "lr", d.LR, "start learning rate")
	f.Float64Var(&c.o.LRF, "lrf", d.LRF, "final learning rate as a fraction of lr")
	f.BoolVar(&c.o.Seed, "seed", false, "fix the initialization of parameters")
	f.BoolVar(&c.o.Tensorboard, "tensorboard", false, "write TensorBoard event files")
	f.BoolVar(&c.o.UseAMP, "use_amp", false, "train with mixed precision")
	f.StringVar(&c.o.DataPath, "data_path", d.DataPath, "dataset root holding train/ and val/")
	f.StringVar(&c.o.Model, "model", d.Model, "model to train; see the models command")
	f.StringVar(&c.o.Device, "device", d.Device, "device: cuda, gpu or cpu")
	f.StringVar(&c.o.ResultsDir, "results_dir", d.ResultsDir, "where logs, events and weights are written")
	f.IntVar(&c.o.NumWorkers, "num_workers", 0, "dataloader workers; 0 picks a default")
	f.IntVar(&c.o.ImageSize, "image_size", d.ImageSize, "square input resolution")
	f.IntVar(&c.o.LogEvery, "log_every", d.LogEvery, "log throughput every N steps (at -v=1)")
}

func (c *TrainCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.executeErr(ctx, f); err != nil {
		klog.ErrorS(err, "Training failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *TrainCommand) executeErr(ctx context.Context, f *flag.FlagSet) error {
	cfg, err := loadConfig(c.configPath, f, c.o)
	if err != nil {
		return err
	}
	fmt.Printf("%+v\n", *cfg)

	group, err := distributed.Open(ctx, cfg.Distributed)
	if err != nil {
		return fmt.Errorf("open process group: %w", err)
	}
	defer group.Close()

	seed, err := runSeed(ctx, cfg, group)
	if err != nil {
		return err
	}

	opts := trainer.RunOptions{Group: group, Stdout: os.Stdout, Progress: os.Stdout}
	_, err = trainer.Run(ctx, cfg, newFactory(cfg, group, models.DefaultRegistry(), seed), opts)
	return err
}

// loadConfig layers the YAML file, the explicitly set flags and the
// environment, in that order.
func loadConfig(path string, f *flag.FlagSet, o config.Overrides) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	o.Set = map[string]bool{}
	f.Visit(func(fl *flag.Flag) { o.Set[fl.Name] = true })
	cfg.ApplyOverrides(o)
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, &trainer.ConfigError{Field: "config", Msg: err.Error()}
	}
	return cfg, nil
}
