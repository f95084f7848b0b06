package main

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"k8s.io/klog/v2"

	"convzoo/internal/config"
	"convzoo/internal/dataset"
	"convzoo/internal/distributed"
	"convzoo/internal/engine"
	"convzoo/internal/models"
	"convzoo/internal/trainer"
)

// runSeed picks the seed for weight init, shuffling and augmentation. Every
// rank must agree on it, so rank 0's choice is shared over the group.
func runSeed(ctx context.Context, cfg *config.Config, g distributed.Group) (int64, error) {
	if cfg.Seed {
		fmt.Println("random seed has been fixed")
		return cfg.SeedValue, nil
	}
	seed := time.Now().UnixNano() & (1<<52 - 1)
	if !distributed.IsMain(g) {
		seed = 0
	}
	shared, err := distributed.ReduceValue(ctx, g, float64(seed), false)
	if err != nil {
		return 0, fmt.Errorf("share seed: %w", err)
	}
	return int64(shared), nil
}

// newFactory wires the image folders, loaders and learner for a run.
func newFactory(cfg *config.Config, g distributed.Group, reg *models.Registry, seed int64) trainer.Factory {
	var train, val *dataset.Folder
	return trainer.Factory{
		ClassCount: func() (int, error) {
			var err error
			if train, err = dataset.OpenFolder(filepath.Join(cfg.DataPath, "train")); err != nil {
				return 0, err
			}
			if val, err = dataset.OpenFolder(filepath.Join(cfg.DataPath, "val")); err != nil {
				return 0, err
			}
			if val.NumClasses() != train.NumClasses() {
				return 0, &trainer.ConfigError{
					Field: "data_path",
					Msg:   fmt.Sprintf("train has %d classes but val has %d", train.NumClasses(), val.NumClasses()),
				}
			}
			if distributed.IsMain(g) {
				logDistribution("train", train)
				logDistribution("val", val)
			}
			return train.NumClasses(), nil
		},
		Loaders: func() (trainer.Loader, trainer.Loader, error) {
			workers := cfg.Workers(runtime.NumCPU())
			klog.Infof("Using %d dataloader workers every process", workers)
			opts := dataset.LoaderOptions{
				BatchSize:  cfg.BatchSize,
				Seed:       seed,
				NumWorkers: workers,
				Rank:       g.Rank(),
				WorldSize:  g.WorldSize(),
			}
			trainOpts := opts
			trainOpts.Shuffle = true
			tl, err := dataset.NewLoader(train, dataset.NewTrainTransform(cfg.ImageSize), trainOpts)
			if err != nil {
				return nil, nil, fmt.Errorf("train loader: %w", err)
			}
			vl, err := dataset.NewLoader(val, dataset.NewEvalTransform(cfg.ImageSize), opts)
			if err != nil {
				return nil, nil, fmt.Errorf("val loader: %w", err)
			}
			return tl, vl, nil
		},
		Learner: func() (trainer.Learner, error) {
			return newLearner(cfg, g, reg, seed)
		},
	}
}

func newLearner(cfg *config.Config, g distributed.Group, reg *models.Registry, seed int64) (engine.Learner, error) {
	return engine.New(engine.Options{
		Registry:   reg,
		Model:      cfg.Model,
		NumClasses: cfg.NumClasses,
		ImageSize:  cfg.ImageSize,
		LR:         cfg.LR,
		Device:     cfg.Device,
		UseAMP:     cfg.UseAMP,
		Rand:       rand.New(rand.NewSource(seed)),
		Group:      g,
	})
}

func logDistribution(split string, f *dataset.Folder) {
	dist := f.ClassDistribution()
	names := make([]string, 0, len(dist))
	for name := range dist {
		names = append(names, name)
	}
	sort.Strings(names)
	kv := []any{"split", split, "images", f.Len()}
	for _, name := range names {
		kv = append(kv, name, dist[name])
	}
	klog.InfoS("Dataset", kv...)
}
