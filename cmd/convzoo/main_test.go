package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convzoo/internal/distributed"
	"convzoo/internal/trainer"
)

func parseTrainFlags(t *testing.T, args ...string) (*TrainCommand, *flag.FlagSet) {
	t.Helper()
	c := &TrainCommand{}
	f := flag.NewFlagSet("train", flag.ContinueOnError)
	c.SetFlags(f)
	require.NoError(t, f.Parse(args))
	return c, f
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("epochs: 3\nbatch_size: 8\nmodel: resnet\n"), 0o644))

	c, f := parseTrainFlags(t, "--epochs=5", "--use_amp")
	cfg, err := loadConfig(path, f, c.o)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Epochs)
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, "resnet", cfg.Model)
	assert.True(t, cfg.UseAMP)
	assert.Equal(t, "cuda", cfg.Device)
}

func TestLoadConfigDefaults(t *testing.T) {
	c, f := parseTrainFlags(t)
	cfg, err := loadConfig("", f, c.o)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.NumClasses)
	assert.Equal(t, 50, cfg.Epochs)
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, 0.0002, cfg.LR)
	assert.Equal(t, 0.0001, cfg.LRF)
	assert.Equal(t, "./flower", cfg.DataPath)
	assert.Equal(t, "vgg", cfg.Model)
	assert.False(t, cfg.Seed)
	assert.False(t, cfg.Tensorboard)
}

func TestLoadConfigInvalid(t *testing.T) {
	c, f := parseTrainFlags(t, "--epochs=0")
	_, err := loadConfig("", f, c.o)
	var cerr *trainer.ConfigError
	require.ErrorAs(t, err, &cerr)
}

func TestRunSeed(t *testing.T) {
	c, f := parseTrainFlags(t, "--seed")
	cfg, err := loadConfig("", f, c.o)
	require.NoError(t, err)
	seed, err := runSeed(context.Background(), cfg, distributed.Local{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), seed)

	cfg.Seed = false
	seed, err = runSeed(context.Background(), cfg, distributed.Local{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, seed, int64(0))
}
