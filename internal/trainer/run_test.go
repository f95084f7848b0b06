package trainer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convzoo/internal/config"
	"convzoo/internal/dataset"
	"convzoo/internal/lrsched"
	"convzoo/internal/tboard"
)

func testConfig(t *testing.T, epochs int) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Epochs = epochs
	cfg.ResultsDir = t.TempDir()
	cfg.Model = "resnet"
	return cfg
}

type runFixture struct {
	learner  *fakeLearner
	built    []string
	factory  Factory
	classes  int
	trainSet *sliceLoader
	valSet   *sliceLoader
}

func newRunFixture(classes int, valCorrect ...int) *runFixture {
	fx := &runFixture{
		learner:  &fakeLearner{valCorrect: valCorrect},
		classes:  classes,
		trainSet: &sliceLoader{batches: labelBatches(3, 0, 1)},
		valSet:   &sliceLoader{batches: []dataset.Batch{{Labels: make([]int, 20)}}},
	}
	fx.factory = Factory{
		ClassCount: func() (int, error) { return fx.classes, nil },
		Loaders: func() (Loader, Loader, error) {
			fx.built = append(fx.built, "loaders")
			return fx.trainSet, fx.valSet, nil
		},
		Learner: func() (Learner, error) {
			fx.built = append(fx.built, "learner")
			return fx.learner, nil
		},
	}
	return fx
}

func TestRunAlternatesTrainAndEval(t *testing.T) {
	cfg := testConfig(t, 3)
	fx := newRunFixture(5, 10, 10, 10)
	res, err := Run(context.Background(), cfg, fx.factory, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"train", "eval", "train", "eval", "train", "eval"}, fx.learner.calls)
	assert.Len(t, res.Epochs, 3)
	assert.True(t, fx.learner.closed)
}

func TestRunCheckpointsOnStrictImprovement(t *testing.T) {
	cfg := testConfig(t, 4)
	// 20 validation samples: accuracies 0.40, 0.55, 0.50, 0.60.
	fx := newRunFixture(5, 8, 11, 10, 12)
	res, err := Run(context.Background(), cfg, fx.factory, RunOptions{})
	require.NoError(t, err)

	// The best accuracy starts at 0, so the first epoch always saves.
	require.Len(t, fx.learner.checkpoints, 3)
	var epochs []string
	for _, c := range fx.learner.checkpoints {
		epochs = append(epochs, c.meta["epoch"])
	}
	assert.Equal(t, []string{"1", "2", "4"}, epochs)
	assert.Equal(t, "0.4000", fx.learner.checkpoints[0].meta["val_accuracy"])
	assert.Equal(t, "0.6000", fx.learner.checkpoints[2].meta["val_accuracy"])
	assert.Equal(t, filepath.Join(cfg.ResultsDir, "weights", "resnet", "resnet.born"), fx.learner.checkpoints[2].path)

	assert.InDelta(t, 0.6, res.BestAcc, 1e-12)
	assert.Equal(t, 3, res.BestEpoch)
	assert.Equal(t, []bool{true, true, false, true}, []bool{res.Epochs[0].Saved, res.Epochs[1].Saved, res.Epochs[2].Saved, res.Epochs[3].Saved})
}

func TestRunZeroAccuracyNeverSaves(t *testing.T) {
	cfg := testConfig(t, 2)
	fx := newRunFixture(5, 0, 0)
	_, err := Run(context.Background(), cfg, fx.factory, RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, fx.learner.checkpoints)
}

func TestRunClassCountMismatch(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.NumClasses = 7
	fx := newRunFixture(5)
	_, err := Run(context.Background(), cfg, fx.factory, RunOptions{})
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "num_classes", cerr.Field)
	assert.Empty(t, fx.built)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, 0)
	fx := newRunFixture(5)
	_, err := Run(context.Background(), cfg, fx.factory, RunOptions{})
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Empty(t, fx.built)
}

func TestRunWritesArtifacts(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.Tensorboard = true
	stale := filepath.Join(TensorboardDir(cfg), "stale.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	var stdout bytes.Buffer
	fx := newRunFixture(5, 10, 20)
	_, err := Run(context.Background(), cfg, fx.factory, RunOptions{Stdout: &stdout})
	require.NoError(t, err)

	assert.NoFileExists(t, stale)
	assert.Contains(t, stdout.String(), "[epoch 1] train_loss: 1.000  train_acc: 1.000  val_accuracy: 0.500")

	raw, err := os.ReadFile(LogPath(cfg))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[epoch 2] train_loss: 1.000  train_acc: 1.000  val_accuracy: 1.000", lines[1])

	events, err := filepath.Glob(filepath.Join(TensorboardDir(cfg), "events.out.tfevents.*"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	scalars, err := tboard.ReadScalars(events[0])
	require.NoError(t, err)
	require.Len(t, scalars, 8)
	assert.Equal(t, "train_loss", scalars[0].Tag)
	assert.Equal(t, "learning_rate", scalars[7].Tag)
	assert.Equal(t, int64(1), scalars[7].Step)
	want := cfg.LR * lrsched.Cosine{Epochs: 2, LRF: cfg.LRF}.Factor(2)
	assert.InDelta(t, want, float64(scalars[7].Value), 1e-9)
}

func TestRunOnlyMainWritesArtifacts(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.Tensorboard = true
	fx := newRunFixture(5, 10, 20)
	_, err := Run(context.Background(), cfg, fx.factory, RunOptions{Main: func() bool { return false }})
	require.NoError(t, err)
	assert.Empty(t, fx.learner.checkpoints)
	assert.NoDirExists(t, filepath.Join(cfg.ResultsDir, "weights"))
	assert.NoDirExists(t, TensorboardDir(cfg))
}

func TestRunStepsCosineSchedule(t *testing.T) {
	cfg := testConfig(t, 3)
	cfg.Warmup = false
	fx := newRunFixture(5, 1, 2, 3)
	res, err := Run(context.Background(), cfg, fx.factory, RunOptions{})
	require.NoError(t, err)
	sched := lrsched.Cosine{Epochs: 3, LRF: cfg.LRF}
	for i, e := range res.Epochs {
		assert.InDelta(t, cfg.LR*sched.Factor(i+1), e.LR, 1e-12)
	}
	// Every step of epoch 1 ran at the rate set after epoch 0.
	assert.InDelta(t, cfg.LR*sched.Factor(1), fx.learner.stepLRs[3], 1e-12)
}
