package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(64, 20*time.Millisecond, 10*time.Millisecond, 1.2, 1e-3)
	w.Record(64, 10*time.Millisecond, 20*time.Millisecond, 0.8, 2e-3)
	snap := w.Snapshot()
	assert.InDelta(t, 2133.3333, snap.ImagesPerSec, 1)
	assert.Zero(t, w.samples, "window was not reset")
	assert.Zero(t, w.steps, "window was not reset")
	assert.Equal(t, 0.8, snap.LastLoss)
	assert.Equal(t, 2e-3, snap.LR)
}

func TestRunningAccumulates(t *testing.T) {
	var r Running
	assert.Zero(t, r.MeanLoss())
	assert.Zero(t, r.Accuracy())

	r = r.Add(1.0, 3, 4)
	next := r.Add(0.5, 1, 4)
	assert.Equal(t, 1, r.Batches, "Add must not mutate the receiver")
	assert.InDelta(t, 0.75, next.MeanLoss(), 1e-12)
	assert.InDelta(t, 0.5, next.Accuracy(), 1e-12)
}

func TestArgmaxAndCountCorrect(t *testing.T) {
	logits := []float32{
		0.1, 0.7, 0.2,
		2, 2, 1,
		-1, -3, -0.5,
	}
	pred := Argmax(logits, 3)
	assert.Equal(t, []int{1, 0, 2}, pred)
	assert.Equal(t, 2, CountCorrect(pred, []int{1, 1, 2}))
	assert.Nil(t, Argmax(logits, 0))
}

func TestEpochLogAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights", "vgg", "vgg_log.txt")
	log, err := NewEpochLog(path)
	require.NoError(t, err)

	require.NoError(t, log.Append(0, 1.23456, 0.5, 0.25))
	require.NoError(t, log.Append(1, 0.9, 0.6, 0.375))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[epoch 0] train_loss: 1.235  train_acc: 0.500  val_accuracy: 0.250", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "[epoch 1] "))
}
