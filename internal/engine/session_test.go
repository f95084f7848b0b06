package engine

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convzoo/internal/dataset"
	"convzoo/internal/models"
)

const testSize = 32

func testBatch(n int, seed int64) dataset.Batch {
	rng := rand.New(rand.NewSource(seed))
	b := dataset.Batch{
		Images:   make([]float32, n*3*testSize*testSize),
		Labels:   make([]int, n),
		Channels: 3,
		Height:   testSize,
		Width:    testSize,
	}
	for i := range b.Images {
		b.Images[i] = float32(rng.NormFloat64())
	}
	for i := range b.Labels {
		b.Labels[i] = i % 5
	}
	return b
}

func newTestSession(t *testing.T, seed int64) *Session[*cpu.Backend] {
	t.Helper()
	return newSessionWith(t, Options{Rand: rand.New(rand.NewSource(seed))})
}

// newSessionWith fills in a small resnet on the CPU around opts.
func newSessionWith(t *testing.T, opts Options) *Session[*cpu.Backend] {
	t.Helper()
	opts.Registry = models.DefaultRegistry()
	opts.Model = "resnet_small"
	opts.NumClasses = 5
	opts.ImageSize = testSize
	opts.LR = 1e-3
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(1))
	}
	s, err := NewSession(autodiff.New(cpu.New()), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func weights(s *Session[*cpu.Backend], name string) []float32 {
	return append([]float32(nil), s.Model().StateDict()[name].AsFloat32()...)
}

func TestParseDevice(t *testing.T) {
	for name, want := range map[string]DeviceKind{
		"cpu": CPU, "CPU": CPU, "cuda": GPU, "cuda:1": GPU, "gpu": GPU, "webgpu": GPU,
	} {
		got, err := ParseDevice(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseDevice("tpu")
	require.Error(t, err)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Registry: models.DefaultRegistry(), Model: "vgg", NumClasses: 5, Device: "cpu"})
	require.Error(t, err)

	_, err = New(Options{Registry: models.DefaultRegistry(), Model: "lenet", NumClasses: 5, LR: 1e-3, Device: "cpu"})
	require.ErrorIs(t, err, models.ErrUnknownModel)

	_, err = New(Options{Registry: models.DefaultRegistry(), Model: "vgg", NumClasses: 5, LR: 1e-3, Device: "tpu"})
	require.Error(t, err)
}

func TestTrainStepUpdatesWeights(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a backward pass")
	}
	s := newTestSession(t, 1)
	before := append([]float32(nil), s.Model().StateDict()["fc.weight"].AsFloat32()...)

	res, err := s.TrainStep(context.Background(), testBatch(2, 1))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, res.Samples)
	assert.GreaterOrEqual(t, res.Correct, 0)
	assert.LessOrEqual(t, res.Correct, 2)
	assert.Greater(t, res.Loss, 0.0)

	after := s.Model().StateDict()["fc.weight"].AsFloat32()
	assert.NotEqual(t, before, after)
}

func TestTrainStepRejectsBadLabels(t *testing.T) {
	s := newTestSession(t, 1)
	b := testBatch(2, 1)
	b.Labels[1] = 9
	_, err := s.TrainStep(context.Background(), b)
	require.Error(t, err)

	_, err = s.Predict(context.Background(), dataset.Batch{})
	require.Error(t, err)
}

func TestPredictAndCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestSession(t, 1)
	batch := testBatch(3, 2)
	want, err := src.Predict(ctx, batch)
	require.NoError(t, err)
	require.Len(t, want, 3)
	for _, p := range want {
		assert.True(t, p >= 0 && p < 5)
	}

	path := filepath.Join(t.TempDir(), "resnet_small.born")
	require.NoError(t, src.SaveCheckpoint(path, map[string]string{"epoch": "3"}))

	dst := newTestSession(t, 99)
	meta, err := dst.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, "3", meta["epoch"])
	assert.Equal(t, "resnet34", meta["arch"])
	assert.Equal(t, src.Model().StateDict()["fc.weight"].AsFloat32(), dst.Model().StateDict()["fc.weight"].AsFloat32())

	got, err := dst.Predict(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLearningRate(t *testing.T) {
	s := newTestSession(t, 1)
	assert.InDelta(t, 1e-3, s.LR(), 1e-9)
	s.SetLR(5e-4)
	assert.InDelta(t, 5e-4, s.LR(), 1e-9)
	assert.Contains(t, s.Describe(), "resnet34")
}

type doublingGroup struct{}

func (doublingGroup) Rank() int      { return 0 }
func (doublingGroup) WorldSize() int { return 2 }
func (doublingGroup) Close() error   { return nil }

// AllReduce acts as if a second replica contributed 1 to every slot.
func (doublingGroup) AllReduce(_ context.Context, vals []float64) error {
	for i := range vals {
		vals[i]++
	}
	return nil
}

func TestAverageGradsAcrossGroup(t *testing.T) {
	s := &Session[*cpu.Backend]{group: doublingGroup{}}
	views := [][]float32{{1, 3}, {5}}
	require.NoError(t, s.averageGrads(context.Background(), views))
	assert.Equal(t, [][]float32{{1, 2}, {3}}, views)
}

func TestAutocastRoundsToHalf(t *testing.T) {
	out := autocast([]float32{1, 0.1, 1e6})
	assert.Equal(t, float32(1), out[0])
	assert.InDelta(t, 0.1, out[1], 1e-4)
	assert.NotEqual(t, float32(0.1), out[1])
	assert.Greater(t, out[2], float32(65504))
}

func TestTrainStepSkipsNonFiniteLoss(t *testing.T) {
	s := newTestSession(t, 1)
	bias := s.Model().StateDict()["fc.bias"].AsFloat32()
	bias[0] = float32(math.NaN())
	before := weights(s, "fc.weight")

	res, err := s.TrainStep(context.Background(), testBatch(2, 1))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.True(t, math.IsNaN(res.Loss))
	assert.Equal(t, before, weights(s, "fc.weight"))
}

func TestTrainStepSkipsWhenAnotherReplicaDiverged(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a forward pass")
	}
	// The other replica contributes 1 to the divergence count.
	s := newSessionWith(t, Options{Group: doublingGroup{}})
	before := weights(s, "fc.weight")

	res, err := s.TrainStep(context.Background(), testBatch(2, 1))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.False(t, math.IsNaN(res.Loss))
	assert.Equal(t, before, weights(s, "fc.weight"))
}

func TestTrainStepMixedPrecision(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a backward pass")
	}
	s := newSessionWith(t, Options{UseAMP: true})
	require.True(t, s.Scaler().Enabled())
	before := weights(s, "fc.weight")

	res, err := s.TrainStep(context.Background(), testBatch(2, 1))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.NotEqual(t, before, weights(s, "fc.weight"))
	assert.Equal(t, DefaultInitScale, s.Scaler().Scale())
}

func TestTrainStepMixedPrecisionOverflow(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a backward pass")
	}
	s := newSessionWith(t, Options{UseAMP: true})
	// Seeds backward with +Inf once narrowed to float32.
	s.scaler.scale = math.MaxFloat64
	before := weights(s, "fc.weight")

	res, err := s.TrainStep(context.Background(), testBatch(2, 1))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.False(t, math.IsNaN(res.Loss))
	assert.Equal(t, before, weights(s, "fc.weight"))
	assert.Equal(t, math.MaxFloat64*DefaultBackoffFactor, s.Scaler().Scale())
}

// recordingGroup doubles every value, as if a second replica sent the same
// gradients, and records the size of each call.
type recordingGroup struct {
	sizes []int
}

func (g *recordingGroup) Rank() int      { return 0 }
func (g *recordingGroup) WorldSize() int { return 2 }
func (g *recordingGroup) Close() error   { return nil }

func (g *recordingGroup) AllReduce(_ context.Context, vals []float64) error {
	g.sizes = append(g.sizes, len(vals))
	for i := range vals {
		vals[i] *= 2
	}
	return nil
}

func TestAverageGradsInChunks(t *testing.T) {
	g := &recordingGroup{}
	s := &Session[*cpu.Backend]{group: g, chunk: 2}
	views := [][]float32{{1, 3}, {5, 7, 9}}
	require.NoError(t, s.averageGrads(context.Background(), views))
	assert.Equal(t, []int{2, 2, 1}, g.sizes)
	assert.Equal(t, [][]float32{{1, 3}, {5, 7, 9}}, views)
}
