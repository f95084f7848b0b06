package engine

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"

	"convzoo/internal/dataset"
	"convzoo/internal/distributed"
	"convzoo/internal/metrics"
	"convzoo/internal/models"
)

// Session is a Learner over a born backend wrapped in autodiff.
type Session[I tensor.Backend] struct {
	backend *autodiff.Backend[I]
	model   models.Classifier[*autodiff.Backend[I]]
	opt     *optim.Adam[*autodiff.Backend[I]]
	scaler  *GradScaler
	group   distributed.Group
	amp     bool
	// chunk overrides DefaultReduceChunk when positive.
	chunk   int
	release func()
}

// NewSession resolves opts.Model in opts.Registry and builds it on b.
func NewSession[I tensor.Backend](b *autodiff.Backend[I], opts Options) (*Session[I], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	model, err := models.Resolve(opts.Registry, opts.Model, opts.NumClasses, b, models.Options{
		ImageSize: opts.ImageSize,
		Rand:      opts.Rand,
	})
	if err != nil {
		return nil, err
	}
	group := opts.Group
	if group == nil {
		group = distributed.Local{}
	}
	opt := optim.NewAdam(model.Parameters(), optim.AdamConfig{
		LR:    float32(opts.LR),
		Betas: [2]float32{0.9, 0.999},
		Eps:   1e-8,
	}, b)
	return &Session[I]{
		backend: b,
		model:   model,
		opt:     opt,
		scaler:  NewGradScaler(opts.UseAMP),
		group:   group,
		amp:     opts.UseAMP,
	}, nil
}

// Model returns the classifier being trained.
func (s *Session[I]) Model() models.Classifier[*autodiff.Backend[I]] { return s.model }

// Scaler returns the gradient scaler.
func (s *Session[I]) Scaler() *GradScaler { return s.scaler }

func (s *Session[I]) LR() float64      { return float64(s.opt.GetLR()) }
func (s *Session[I]) SetLR(lr float64) { s.opt.SetLR(float32(lr)) }
func (s *Session[I]) ZeroGrad()        { s.opt.ZeroGrad() }

// Synchronize is a no-op: born returns from every op with its result
// materialized.
func (s *Session[I]) Synchronize() {}

func (s *Session[I]) Describe() string {
	desc := fmt.Sprintf("%s (%d params) on %s", s.model.Arch(), models.ParamCount(s.model), s.backend.Name())
	if s.amp {
		desc += " with float16 autocast"
	}
	return desc
}

// TrainStep runs forward, backward and one optimizer update on batch.
// A non-finite loss on any replica skips the update on every replica
// without touching the weights.
func (s *Session[I]) TrainStep(ctx context.Context, batch dataset.Batch) (StepResult, error) {
	x, labels, err := s.inputs(batch)
	if err != nil {
		return StepResult{}, err
	}
	s.model.Train(true)
	tape := s.backend.Tape()
	tape.Clear()
	tape.StartRecording()
	defer func() {
		tape.StopRecording()
		tape.Clear()
	}()

	logits := s.model.Forward(x)
	lossRaw := s.backend.CrossEntropy(logits.Raw(), labels.Raw())
	res := StepResult{
		Loss:    float64(lossRaw.AsFloat32()[0]),
		Correct: metrics.CountCorrect(metrics.Argmax(logits.Raw().AsFloat32(), s.model.NumClasses()), batch.Labels),
		Samples: batch.Len(),
	}
	diverged, err := s.anyDiverged(ctx, res.Loss)
	if err != nil {
		return StepResult{}, err
	}
	if diverged {
		s.opt.ZeroGrad()
		res.Skipped = true
		return res, nil
	}

	seed, err := tensor.NewRaw(lossRaw.Shape(), tensor.Float32, s.backend.Device())
	if err != nil {
		return StepResult{}, fmt.Errorf("loss gradient: %w", err)
	}
	seed.AsFloat32()[0] = float32(s.scaler.Scale())
	grads := tape.Backward(seed, s.backend)

	views := s.gradViews(grads)
	if err := s.averageGrads(ctx, views); err != nil {
		return StepResult{}, err
	}
	if s.scaler.Unscale(views) {
		s.opt.Step(grads)
	} else {
		res.Skipped = true
	}
	s.scaler.Update(res.Skipped)
	s.opt.ZeroGrad()
	return res, nil
}

// Predict returns the argmax class of every image in batch without
// recording gradients.
func (s *Session[I]) Predict(_ context.Context, batch dataset.Batch) ([]int, error) {
	x, _, err := s.inputs(batch)
	if err != nil {
		return nil, err
	}
	s.model.Train(false)
	tape := s.backend.Tape()
	tape.StopRecording()
	tape.Clear()
	logits := s.model.Forward(x)
	return metrics.Argmax(logits.Raw().AsFloat32(), s.model.NumClasses()), nil
}

func (s *Session[I]) inputs(batch dataset.Batch) (*tensor.Tensor[float32, *autodiff.Backend[I]], *tensor.Tensor[int32, *autodiff.Backend[I]], error) {
	if batch.Len() == 0 {
		return nil, nil, fmt.Errorf("engine: empty batch")
	}
	images := batch.Images
	if s.amp {
		images = autocast(images)
	}
	x, err := tensor.FromSlice(images, tensor.Shape(batch.Shape()), s.backend)
	if err != nil {
		return nil, nil, fmt.Errorf("batch images: %w", err)
	}
	ids := make([]int32, len(batch.Labels))
	for i, l := range batch.Labels {
		if l < 0 || l >= s.model.NumClasses() {
			return nil, nil, fmt.Errorf("engine: label %d outside [0, %d)", l, s.model.NumClasses())
		}
		ids[i] = int32(l)
	}
	y, err := tensor.FromSlice(ids, tensor.Shape{len(ids)}, s.backend)
	if err != nil {
		return nil, nil, fmt.Errorf("batch labels: %w", err)
	}
	return x, y, nil
}

// autocast rounds activations through float16 so the forward pass sees
// the same inputs a half precision kernel would.
func autocast(src []float32) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float16.Fromfloat32(v).Float32()
	}
	return out
}

// gradViews returns writable views of the gradient of every parameter, in
// parameter order. Parameters that took no part in the forward pass are
// skipped on every replica alike.
func (s *Session[I]) gradViews(grads map[*tensor.RawTensor]*tensor.RawTensor) [][]float32 {
	var views [][]float32
	for _, p := range s.model.Parameters() {
		if g, ok := grads[p.Tensor().Raw()]; ok && g != nil {
			views = append(views, g.AsFloat32())
		}
	}
	return views
}

// anyDiverged reports whether loss, or the loss of any other replica, is
// non-finite. Replicas agree on the answer before the gradient all-reduce so
// they all take the same path through the step.
func (s *Session[I]) anyDiverged(ctx context.Context, loss float64) (bool, error) {
	bad := 0.0
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		bad = 1
	}
	if s.group.WorldSize() <= 1 {
		return bad > 0, nil
	}
	flag := []float64{bad}
	if err := s.group.AllReduce(ctx, flag); err != nil {
		return false, fmt.Errorf("all-reduce loss check: %w", err)
	}
	return flag[0] > 0, nil
}

// DefaultReduceChunk bounds the number of gradient values sent in a single
// all-reduce call.
const DefaultReduceChunk = 1 << 24

// averageGrads replaces every gradient with its mean across the group.
func (s *Session[I]) averageGrads(ctx context.Context, views [][]float32) error {
	world := s.group.WorldSize()
	if world <= 1 {
		return nil
	}
	n := 0
	for _, v := range views {
		n += len(v)
	}
	flat := make([]float64, 0, n)
	for _, v := range views {
		for _, g := range v {
			flat = append(flat, float64(g))
		}
	}
	chunk := s.chunk
	if chunk <= 0 {
		chunk = DefaultReduceChunk
	}
	for start := 0; start < len(flat); start += chunk {
		part := flat[start:min(start+chunk, len(flat))]
		if err := s.group.AllReduce(ctx, part); err != nil {
			return fmt.Errorf("all-reduce gradients [%d:%d]: %w", start, start+len(part), err)
		}
	}
	floats.Scale(1/float64(world), flat)
	i := 0
	for _, v := range views {
		for j := range v {
			v[j] = float32(flat[i])
			i++
		}
	}
	return nil
}

// SaveCheckpoint writes the model weights in born's native format. meta is
// stored alongside the weights together with the architecture name.
func (s *Session[I]) SaveCheckpoint(path string, meta map[string]string) error {
	all := map[string]string{
		"arch":        s.model.Arch().Name,
		"num_classes": strconv.Itoa(s.model.NumClasses()),
	}
	for k, v := range meta {
		all[k] = v
	}
	if err := nn.Save(s.model, path, s.model.Arch().Name, all); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", path, err)
	}
	return nil
}

// LoadCheckpoint restores weights written by SaveCheckpoint and returns the
// stored metadata.
func (s *Session[I]) LoadCheckpoint(path string) (map[string]string, error) {
	header, err := nn.Load(path, s.backend, s.model)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	if arch := header.Metadata["arch"]; arch != "" && arch != s.model.Arch().Name {
		return nil, fmt.Errorf("load checkpoint %s: written by %s, model is %s", path, arch, s.model.Arch().Name)
	}
	return header.Metadata, nil
}

func (s *Session[I]) Close() error {
	s.backend.Tape().Clear()
	if s.release != nil {
		s.release()
		s.release = nil
	}
	return nil
}
