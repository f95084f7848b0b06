package trainer

import (
	"context"
	"math"

	"convzoo/internal/dataset"
	"convzoo/internal/engine"
)

// sliceLoader replays fixed batches every epoch.
type sliceLoader struct {
	batches []dataset.Batch
	size    int
	err     error
}

func labelBatches(n int, labels ...int) []dataset.Batch {
	out := make([]dataset.Batch, n)
	for i := range out {
		out[i] = dataset.Batch{Labels: append([]int(nil), labels...)}
	}
	return out
}

func (l *sliceLoader) Len() int { return len(l.batches) }

func (l *sliceLoader) DatasetSize() int {
	if l.size > 0 {
		return l.size
	}
	n := 0
	for _, b := range l.batches {
		n += b.Len()
	}
	return n
}

func (l *sliceLoader) Epoch(ctx context.Context, _ int) (<-chan dataset.Batch, <-chan error) {
	out := make(chan dataset.Batch)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(out)
		for _, b := range l.batches {
			select {
			case <-ctx.Done():
				return
			case out <- b:
			}
		}
		if l.err != nil {
			errs <- l.err
		}
	}()
	return out, errs
}

type checkpoint struct {
	path string
	meta map[string]string
}

// fakeLearner scripts losses and validation accuracy and records calls.
type fakeLearner struct {
	lr float64
	// losses[i] is the loss of the i-th TrainStep; missing entries are 1.
	losses []float64
	// valCorrect[i] is how many samples the i-th evaluation gets right.
	valCorrect []int

	calls       []string
	stepLRs     []float64
	steps       int
	evals       int
	predicted   int
	zeroGrads   int
	syncs       int
	checkpoints []checkpoint
	closed      bool
}

func (f *fakeLearner) TrainStep(_ context.Context, b dataset.Batch) (engine.StepResult, error) {
	if len(f.calls) == 0 || f.calls[len(f.calls)-1] != "train" {
		f.calls = append(f.calls, "train")
	}
	f.stepLRs = append(f.stepLRs, f.lr)
	loss := 1.0
	if f.steps < len(f.losses) {
		loss = f.losses[f.steps]
	}
	f.steps++
	res := engine.StepResult{Loss: loss, Correct: b.Len(), Samples: b.Len()}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		res.Skipped = true
	}
	return res, nil
}

func (f *fakeLearner) Predict(_ context.Context, b dataset.Batch) ([]int, error) {
	if len(f.calls) == 0 || f.calls[len(f.calls)-1] != "eval" {
		f.calls = append(f.calls, "eval")
		f.predicted = 0
		f.evals++
	}
	want := 0
	if f.evals-1 < len(f.valCorrect) {
		want = f.valCorrect[f.evals-1]
	}
	pred := make([]int, b.Len())
	for i, l := range b.Labels {
		if f.predicted < want {
			pred[i] = l
			f.predicted++
		} else {
			pred[i] = l + 1
		}
	}
	return pred, nil
}

func (f *fakeLearner) ZeroGrad()        { f.zeroGrads++ }
func (f *fakeLearner) LR() float64      { return f.lr }
func (f *fakeLearner) SetLR(lr float64) { f.lr = lr }
func (f *fakeLearner) Synchronize()     { f.syncs++ }
func (f *fakeLearner) Describe() string { return "fake" }

func (f *fakeLearner) Close() error {
	f.closed = true
	return nil
}

func (f *fakeLearner) SaveCheckpoint(path string, meta map[string]string) error {
	f.checkpoints = append(f.checkpoints, checkpoint{path: path, meta: meta})
	return nil
}
