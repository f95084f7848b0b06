package models

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Classifier maps a batch of NCHW images to [N, numClasses] logits.
type Classifier[B tensor.Backend] interface {
	nn.Module[B]
	Arch() Arch
	NumClasses() int
	// Train switches between training and inference behavior (dropout).
	Train(on bool)
	Training() bool
	// Reinit draws fresh weights from rng.
	Reinit(rng *rand.Rand)
}

type network[B tensor.Backend] struct {
	arch       Arch
	numClasses int
	body       layer[B]
	named      []param[B]
	train      bool
	rng        *rand.Rand
}

func newNetwork[B tensor.Backend](arch Arch, numClasses int, body layer[B], rng *rand.Rand) *network[B] {
	n := &network[B]{
		arch:       arch,
		numClasses: numClasses,
		body:       body,
		named:      body.params(""),
		train:      true,
		rng:        rng,
	}
	n.Reinit(rng)
	return n
}

func (n *network[B]) Arch() Arch      { return n.arch }
func (n *network[B]) NumClasses() int { return n.numClasses }
func (n *network[B]) Train(on bool)   { n.train = on }
func (n *network[B]) Training() bool  { return n.train }

func (n *network[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return n.body.forward(x, &pass{train: n.train, rng: n.rng})
}

func (n *network[B]) Parameters() []*nn.Parameter[B] {
	out := make([]*nn.Parameter[B], len(n.named))
	for i, p := range n.named {
		out[i] = p.p
	}
	return out
}

func (n *network[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor, len(n.named))
	for _, p := range n.named {
		sd[p.name] = p.p.Tensor().Raw()
	}
	return sd
}

func (n *network[B]) LoadStateDict(sd map[string]*tensor.RawTensor) error {
	for _, p := range n.named {
		src, ok := sd[p.name]
		if !ok {
			return fmt.Errorf("state dict: missing %s", p.name)
		}
		dst := p.p.Tensor().Raw()
		if !dst.Shape().Equal(src.Shape()) {
			return fmt.Errorf("state dict: %s has shape %v, want %v", p.name, src.Shape(), dst.Shape())
		}
		copy(dst.AsFloat32(), src.AsFloat32())
	}
	return nil
}

// Reinit applies each parameter's init rule. Weights use the Xavier uniform
// bound over the fan-in and fan-out of their shape.
func (n *network[B]) Reinit(rng *rand.Rand) {
	n.rng = rng
	for _, p := range n.named {
		data := p.p.Tensor().Raw().AsFloat32()
		switch p.kind {
		case initZeros:
			clear(data)
		case initConst:
			for i := range data {
				data[i] = p.value
			}
		default:
			fanIn, fanOut := fans(p.p.Tensor().Shape())
			bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
			for i := range data {
				data[i] = float32((rng.Float64()*2 - 1) * bound)
			}
		}
	}
}

// fans computes fan-in and fan-out the way born's Xavier does for linear
// [out, in] and convolution [out, in, kh, kw] weights.
func fans(shape tensor.Shape) (int, int) {
	switch len(shape) {
	case 0:
		return 1, 1
	case 1:
		return shape[0], shape[0]
	}
	receptive := 1
	for _, d := range shape[2:] {
		receptive *= d
	}
	return shape[1] * receptive, shape[0] * receptive
}

// ParamCount returns the number of scalar parameters in c.
func ParamCount[B tensor.Backend](c Classifier[B]) int {
	total := 0
	for _, p := range c.Parameters() {
		total += p.Tensor().Shape().NumElements()
	}
	return total
}
