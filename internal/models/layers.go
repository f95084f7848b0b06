package models

import (
	"fmt"
	"math/rand"
	"strconv"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Tensor is the float32 tensor every layer consumes and produces.
type Tensor[B tensor.Backend] = tensor.Tensor[float32, B]

// pass carries per-forward state.
type pass struct {
	train bool
	rng   *rand.Rand
}

// layer is the building block of every architecture. params reports the
// trainable parameters under a dotted name prefix.
type layer[B tensor.Backend] interface {
	forward(x *Tensor[B], p *pass) *Tensor[B]
	params(prefix string) []param[B]
}

type initKind int

const (
	initXavier initKind = iota
	initZeros
	initConst
)

// param is a named parameter plus the rule used to (re)initialize it.
type param[B tensor.Backend] struct {
	name  string
	p     *nn.Parameter[B]
	kind  initKind
	value float32
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// seq runs its children in order.
type seq[B tensor.Backend] []layer[B]

func (s seq[B]) forward(x *Tensor[B], p *pass) *Tensor[B] {
	for _, l := range s {
		x = l.forward(x, p)
	}
	return x
}

func (s seq[B]) params(prefix string) []param[B] {
	var out []param[B]
	for i, l := range s {
		out = append(out, l.params(join(prefix, strconv.Itoa(i)))...)
	}
	return out
}

// named runs a fixed list of children but names them explicitly.
type named[B tensor.Backend] struct {
	names  []string
	layers []layer[B]
}

func (n *named[B]) add(name string, l layer[B]) {
	n.names = append(n.names, name)
	n.layers = append(n.layers, l)
}

func (n *named[B]) forward(x *Tensor[B], p *pass) *Tensor[B] {
	for _, l := range n.layers {
		x = l.forward(x, p)
	}
	return x
}

func (n *named[B]) params(prefix string) []param[B] {
	var out []param[B]
	for i, l := range n.layers {
		out = append(out, l.params(join(prefix, n.names[i]))...)
	}
	return out
}

// conv is a 2D convolution with bias. Grouped convolutions split the input
// channels into equal chunks, each with its own kernel.
type conv[B tensor.Backend] struct {
	groups   []*nn.Conv2D[B]
	zeroInit bool
}

func newConv[B tensor.Backend](b B, in, out, k, stride, pad, groups int) *conv[B] {
	if groups < 1 || in%groups != 0 || out%groups != 0 {
		panic(fmt.Sprintf("conv: %d groups do not divide %d->%d channels", groups, in, out))
	}
	c := &conv[B]{groups: make([]*nn.Conv2D[B], groups)}
	for g := range c.groups {
		c.groups[g] = nn.NewConv2D(in/groups, out/groups, k, k, stride, pad, true, b)
	}
	return c
}

func (c *conv[B]) forward(x *Tensor[B], _ *pass) *Tensor[B] {
	if len(c.groups) == 1 {
		return c.groups[0].Forward(x)
	}
	parts := x.Chunk(len(c.groups), 1)
	outs := make([]*Tensor[B], len(parts))
	for g, part := range parts {
		outs[g] = c.groups[g].Forward(part)
	}
	return tensor.Cat(outs, 1)
}

func (c *conv[B]) params(prefix string) []param[B] {
	var out []param[B]
	for g, k := range c.groups {
		name := prefix
		if len(c.groups) > 1 {
			name = join(prefix, "g"+strconv.Itoa(g))
		}
		ps := k.Parameters()
		kind := initXavier
		if c.zeroInit {
			kind = initZeros
		}
		out = append(out, param[B]{name: join(name, "weight"), p: ps[0], kind: kind})
		out = append(out, param[B]{name: join(name, "bias"), p: ps[1], kind: initZeros})
	}
	return out
}

// linear applies a fully connected layer to [N, in] or, flattening leading
// dimensions, to any tensor whose last dimension is in.
type linear[B tensor.Backend] struct {
	l       *nn.Linear[B]
	in, out int
}

func newLinear[B tensor.Backend](b B, in, out int) *linear[B] {
	return &linear[B]{l: nn.NewLinear(in, out, b), in: in, out: out}
}

func (l *linear[B]) forward(x *Tensor[B], _ *pass) *Tensor[B] {
	shape := x.Shape()
	if len(shape) == 2 {
		return l.l.Forward(x)
	}
	rows := shape.NumElements() / l.in
	y := l.l.Forward(x.Reshape(rows, l.in))
	outShape := append([]int(nil), shape...)
	outShape[len(outShape)-1] = l.out
	return y.Reshape(outShape...)
}

func (l *linear[B]) params(prefix string) []param[B] {
	return []param[B]{
		{name: join(prefix, "weight"), p: l.l.Weight(), kind: initXavier},
		{name: join(prefix, "bias"), p: l.l.Bias(), kind: initZeros},
	}
}

type relu[B tensor.Backend] struct{}

func (r relu[B]) forward(x *Tensor[B], _ *pass) *Tensor[B] { return nn.ReLUFunc(x) }
func (r relu[B]) params(string) []param[B]                 { return nil }

// gelu uses the sigmoid approximation x*sigmoid(1.702x).
type gelu[B tensor.Backend] struct{}

func (g gelu[B]) forward(x *Tensor[B], _ *pass) *Tensor[B] {
	k := scalarLike(x, 1.702)
	return x.Mul(nn.SigmoidFunc(x.Mul(k)))
}

func (g gelu[B]) params(string) []param[B] { return nil }

// scalarLike returns a broadcastable tensor of v with the rank of x.
func scalarLike[B tensor.Backend](x *Tensor[B], v float32) *Tensor[B] {
	shape := make(tensor.Shape, len(x.Shape()))
	for i := range shape {
		shape[i] = 1
	}
	return tensor.Full[float32](shape, v, x.Backend())
}

// maxPool pools over k x k windows. Inputs are non-negative wherever padding
// is used, so zero padding behaves like negative infinity padding. ceil adds
// trailing padding so partial windows produce an output.
type maxPool[B tensor.Backend] struct {
	k, stride, pad int
	ceil           bool
	pool           *nn.MaxPool2D[B]
}

func newMaxPool[B tensor.Backend](b B, k, stride, pad int, ceil bool) *maxPool[B] {
	return &maxPool[B]{k: k, stride: stride, pad: pad, ceil: ceil, pool: nn.NewMaxPool2D(k, stride, b)}
}

func (m *maxPool[B]) forward(x *Tensor[B], _ *pass) *Tensor[B] {
	shape := x.Shape()
	extraH := m.trailing(shape[2])
	extraW := m.trailing(shape[3])
	if m.pad > 0 || extraH > 0 || extraW > 0 {
		x = pad2d(x, m.pad, m.pad+extraH, m.pad, m.pad+extraW)
	}
	return m.pool.Forward(x)
}

func (m *maxPool[B]) trailing(size int) int {
	if !m.ceil {
		return 0
	}
	padded := size + 2*m.pad
	out := poolSize(size, m.k, m.stride, m.pad, true)
	need := (out-1)*m.stride + m.k
	return max(0, need-padded)
}

func (m *maxPool[B]) params(string) []param[B] { return nil }

// poolSize is the output extent of a pooling window over size.
func poolSize(size, k, stride, pad int, ceil bool) int {
	span := size + 2*pad - k
	out := span/stride + 1
	if ceil && span%stride != 0 {
		out++
		// The last window must start inside the input or left padding.
		if (out-1)*stride >= size+pad {
			out--
		}
	}
	return out
}

// convSize is the output extent of a convolution over size.
func convSize(size, k, stride, pad int) int {
	return (size+2*pad-k)/stride + 1
}

// pad2d zero-pads the spatial dimensions of an NCHW tensor.
func pad2d[B tensor.Backend](x *Tensor[B], top, bottom, left, right int) *Tensor[B] {
	b := x.Backend()
	s := x.Shape()
	n, c, h, w := s[0], s[1], s[2], s[3]
	if top > 0 || bottom > 0 {
		parts := make([]*Tensor[B], 0, 3)
		if top > 0 {
			parts = append(parts, tensor.Zeros[float32](tensor.Shape{n, c, top, w}, b))
		}
		parts = append(parts, x)
		if bottom > 0 {
			parts = append(parts, tensor.Zeros[float32](tensor.Shape{n, c, bottom, w}, b))
		}
		x = tensor.Cat(parts, 2)
		h += top + bottom
	}
	if left > 0 || right > 0 {
		parts := make([]*Tensor[B], 0, 3)
		if left > 0 {
			parts = append(parts, tensor.Zeros[float32](tensor.Shape{n, c, h, left}, b))
		}
		parts = append(parts, x)
		if right > 0 {
			parts = append(parts, tensor.Zeros[float32](tensor.Shape{n, c, h, right}, b))
		}
		x = tensor.Cat(parts, 3)
	}
	return x
}

// globalAvgPool averages each channel over its spatial extent: NCHW -> NC.
type globalAvgPool[B tensor.Backend] struct{}

func (g globalAvgPool[B]) forward(x *Tensor[B], _ *pass) *Tensor[B] {
	s := x.Shape()
	n, c, hw := s[0], s[1], s[2]*s[3]
	weights := tensor.Full[float32](tensor.Shape{hw, 1}, 1/float32(hw), x.Backend())
	return x.Reshape(n*c, hw).MatMul(weights).Reshape(n, c)
}

func (g globalAvgPool[B]) params(string) []param[B] { return nil }

// flatten turns NCHW into [N, C*H*W].
type flatten[B tensor.Backend] struct{}

func (f flatten[B]) forward(x *Tensor[B], _ *pass) *Tensor[B] {
	s := x.Shape()
	return x.Reshape(s[0], s.NumElements()/s[0])
}

func (f flatten[B]) params(string) []param[B] { return nil }

// dropout zeroes activations with probability rate in training mode and
// rescales the survivors.
type dropout[B tensor.Backend] struct {
	rate float64
}

func (d dropout[B]) forward(x *Tensor[B], p *pass) *Tensor[B] {
	if !p.train || d.rate <= 0 {
		return x
	}
	keep := float32(1 / (1 - d.rate))
	mask := make([]float32, x.Shape().NumElements())
	for i := range mask {
		if p.rng.Float64() >= d.rate {
			mask[i] = keep
		}
	}
	m, err := tensor.FromSlice(mask, x.Shape(), x.Backend())
	if err != nil {
		panic(fmt.Sprintf("dropout mask: %v", err))
	}
	return x.Mul(m)
}

func (d dropout[B]) params(string) []param[B] { return nil }

// layerNorm normalizes over channels. Channels-first inputs are transposed
// to channels-last and back around the normalization.
type layerNorm[B tensor.Backend] struct {
	ln           *nn.LayerNorm[B]
	channelsLast bool
}

func newLayerNorm[B tensor.Backend](b B, channels int, channelsLast bool) *layerNorm[B] {
	return &layerNorm[B]{ln: nn.NewLayerNorm(channels, 1e-6, b), channelsLast: channelsLast}
}

func (l *layerNorm[B]) forward(x *Tensor[B], _ *pass) *Tensor[B] {
	if l.channelsLast || len(x.Shape()) != 4 {
		return l.ln.Forward(x)
	}
	y := l.ln.Forward(x.Transpose(0, 2, 3, 1))
	return y.Transpose(0, 3, 1, 2)
}

func (l *layerNorm[B]) params(prefix string) []param[B] {
	return []param[B]{
		{name: join(prefix, "weight"), p: l.ln.Gamma, kind: initConst, value: 1},
		{name: join(prefix, "bias"), p: l.ln.Beta, kind: initZeros},
	}
}
