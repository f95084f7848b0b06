package models

import "github.com/born-ml/born/tensor"

// basicConv is a convolution followed by ReLU.
func basicConv[B tensor.Backend](b B, in, out, k, stride, pad int) seq[B] {
	return seq[B]{newConv(b, in, out, k, stride, pad, 1), relu[B]{}}
}

// inception runs four branches on the same input and concatenates them
// along channels.
type inception[B tensor.Backend] struct {
	branches [4]seq[B]
}

func newInception[B tensor.Backend](b B, in, c1, c3r, c3, c5r, c5, poolProj int) *inception[B] {
	return &inception[B]{branches: [4]seq[B]{
		basicConv(b, in, c1, 1, 1, 0),
		append(basicConv(b, in, c3r, 1, 1, 0), basicConv(b, c3r, c3, 3, 1, 1)...),
		append(basicConv(b, in, c5r, 1, 1, 0), basicConv(b, c5r, c5, 3, 1, 1)...),
		append(seq[B]{newMaxPool(b, 3, 1, 1, true)}, basicConv(b, in, poolProj, 1, 1, 0)...),
	}}
}

func (m *inception[B]) forward(x *Tensor[B], p *pass) *Tensor[B] {
	outs := make([]*Tensor[B], len(m.branches))
	for i, br := range m.branches {
		outs[i] = br.forward(x, p)
	}
	return tensor.Cat(outs, 1)
}

func (m *inception[B]) params(prefix string) []param[B] {
	var out []param[B]
	for i, br := range m.branches {
		out = append(out, br.params(join(prefix, "branch"+string(rune('1'+i))))...)
	}
	return out
}

func googLeNet[B tensor.Backend](b B, numClasses, size int) (layer[B], error) {
	net := &named[B]{}
	net.add("conv1", basicConv(b, 3, 64, 7, 2, 3))
	net.add("maxpool1", newMaxPool(b, 3, 2, 0, true))
	net.add("conv2", basicConv(b, 64, 64, 1, 1, 0))
	net.add("conv3", basicConv(b, 64, 192, 3, 1, 1))
	net.add("maxpool2", newMaxPool(b, 3, 2, 0, true))
	net.add("inception3a", newInception(b, 192, 64, 96, 128, 16, 32, 32))
	net.add("inception3b", newInception(b, 256, 128, 128, 192, 32, 96, 64))
	net.add("maxpool3", newMaxPool(b, 3, 2, 0, true))
	net.add("inception4a", newInception(b, 480, 192, 96, 208, 16, 48, 64))
	net.add("inception4b", newInception(b, 512, 160, 112, 224, 24, 64, 64))
	net.add("inception4c", newInception(b, 512, 128, 128, 256, 24, 64, 64))
	net.add("inception4d", newInception(b, 512, 112, 144, 288, 32, 64, 64))
	net.add("inception4e", newInception(b, 528, 256, 160, 320, 32, 128, 128))
	net.add("maxpool4", newMaxPool(b, 2, 2, 0, true))
	net.add("inception5a", newInception(b, 832, 256, 160, 320, 32, 128, 128))
	net.add("inception5b", newInception(b, 832, 384, 192, 384, 48, 128, 128))
	net.add("avgpool", globalAvgPool[B]{})
	net.add("dropout", dropout[B]{rate: 0.2})
	net.add("fc", newLinear(b, 1024, numClasses))

	s := convSize(size, 7, 2, 3)
	s = poolSize(s, 3, 2, 0, true)
	s = poolSize(s, 3, 2, 0, true)
	s = poolSize(s, 3, 2, 0, true)
	s = poolSize(s, 2, 2, 0, true)
	if err := checkSize("inception5b", s); err != nil {
		return nil, err
	}
	return net, nil
}
