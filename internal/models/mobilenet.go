package models

import "github.com/born-ml/born/tensor"

// MobileNet activations are plain ReLU; the engine has no clamp for ReLU6.

func mobileNetV1[B tensor.Backend](b B, numClasses, size int) (layer[B], error) {
	type dw struct{ in, out, stride int }
	blocks := []dw{
		{32, 64, 1}, {64, 128, 2}, {128, 128, 1}, {128, 256, 2}, {256, 256, 1}, {256, 512, 2},
		{512, 512, 1}, {512, 512, 1}, {512, 512, 1}, {512, 512, 1}, {512, 512, 1},
		{512, 1024, 2}, {1024, 1024, 1},
	}
	features := seq[B]{seq[B]{newConv(b, 3, 32, 3, 2, 1, 1), relu[B]{}}}
	s := convSize(size, 3, 2, 1)
	for _, d := range blocks {
		features = append(features, seq[B]{
			newConv(b, d.in, d.in, 3, d.stride, 1, d.in), relu[B]{},
			newConv(b, d.in, d.out, 1, 1, 0, 1), relu[B]{},
		})
		s = convSize(s, 3, d.stride, 1)
	}
	if err := checkSize("features", s); err != nil {
		return nil, err
	}
	net := &named[B]{}
	net.add("features", features)
	net.add("avgpool", globalAvgPool[B]{})
	net.add("fc", newLinear(b, 1024, numClasses))
	return net, nil
}

// invertedResidual expands, filters depthwise and projects back, adding the
// input when shapes allow.
type invertedResidual[B tensor.Backend] struct {
	branch   seq[B]
	identity bool
}

func newInvertedResidual[B tensor.Backend](b B, in, out, stride, expand int) *invertedResidual[B] {
	hidden := in * expand
	branch := seq[B]{}
	if expand != 1 {
		branch = append(branch, newConv(b, in, hidden, 1, 1, 0, 1), relu[B]{})
	}
	identity := stride == 1 && in == out
	project := newConv(b, hidden, out, 1, 1, 0, 1)
	if identity {
		project.zeroInit = true
	}
	branch = append(branch,
		newConv(b, hidden, hidden, 3, stride, 1, hidden), relu[B]{},
		project,
	)
	return &invertedResidual[B]{branch: branch, identity: identity}
}

func (r *invertedResidual[B]) forward(x *Tensor[B], p *pass) *Tensor[B] {
	out := r.branch.forward(x, p)
	if r.identity {
		return out.Add(x)
	}
	return out
}

func (r *invertedResidual[B]) params(prefix string) []param[B] {
	return r.branch.params(prefix)
}

func mobileNetV2[B tensor.Backend](b B, numClasses, size int) (layer[B], error) {
	settings := [][4]int{
		// expand, channels, repeats, stride
		{1, 16, 1, 1},
		{6, 24, 2, 2},
		{6, 32, 3, 2},
		{6, 64, 4, 2},
		{6, 96, 3, 1},
		{6, 160, 3, 2},
		{6, 320, 1, 1},
	}
	features := seq[B]{seq[B]{newConv(b, 3, 32, 3, 2, 1, 1), relu[B]{}}}
	s := convSize(size, 3, 2, 1)
	in := 32
	for _, st := range settings {
		t, c, n, stride := st[0], st[1], st[2], st[3]
		for i := range n {
			if i > 0 {
				stride = 1
			}
			features = append(features, newInvertedResidual(b, in, c, stride, t))
			s = convSize(s, 3, stride, 1)
			in = c
		}
	}
	features = append(features, seq[B]{newConv(b, in, 1280, 1, 1, 0, 1), relu[B]{}})
	if err := checkSize("features", s); err != nil {
		return nil, err
	}
	net := &named[B]{}
	net.add("features", features)
	net.add("avgpool", globalAvgPool[B]{})
	net.add("classifier", seq[B]{dropout[B]{rate: 0.2}, newLinear(b, 1280, numClasses)})
	return net, nil
}
