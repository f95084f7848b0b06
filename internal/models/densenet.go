package models

import (
	"fmt"
	"strconv"

	"github.com/born-ml/born/tensor"
)

type denseNetConfig struct {
	growth  int
	blocks  [4]int
	initial int
	bottle  int // bottleneck width multiplier
}

var denseNetConfigs = map[string]denseNetConfig{
	"densenet121": {growth: 32, blocks: [4]int{6, 12, 24, 16}, initial: 64, bottle: 4},
	"densenet161": {growth: 48, blocks: [4]int{6, 12, 36, 24}, initial: 96, bottle: 4},
	"densenet169": {growth: 32, blocks: [4]int{6, 12, 32, 32}, initial: 64, bottle: 4},
}

// denseLayer appends growth new channels computed from all previous ones.
type denseLayer[B tensor.Backend] struct {
	branch seq[B]
}

func newDenseLayer[B tensor.Backend](b B, in, growth, bottle int) *denseLayer[B] {
	return &denseLayer[B]{branch: seq[B]{
		relu[B]{}, newConv(b, in, bottle*growth, 1, 1, 0, 1),
		relu[B]{}, newConv(b, bottle*growth, growth, 3, 1, 1, 1),
	}}
}

func (d *denseLayer[B]) forward(x *Tensor[B], p *pass) *Tensor[B] {
	return tensor.Cat([]*Tensor[B]{x, d.branch.forward(x, p)}, 1)
}

func (d *denseLayer[B]) params(prefix string) []param[B] {
	return d.branch.params(prefix)
}

func denseNet[B tensor.Backend](b B, name string, numClasses, size int) (layer[B], error) {
	cfg, ok := denseNetConfigs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	net := &named[B]{}
	net.add("stem", seq[B]{
		newConv(b, 3, cfg.initial, 7, 2, 3, 1), relu[B]{}, newMaxPool(b, 3, 2, 1, false),
	})
	s := poolSize(convSize(size, 7, 2, 3), 3, 2, 1, false)

	features := cfg.initial
	for i, n := range cfg.blocks {
		block := seq[B]{}
		for range n {
			block = append(block, newDenseLayer(b, features, cfg.growth, cfg.bottle))
			features += cfg.growth
		}
		net.add("denseblock"+strconv.Itoa(i+1), block)
		if i == len(cfg.blocks)-1 {
			break
		}
		// Transition halves channels and resolution with a learned
		// stride-2 convolution.
		out := features / 2
		net.add("transition"+strconv.Itoa(i+1), seq[B]{relu[B]{}, newConv(b, features, out, 2, 2, 0, 1)})
		features = out
		s = convSize(s, 2, 2, 0)
	}
	if err := checkSize("denseblock4", s); err != nil {
		return nil, err
	}
	net.add("head", seq[B]{relu[B]{}, globalAvgPool[B]{}})
	net.add("classifier", newLinear(b, features, numClasses))
	return net, nil
}
