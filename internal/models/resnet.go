package models

import (
	"fmt"
	"strconv"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

type resNetConfig struct {
	bottleneck bool
	layers     [4]int
	groups     int
	width      int // channels per group at base width 64
}

var resNetConfigs = map[string]resNetConfig{
	"resnet34":         {bottleneck: false, layers: [4]int{3, 4, 6, 3}, groups: 1, width: 64},
	"resnet50":         {bottleneck: true, layers: [4]int{3, 4, 6, 3}, groups: 1, width: 64},
	"resnet101":        {bottleneck: true, layers: [4]int{3, 4, 23, 3}, groups: 1, width: 64},
	"resnext50_32x4d":  {bottleneck: true, layers: [4]int{3, 4, 6, 3}, groups: 32, width: 4},
	"resnext101_32x8d": {bottleneck: true, layers: [4]int{3, 4, 23, 3}, groups: 32, width: 8},
}

// residual adds a branch to a shortcut and applies ReLU. The branch ends in
// a zero-initialized convolution so each block starts as the identity.
type residual[B tensor.Backend] struct {
	branch   seq[B]
	shortcut layer[B] // nil for identity
}

func (r *residual[B]) forward(x *Tensor[B], p *pass) *Tensor[B] {
	out := r.branch.forward(x, p)
	short := x
	if r.shortcut != nil {
		short = r.shortcut.forward(x, p)
	}
	return nn.ReLUFunc(out.Add(short))
}

func (r *residual[B]) params(prefix string) []param[B] {
	out := r.branch.params(join(prefix, "branch"))
	if r.shortcut != nil {
		out = append(out, r.shortcut.params(join(prefix, "downsample"))...)
	}
	return out
}

func zeroInit[B tensor.Backend](c *conv[B]) *conv[B] {
	c.zeroInit = true
	return c
}

func basicBlock[B tensor.Backend](b B, in, planes, stride int) *residual[B] {
	r := &residual[B]{branch: seq[B]{
		newConv(b, in, planes, 3, stride, 1, 1), relu[B]{},
		zeroInit(newConv(b, planes, planes, 3, 1, 1, 1)),
	}}
	if stride != 1 || in != planes {
		r.shortcut = newConv(b, in, planes, 1, stride, 0, 1)
	}
	return r
}

func bottleneckBlock[B tensor.Backend](b B, in, planes, stride int, cfg resNetConfig) *residual[B] {
	width := planes * cfg.width / 64 * cfg.groups
	out := planes * 4
	r := &residual[B]{branch: seq[B]{
		newConv(b, in, width, 1, 1, 0, 1), relu[B]{},
		newConv(b, width, width, 3, stride, 1, cfg.groups), relu[B]{},
		zeroInit(newConv(b, width, out, 1, 1, 0, 1)),
	}}
	if stride != 1 || in != out {
		r.shortcut = newConv(b, in, out, 1, stride, 0, 1)
	}
	return r
}

func resNet[B tensor.Backend](b B, name string, numClasses, size int) (layer[B], error) {
	cfg, ok := resNetConfigs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	net := &named[B]{}
	net.add("stem", seq[B]{newConv(b, 3, 64, 7, 2, 3, 1), relu[B]{}, newMaxPool(b, 3, 2, 1, false)})
	s := poolSize(convSize(size, 7, 2, 3), 3, 2, 1, false)

	in := 64
	expansion := 1
	if cfg.bottleneck {
		expansion = 4
	}
	for stage, blocks := range cfg.layers {
		planes := 64 << stage
		stride := 1
		if stage > 0 {
			stride = 2
			s = convSize(s, 3, 2, 1)
		}
		stageBlocks := seq[B]{}
		for i := range blocks {
			st := 1
			if i == 0 {
				st = stride
			}
			if cfg.bottleneck {
				stageBlocks = append(stageBlocks, bottleneckBlock(b, in, planes, st, cfg))
			} else {
				stageBlocks = append(stageBlocks, basicBlock(b, in, planes, st))
			}
			in = planes * expansion
		}
		net.add("layer"+strconv.Itoa(stage+1), stageBlocks)
	}
	if err := checkSize("layer4", s); err != nil {
		return nil, err
	}
	net.add("avgpool", globalAvgPool[B]{})
	net.add("fc", newLinear(b, in, numClasses))
	return net, nil
}
