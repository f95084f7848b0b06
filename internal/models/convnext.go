package models

import (
	"fmt"
	"strconv"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

type convNeXtConfig struct {
	depths [4]int
	dims   [4]int
}

var convNeXtConfigs = map[string]convNeXtConfig{
	"convnext_tiny":   {depths: [4]int{3, 3, 9, 3}, dims: [4]int{96, 192, 384, 768}},
	"convnext_small":  {depths: [4]int{3, 3, 27, 3}, dims: [4]int{96, 192, 384, 768}},
	"convnext_base":   {depths: [4]int{3, 3, 27, 3}, dims: [4]int{128, 256, 512, 1024}},
	"convnext_large":  {depths: [4]int{3, 3, 27, 3}, dims: [4]int{192, 384, 768, 1536}},
	"convnext_xlarge": {depths: [4]int{3, 3, 27, 3}, dims: [4]int{256, 512, 1024, 2048}},
}

const layerScaleInit = 1e-6

// convNeXtBlock is depthwise 7x7 conv, channels-last LayerNorm, an
// inverted MLP and a learned per-channel scale on the residual branch.
type convNeXtBlock[B tensor.Backend] struct {
	dwconv *conv[B]
	norm   *layerNorm[B]
	mlp    seq[B]
	gamma  *nn.Parameter[B]
}

func newConvNeXtBlock[B tensor.Backend](b B, dim int) *convNeXtBlock[B] {
	return &convNeXtBlock[B]{
		dwconv: newConv(b, dim, dim, 7, 1, 3, dim),
		norm:   newLayerNorm(b, dim, true),
		mlp:    seq[B]{newLinear(b, dim, 4*dim), gelu[B]{}, newLinear(b, 4*dim, dim)},
		gamma:  nn.NewParameter("gamma", tensor.Full[float32](tensor.Shape{dim}, layerScaleInit, b)),
	}
}

func (c *convNeXtBlock[B]) forward(x *Tensor[B], p *pass) *Tensor[B] {
	y := c.dwconv.forward(x, p).Transpose(0, 2, 3, 1)
	y = c.mlp.forward(c.norm.forward(y, p), p)
	dim := c.gamma.Tensor().Shape()[0]
	y = y.Mul(c.gamma.Tensor().Reshape(1, 1, 1, dim))
	return x.Add(y.Transpose(0, 3, 1, 2))
}

func (c *convNeXtBlock[B]) params(prefix string) []param[B] {
	out := c.dwconv.params(join(prefix, "dwconv"))
	out = append(out, c.norm.params(join(prefix, "norm"))...)
	out = append(out, c.mlp.params(join(prefix, "mlp"))...)
	return append(out, param[B]{name: join(prefix, "gamma"), p: c.gamma, kind: initConst, value: layerScaleInit})
}

func convNeXt[B tensor.Backend](b B, name string, numClasses, size int) (layer[B], error) {
	cfg, ok := convNeXtConfigs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	net := &named[B]{}
	net.add("stem", seq[B]{newConv(b, 3, cfg.dims[0], 4, 4, 0, 1), newLayerNorm(b, cfg.dims[0], false)})
	s := convSize(size, 4, 4, 0)

	for stage, depth := range cfg.depths {
		if stage > 0 {
			net.add("downsample"+strconv.Itoa(stage), seq[B]{
				newLayerNorm(b, cfg.dims[stage-1], false),
				newConv(b, cfg.dims[stage-1], cfg.dims[stage], 2, 2, 0, 1),
			})
			s = convSize(s, 2, 2, 0)
		}
		blocks := seq[B]{}
		for range depth {
			blocks = append(blocks, newConvNeXtBlock(b, cfg.dims[stage]))
		}
		net.add("stage"+strconv.Itoa(stage+1), blocks)
	}
	if err := checkSize("stage4", s); err != nil {
		return nil, err
	}
	last := cfg.dims[3]
	net.add("head", seq[B]{globalAvgPool[B]{}, newLayerNorm(b, last, true), newLinear(b, last, numClasses)})
	return net, nil
}
