package models

import (
	"fmt"

	"github.com/born-ml/born/tensor"
)

// pool marks a 2x2 max pool in a VGG layout.
const pool = 0

var vggLayouts = map[string][]int{
	"vgg11": {64, pool, 128, pool, 256, 256, pool, 512, 512, pool, 512, 512, pool},
	"vgg13": {64, 64, pool, 128, 128, pool, 256, 256, pool, 512, 512, pool, 512, 512, pool},
	"vgg16": {64, 64, pool, 128, 128, pool, 256, 256, 256, pool, 512, 512, 512, pool, 512, 512, 512, pool},
	"vgg19": {64, 64, pool, 128, 128, pool, 256, 256, 256, 256, pool, 512, 512, 512, 512, pool, 512, 512, 512, 512, pool},
}

func vgg[B tensor.Backend](b B, name string, numClasses, size int) (layer[B], error) {
	layout, ok := vggLayouts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	features := seq[B]{}
	in, s := 3, size
	for _, v := range layout {
		if v == pool {
			features = append(features, newMaxPool(b, 2, 2, 0, false))
			s = poolSize(s, 2, 2, 0, false)
			continue
		}
		features = append(features, newConv(b, in, v, 3, 1, 1, 1), relu[B]{})
		in = v
	}
	if err := checkSize("features", s); err != nil {
		return nil, err
	}

	classifier := seq[B]{
		newLinear(b, 512*s*s, 4096), relu[B]{}, dropout[B]{rate: 0.5},
		newLinear(b, 4096, 4096), relu[B]{}, dropout[B]{rate: 0.5},
		newLinear(b, 4096, numClasses),
	}
	net := &named[B]{}
	net.add("features", features)
	net.add("flatten", flatten[B]{})
	net.add("classifier", classifier)
	return net, nil
}
