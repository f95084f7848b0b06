package models

import "github.com/born-ml/born/tensor"

func alexNet[B tensor.Backend](b B, numClasses, size int) (layer[B], error) {
	features := seq[B]{
		newConv(b, 3, 64, 11, 4, 2, 1), relu[B]{}, newMaxPool(b, 3, 2, 0, false),
		newConv(b, 64, 192, 5, 1, 2, 1), relu[B]{}, newMaxPool(b, 3, 2, 0, false),
		newConv(b, 192, 384, 3, 1, 1, 1), relu[B]{},
		newConv(b, 384, 256, 3, 1, 1, 1), relu[B]{},
		newConv(b, 256, 256, 3, 1, 1, 1), relu[B]{}, newMaxPool(b, 3, 2, 0, false),
	}
	s := convSize(size, 11, 4, 2)
	s = poolSize(s, 3, 2, 0, false)
	s = poolSize(s, 3, 2, 0, false)
	s = poolSize(s, 3, 2, 0, false)
	if err := checkSize("features", s); err != nil {
		return nil, err
	}

	classifier := seq[B]{
		dropout[B]{rate: 0.5},
		newLinear(b, 256*s*s, 4096), relu[B]{},
		dropout[B]{rate: 0.5},
		newLinear(b, 4096, 4096), relu[B]{},
		newLinear(b, 4096, numClasses),
	}
	net := &named[B]{}
	net.add("features", features)
	net.add("flatten", flatten[B]{})
	net.add("classifier", classifier)
	return net, nil
}
