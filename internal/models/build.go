package models

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/born-ml/born/tensor"
)

// DefaultImageSize is the input resolution the zoo is designed around.
const DefaultImageSize = 224

// Options tune how a classifier is built.
type Options struct {
	// ImageSize is the square input resolution. Heads that flatten spatial
	// features are sized from it. Zero means DefaultImageSize.
	ImageSize int
	// Rand seeds weight initialization and dropout. Nil uses a time seed.
	Rand *rand.Rand
}

// Resolve looks name up in reg and builds the classifier it names.
func Resolve[B tensor.Backend](reg *Registry, name string, numClasses int, b B, opts Options) (Classifier[B], error) {
	arch, err := reg.Lookup(name)
	if err != nil {
		return nil, err
	}
	return Build(arch, numClasses, b, opts)
}

// Build assembles arch with a numClasses-way output layer.
func Build[B tensor.Backend](arch Arch, numClasses int, b B, opts Options) (Classifier[B], error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("build %s: num classes must be > 0 (got %d)", arch, numClasses)
	}
	if opts.ImageSize == 0 {
		opts.ImageSize = DefaultImageSize
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var (
		body layer[B]
		err  error
	)
	switch arch.Family {
	case AlexNet:
		body, err = alexNet(b, numClasses, opts.ImageSize)
	case VGG:
		body, err = vgg(b, arch.Name, numClasses, opts.ImageSize)
	case GoogLeNet:
		body, err = googLeNet(b, numClasses, opts.ImageSize)
	case ResNet:
		body, err = resNet(b, arch.Name, numClasses, opts.ImageSize)
	case DenseNet:
		body, err = denseNet(b, arch.Name, numClasses, opts.ImageSize)
	case MobileNetV1:
		body, err = mobileNetV1(b, numClasses, opts.ImageSize)
	case MobileNetV2:
		body, err = mobileNetV2(b, numClasses, opts.ImageSize)
	case ConvNeXt:
		body, err = convNeXt(b, arch.Name, numClasses, opts.ImageSize)
	default:
		err = fmt.Errorf("%w: family %s", ErrUnknownModel, arch.Family)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", arch, err)
	}
	return newNetwork(arch, numClasses, body, opts.Rand), nil
}

// checkSize fails when a stage would shrink the feature map to nothing.
func checkSize(stage string, size int) error {
	if size < 1 {
		return fmt.Errorf("input too small: %s output is empty", stage)
	}
	return nil
}
