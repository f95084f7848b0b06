// Package models holds the model zoo: a registry from user-facing names to
// architectures and the builders that assemble those architectures from
// born layers.
package models

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownModel is returned for names missing from a Registry.
var ErrUnknownModel = errors.New("unknown model")

// Family groups architectures that share a builder.
type Family int

const (
	AlexNet Family = iota + 1
	VGG
	GoogLeNet
	ResNet
	DenseNet
	MobileNetV1
	MobileNetV2
	ConvNeXt
)

func (f Family) String() string {
	switch f {
	case AlexNet:
		return "alexnet"
	case VGG:
		return "vgg"
	case GoogLeNet:
		return "googlenet"
	case ResNet:
		return "resnet"
	case DenseNet:
		return "densenet"
	case MobileNetV1:
		return "mobilenet_v1"
	case MobileNetV2:
		return "mobilenet_v2"
	case ConvNeXt:
		return "convnext"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// Arch identifies one concrete network configuration, e.g. vgg16.
type Arch struct {
	Family Family
	Name   string
}

func (a Arch) String() string { return a.Name }

// Well-known architectures.
var (
	ArchAlexNet          = Arch{AlexNet, "alexnet"}
	ArchVGG11            = Arch{VGG, "vgg11"}
	ArchVGG13            = Arch{VGG, "vgg13"}
	ArchVGG16            = Arch{VGG, "vgg16"}
	ArchVGG19            = Arch{VGG, "vgg19"}
	ArchGoogLeNet        = Arch{GoogLeNet, "googlenet"}
	ArchResNet34         = Arch{ResNet, "resnet34"}
	ArchResNet50         = Arch{ResNet, "resnet50"}
	ArchResNet101        = Arch{ResNet, "resnet101"}
	ArchResNeXt50_32x4d  = Arch{ResNet, "resnext50_32x4d"}
	ArchResNeXt101_32x8d = Arch{ResNet, "resnext101_32x8d"}
	ArchDenseNet121      = Arch{DenseNet, "densenet121"}
	ArchDenseNet161      = Arch{DenseNet, "densenet161"}
	ArchDenseNet169      = Arch{DenseNet, "densenet169"}
	ArchMobileNetV1      = Arch{MobileNetV1, "mobilenet_v1"}
	ArchMobileNetV2      = Arch{MobileNetV2, "mobilenet_v2"}
	ArchConvNeXtTiny     = Arch{ConvNeXt, "convnext_tiny"}
	ArchConvNeXtSmall    = Arch{ConvNeXt, "convnext_small"}
	ArchConvNeXtBase     = Arch{ConvNeXt, "convnext_base"}
	ArchConvNeXtLarge    = Arch{ConvNeXt, "convnext_large"}
	ArchConvNeXtXLarge   = Arch{ConvNeXt, "convnext_xlarge"}
)

// Registry is an immutable name to architecture table.
type Registry struct {
	entries map[string]Arch
}

// NewRegistry copies entries into a new Registry.
func NewRegistry(entries map[string]Arch) *Registry {
	r := &Registry{entries: make(map[string]Arch, len(entries))}
	for name, arch := range entries {
		r.entries[name] = arch
	}
	return r
}

// DefaultRegistry returns the standard zoo. densenet_tiny and densenet_big
// both name densenet121.
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]Arch{
		"alexnet":        ArchAlexNet,
		"vgg":            ArchVGG16,
		"vgg_tiny":       ArchVGG11,
		"vgg_small":      ArchVGG13,
		"vgg_big":        ArchVGG19,
		"googlenet":      ArchGoogLeNet,
		"resnet_small":   ArchResNet34,
		"resnet":         ArchResNet50,
		"resnet_big":     ArchResNet101,
		"resnext":        ArchResNeXt50_32x4d,
		"resnext_big":    ArchResNeXt101_32x8d,
		"densenet_tiny":  ArchDenseNet121,
		"densenet_small": ArchDenseNet161,
		"densenet":       ArchDenseNet169,
		"densenet_big":   ArchDenseNet121,
		"mobilenet_v1":   ArchMobileNetV1,
		"mobilenet_v2":   ArchMobileNetV2,
		"convnext_tiny":  ArchConvNeXtTiny,
		"convnext_small": ArchConvNeXtSmall,
		"convnext":       ArchConvNeXtBase,
		"convnext_big":   ArchConvNeXtLarge,
		"convnext_huge":  ArchConvNeXtXLarge,
	})
}

// Lookup returns the architecture registered under name.
func (r *Registry) Lookup(name string) (Arch, error) {
	arch, ok := r.entries[name]
	if !ok {
		return Arch{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return arch, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
