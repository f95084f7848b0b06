package models

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryNames(t *testing.T) {
	reg := DefaultRegistry()
	names := reg.Names()
	assert.Len(t, names, 22)
	assert.True(t, sort.StringsAreSorted(names))
	for _, name := range names {
		arch, err := reg.Lookup(name)
		require.NoError(t, err, name)
		assert.NotZero(t, arch.Family, name)
	}
}

func TestRegistryAliases(t *testing.T) {
	reg := DefaultRegistry()
	lookup := func(name string) Arch {
		arch, err := reg.Lookup(name)
		require.NoError(t, err)
		return arch
	}
	assert.Equal(t, lookup("densenet_tiny"), lookup("densenet_big"))
	assert.NotEqual(t, lookup("vgg"), lookup("vgg_small"))
	assert.Equal(t, ArchVGG16, lookup("vgg"))
	assert.Equal(t, ArchResNet50, lookup("resnet"))
	assert.Equal(t, ArchResNeXt101_32x8d, lookup("resnext_big"))
	assert.Equal(t, ArchConvNeXtXLarge, lookup("convnext_huge"))
	assert.Equal(t, ConvNeXt, lookup("convnext").Family)
}

func TestRegistryUnknownName(t *testing.T) {
	_, err := DefaultRegistry().Lookup("lenet")
	require.ErrorIs(t, err, ErrUnknownModel)
	assert.Contains(t, err.Error(), "lenet")
}

func TestRegistryIsACopy(t *testing.T) {
	src := map[string]Arch{"a": ArchAlexNet}
	reg := NewRegistry(src)
	src["b"] = ArchVGG11
	_, err := reg.Lookup("b")
	require.ErrorIs(t, err, ErrUnknownModel)

	names := reg.Names()
	names[0] = "mutated"
	assert.Equal(t, []string{"a"}, reg.Names())
}

func TestEveryFamilyHasAName(t *testing.T) {
	for f := AlexNet; f <= ConvNeXt; f++ {
		assert.NotContains(t, f.String(), "family(")
	}
	assert.Equal(t, "family(99)", Family(99).String())
}
