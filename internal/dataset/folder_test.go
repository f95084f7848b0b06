package dataset

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenFolderSortsClasses(t *testing.T) {
	root := t.TempDir()
	mustImage(t, filepath.Join(root, "tulips", "b.png"), 8, 6, color.RGBA{R: 255, A: 255})
	mustImage(t, filepath.Join(root, "tulips", "a.png"), 8, 6, color.RGBA{R: 255, A: 255})
	mustImage(t, filepath.Join(root, "daisy", "x.png"), 8, 6, color.RGBA{G: 255, A: 255})
	mustWrite(t, filepath.Join(root, "daisy", "notes.txt"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".cache"), 0o755))

	f, err := OpenFolder(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"daisy", "tulips"}, f.Classes)
	assert.Equal(t, 2, f.NumClasses())
	require.Equal(t, 3, f.Len())
	assert.Equal(t, Sample{Path: filepath.Join(root, "daisy", "x.png"), Label: 0}, f.Samples[0])
	assert.Equal(t, filepath.Join(root, "tulips", "a.png"), f.Samples[1].Path)
	assert.Equal(t, map[string]int{"daisy": 1, "tulips": 2}, f.ClassDistribution())
}

func TestOpenFolderEmpty(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "roses"), 0o755))
	_, err := OpenFolder(root)
	require.Error(t, err)

	_, err = OpenFolder(filepath.Join(root, "missing"))
	require.Error(t, err)
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
}

func mustImage(t *testing.T, path string, w, h int, c color.RGBA) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}
