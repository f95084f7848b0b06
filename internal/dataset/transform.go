package dataset

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/rand"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageNet channel statistics.
var (
	Mean = [3]float32{0.485, 0.456, 0.406}
	Std  = [3]float32{0.229, 0.224, 0.225}
)

// Transform turns a decoded image into a normalized CHW tensor of
// 3*Size()*Size() values. rng is only consulted by random augmentations.
type Transform interface {
	Apply(img image.Image, rng *rand.Rand) []float32
	Size() int
}

// TrainTransform is a random resized crop followed by a random horizontal flip.
type TrainTransform struct {
	Out      int
	MinScale float64
	MaxScale float64
}

// NewTrainTransform uses the usual scale range of (0.08, 1).
func NewTrainTransform(size int) TrainTransform {
	return TrainTransform{Out: size, MinScale: 0.08, MaxScale: 1}
}

func (t TrainTransform) Size() int { return t.Out }

func (t TrainTransform) Apply(img image.Image, rng *rand.Rand) []float32 {
	crop := randomCrop(img.Bounds(), t.MinScale, t.MaxScale, rng)
	dst := image.NewRGBA(image.Rect(0, 0, t.Out, t.Out))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, crop, draw.Src, nil)
	return toCHW(dst, rng.Float64() < 0.5)
}

// randomCrop picks a crop covering a random area fraction and aspect ratio
// in [3/4, 4/3], falling back to a clamped center crop.
func randomCrop(b image.Rectangle, minScale, maxScale float64, rng *rand.Rand) image.Rectangle {
	width, height := b.Dx(), b.Dy()
	area := float64(width * height)
	logLo, logHi := math.Log(3.0/4.0), math.Log(4.0/3.0)
	for range 10 {
		target := area * (minScale + rng.Float64()*(maxScale-minScale))
		aspect := math.Exp(logLo + rng.Float64()*(logHi-logLo))
		w := int(math.Round(math.Sqrt(target * aspect)))
		h := int(math.Round(math.Sqrt(target / aspect)))
		if w > 0 && h > 0 && w <= width && h <= height {
			x := rng.Intn(width - w + 1)
			y := rng.Intn(height - h + 1)
			return image.Rect(b.Min.X+x, b.Min.Y+y, b.Min.X+x+w, b.Min.Y+y+h)
		}
	}
	ratio := float64(width) / float64(height)
	w, h := width, height
	switch {
	case ratio < 3.0/4.0:
		h = int(math.Round(float64(w) / (3.0 / 4.0)))
	case ratio > 4.0/3.0:
		w = int(math.Round(float64(h) * (4.0 / 3.0)))
	}
	return centered(b, w, h)
}

// EvalTransform resizes the shorter side to Resize and center crops Out.
type EvalTransform struct {
	Out    int
	Resize int
}

// NewEvalTransform keeps the 256/224 resize-to-crop ratio.
func NewEvalTransform(size int) EvalTransform {
	return EvalTransform{Out: size, Resize: int(math.Round(float64(size) * 256 / 224))}
}

func (t EvalTransform) Size() int { return t.Out }

func (t EvalTransform) Apply(img image.Image, _ *rand.Rand) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= h {
		h, w = int(math.Round(float64(h)*float64(t.Resize)/float64(w))), t.Resize
	} else {
		w, h = int(math.Round(float64(w)*float64(t.Resize)/float64(h))), t.Resize
	}
	resized := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, b, draw.Src, nil)

	dst := image.NewRGBA(image.Rect(0, 0, t.Out, t.Out))
	draw.Copy(dst, image.Point{}, resized, centered(resized.Bounds(), t.Out, t.Out), draw.Src, nil)
	return toCHW(dst, false)
}

func centered(b image.Rectangle, w, h int) image.Rectangle {
	x := b.Min.X + (b.Dx()-w)/2
	y := b.Min.Y + (b.Dy()-h)/2
	return image.Rect(x, y, x+w, y+h)
}

// toCHW normalizes an RGBA image into channel-major floats, optionally
// mirrored left to right.
func toCHW(img *image.RGBA, flip bool) []float32 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := range h {
		row := img.Pix[y*img.Stride:]
		for x := range w {
			sx := x
			if flip {
				sx = w - 1 - x
			}
			px := row[sx*4 : sx*4+3]
			for c := range 3 {
				out[c*plane+y*w+x] = (float32(px[c])/255 - Mean[c]) / Std[c]
			}
		}
	}
	return out
}

// LoadImage decodes the image file at path.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}
