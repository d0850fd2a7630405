// Package transform implements joint geometric augmentation for
// image/label pairs. Every transform samples its parameters once and
// applies them to both planes, so the spatial correspondence between a
// pixel and its label survives augmentation. Label planes are resampled
// with nearest neighbor only; category ids must never blend.
package transform

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Transform mutates an image and its label map together. The label may
// be nil for unlabeled samples; implementations must pass nil through.
type Transform interface {
	Apply(img, label image.Image, rng *rand.Rand) (image.Image, image.Image)
}

// Compose applies transforms in order, feeding each one's output to the
// next. Each transform draws its own parameters from rng.
type Compose []Transform

// Apply implements Transform.
func (c Compose) Apply(img, label image.Image, rng *rand.Rand) (image.Image, image.Image) {
	for _, t := range c {
		img, label = t.Apply(img, label, rng)
	}
	return img, label
}

// HorizontalFlip mirrors both planes left to right with probability P.
// One coin flip decides for the pair.
type HorizontalFlip struct {
	P float64
}

// Apply implements Transform.
func (f HorizontalFlip) Apply(img, label image.Image, rng *rand.Rand) (image.Image, image.Image) {
	if rng.Float64() >= f.P {
		return img, label
	}
	img = imaging.FlipH(img)
	if label != nil {
		label = imaging.FlipH(label)
	}
	return img, label
}

// RandomScale resizes both planes by one factor drawn uniformly from
// Factors. The image is resampled with Lanczos, the label with nearest
// neighbor so ids survive exactly.
type RandomScale struct {
	Factors []float64
}

// Apply implements Transform.
func (s RandomScale) Apply(img, label image.Image, rng *rand.Rand) (image.Image, image.Image) {
	if len(s.Factors) == 0 {
		return img, label
	}
	factor := s.Factors[rng.Intn(len(s.Factors))]
	if factor == 1 {
		return img, label
	}
	bounds := img.Bounds()
	w := scaleDim(bounds.Dx(), factor)
	h := scaleDim(bounds.Dy(), factor)
	img = imaging.Resize(img, w, h, imaging.Lanczos)
	if label != nil {
		label = imaging.Resize(label, w, h, imaging.NearestNeighbor)
	}
	return img, label
}

func scaleDim(dim int, factor float64) int {
	scaled := int(math.Round(float64(dim) * factor))
	if scaled < 1 {
		return 1
	}
	return scaled
}

// CropPair center-crops both planes to width x height using the same
// rectangle. A plane smaller than the crop in either dimension is first
// padded symmetrically: the image with black, the label with labelFill.
// Passing the ignore id as labelFill keeps padded area out of the loss.
func CropPair(img, label image.Image, width, height int, labelFill uint8) (image.Image, image.Image) {
	img = centerCrop(img, width, height, color.NRGBA{A: 0xff})
	if label != nil {
		fill := color.NRGBA{R: labelFill, G: labelFill, B: labelFill, A: 0xff}
		label = centerCrop(label, width, height, fill)
	}
	return img, label
}

func centerCrop(img image.Image, width, height int, fill color.Color) *image.NRGBA {
	bounds := img.Bounds()
	if bounds.Dx() < width || bounds.Dy() < height {
		canvas := imaging.New(maxInt(bounds.Dx(), width), maxInt(bounds.Dy(), height), fill)
		img = imaging.PasteCenter(canvas, img)
	}
	return imaging.CropCenter(img, width, height)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
