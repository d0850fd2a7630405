// Package datasets provides the domain sample sources that feed
// adversarial adaptation training: a fully labeled synthetic source
// domain (GTA5) and a real-world target domain (Cityscapes) that trains
// unlabeled and evaluates labeled.
//
// Both sources share one contract, Provider: an index built once from a
// manifest file, a label mapping loaded once from the dataset info
// document, and concurrency-safe random access returning fully prepared
// Samples. Batch assembly, prefetching and the gomlx train.Dataset
// adapter build on top of Provider.
package datasets

import (
	"bufio"
	"fmt"
	"image"
	"math/rand"
	"os"
	"strings"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/synthreal/adaptseg/labelmap"
	"github.com/synthreal/adaptseg/transform"
)

// DefaultMean is the per-channel mean subtracted from images after BGR
// reversal, in BGR order. These are the ImageNet means the pretrained
// segmentation backbones were normalized with.
var DefaultMean = []float32{104.00698793, 116.66876762, 122.67891434}

// Sample is one fully prepared training or evaluation example. The
// image is channel-first, BGR, mean-centered float32. The label holds
// one training id per pixel and is nil for unlabeled samples.
type Sample struct {
	Image    []float32 // Channels*Height*Width
	Label    []uint8   // Height*Width, nil when the sample is unlabeled
	Height   int
	Width    int
	Channels int
	Name     string
}

// Size returns the sample's (height, width, channels) triple.
func (s *Sample) Size() [3]int { return [3]int{s.Height, s.Width, s.Channels} }

// Record is one entry of a dataset index: where to find the image and
// label files and the identifier derived from the manifest line.
type Record struct {
	ImagePath string
	LabelPath string
	Name      string
}

// Provider is the capability interface shared by the domain sample
// sources. Get is safe for concurrent invocation: the index and label
// mapping are read-only after construction, and augmentation randomness
// is drawn through an internally locked source.
type Provider interface {
	// Name identifies the source in logs.
	Name() string
	// Len returns the number of indexed samples.
	Len() int
	// Get prepares the sample at index. A missing or corrupt file at a
	// valid index is a terminal error, never skipped or substituted.
	Get(index int) (*Sample, error)
	// NumClasses returns the size of the training-id space.
	NumClasses() int
	// Ignore returns the id excluded from loss and metrics.
	Ignore() uint8
}

// readManifest returns the trimmed non-empty lines of a manifest file.
func readManifest(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return lines, nil
}

// validateMean enforces the three-channel mean contract at construction
// time.
func validateMean(mean []float32) ([]float32, error) {
	if mean == nil {
		return DefaultMean, nil
	}
	if len(mean) != 3 {
		return nil, fmt.Errorf("mean must have 3 channel values, got %d", len(mean))
	}
	return mean, nil
}

// lockedRand hands out independently seeded child generators so
// concurrent Get calls never share one rand.Rand.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func (l *lockedRand) child() *rand.Rand {
	l.mu.Lock()
	seed := l.r.Int63()
	l.mu.Unlock()
	return rand.New(rand.NewSource(seed))
}

// sampleOptions bundles the per-provider preparation pipeline.
type sampleOptions struct {
	transforms transform.Compose
	cropWidth  int
	cropHeight int
	mean       []float32
	mapping    *labelmap.Mapping // nil passes raw label ids through
	loadLabel  bool
}

// loadSample runs the full preparation pipeline for one record: decode,
// joint augmentation, center crop, label encoding, then channel
// reversal, mean subtraction and channel-first transposition.
func loadSample(rec Record, opt sampleOptions, rng *rand.Rand) (*Sample, error) {
	img, err := imaging.Open(rec.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", rec.ImagePath, err)
	}
	var label image.Image
	if opt.loadLabel {
		label, err = imaging.Open(rec.LabelPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open label %s: %w", rec.LabelPath, err)
		}
		ib, lb := img.Bounds(), label.Bounds()
		if ib.Dx() != lb.Dx() || ib.Dy() != lb.Dy() {
			return nil, fmt.Errorf("label %s is %dx%d but image is %dx%d",
				rec.LabelPath, lb.Dx(), lb.Dy(), ib.Dx(), ib.Dy())
		}
	}

	if opt.cropWidth > 0 {
		// The crop must fit the native image. Augmentation may still
		// shrink below it, which CropPair resolves by padding.
		b := img.Bounds()
		if opt.cropWidth > b.Dx() || opt.cropHeight > b.Dy() {
			return nil, fmt.Errorf("crop %dx%d exceeds source image %dx%d for %s",
				opt.cropWidth, opt.cropHeight, b.Dx(), b.Dy(), rec.Name)
		}
	}

	if len(opt.transforms) > 0 {
		img, label = opt.transforms.Apply(img, label, rng)
	}
	if opt.cropWidth > 0 {
		img, label = transform.CropPair(img, label, opt.cropWidth, opt.cropHeight, labelmap.Ignore)
	}

	bounds := img.Bounds()
	sample := &Sample{
		Image:    imageToCHW(img, opt.mean),
		Height:   bounds.Dy(),
		Width:    bounds.Dx(),
		Channels: 3,
		Name:     rec.Name,
	}
	if label != nil {
		ids := labelIDs(label)
		if opt.mapping != nil {
			opt.mapping.EncodeInPlace(ids)
		}
		sample.Label = ids
	}
	return sample, nil
}

// imageToCHW converts an image to mean-centered float32 in BGR
// channel-first layout. The mean is given in BGR order.
func imageToCHW(img image.Image, mean []float32) []float32 {
	nrgba := imaging.Clone(img)
	w, h := nrgba.Rect.Dx(), nrgba.Rect.Dy()
	plane := h * w
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := y * nrgba.Stride
		for x := 0; x < w; x++ {
			off := row + x*4
			i := y*w + x
			out[i] = float32(nrgba.Pix[off+2]) - mean[0]
			out[plane+i] = float32(nrgba.Pix[off+1]) - mean[1]
			out[2*plane+i] = float32(nrgba.Pix[off+0]) - mean[2]
		}
	}
	return out
}

// labelIDs extracts per-pixel category ids from a label image. Label
// files are 8-bit grayscale; after augmentation the ids live unchanged
// in every color channel, so the red channel is authoritative.
func labelIDs(img image.Image) []uint8 {
	if gray, ok := img.(*image.Gray); ok {
		w, h := gray.Rect.Dx(), gray.Rect.Dy()
		ids := make([]uint8, w*h)
		for y := 0; y < h; y++ {
			copy(ids[y*w:(y+1)*w], gray.Pix[y*gray.Stride:y*gray.Stride+w])
		}
		return ids
	}
	nrgba := imaging.Clone(img)
	w, h := nrgba.Rect.Dx(), nrgba.Rect.Dy()
	ids := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		row := y * nrgba.Stride
		for x := 0; x < w; x++ {
			ids[y*w+x] = nrgba.Pix[row+x*4]
		}
	}
	return ids
}
