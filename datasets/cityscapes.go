package datasets

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/synthreal/adaptseg/labelmap"
	"github.com/synthreal/adaptseg/transform"
)

// CityscapesMode selects how the target domain is served.
type CityscapesMode int

const (
	// CityscapesTrain serves augmented, cropped, unlabeled samples for
	// adversarial alignment. Target ground truth is never read.
	CityscapesTrain CityscapesMode = iota
	// CityscapesSSL serves augmented, cropped samples whose label files
	// (typically pseudo-labels) pass through without remapping.
	CityscapesSSL
	// CityscapesVal serves full-resolution labeled samples for
	// evaluation: no augmentation, no crop, labels remapped.
	CityscapesVal
)

func (m CityscapesMode) String() string {
	switch m {
	case CityscapesTrain:
		return "train"
	case CityscapesSSL:
		return "ssl"
	case CityscapesVal:
		return "val"
	}
	return fmt.Sprintf("mode%d", int(m))
}

// CityscapesConfig configures the real-world target domain.
type CityscapesConfig struct {
	// Root is the dataset directory, holding images/ and labels/.
	Root string

	// Manifest lists one relative image path per line, in the form
	// <city>/<city>_<seq>_<frame>_leftImg8bit.png. Defaults to
	// <Root>/train.txt, or <Root>/val.txt in CityscapesVal mode.
	Manifest string

	// Info is the label metadata document. Defaults to
	// <Root>/info.json.
	Info string

	// Mode selects training, self-supervised or evaluation serving.
	Mode CityscapesMode

	// CropWidth and CropHeight give the deterministic center crop for
	// the training modes. Ignored in CityscapesVal mode; zero disables
	// cropping.
	CropWidth  int
	CropHeight int

	// Mean is the BGR channel mean subtracted from images. Defaults to
	// DefaultMean and must hold exactly three values.
	Mean []float32

	// Transforms are the joint augmentations for the training modes.
	Transforms transform.Compose

	// Seed initializes the augmentation randomness.
	Seed int64
}

// Cityscapes serves the real-world target domain. Sample identifiers
// are reconstructed from the manifest's relative image paths, so one
// manifest drives both the image and the label file lookup.
type Cityscapes struct {
	info    *labelmap.Info
	mode    CityscapesMode
	records []Record
	opts    sampleOptions
	rng     *lockedRand

	cacheMu sync.Mutex
	cache   map[int]*Sample
}

var _ Provider = (*Cityscapes)(nil)

// NewCityscapes builds the target-domain provider for the configured
// mode. A manifest with zero entries yields a valid provider of length
// zero.
func NewCityscapes(cfg CityscapesConfig) (*Cityscapes, error) {
	if cfg.Manifest == "" {
		name := "train.txt"
		if cfg.Mode == CityscapesVal {
			name = "val.txt"
		}
		cfg.Manifest = filepath.Join(cfg.Root, name)
	}
	if cfg.Info == "" {
		cfg.Info = filepath.Join(cfg.Root, "info.json")
	}
	mean, err := validateMean(cfg.Mean)
	if err != nil {
		return nil, fmt.Errorf("cityscapes: %w", err)
	}
	info, err := labelmap.LoadInfo(cfg.Info)
	if err != nil {
		return nil, fmt.Errorf("cityscapes: %w", err)
	}
	mapping, err := info.Mapping()
	if err != nil {
		return nil, fmt.Errorf("cityscapes: %w", err)
	}

	lines, err := readManifest(cfg.Manifest)
	if err != nil {
		return nil, fmt.Errorf("cityscapes: %w", err)
	}
	records := make([]Record, 0, len(lines))
	for i, line := range lines {
		name, err := cityscapesName(line)
		if err != nil {
			return nil, fmt.Errorf("cityscapes: malformed manifest line %d: %w", i+1, err)
		}
		records = append(records, Record{
			ImagePath: filepath.Join(cfg.Root, "images", name+"_leftImg8bit.png"),
			LabelPath: filepath.Join(cfg.Root, "labels", name+"_gtFine_labelIds.png"),
			Name:      name,
		})
	}

	opts := sampleOptions{mean: mean}
	switch cfg.Mode {
	case CityscapesTrain:
		opts.transforms = cfg.Transforms
		opts.cropWidth = cfg.CropWidth
		opts.cropHeight = cfg.CropHeight
	case CityscapesSSL:
		opts.transforms = cfg.Transforms
		opts.cropWidth = cfg.CropWidth
		opts.cropHeight = cfg.CropHeight
		opts.loadLabel = true
	case CityscapesVal:
		opts.loadLabel = true
		opts.mapping = mapping
	default:
		return nil, fmt.Errorf("cityscapes: unknown mode %d", int(cfg.Mode))
	}

	return &Cityscapes{
		info:    info,
		mode:    cfg.Mode,
		records: records,
		opts:    opts,
		rng:     newLockedRand(cfg.Seed),
	}, nil
}

// cityscapesName reconstructs the sample identifier
// <city>_<seq>_<frame> from a manifest line like
// <city>/<city>_<seq>_<frame>_leftImg8bit.png.
func cityscapesName(line string) (string, error) {
	city, base, ok := strings.Cut(line, "/")
	if !ok {
		return "", fmt.Errorf("%q has no city directory", line)
	}
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return "", fmt.Errorf("%q has no sequence and frame fields", line)
	}
	return city + "_" + parts[1] + "_" + parts[2], nil
}

// Name implements Provider.
func (d *Cityscapes) Name() string { return "cityscapes-" + d.mode.String() }

// Len implements Provider.
func (d *Cityscapes) Len() int { return len(d.records) }

// NumClasses implements Provider.
func (d *Cityscapes) NumClasses() int { return d.info.Classes }

// Ignore implements Provider.
func (d *Cityscapes) Ignore() uint8 { return labelmap.Ignore }

// Info returns the dataset metadata document.
func (d *Cityscapes) Info() *labelmap.Info { return d.info }

// Mode returns the serving mode the provider was built with.
func (d *Cityscapes) Mode() CityscapesMode { return d.mode }

// EnableCache keeps decoded samples in memory after the first read.
// Only the deterministic evaluation mode may cache; the training modes
// re-augment on every read and would pin stale draws.
func (d *Cityscapes) EnableCache() error {
	if d.mode != CityscapesVal {
		return fmt.Errorf("cityscapes: cache requires val mode, provider is in %s mode", d.mode)
	}
	d.cacheMu.Lock()
	if d.cache == nil {
		d.cache = make(map[int]*Sample, len(d.records))
	}
	d.cacheMu.Unlock()
	return nil
}

// CacheStats reports how many samples are cached and their payload
// size in bytes.
func (d *Cityscapes) CacheStats() (count int, bytes int64) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	for _, s := range d.cache {
		count++
		bytes += int64(len(s.Image))*4 + int64(len(s.Label))
	}
	return count, bytes
}

// Get implements Provider.
func (d *Cityscapes) Get(index int) (*Sample, error) {
	if index < 0 || index >= len(d.records) {
		return nil, fmt.Errorf("cityscapes: index %d out of range [0, %d)", index, len(d.records))
	}
	d.cacheMu.Lock()
	if d.cache != nil {
		if s, ok := d.cache[index]; ok {
			d.cacheMu.Unlock()
			return s, nil
		}
	}
	d.cacheMu.Unlock()

	s, err := loadSample(d.records[index], d.opts, d.rng.child())
	if err != nil {
		return nil, err
	}
	d.cacheMu.Lock()
	if d.cache != nil {
		d.cache[index] = s
	}
	d.cacheMu.Unlock()
	return s, nil
}
