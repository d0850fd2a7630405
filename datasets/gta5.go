package datasets

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/synthreal/adaptseg/labelmap"
	"github.com/synthreal/adaptseg/transform"
)

// GTA5Config configures the synthetic source domain.
type GTA5Config struct {
	// Root is the dataset directory, holding images/ and labels/.
	Root string

	// Manifest lists one image file name per line. Defaults to
	// <Root>/train.txt.
	Manifest string

	// Info is the label metadata document. Defaults to
	// <Root>/info.json.
	Info string

	// CropWidth and CropHeight give the deterministic center crop
	// applied after augmentation. Zero disables cropping.
	CropWidth  int
	CropHeight int

	// Mean is the BGR channel mean subtracted from images. Defaults to
	// DefaultMean and must hold exactly three values.
	Mean []float32

	// Transforms are the joint augmentations applied before cropping.
	Transforms transform.Compose

	// Seed initializes the augmentation randomness.
	Seed int64
}

// GTA5 serves the synthetic source domain: rendered street scenes with
// dense ground-truth labels in the raw id space, remapped to training
// ids on every read. Always operates in training mode, with paired
// augmentation and center cropping.
type GTA5 struct {
	info    *labelmap.Info
	records []Record
	opts    sampleOptions
	rng     *lockedRand
}

var _ Provider = (*GTA5)(nil)

// NewGTA5 builds the source-domain provider: reads the manifest, builds
// the index, and loads the label metadata. A manifest with zero entries
// yields a valid provider of length zero.
func NewGTA5(cfg GTA5Config) (*GTA5, error) {
	if cfg.Manifest == "" {
		cfg.Manifest = filepath.Join(cfg.Root, "train.txt")
	}
	if cfg.Info == "" {
		cfg.Info = filepath.Join(cfg.Root, "info.json")
	}
	mean, err := validateMean(cfg.Mean)
	if err != nil {
		return nil, fmt.Errorf("gta5: %w", err)
	}
	info, err := labelmap.LoadInfo(cfg.Info)
	if err != nil {
		return nil, fmt.Errorf("gta5: %w", err)
	}
	mapping, err := info.Mapping()
	if err != nil {
		return nil, fmt.Errorf("gta5: %w", err)
	}

	lines, err := readManifest(cfg.Manifest)
	if err != nil {
		return nil, fmt.Errorf("gta5: %w", err)
	}
	records := make([]Record, 0, len(lines))
	for i, line := range lines {
		stem := strings.TrimSuffix(line, filepath.Ext(line))
		if stem == "" || strings.ContainsAny(stem, `/\`) {
			return nil, fmt.Errorf("gta5: malformed manifest line %d: %q", i+1, line)
		}
		records = append(records, Record{
			ImagePath: filepath.Join(cfg.Root, "images", stem+".png"),
			LabelPath: filepath.Join(cfg.Root, "labels", stem+".png"),
			Name:      stem,
		})
	}

	return &GTA5{
		info:    info,
		records: records,
		opts: sampleOptions{
			transforms: cfg.Transforms,
			cropWidth:  cfg.CropWidth,
			cropHeight: cfg.CropHeight,
			mean:       mean,
			mapping:    mapping,
			loadLabel:  true,
		},
		rng: newLockedRand(cfg.Seed),
	}, nil
}

// Name implements Provider.
func (d *GTA5) Name() string { return "gta5" }

// Len implements Provider.
func (d *GTA5) Len() int { return len(d.records) }

// NumClasses implements Provider.
func (d *GTA5) NumClasses() int { return d.info.Classes }

// Ignore implements Provider.
func (d *GTA5) Ignore() uint8 { return labelmap.Ignore }

// Info returns the dataset metadata document.
func (d *GTA5) Info() *labelmap.Info { return d.info }

// Get implements Provider.
func (d *GTA5) Get(index int) (*Sample, error) {
	if index < 0 || index >= len(d.records) {
		return nil, fmt.Errorf("gta5: index %d out of range [0, %d)", index, len(d.records))
	}
	return loadSample(d.records[index], d.opts, d.rng.child())
}
