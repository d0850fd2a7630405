// Package labelmap loads per-dataset label metadata and remaps raw
// category ids onto the dense training-id space shared by a run.
//
// Segmentation datasets ship labels in their own sparse id space, the raw
// ids stored in the label images. Training wants a dense space
// [0, classes) plus one reserved ignore value that losses and metrics
// skip. The bridge between the two is the "label2train" table in a
// per-dataset info document, loaded once when a dataset is constructed
// and immutable afterward.
package labelmap

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
)

// Ignore is the reserved training id for pixels excluded from loss and
// metric computation.
const Ignore uint8 = 255

// Info is the per-dataset metadata document. It carries the training
// class count, the raw-to-training id pairs, and optional presentation
// data (class names and a color palette) used when rendering
// predictions or metric tables.
type Info struct {
	// Classes is the size of the dense training-id space.
	Classes int `json:"classes"`
	// Label2Train lists explicit (raw id, training id) pairs.
	Label2Train [][2]int `json:"label2train"`
	// Names holds one human-readable name per training id. Optional.
	Names []string `json:"label"`
	// Palette holds one RGB color per training id. Optional.
	Palette [][3]uint8 `json:"palette"`
	// Mean is the dataset channel mean. Optional, informational only;
	// the normalization mean actually applied comes from run config.
	Mean []float64 `json:"mean"`
}

// LoadInfo reads and validates a dataset info document.
func LoadInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading label info: %w", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing label info %s: %w", path, err)
	}
	if info.Classes <= 0 || info.Classes >= int(Ignore) {
		return nil, fmt.Errorf("label info %s: classes must be in [1, %d), got %d", path, Ignore, info.Classes)
	}
	return &info, nil
}

// Name returns the human-readable name of a training id, or a numeric
// placeholder when the info document carries no name for it.
func (info *Info) Name(id int) string {
	if id >= 0 && id < len(info.Names) {
		return info.Names[id]
	}
	return fmt.Sprintf("class%d", id)
}

// Mapping builds the raw-to-training id mapping from the info document.
func (info *Info) Mapping() (*Mapping, error) {
	return NewMapping(info.Label2Train, info.Classes)
}

// Colorize renders a training-id map as an RGBA image using the info
// palette. Ids without a palette entry, including Ignore, render black.
func (info *Info) Colorize(trainIDs []uint8, width, height int) (*image.NRGBA, error) {
	if len(trainIDs) != width*height {
		return nil, fmt.Errorf("colorize: %d ids for %dx%d image", len(trainIDs), width, height)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i, id := range trainIDs {
		var c [3]uint8
		if int(id) < len(info.Palette) {
			c = info.Palette[id]
		}
		off := i * 4
		img.Pix[off+0] = c[0]
		img.Pix[off+1] = c[1]
		img.Pix[off+2] = c[2]
		img.Pix[off+3] = 0xff
	}
	return img, nil
}

// Mapping is a dense raw-id to training-id lookup table. It is immutable
// after construction and safe for concurrent use.
type Mapping struct {
	table      [256]uint8
	numClasses int
}

// NewMapping builds a Mapping from explicit (raw, train) pairs for a
// training-id space of numClasses entries.
//
// Raw ids not covered by any pair encode to Ignore. That is tolerance,
// not validation: label images routinely contain ids outside the pair
// set (void classes, license plates) and those pixels are meant to drop
// out of the loss rather than fail the run. Pairs whose raw id falls
// outside the 8-bit label range are skipped for the same reason; they
// cannot occur in 8-bit label images.
//
// Training ids that are not themselves claimed as raw ids map to
// themselves, so encoding an already encoded label changes nothing.
// Explicit pairs take precedence over that identity extension. The
// ignore value is always a fixed point; a pair trying to remap it is a
// construction error, as is a pair whose training id is neither Ignore
// nor inside [0, numClasses).
func NewMapping(pairs [][2]int, numClasses int) (*Mapping, error) {
	if numClasses <= 0 || numClasses >= int(Ignore) {
		return nil, fmt.Errorf("labelmap: numClasses must be in [1, %d), got %d", Ignore, numClasses)
	}
	m := &Mapping{numClasses: numClasses}
	for i := range m.table {
		m.table[i] = Ignore
	}
	var explicit [256]bool
	for _, p := range pairs {
		raw, train := p[0], p[1]
		if raw < 0 || raw > 255 {
			continue
		}
		if raw == int(Ignore) && train != int(Ignore) {
			return nil, fmt.Errorf("labelmap: pair (%d -> %d) remaps the ignore value", raw, train)
		}
		if train != int(Ignore) && (train < 0 || train >= numClasses) {
			return nil, fmt.Errorf("labelmap: pair (%d -> %d) maps outside [0, %d) and is not ignore", raw, train, numClasses)
		}
		m.table[raw] = uint8(train)
		explicit[raw] = true
	}
	for t := 0; t < numClasses; t++ {
		if !explicit[t] {
			m.table[t] = uint8(t)
		}
	}
	return m, nil
}

// NumClasses returns the size of the dense training-id space.
func (m *Mapping) NumClasses() int { return m.numClasses }

// Ignore returns the reserved id for pixels excluded from training.
func (m *Mapping) Ignore() uint8 { return Ignore }

// Encode remaps every raw id in raw into dst. The two slices must have
// equal length and may alias.
func (m *Mapping) Encode(raw, dst []uint8) error {
	if len(raw) != len(dst) {
		return fmt.Errorf("labelmap: encode length mismatch, %d raw vs %d dst", len(raw), len(dst))
	}
	for i, r := range raw {
		dst[i] = m.table[r]
	}
	return nil
}

// EncodeInPlace remaps every raw id in label in place.
func (m *Mapping) EncodeInPlace(label []uint8) {
	for i, r := range label {
		label[i] = m.table[r]
	}
}
