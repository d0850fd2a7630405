package datasets

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Batch stores prepared samples in flat contiguous buffers, ready for
// tensor conversion. Labels is nil for unlabeled batches.
type Batch struct {
	Images []float32 // N*C*H*W
	Labels []uint8   // N*H*W, nil when the batch is unlabeled
	N      int
	C      int
	H      int
	W      int
	Names  []string
}

// MakeBatch flattens samples into one Batch. All samples must share
// spatial dimensions and label availability.
func MakeBatch(samples []*Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("batch: no samples")
	}
	first := samples[0]
	b := &Batch{
		N:      len(samples),
		C:      first.Channels,
		H:      first.Height,
		W:      first.Width,
		Names:  make([]string, len(samples)),
		Images: make([]float32, len(samples)*first.Channels*first.Height*first.Width),
	}
	labeled := first.Label != nil
	if labeled {
		b.Labels = make([]uint8, len(samples)*first.Height*first.Width)
	}

	imageSize := b.C * b.H * b.W
	labelSize := b.H * b.W
	for i, s := range samples {
		if s.Height != b.H || s.Width != b.W || s.Channels != b.C {
			return nil, fmt.Errorf("batch: sample %d (%s) is %dx%dx%d, expected %dx%dx%d",
				i, s.Name, s.Channels, s.Height, s.Width, b.C, b.H, b.W)
		}
		if (s.Label != nil) != labeled {
			return nil, fmt.Errorf("batch: sample %d (%s) mixes labeled and unlabeled data", i, s.Name)
		}
		copy(b.Images[i*imageSize:], s.Image)
		if labeled {
			copy(b.Labels[i*labelSize:], s.Label)
		}
		b.Names[i] = s.Name
	}
	return b, nil
}

// ImageTensor converts the image buffer to a float32 tensor shaped
// [N, C, H, W].
func (b *Batch) ImageTensor() *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, b.N, b.C, b.H, b.W))
	tensors.MustMutableFlatData[float32](t, func(flat []float32) {
		copy(flat, b.Images)
	})
	return t
}

// LabelTensor converts the label buffer to an int32 tensor shaped
// [N, H, W], or nil for an unlabeled batch.
func (b *Batch) LabelTensor() *tensors.Tensor {
	if b.Labels == nil {
		return nil
	}
	t := tensors.FromShape(shapes.Make(dtypes.Int32, b.N, b.H, b.W))
	tensors.MustMutableFlatData[int32](t, func(flat []int32) {
		for i, id := range b.Labels {
			flat[i] = int32(id)
		}
	})
	return t
}
