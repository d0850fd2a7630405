package datasets

import (
	"io"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// TrainDataset adapts a Provider to gomlx's train.Dataset so passes on
// the gomlx side can wrap it with datasets.Parallel for prefetching.
// One sequential epoch per Reset; Yield reports io.EOF when exhausted.
type TrainDataset struct {
	provider  Provider
	batchSize int

	mu   sync.Mutex
	next int
}

// NewTrainDataset wraps a Provider for gomlx consumption. Batches are
// drawn in index order so evaluation passes are reproducible.
func NewTrainDataset(p Provider, batchSize int) *TrainDataset {
	if batchSize < 1 {
		batchSize = 1
	}
	return &TrainDataset{provider: p, batchSize: batchSize}
}

// Name implements train.Dataset.
func (d *TrainDataset) Name() string { return d.provider.Name() }

// Yield implements train.Dataset. The spec is the assembled *Batch,
// carrying sample names and dimensions; inputs holds the image tensor
// and labels the label tensor when the provider serves labels.
//
// Yield may be called concurrently: the index range is reserved under
// lock, sample preparation runs outside it.
func (d *TrainDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	d.mu.Lock()
	start := d.next
	if start >= d.provider.Len() {
		d.mu.Unlock()
		return nil, nil, nil, io.EOF
	}
	end := min(start+d.batchSize, d.provider.Len())
	d.next = end
	d.mu.Unlock()

	samples := make([]*Sample, 0, end-start)
	for idx := start; idx < end; idx++ {
		s, err := d.provider.Get(idx)
		if err != nil {
			return nil, nil, nil, err
		}
		samples = append(samples, s)
	}
	batch, err := MakeBatch(samples)
	if err != nil {
		return nil, nil, nil, err
	}

	inputs = []*tensors.Tensor{batch.ImageTensor()}
	if lt := batch.LabelTensor(); lt != nil {
		labels = []*tensors.Tensor{lt}
	}
	return batch, inputs, labels, nil
}

// Reset implements train.Dataset, restarting the epoch.
func (d *TrainDataset) Reset() {
	d.mu.Lock()
	d.next = 0
	d.mu.Unlock()
}
