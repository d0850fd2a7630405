package train

import (
	"github.com/synthreal/adaptseg/datasets"
	"github.com/synthreal/adaptseg/metrics"
)

// StepStats carries the scalar losses of one training step.
type StepStats struct {
	// SegLoss is the supervised segmentation loss on the source batch.
	SegLoss float64
	// AdvLoss is the adversarial alignment term on the target batch.
	AdvLoss float64
	// DiscLoss is the discriminator's domain-classification loss.
	DiscLoss float64
}

// Backend is the compute substrate the loop drives. It owns both
// networks, their optimizer state and the global step variable, and
// persists all of them wholesale. Single-writer discipline holds per
// step: DiscriminatorStep updates only discriminator parameters,
// SegmentationStep only segmentation parameters.
type Backend interface {
	// DiscriminatorStep trains the discriminator to tell source-origin
	// from target-origin prediction maps, at the given learning rate.
	DiscriminatorStep(src, tgt *datasets.Batch, lr float64) (StepStats, error)

	// SegmentationStep trains the segmentation network: supervised loss
	// on the labeled source batch plus the weighted adversarial term
	// that rewards fooling the discriminator on the target batch.
	SegmentationStep(src, tgt *datasets.Batch, lr float64) (StepStats, error)

	// Predict returns the argmax label map of each sample in the batch.
	Predict(b *datasets.Batch) ([][]uint8, error)

	// GlobalStep returns the persisted step counter.
	GlobalStep() int64

	// SetGlobalStep records the step counter after a completed step.
	SetGlobalStep(step int64)

	// Save persists parameters, optimizer state and the step counter.
	Save(step int64) error

	// Close releases compute resources.
	Close() error
}

// BatchSource is the loop's view of a prefetching batch stream.
// datasets.Loader satisfies it.
type BatchSource interface {
	Next() (*datasets.Batch, error)
	Stop()
}

// Evaluator runs a full held-out pass against the backend.
type Evaluator interface {
	Evaluate(b Backend) (metrics.Results, error)
}

// Observer receives loop progress events. Implementations decide how to
// render them; the loop only decides when they fire.
type Observer interface {
	// OnStep fires per the log cadence, after the step completed.
	OnStep(step int64, stats StepStats, segLR, discLR float64)
	// OnEvaluate fires after each evaluation pass.
	OnEvaluate(step int64, results metrics.Results)
	// Flush is called once at termination.
	Flush() error
}
