package train

import (
	"fmt"
	"io"

	mldatasets "github.com/gomlx/gomlx/pkg/ml/datasets"
	mltrain "github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/schollz/progressbar/v3"

	"github.com/synthreal/adaptseg/datasets"
	"github.com/synthreal/adaptseg/metrics"
)

// EvaluatorConfig configures a held-out evaluation pass.
type EvaluatorConfig struct {
	// BatchSize is the evaluation batch size. Defaults to 1; target
	// evaluation runs at full resolution, so batches stay small.
	BatchSize int

	// Parallel prefetches evaluation batches with gomlx's parallel
	// dataset wrapper.
	Parallel bool

	// Progress renders a progress bar during the pass.
	Progress bool
}

// TargetEvaluator implements Evaluator over a labeled target-domain
// provider: a sequential pass, predictions against ground truth, and
// per-class IoU out of the confusion matrix.
type TargetEvaluator struct {
	provider datasets.Provider
	base     *datasets.TrainDataset
	acc      *metrics.SegMetrics
	batches  int64
	cfg      EvaluatorConfig
}

// NewTargetEvaluator builds an evaluator over a provider that serves
// labels; the provider's class count and ignore id shape the metric
// accumulator.
func NewTargetEvaluator(p datasets.Provider, cfg EvaluatorConfig) (*TargetEvaluator, error) {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	acc, err := metrics.NewSegMetrics(p.NumClasses(), p.Ignore())
	if err != nil {
		return nil, fmt.Errorf("evaluator: %w", err)
	}
	batches := int64((p.Len() + cfg.BatchSize - 1) / cfg.BatchSize)
	return &TargetEvaluator{
		provider: p,
		base:     datasets.NewTrainDataset(p, cfg.BatchSize),
		acc:      acc,
		batches:  batches,
		cfg:      cfg,
	}, nil
}

// Evaluate implements Evaluator: resets the accumulator, runs one full
// sequential pass and derives the scores.
func (e *TargetEvaluator) Evaluate(b Backend) (metrics.Results, error) {
	e.acc.Reset()
	e.base.Reset()

	var ds mltrain.Dataset = e.base
	if e.cfg.Parallel {
		ds = mldatasets.Parallel(e.base)
	}
	var bar *progressbar.ProgressBar
	if e.cfg.Progress {
		bar = progressbar.Default(e.batches, "evaluating "+e.provider.Name())
	}

	for {
		spec, _, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return metrics.Results{}, fmt.Errorf("evaluation fetch: %w", err)
		}
		batch, ok := spec.(*datasets.Batch)
		if !ok {
			return metrics.Results{}, fmt.Errorf("evaluation yielded unexpected spec %T", spec)
		}
		if batch.Labels == nil {
			return metrics.Results{}, fmt.Errorf("evaluation batch %v has no labels", batch.Names)
		}
		preds, err := b.Predict(batch)
		if err != nil {
			return metrics.Results{}, fmt.Errorf("prediction failed: %w", err)
		}
		if len(preds) != batch.N {
			return metrics.Results{}, fmt.Errorf("backend predicted %d maps for a batch of %d", len(preds), batch.N)
		}
		hw := batch.H * batch.W
		for i, p := range preds {
			gt := batch.Labels[i*hw : (i+1)*hw]
			if err := e.acc.Update(p, gt); err != nil {
				return metrics.Results{}, err
			}
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return e.acc.Compute(), nil
}
