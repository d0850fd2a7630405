// Package models holds the gomlx side of adversarial adaptation: the
// segmentation network, the domain discriminator and a compute backend
// that runs their alternating updates.
//
// Both networks live in one gomlx context under separate scopes. Each
// optimization step compiles to its own executable graph; which
// variables that graph's optimizer updates is decided by the trainable
// flags at compile time, so the backend latches them around the first
// call of each step. A forward-only warmup builds every variable up
// front to keep that latching independent of call order.
package models

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/synthreal/adaptseg/datasets"
	"github.com/synthreal/adaptseg/train"
)

// BackendConfig configures an AdversarialBackend.
type BackendConfig struct {
	// NumClasses is the number of segmentation classes. Required,
	// must fit in [1, 255).
	NumClasses int

	// Ignore is the label id excluded from the supervised loss.
	Ignore uint8

	// Lambda weights the adversarial term in the segmenter loss.
	// Defaults to 0.001.
	Lambda float64

	// BaseLR initializes the shared learning-rate variable; every step
	// overrides it with the scheduled rate. Defaults to 2.5e-4.
	BaseLR float64

	// CheckpointDir enables model checkpointing when non-empty. An
	// existing checkpoint in the directory is restored on construction.
	CheckpointDir string

	// Keep bounds how many checkpoints the directory retains.
	// Defaults to 3.
	Keep int

	// Seed fixes the weight initialization stream when non-zero.
	Seed int64

	// Backend runs the compiled graphs. When nil a default backend is
	// created; blank-import an engine such as
	// github.com/gomlx/gomlx/backends/simplego to register one.
	Backend backends.Backend
}

// AdversarialBackend implements train.Backend on gomlx.
type AdversarialBackend struct {
	cfg        BackendConfig
	numClasses int
	ignore     uint8
	lambda     float64

	be      backends.Backend
	ownedBE bool
	ctx     *context.Context
	handler *checkpoints.Handler

	segOpt  optimizers.Interface
	discOpt optimizers.Interface
	lrVar   *context.Variable

	warmExec    *context.Exec
	discExec    *context.Exec
	segExec     *context.Exec
	predictExec *context.Exec
	warmed      bool

	stepVar *context.Variable
	step    int64
}

var _ train.Backend = (*AdversarialBackend)(nil)

// NewAdversarialBackend builds the shared context, the optimizers and
// the step executables. Graph compilation itself is deferred to the
// first call carrying each input shape.
func NewAdversarialBackend(cfg BackendConfig) (*AdversarialBackend, error) {
	if cfg.NumClasses < 1 || cfg.NumClasses > 254 {
		return nil, errors.Errorf("models: NumClasses must be in [1, 255), got %d", cfg.NumClasses)
	}
	if cfg.Lambda == 0 {
		cfg.Lambda = 0.001
	}
	if cfg.BaseLR == 0 {
		cfg.BaseLR = 2.5e-4
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 3
	}

	b := &AdversarialBackend{
		cfg:        cfg,
		numClasses: cfg.NumClasses,
		ignore:     cfg.Ignore,
		lambda:     cfg.Lambda,
		be:         cfg.Backend,
	}
	if b.be == nil {
		err := exceptions.TryCatch[error](func() { b.be = backends.MustNew() })
		if err != nil {
			return nil, errors.Wrap(err, "creating compute backend")
		}
		b.ownedBE = true
	}

	b.ctx = context.New()
	if cfg.Seed != 0 {
		b.ctx.RngStateWithSeed(cfg.Seed)
	}
	if cfg.CheckpointDir != "" {
		handler, err := checkpoints.Build(b.ctx).Dir(cfg.CheckpointDir).Keep(cfg.Keep).Done()
		if err != nil {
			return nil, errors.Wrapf(err, "opening checkpoint dir %q", cfg.CheckpointDir)
		}
		b.handler = handler
	}

	b.stepVar = b.ctx.In("train").VariableWithValue("global_step", int64(0))
	b.stepVar.Trainable = false
	b.step = tensors.ToScalar[int64](b.stepVar.Value())

	b.lrVar = optimizers.LearningRateVar(b.ctx, dtypes.Float32, cfg.BaseLR)
	b.segOpt = optimizers.Adam().Done()
	b.discOpt = optimizers.Adam().Done()

	b.warmExec = context.NewExec(b.be, b.ctx, b.warmGraph)
	b.discExec = context.NewExec(b.be, b.ctx, b.discGraph)
	b.segExec = context.NewExec(b.be, b.ctx, b.segGraph)
	b.predictExec = context.NewExec(b.be, b.ctx, b.predictGraph)
	return b, nil
}

// ensureWarm runs both networks forward once so every variable exists
// before the training graphs compile.
func (b *AdversarialBackend) ensureWarm(batch *datasets.Batch) error {
	if b.warmed {
		return nil
	}
	err := exceptions.TryCatch[error](func() { b.warmExec.Call(batch.ImageTensor()) })
	if err != nil {
		return errors.Wrap(err, "building networks")
	}
	b.warmed = true
	return nil
}

func (b *AdversarialBackend) setScopeTrainable(scope string, trainable bool) {
	prefix := "/" + scope
	b.ctx.EnumerateVariables(func(v *context.Variable) {
		if strings.HasPrefix(v.Scope(), prefix) {
			v.Trainable = trainable
		}
	})
}

// DiscriminatorStep implements train.Backend.
func (b *AdversarialBackend) DiscriminatorStep(src, tgt *datasets.Batch, lr float64) (train.StepStats, error) {
	if err := b.ensureWarm(tgt); err != nil {
		return train.StepStats{}, err
	}
	b.lrVar.SetValue(tensors.FromValue(float32(lr)))
	b.setScopeTrainable(segScopeName, false)
	var outs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		outs = b.discExec.Call(src.ImageTensor(), tgt.ImageTensor())
	})
	b.setScopeTrainable(segScopeName, true)
	if err != nil {
		return train.StepStats{}, errors.Wrap(err, "discriminator update")
	}
	return train.StepStats{DiscLoss: float64(tensors.ToScalar[float32](outs[0]))}, nil
}

// SegmentationStep implements train.Backend. The source batch must
// carry labels; the target batch is consumed unlabeled.
func (b *AdversarialBackend) SegmentationStep(src, tgt *datasets.Batch, lr float64) (train.StepStats, error) {
	if src.Labels == nil {
		return train.StepStats{}, errors.New("segmentation update requires a labeled source batch")
	}
	if err := b.ensureWarm(tgt); err != nil {
		return train.StepStats{}, err
	}
	b.lrVar.SetValue(tensors.FromValue(float32(lr)))
	b.setScopeTrainable(discScopeName, false)
	var outs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		outs = b.segExec.Call(src.ImageTensor(), src.LabelTensor(), tgt.ImageTensor())
	})
	b.setScopeTrainable(discScopeName, true)
	if err != nil {
		return train.StepStats{}, errors.Wrap(err, "segmentation update")
	}
	return train.StepStats{
		SegLoss: float64(tensors.ToScalar[float32](outs[0])),
		AdvLoss: float64(tensors.ToScalar[float32](outs[1])),
	}, nil
}

// Predict implements train.Backend: per-pixel class ids for each
// sample of the batch.
func (b *AdversarialBackend) Predict(batch *datasets.Batch) ([][]uint8, error) {
	var outs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		outs = b.predictExec.Call(batch.ImageTensor())
	})
	if err != nil {
		return nil, errors.Wrap(err, "predicting batch")
	}
	hw := batch.H * batch.W
	preds := make([][]uint8, batch.N)
	tensors.MustConstFlatData[int32](outs[0], func(flat []int32) {
		for i := range preds {
			plane := make([]uint8, hw)
			for j, class := range flat[i*hw : (i+1)*hw] {
				plane[j] = uint8(class)
			}
			preds[i] = plane
		}
	})
	return preds, nil
}

// GlobalStep implements train.Backend.
func (b *AdversarialBackend) GlobalStep() int64 { return b.step }

// SetGlobalStep implements train.Backend. The step lives in a context
// variable so checkpoints carry it.
func (b *AdversarialBackend) SetGlobalStep(step int64) {
	b.step = step
	b.stepVar.SetValue(tensors.FromValue(step))
}

// Save implements train.Backend.
func (b *AdversarialBackend) Save(step int64) error {
	if b.handler == nil {
		return errors.New("models: no checkpoint directory configured")
	}
	if step != b.step {
		b.SetGlobalStep(step)
	}
	if err := b.handler.Save(); err != nil {
		return errors.Wrapf(err, "saving checkpoint at step %d", step)
	}
	return nil
}

// ParamCounts reports the trainable parameter totals per network.
// Counts are zero until the first step has built the graphs.
func (b *AdversarialBackend) ParamCounts() (seg, disc int64) {
	b.ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		switch {
		case strings.HasPrefix(v.Scope(), "/"+segScopeName):
			seg += int64(v.Shape().Size())
		case strings.HasPrefix(v.Scope(), "/"+discScopeName):
			disc += int64(v.Shape().Size())
		}
	})
	return
}

// Close implements train.Backend, releasing the compute backend when
// this instance created it.
func (b *AdversarialBackend) Close() error {
	if b.ownedBE && b.be != nil {
		b.be.Finalize()
		b.be = nil
	}
	return nil
}
