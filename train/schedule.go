// Package train drives adversarial domain-adaptation training: an
// alternating two-network optimization loop fed by independent source
// and target batch streams, steered by a deterministic iteration
// schedule, and persisted through checkpoint round-trips.
package train

import (
	"fmt"
	"math"
)

// Schedule owns every step-derived decision of a run: learning-rate
// decay for both optimizers, the evaluation, checkpoint and log
// cadences, and the terminal condition. It is immutable configuration;
// all methods are pure functions of the global step, so a restored run
// continues exactly where the original left off.
type Schedule struct {
	// MaxIters is the number of optimization steps before termination.
	MaxIters int64

	// BaseLR is the segmentation optimizer's initial learning rate.
	BaseLR float64

	// BaseLRDisc is the discriminator optimizer's initial learning
	// rate.
	BaseLRDisc float64

	// Power is the polynomial decay exponent. Defaults to 0.9.
	Power float64

	// EvalEvery runs an evaluation pass every n steps. Zero disables.
	EvalEvery int64

	// CheckpointEvery persists training state every n steps. Zero
	// disables periodic checkpoints.
	CheckpointEvery int64

	// LogEvery emits a progress event every n steps. Zero disables.
	LogEvery int64
}

// Validate checks the schedule and fills defaults.
func (s *Schedule) Validate() error {
	if s.MaxIters < 1 {
		return fmt.Errorf("schedule: max iters must be at least 1, got %d", s.MaxIters)
	}
	if s.BaseLR <= 0 {
		return fmt.Errorf("schedule: base learning rate must be positive, got %g", s.BaseLR)
	}
	if s.BaseLRDisc <= 0 {
		return fmt.Errorf("schedule: discriminator learning rate must be positive, got %g", s.BaseLRDisc)
	}
	if s.Power == 0 {
		s.Power = 0.9
	}
	if s.Power < 0 {
		return fmt.Errorf("schedule: decay power must be positive, got %g", s.Power)
	}
	if s.EvalEvery < 0 || s.CheckpointEvery < 0 || s.LogEvery < 0 {
		return fmt.Errorf("schedule: cadences must not be negative")
	}
	return nil
}

// polyDecay anneals base toward zero over max steps.
func polyDecay(base float64, step, max int64, power float64) float64 {
	if step >= max {
		return 0
	}
	frac := 1 - float64(step)/float64(max)
	return base * math.Pow(frac, power)
}

// CurrentLR returns the segmentation learning rate for an upcoming
// step. Step 0 yields BaseLR.
func (s Schedule) CurrentLR(step int64) float64 {
	return polyDecay(s.BaseLR, step, s.MaxIters, s.Power)
}

// CurrentLRDisc returns the discriminator learning rate for an
// upcoming step.
func (s Schedule) CurrentLRDisc(step int64) float64 {
	return polyDecay(s.BaseLRDisc, step, s.MaxIters, s.Power)
}

// ShouldEvaluate reports whether an evaluation pass follows the step
// that just completed.
func (s Schedule) ShouldEvaluate(step int64) bool {
	return s.EvalEvery > 0 && step%s.EvalEvery == 0
}

// ShouldCheckpoint reports whether training state is persisted after
// the step that just completed.
func (s Schedule) ShouldCheckpoint(step int64) bool {
	return s.CheckpointEvery > 0 && step%s.CheckpointEvery == 0
}

// ShouldLog reports whether a progress event is emitted after the step
// that just completed.
func (s Schedule) ShouldLog(step int64) bool {
	return s.LogEvery > 0 && step%s.LogEvery == 0
}

// IsDone reports whether the run has reached its terminal condition.
func (s Schedule) IsDone(step int64) bool {
	return step >= s.MaxIters
}

// StepsPerEpoch returns how many optimizer steps consume one epoch of
// a dataset: the loop's scheduling bookkeeping, not the sample
// sources'.
func (s Schedule) StepsPerEpoch(datasetLen, batchSize int) int64 {
	if batchSize < 1 || datasetLen < 1 {
		return 0
	}
	return int64((datasetLen + batchSize - 1) / batchSize)
}
