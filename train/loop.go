package train

import (
	"context"
	"fmt"
	"path/filepath"
)

// Config wires the adversarial training loop's collaborators. The
// compute substrate, the two batch streams and the schedule are
// required; evaluation, observation and checkpointing are optional but
// must be present when their cadence is enabled.
type Config struct {
	Schedule Schedule

	// Backend executes the two optimization steps and owns all
	// persisted training state.
	Backend Backend

	// Source streams labeled source-domain batches, Target unlabeled
	// target-domain batches. They are drawn independently and paired
	// only by co-occurring in a step.
	Source BatchSource
	Target BatchSource

	// Eval runs the held-out pass. Required when Schedule.EvalEvery is
	// set.
	Eval Evaluator

	// Observer receives step and evaluation events. Optional.
	Observer Observer

	// StateDir receives the run-state sidecar next to the backend's
	// checkpoints. Required when Schedule.CheckpointEvery is set.
	StateDir string

	// Seed is recorded in the sidecar for reproducibility audits.
	Seed int64
}

// RunStatePath returns where the loop keeps its sidecar below a state
// directory.
func RunStatePath(dir string) string {
	return filepath.Join(dir, "run_state.gob")
}

// Loop alternates discriminator and segmentation optimization over
// co-occurring source and target batches. Each step performs exactly
// one discriminator update then one segmentation update; the global
// step advances only after both succeed. Any fetch or compute failure
// is fatal for the run, leaving the step counter and checkpoints
// untouched; recovery is checkpoint/resume at the process level.
type Loop struct {
	cfg Config
}

// NewLoop validates the wiring.
func NewLoop(cfg Config) (*Loop, error) {
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("loop: backend is required")
	}
	if cfg.Source == nil || cfg.Target == nil {
		return nil, fmt.Errorf("loop: source and target batch streams are required")
	}
	if cfg.Schedule.EvalEvery > 0 && cfg.Eval == nil {
		return nil, fmt.Errorf("loop: evaluation cadence set but no evaluator wired")
	}
	if cfg.Schedule.CheckpointEvery > 0 && cfg.StateDir == "" {
		return nil, fmt.Errorf("loop: checkpoint cadence set but no state directory")
	}
	return &Loop{cfg: cfg}, nil
}

// Run drives the loop from the backend's current step until the
// schedule's terminal condition. Cancellation is honored only at step
// boundaries, between bookkeeping and the next batch fetch; steps
// themselves run to completion.
func (l *Loop) Run(ctx context.Context) error {
	defer l.cfg.Source.Stop()
	defer l.cfg.Target.Stop()

	sched := l.cfg.Schedule
	step := l.cfg.Backend.GlobalStep()

	for !sched.IsDone(step) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		src, err := l.cfg.Source.Next()
		if err != nil {
			return fmt.Errorf("fetching source batch at step %d: %w", step, err)
		}
		tgt, err := l.cfg.Target.Next()
		if err != nil {
			return fmt.Errorf("fetching target batch at step %d: %w", step, err)
		}

		segLR := sched.CurrentLR(step)
		discLR := sched.CurrentLRDisc(step)

		dStats, err := l.cfg.Backend.DiscriminatorStep(src, tgt, discLR)
		if err != nil {
			return fmt.Errorf("discriminator update at step %d: %w", step, err)
		}
		sStats, err := l.cfg.Backend.SegmentationStep(src, tgt, segLR)
		if err != nil {
			return fmt.Errorf("segmentation update at step %d: %w", step, err)
		}

		step++
		l.cfg.Backend.SetGlobalStep(step)

		stats := StepStats{
			SegLoss:  sStats.SegLoss,
			AdvLoss:  sStats.AdvLoss,
			DiscLoss: dStats.DiscLoss,
		}
		if l.cfg.Observer != nil && sched.ShouldLog(step) {
			l.cfg.Observer.OnStep(step, stats, segLR, discLR)
		}
		if sched.ShouldEvaluate(step) {
			results, err := l.cfg.Eval.Evaluate(l.cfg.Backend)
			if err != nil {
				return fmt.Errorf("evaluation at step %d: %w", step, err)
			}
			if l.cfg.Observer != nil {
				l.cfg.Observer.OnEvaluate(step, results)
			}
		}
		if sched.ShouldCheckpoint(step) {
			if err := l.checkpoint(step); err != nil {
				return err
			}
		}
	}

	// Preserve the terminal state even when the cadence missed it. The
	// cadence-driven evaluation is not repeated here; measurement stays
	// strictly on schedule.
	if sched.CheckpointEvery > 0 && !sched.ShouldCheckpoint(step) {
		if err := l.checkpoint(step); err != nil {
			return err
		}
	}
	if l.cfg.Observer != nil {
		if err := l.cfg.Observer.Flush(); err != nil {
			return fmt.Errorf("flushing observer: %w", err)
		}
	}
	return nil
}

func (l *Loop) checkpoint(step int64) error {
	if err := l.cfg.Backend.Save(step); err != nil {
		return fmt.Errorf("checkpoint at step %d: %w", step, err)
	}
	st := RunState{GlobalStep: step, Seed: l.cfg.Seed}
	if err := SaveRunState(RunStatePath(l.cfg.StateDir), st); err != nil {
		return fmt.Errorf("checkpoint at step %d: %w", step, err)
	}
	return nil
}
