// Package pipeline implements the four stateful workflows that carry a
// Protocol, Scan, Proof, and Payment row from intake to a terminal state:
// registration, research, validation, and payment release (spec.md
// §4.8-4.11). Driver generalizes the teacher's pkg/executor.SafeExecutor
// fail-closed step runner (checkpoint-before, dispatch, checkpoint-after,
// publish-and-audit) into a reusable runner over a named Step list any of
// the four pipelines can supply, per Design Notes §9's "tagged step enums
// with a driver loop."
package pipeline

import "context"

// StepFunc is one unit of pipeline work. A non-nil return halts the driver.
type StepFunc func(ctx context.Context) error

// Step names a StepFunc for checkpointing and Bus publication.
type Step struct {
	Name string
	Run  StepFunc
}

// Hooks let a pipeline checkpoint owning-row state to the Store and publish
// to the Bus around every step transition, without the Driver knowing
// anything about Store rows or Bus topics. Before runs prior to the step;
// returning an error there aborts the step without running it (used for
// idempotency/duplicate-guard checks). After always runs once the step has
// been attempted, whether or not it succeeded, so a pipeline can record
// step completion or failure state unconditionally.
type Hooks struct {
	Before func(ctx context.Context, step string) error
	After  func(ctx context.Context, step string, stepErr error)
}

// StepError names the step that failed, preserving the underlying error so
// callers can still classify it with errors.As / domain.IsTransient.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error { return e.Err }

// Driver runs an ordered Step list, checkpointing before and after each
// step via Hooks, and stops at the first failing step.
type Driver struct {
	Hooks Hooks
}

// Run executes steps in order. It returns on the first step whose Before
// hook or Run function fails.
func (d *Driver) Run(ctx context.Context, steps []Step) error {
	for _, step := range steps {
		if d.Hooks.Before != nil {
			if err := d.Hooks.Before(ctx, step.Name); err != nil {
				return &StepError{Step: step.Name, Err: err}
			}
		}

		err := step.Run(ctx)

		if d.Hooks.After != nil {
			d.Hooks.After(ctx, step.Name, err)
		}

		if err != nil {
			return &StepError{Step: step.Name, Err: err}
		}
	}
	return nil
}
