// Package postproc implements the optional transcript post-processing
// composition: a grammar stage backed by a local language model, followed by
// a spell-correction stage backed by a symmetric-delete edit-distance index.
//
// Both stages are pure string→string filters and strictly non-lossy under
// error conditions: when a stage fails, the pipeline carries that stage's
// input forward and records the cause instead of dropping text.
package postproc

import (
	"context"
	"fmt"
)

// Stage is one post-processing filter.
type Stage interface {
	// Name identifies the stage in error reports ("grammar", "spell").
	Name() string

	// Apply transforms text. Implementations must not return partial
	// output alongside an error.
	Apply(ctx context.Context, text string) (string, error)
}

// StageError records a soft-failed stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("postproc: stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Chain applies its stages in order. A failing stage contributes its input
// unchanged (soft-fail) and the failure is reported alongside the result.
// An empty chain is the identity.
type Chain struct {
	stages []Stage
}

// NewChain builds a chain over the given stages, in application order.
// Nil stages are skipped, which lets callers pass conditionally-built
// stages directly.
func NewChain(stages ...Stage) *Chain {
	c := &Chain{}
	for _, s := range stages {
		if s != nil {
			c.stages = append(c.stages, s)
		}
	}
	return c
}

// Process runs text through every stage and returns the result together
// with any soft-failures encountered. The returned text is always usable:
// in the worst case it equals the input.
func (c *Chain) Process(ctx context.Context, text string) (string, []*StageError) {
	var failures []*StageError
	for _, s := range c.stages {
		out, err := s.Apply(ctx, text)
		if err != nil {
			failures = append(failures, &StageError{Stage: s.Name(), Err: err})
			continue
		}
		text = out
	}
	return text, failures
}
