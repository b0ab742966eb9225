package loop

import (
	"context"

	"github.com/wehubfusion/todloop/pkg/routine"
)

// Accumulator is implemented by routines that keep state across TODs.
// In parallel mode such routines must also implement Merger.
type Accumulator interface {
	Accumulates() bool
}

// Merger is implemented by routines that can absorb the run-wide state of
// another instance of the same routine. In parallel mode the loop merges
// every worker's instance into the first worker's instance before calling
// its Finalize. A merged instance is not finalized itself.
type Merger interface {
	Merge(ctx context.Context, other routine.Routine) error
}

// RoutineSetBuilder builds a fresh routine set for one parallel worker. The
// set must contain routines with the same names in the same order as the
// routines registered on the loop.
type RoutineSetBuilder func() ([]routine.Routine, error)

func accumulates(r routine.Routine) bool {
	a, ok := r.(Accumulator)
	return ok && a.Accumulates()
}
