package loop

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/wehubfusion/todloop/pkg/store"
	"github.com/wehubfusion/todloop/pkg/todlist"
)

// Common errors returned by the loop.
var (
	// ErrAlreadyRun is returned when Run is called on a loop that has already run.
	ErrAlreadyRun = errors.New("loop has already run")

	// ErrDuplicateRoutine is returned when two routines share a name.
	ErrDuplicateRoutine = errors.New("duplicate routine name")

	// ErrNilRoutine is returned when a nil routine is added.
	ErrNilRoutine = errors.New("routine is nil")

	// ErrRunning is returned when the loop is modified or run again while a run is in progress.
	ErrRunning = errors.New("loop is running")

	// ErrNotMergeable is returned in parallel mode for an accumulating routine without Merge.
	ErrNotMergeable = errors.New("accumulating routine does not implement Merger")

	// ErrRoutineSetMismatch is returned when a worker's routine set differs from the registered one.
	ErrRoutineSetMismatch = errors.New("worker routine set does not match registered routines")

	// ErrNoRoutineSetBuilder is returned when parallel mode is requested without a builder.
	ErrNoRoutineSetBuilder = errors.New("parallel mode requires a routine set builder")

	// ErrCyclicDependency is returned when routine wiring contains a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency between routines")

	// ErrWiring is matched by every WiringError.
	ErrWiring = errors.New("invalid routine wiring")

	// ErrResumeOutsideWindow is returned when a resumed TOD is not in the run's window.
	ErrResumeOutsideWindow = errors.New("resumed TOD is outside the run window")

	// ErrRoutinePanic wraps a panic recovered from a routine.
	ErrRoutinePanic = errors.New("routine panicked")
)

// RoutineExecutionError reports the routine, phase and TOD at which a run failed.
type RoutineExecutionError struct {
	// Routine is the name of the failing routine.
	Routine string
	// Phase is the lifecycle phase that failed.
	Phase Phase
	// TOD is the TOD being processed; empty outside the execute phase.
	TOD todlist.ID
	// Index is the position of TOD in the list, or -1 outside the execute phase.
	Index int
	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *RoutineExecutionError) Error() string {
	if e.Phase == PhaseExecute {
		return fmt.Sprintf("routine %s failed during %s of TOD %s (#%d): %v",
			e.Routine, e.Phase, e.TOD, e.Index, e.Cause)
	}
	return fmt.Sprintf("routine %s failed during %s: %v", e.Routine, e.Phase, e.Cause)
}

// Unwrap returns the underlying error.
func (e *RoutineExecutionError) Unwrap() error {
	return e.Cause
}

// NewRoutineExecutionError creates an error for a failure outside the execute phase.
func NewRoutineExecutionError(name string, phase Phase, cause error) *RoutineExecutionError {
	return &RoutineExecutionError{
		Routine: name,
		Phase:   phase,
		Index:   -1,
		Cause:   cause,
	}
}

// MissingInput is an input key consumed before any routine produces it.
type MissingInput struct {
	Routine string
	Logical string
	Key     store.Key
}

// WiringError lists every routine input without an earlier producer.
type WiringError struct {
	Missing []MissingInput
}

// Error implements the error interface.
func (e *WiringError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		parts = append(parts, fmt.Sprintf("%s.%s <- %q", m.Routine, m.Logical, m.Key))
	}
	sort.Strings(parts)
	return "invalid routine wiring: no earlier producer for " + strings.Join(parts, ", ")
}

// Is reports whether target is ErrWiring.
func (e *WiringError) Is(target error) bool {
	return target == ErrWiring
}
