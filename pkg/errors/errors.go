// Package errors classifies the failures a todloop run can end with into
// stable codes for exit status, error reports and machine output.
package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/wehubfusion/todloop/pkg/config"
	"github.com/wehubfusion/todloop/pkg/loop"
	"github.com/wehubfusion/todloop/pkg/routine"
	"github.com/wehubfusion/todloop/pkg/store"
	"github.com/wehubfusion/todloop/pkg/todlist"
)

// Code is a machine-readable failure class.
type Code string

const (
	CodeOK           Code = "OK"
	CodeConfig       Code = "CONFIG"
	CodeWiring       Code = "WIRING"
	CodeListLoad     Code = "LIST_LOAD"
	CodeRange        Code = "RANGE"
	CodeRoutine      Code = "ROUTINE"
	CodeInitialize   Code = "INITIALIZE"
	CodeFinalize     Code = "FINALIZE"
	CodeDataStore    Code = "DATA_STORE"
	CodeCanceled     Code = "CANCELED"
	CodeUsage        Code = "USAGE"
	CodeInternal     Code = "INTERNAL"
	CodeUnclassified Code = "UNKNOWN"
)

// exit statuses per code; anything not listed exits 1.
var exitCodes = map[Code]int{
	CodeOK:         0,
	CodeUsage:      2,
	CodeConfig:     3,
	CodeWiring:     3,
	CodeListLoad:   4,
	CodeRange:      4,
	CodeInitialize: 5,
	CodeRoutine:    5,
	CodeFinalize:   5,
	CodeDataStore:  5,
	CodeCanceled:   130,
}

// Error represents a classified failure
type Error struct {
	// Code is a machine-readable error code
	Code Code

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error
func NewError(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Usage wraps err as a command-line usage error.
func Usage(err error) error {
	if err == nil {
		return nil
	}
	return NewError(CodeUsage, "invalid usage", err)
}

// Classify returns the failure class of err. An explicit *Error wins over
// the sentinel checks.
func Classify(err error) Code {
	if err == nil {
		return CodeOK
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	// Phase first: a routine failure wraps the routine's own cause.
	var rerr *loop.RoutineExecutionError
	if errors.As(err, &rerr) {
		switch rerr.Phase {
		case loop.PhaseInitialize:
			return CodeInitialize
		case loop.PhaseFinalize:
			return CodeFinalize
		}
		if errors.Is(err, store.ErrKeyNotFound) || errors.Is(err, store.ErrTypeMismatch) {
			return CodeDataStore
		}
		return CodeRoutine
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	case errors.Is(err, loop.ErrWiring), errors.Is(err, loop.ErrCyclicDependency):
		return CodeWiring
	case errors.Is(err, todlist.ErrListLoad):
		return CodeListLoad
	case errors.Is(err, todlist.ErrRange), errors.Is(err, loop.ErrResumeOutsideWindow):
		return CodeRange
	case errors.Is(err, config.ErrInvalidPipeline),
		errors.Is(err, routine.ErrInvalidConfig),
		errors.Is(err, routine.ErrInvalidParams),
		errors.Is(err, routine.ErrUnknownRoutineType),
		errors.Is(err, routine.ErrUnknownLogicalName),
		errors.Is(err, loop.ErrDuplicateRoutine),
		errors.Is(err, loop.ErrNotMergeable),
		errors.Is(err, loop.ErrNoRoutineSetBuilder):
		return CodeConfig
	case errors.Is(err, loop.ErrAlreadyRun),
		errors.Is(err, loop.ErrRunning),
		errors.Is(err, loop.ErrRoutineSetMismatch):
		return CodeInternal
	case errors.Is(err, store.ErrKeyNotFound), errors.Is(err, store.ErrTypeMismatch):
		return CodeDataStore
	}
	return CodeUnclassified
}

// ExitCode returns the process exit status for err.
func ExitCode(err error) int {
	if code, ok := exitCodes[Classify(err)]; ok {
		return code
	}
	return 1
}

// IsCanceled checks if err ended a run through cancellation
func IsCanceled(err error) bool {
	return Classify(err) == CodeCanceled
}
