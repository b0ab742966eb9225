package todlist

import (
	"errors"
	"fmt"
)

var (
	// ErrListLoad is matched by every ListLoadError.
	ErrListLoad = errors.New("failed to load TOD list")

	// ErrRange is matched by every RangeError.
	ErrRange = errors.New("TOD range out of bounds")
)

// ListLoadError reports a TOD list that could not be read or was empty.
type ListLoadError struct {
	// Source describes where the list was read from.
	Source string
	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ListLoadError) Error() string {
	return fmt.Sprintf("failed to load TOD list from %s: %v", e.Source, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ListLoadError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrListLoad.
func (e *ListLoadError) Is(target error) bool {
	return target == ErrListLoad
}

// RangeError reports a [Start, End) window that does not fit the list.
type RangeError struct {
	Start int
	End   int
	Len   int
}

// Error implements the error interface.
func (e *RangeError) Error() string {
	return fmt.Sprintf("TOD range [%d, %d) out of bounds for list of %d", e.Start, e.End, e.Len)
}

// Is reports whether target is ErrRange.
func (e *RangeError) Is(target error) bool {
	return target == ErrRange
}
