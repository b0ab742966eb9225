package store

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned when a key was never written in the current pass.
	ErrKeyNotFound = errors.New("key not found in data store")

	// ErrTypeMismatch is returned when a stored value does not have the requested type.
	ErrTypeMismatch = errors.New("stored value has unexpected type")
)

// KeyNotFoundError reports a read of a key that no earlier routine wrote.
// It usually means a routine is registered before its producer or the key
// name is misspelled.
type KeyNotFoundError struct {
	Key Key
}

// Error implements the error interface.
func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("%s: %q", ErrKeyNotFound.Error(), string(e.Key))
}

// Is makes errors.Is(err, ErrKeyNotFound) hold.
func (e *KeyNotFoundError) Is(target error) bool {
	return target == ErrKeyNotFound
}

// TypeMismatchError reports a typed read of a value stored with another type.
type TypeMismatchError struct {
	Key  Key
	Want string
	Got  string
}

// Error implements the error interface.
func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("%s: key %q holds %s, want %s", ErrTypeMismatch.Error(), string(e.Key), e.Got, e.Want)
}

// Is makes errors.Is(err, ErrTypeMismatch) hold.
func (e *TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}
