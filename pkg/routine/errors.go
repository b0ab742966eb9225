package routine

import "errors"

var (
	// ErrInvalidConfig is returned when a routine configuration is malformed.
	ErrInvalidConfig = errors.New("invalid routine configuration")

	// ErrInvalidParams is returned when routine parameters cannot be decoded.
	ErrInvalidParams = errors.New("invalid routine parameters")

	// ErrUnknownRoutineType is returned when no creator is registered for a type.
	ErrUnknownRoutineType = errors.New("no creator registered for routine type")

	// ErrUnknownLogicalName is returned when a routine uses a logical name it never declared.
	ErrUnknownLogicalName = errors.New("logical name not declared in routine mapping")
)
